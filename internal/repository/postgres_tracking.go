package repository

import (
	"context"
	"database/sql"

	"aliquot-sync/internal/domain"

	"github.com/lib/pq"
)

const untrackedSelect = `
	SELECT
		s.shipment_id::text,
		s.ref,
		s.sent_from_id,
		COALESCE(s.sent_to_id, 0),
		s.sent_at,
		s.reception_date,
		s.reception_status,
		s.reception_comments,
		a.aliquot_id,
		a.sample_type,
		a.patient_id,
		a.patient_ref,
		sa.condition,
		sa.shipment_task_id
	FROM shipped_aliquots sa
	JOIN shipments s ON s.shipment_id = sa.shipment_id
	JOIN aliquots a ON a.aliquot_id = sa.aliquot_id`

// ListUntrackedShipments 按 shipment -> patient -> aliquot 排序，便于分组
func (t *postgresTx) ListUntrackedShipments(ctx context.Context) ([]domain.UntrackedRow, error) {
	query := untrackedSelect + `
	WHERE s.status IN ('SHIPPED', 'RECEIVING', 'RECEIVED')
	  AND sa.shipment_task_id IS NULL
	ORDER BY s.sent_at, s.shipment_id, a.patient_id, a.aliquot_id`
	return t.listUntracked(ctx, "list untracked shipments", query)
}

// ListUntrackedReceptions 只返回已有发货任务的行（接收任务需要引用它）
func (t *postgresTx) ListUntrackedReceptions(ctx context.Context) ([]domain.UntrackedRow, error) {
	query := untrackedSelect + `
	WHERE s.status = 'RECEIVED'
	  AND sa.reception_task_id IS NULL
	  AND sa.shipment_task_id IS NOT NULL
	ORDER BY s.reception_date, s.shipment_id, a.patient_id, a.aliquot_id`
	return t.listUntracked(ctx, "list untracked receptions", query)
}

func (t *postgresTx) listUntracked(ctx context.Context, op, query string) ([]domain.UntrackedRow, error) {
	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := []domain.UntrackedRow{}
	for rows.Next() {
		var (
			r                       domain.UntrackedRow
			sentAt, receptionDate   sql.NullTime
			reception, cond, shipID sql.NullString
			sampleType              string
		)
		if err := rows.Scan(
			&r.ShipmentID,
			&r.ShipmentRef,
			&r.SentFromID,
			&r.SentToID,
			&sentAt,
			&receptionDate,
			&reception,
			&r.Comments,
			&r.AliquotID,
			&sampleType,
			&r.PatientID,
			&r.PatientRef,
			&cond,
			&shipID,
		); err != nil {
			return nil, storageErr(op, err)
		}
		if sentAt.Valid {
			v := sentAt.Time.UTC()
			r.SentAt = &v
		}
		if receptionDate.Valid {
			v := receptionDate.Time.UTC()
			r.ReceptionDate = &v
		}
		if reception.Valid {
			v := domain.ReceptionStatus(reception.String)
			r.Reception = &v
		}
		r.SampleType = domain.SampleType(sampleType)
		r.Condition = conditionPtr(cond)
		r.ShipmentTaskID = stringPtr(shipID)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func (t *postgresTx) ClaimShipmentRows(ctx context.Context, shipmentID string, aliquotIDs []string) ([]string, error) {
	return t.claimUntracked(ctx, "shipment_task_id", shipmentID, aliquotIDs)
}

func (t *postgresTx) ClaimReceptionRows(ctx context.Context, shipmentID string, aliquotIDs []string) ([]string, error) {
	return t.claimUntracked(ctx, "reception_task_id", shipmentID, aliquotIDs)
}

// claimUntracked SKIP LOCKED：并发的另一次运行已锁住的行直接跳过，不等待
func (t *postgresTx) claimUntracked(ctx context.Context, column, shipmentID string, aliquotIDs []string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT aliquot_id
		 FROM shipped_aliquots
		 WHERE shipment_id = $1
		   AND aliquot_id = ANY($2)
		   AND `+column+` IS NULL
		 ORDER BY aliquot_id
		 FOR UPDATE SKIP LOCKED`,
		shipmentID, pq.Array(aliquotIDs),
	)
	if err != nil {
		return nil, storageErr("claim "+column, err)
	}
	defer rows.Close()

	claimed := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("claim "+column, err)
		}
		claimed = append(claimed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("claim "+column, err)
	}
	return claimed, nil
}

// MarkShipmentTracked 写入发货任务 ID（幂等键）
func (t *postgresTx) MarkShipmentTracked(ctx context.Context, shipmentID string, aliquotIDs []string, taskID string) (int64, error) {
	return t.markTracked(ctx, "shipment_task_id", shipmentID, aliquotIDs, taskID)
}

// MarkReceptionTracked 写入接收任务 ID（幂等键）
func (t *postgresTx) MarkReceptionTracked(ctx context.Context, shipmentID string, aliquotIDs []string, taskID string) (int64, error) {
	return t.markTracked(ctx, "reception_task_id", shipmentID, aliquotIDs, taskID)
}

func (t *postgresTx) markTracked(ctx context.Context, column, shipmentID string, aliquotIDs []string, taskID string) (int64, error) {
	// column 只来自上面两个常量
	res, err := t.tx.ExecContext(ctx,
		`UPDATE shipped_aliquots
		 SET `+column+` = $3
		 WHERE shipment_id = $1
		   AND aliquot_id = ANY($2)
		   AND `+column+` IS NULL`,
		shipmentID, pq.Array(aliquotIDs), taskID,
	)
	if err != nil {
		return 0, storageErr("mark "+column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("mark "+column, err)
	}
	return n, nil
}
