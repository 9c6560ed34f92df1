package repository

import (
	"context"
	"database/sql"
	"errors"

	"aliquot-sync/internal/domain"

	"github.com/lib/pq"
)

// GetAliquot 获取样本；forUpdate 时加行锁
func (t *postgresTx) GetAliquot(ctx context.Context, aliquotID string, forUpdate bool) (*domain.Aliquot, error) {
	query := `
		SELECT
			aliquot_id,
			patient_id,
			patient_ref,
			sample_type,
			parent_id,
			location_id,
			status,
			shipment_id::text,
			created_at,
			updated_at
		FROM aliquots
		WHERE aliquot_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		a                    domain.Aliquot
		sampleType, status   string
		parentID, shipmentID sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, query, aliquotID).Scan(
		&a.AliquotID,
		&a.PatientID,
		&a.PatientRef,
		&sampleType,
		&parentID,
		&a.LocationID,
		&status,
		&shipmentID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "aliquot", ID: aliquotID}
		}
		return nil, storageErr("get aliquot", err)
	}

	a.SampleType = domain.SampleType(sampleType)
	a.Status = domain.AliquotStatus(status)
	a.ParentID = stringPtr(parentID)
	a.ShipmentID = stringPtr(shipmentID)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// InsertAliquot 创建样本
func (t *postgresTx) InsertAliquot(ctx context.Context, a *domain.Aliquot) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO aliquots (
			aliquot_id, patient_id, patient_ref, sample_type, parent_id,
			location_id, status, shipment_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.AliquotID,
		a.PatientID,
		a.PatientRef,
		string(a.SampleType),
		nullString(a.ParentID),
		a.LocationID,
		string(a.Status),
		nullString(a.ShipmentID),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewValidationError("aliquot_id", "aliquot already exists: "+a.AliquotID)
		}
		return storageErr("insert aliquot", err)
	}
	return nil
}

// UpdateAliquot 更新位置/状态/在途发货单
func (t *postgresTx) UpdateAliquot(ctx context.Context, a *domain.Aliquot) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE aliquots
		 SET location_id = $2,
		     status = $3,
		     shipment_id = $4,
		     updated_at = $5
		 WHERE aliquot_id = $1`,
		a.AliquotID,
		a.LocationID,
		string(a.Status),
		nullString(a.ShipmentID),
		a.UpdatedAt,
	)
	if err != nil {
		return storageErr("update aliquot", err)
	}
	return expectAffected(res, "aliquot", a.AliquotID)
}

// ExistingAliquotIDs 导入幂等检查
func (t *postgresTx) ExistingAliquotIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT aliquot_id FROM aliquots WHERE aliquot_id = ANY($1) ORDER BY aliquot_id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, storageErr("query existing aliquots", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan existing aliquot", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate existing aliquots", err)
	}
	return out, nil
}

// AppendHistory 追加审计记录
func (t *postgresTx) AppendHistory(ctx context.Context, h *domain.AliquotHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = utcNow()
	}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO aliquot_history (
			aliquot_id, task_id, location_id, status, condition, shipment_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING history_id`,
		h.AliquotID,
		nullString(h.TaskID),
		h.LocationID,
		string(h.Status),
		conditionArg(h.Condition),
		nullString(h.ShipmentID),
		h.CreatedAt,
	).Scan(&h.HistoryID)
	if err != nil {
		return storageErr("append aliquot history", err)
	}
	return nil
}
