package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"aliquot-sync/internal/domain"
)

const shipmentColumns = `
	shipment_id::text,
	ref,
	status,
	sent_from_id,
	sent_to_id,
	sent_at,
	reception_date,
	reception_status,
	reception_comments,
	created_at,
	updated_at`

func scanShipment(row interface{ Scan(...any) error }) (*domain.Shipment, error) {
	var (
		s               domain.Shipment
		status          string
		sentTo          sql.NullInt64
		sentAt          sql.NullTime
		receptionDate   sql.NullTime
		receptionStatus sql.NullString
	)
	if err := row.Scan(
		&s.ShipmentID,
		&s.Ref,
		&status,
		&s.SentFromID,
		&sentTo,
		&sentAt,
		&receptionDate,
		&receptionStatus,
		&s.ReceptionComments,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.Status = domain.ShipmentStatus(status)
	if sentTo.Valid {
		v := sentTo.Int64
		s.SentToID = &v
	}
	if sentAt.Valid {
		v := sentAt.Time.UTC()
		s.SentAt = &v
	}
	if receptionDate.Valid {
		v := receptionDate.Time.UTC()
		s.ReceptionDate = &v
	}
	if receptionStatus.Valid {
		v := domain.ReceptionStatus(receptionStatus.String)
		s.ReceptionStatus = &v
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

// GetShipment 获取发货单
func (t *postgresTx) GetShipment(ctx context.Context, shipmentID string, forUpdate bool) (*domain.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE shipment_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanShipment(t.tx.QueryRowContext(ctx, query, shipmentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "shipment", ID: shipmentID}
		}
		return nil, storageErr("get shipment", err)
	}
	return s, nil
}

// GetShipmentByRef 按 ref 查询
func (t *postgresTx) GetShipmentByRef(ctx context.Context, ref string) (*domain.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE ref = $1`
	s, err := scanShipment(t.tx.QueryRowContext(ctx, query, ref))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: "shipment", ID: ref}
		}
		return nil, storageErr("get shipment by ref", err)
	}
	return s, nil
}

// InsertShipment 创建发货单
func (t *postgresTx) InsertShipment(ctx context.Context, s *domain.Shipment) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO shipments (
			shipment_id, ref, status, sent_from_id, sent_to_id,
			reception_comments, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ShipmentID,
		s.Ref,
		string(s.Status),
		s.SentFromID,
		nullInt64(s.SentToID),
		s.ReceptionComments,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewValidationError("ref", "shipment ref already exists: "+s.Ref)
		}
		return storageErr("insert shipment", err)
	}
	return nil
}

// UpdateShipment 全量更新可变字段
func (t *postgresTx) UpdateShipment(ctx context.Context, s *domain.Shipment) error {
	var receptionStatus sql.NullString
	if s.ReceptionStatus != nil {
		receptionStatus = sql.NullString{String: string(*s.ReceptionStatus), Valid: true}
	}
	var sentAt, receptionDate sql.NullTime
	if s.SentAt != nil {
		sentAt = sql.NullTime{Time: *s.SentAt, Valid: true}
	}
	if s.ReceptionDate != nil {
		receptionDate = sql.NullTime{Time: *s.ReceptionDate, Valid: true}
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE shipments
		 SET ref = $2,
		     status = $3,
		     sent_to_id = $4,
		     sent_at = $5,
		     reception_date = $6,
		     reception_status = $7,
		     reception_comments = $8,
		     updated_at = $9
		 WHERE shipment_id = $1`,
		s.ShipmentID,
		s.Ref,
		string(s.Status),
		nullInt64(s.SentToID),
		sentAt,
		receptionDate,
		receptionStatus,
		s.ReceptionComments,
		s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewValidationError("ref", "shipment ref already exists: "+s.Ref)
		}
		return storageErr("update shipment", err)
	}
	return expectAffected(res, "shipment", s.ShipmentID)
}

// DeleteShipment 删除发货单
func (t *postgresTx) DeleteShipment(ctx context.Context, shipmentID string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM shipments WHERE shipment_id = $1`, shipmentID)
	if err != nil {
		return storageErr("delete shipment", err)
	}
	return expectAffected(res, "shipment", shipmentID)
}

// InsertShippedAliquot 主键冲突即视为已存在
func (t *postgresTx) InsertShippedAliquot(ctx context.Context, sa *domain.ShippedAliquot) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO shipped_aliquots (shipment_id, aliquot_id, condition)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (shipment_id, aliquot_id) DO NOTHING`,
		sa.ShipmentID, sa.AliquotID, conditionArg(sa.Condition),
	)
	if err != nil {
		return false, storageErr("insert shipped aliquot", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("insert shipped aliquot", err)
	}
	return n == 1, nil
}

func (t *postgresTx) DeleteShippedAliquot(ctx context.Context, shipmentID, aliquotID string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM shipped_aliquots WHERE shipment_id = $1 AND aliquot_id = $2`,
		shipmentID, aliquotID,
	)
	if err != nil {
		return storageErr("delete shipped aliquot", err)
	}
	return expectAffected(res, "shipped aliquot", aliquotID)
}

// ListShippedAliquots 按 aliquot_id 排序
func (t *postgresTx) ListShippedAliquots(ctx context.Context, shipmentID string) ([]*domain.ShippedAliquot, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT shipment_id::text, aliquot_id, condition, shipment_task_id, reception_task_id
		 FROM shipped_aliquots
		 WHERE shipment_id = $1
		 ORDER BY aliquot_id`,
		shipmentID,
	)
	if err != nil {
		return nil, storageErr("list shipped aliquots", err)
	}
	defer rows.Close()

	var out []*domain.ShippedAliquot
	for rows.Next() {
		var (
			sa                       domain.ShippedAliquot
			cond, shipTask, recvTask sql.NullString
		)
		if err := rows.Scan(&sa.ShipmentID, &sa.AliquotID, &cond, &shipTask, &recvTask); err != nil {
			return nil, storageErr("scan shipped aliquot", err)
		}
		sa.Condition = conditionPtr(cond)
		sa.ShipmentTaskID = stringPtr(shipTask)
		sa.ReceptionTaskID = stringPtr(recvTask)
		out = append(out, &sa)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate shipped aliquots", err)
	}
	return out, nil
}

func (t *postgresTx) SetCondition(ctx context.Context, shipmentID, aliquotID string, c domain.Condition) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE shipped_aliquots SET condition = $3 WHERE shipment_id = $1 AND aliquot_id = $2`,
		shipmentID, aliquotID, string(c),
	)
	if err != nil {
		return storageErr("set condition", err)
	}
	return expectAffected(res, "shipped aliquot", aliquotID)
}

func expectAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return &domain.NotFoundError{Entity: entity, ID: id}
	}
	return nil
}

func utcNow() time.Time { return time.Now().UTC() }
