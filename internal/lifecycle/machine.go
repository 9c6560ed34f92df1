// Package lifecycle 发货单/样本状态机
//
// 发货单：PREPARING -> SHIPPED -> RECEIVING -> RECEIVED，PREPARING 可删除
// 样本：  AVAILABLE <-> IN_TRANSIT，IN_TRANSIT -> REJECTED，AVAILABLE -> USED | REJECTED
//
// 所有操作都在调用方提供的 Scope（一个事务）内执行，样本状态每变化一次追加一条历史
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Machine 无状态，可并发使用；行级互斥由存储的 FOR UPDATE 保证
type Machine struct {
	locations *domain.Locations
	metrics   *metrics.Metrics
	logger    *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewMachine locations 为 nil 时不校验 Location 是否存在
func NewMachine(locations *domain.Locations, m *metrics.Metrics, logger *zap.Logger) *Machine {
	return &Machine{
		locations: locations,
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
}

func (m *Machine) checkLocation(field string, id int64) error {
	if id <= 0 {
		return domain.NewValidationError(field, "location is required")
	}
	if m.locations == nil {
		return nil
	}
	if _, ok := m.locations.ByID(id); !ok {
		return domain.NewValidationError(field, fmt.Sprintf("unknown location %d", id))
	}
	return nil
}

func shipmentTransitionErr(s *domain.Shipment, to domain.ShipmentStatus, reason string) error {
	return &domain.InvalidTransitionError{
		Entity: "shipment",
		ID:     s.Ref,
		From:   string(s.Status),
		To:     string(to),
		Reason: reason,
	}
}

// requireStatus 发货单必须处于 want 才能执行 op
func requireStatus(s *domain.Shipment, want domain.ShipmentStatus, op string) error {
	if s.Status == want {
		return nil
	}
	return &domain.InvalidTransitionError{
		Entity: "shipment",
		ID:     s.Ref,
		From:   string(s.Status),
		To:     op,
		Reason: "requires " + string(want),
	}
}

// CreateShipment 新建 PREPARING 发货单；sentTo 可稍后设置
func (m *Machine) CreateShipment(ctx context.Context, sc *Scope, ref string, sentFrom int64, sentTo *int64) (*domain.Shipment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.NewValidationError("ref", "shipment reference is required")
	}
	if err := m.checkLocation("sent_from", sentFrom); err != nil {
		return nil, err
	}
	if sentTo != nil {
		if err := m.checkLocation("sent_to", *sentTo); err != nil {
			return nil, err
		}
		if *sentTo == sentFrom {
			return nil, domain.NewValidationError("sent_to", "destination must differ from origin")
		}
	}

	now := m.now()
	s := &domain.Shipment{
		ShipmentID: m.newID(),
		Ref:        ref,
		Status:     domain.ShipmentPreparing,
		SentFromID: sentFrom,
		SentToID:   sentTo,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := sc.Tx.InsertShipment(ctx, s); err != nil {
		return nil, err
	}
	m.metrics.ShipmentTransition(domain.ShipmentPreparing)
	return s, nil
}

// SetDestination 仅 PREPARING 可修改目的地
func (m *Machine) SetDestination(ctx context.Context, sc *Scope, shipmentID string, sentTo int64) error {
	s, err := sc.Tx.GetShipment(ctx, shipmentID, true)
	if err != nil {
		return err
	}
	if err := requireStatus(s, domain.ShipmentPreparing, "set_destination"); err != nil {
		return err
	}
	if err := m.checkLocation("sent_to", sentTo); err != nil {
		return err
	}
	if sentTo == s.SentFromID {
		return domain.NewValidationError("sent_to", "destination must differ from origin")
	}
	s.SentToID = &sentTo
	s.UpdatedAt = m.now()
	return sc.Tx.UpdateShipment(ctx, s)
}

// AddAliquot 把发送方的 AVAILABLE 样本加入发货单
// 返回 false 表示该样本已在此发货单中（主键冲突，视为无操作）
func (m *Machine) AddAliquot(ctx context.Context, sc *Scope, shipmentID, aliquotID string) (bool, error) {
	s, err := sc.Tx.GetShipment(ctx, shipmentID, true)
	if err != nil {
		return false, err
	}
	if err := requireStatus(s, domain.ShipmentPreparing, "add_aliquot"); err != nil {
		return false, err
	}
	a, err := sc.Tx.GetAliquot(ctx, aliquotID, true)
	if err != nil {
		return false, err
	}

	sa := &domain.ShippedAliquot{ShipmentID: s.ShipmentID, AliquotID: a.AliquotID}

	// 重复添加：交给主键冲突判定
	if a.ShipmentID != nil && *a.ShipmentID == s.ShipmentID {
		return sc.Tx.InsertShippedAliquot(ctx, sa)
	}

	if !a.Status.CanTransitionTo(domain.AliquotInTransit) {
		return false, &domain.InvalidTransitionError{
			Entity: "aliquot",
			ID:     a.AliquotID,
			From:   string(a.Status),
			To:     string(domain.AliquotInTransit),
			Reason: "aliquot is not available",
		}
	}
	if a.LocationID != s.SentFromID {
		return false, domain.NewValidationError("aliquot_id",
			fmt.Sprintf("aliquot %s is not held by the sender location", a.AliquotID))
	}

	inserted, err := sc.Tx.InsertShippedAliquot(ctx, sa)
	if err != nil || !inserted {
		return false, err
	}

	now := m.now()
	shipmentRef := s.ShipmentID
	a.Status = domain.AliquotInTransit
	a.ShipmentID = &shipmentRef
	a.UpdatedAt = now
	if err := m.saveAliquot(ctx, sc, a, nil, nil, now); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveAliquot 仅 PREPARING：样本退回 AVAILABLE 并删除关联行
func (m *Machine) RemoveAliquot(ctx context.Context, sc *Scope, shipmentID, aliquotID string) error {
	s, err := sc.Tx.GetShipment(ctx, shipmentID, true)
	if err != nil {
		return err
	}
	if err := requireStatus(s, domain.ShipmentPreparing, "remove_aliquot"); err != nil {
		return err
	}
	return m.detach(ctx, sc, s, aliquotID)
}

func (m *Machine) detach(ctx context.Context, sc *Scope, s *domain.Shipment, aliquotID string) error {
	a, err := sc.Tx.GetAliquot(ctx, aliquotID, true)
	if err != nil {
		return err
	}
	if a.ShipmentID == nil || *a.ShipmentID != s.ShipmentID {
		return &domain.NotFoundError{Entity: "shipped aliquot", ID: s.Ref + "/" + aliquotID}
	}
	if err := sc.Tx.DeleteShippedAliquot(ctx, s.ShipmentID, aliquotID); err != nil {
		return err
	}

	now := m.now()
	a.Status = domain.AliquotAvailable
	a.ShipmentID = nil
	a.UpdatedAt = now
	return m.saveAliquot(ctx, sc, a, nil, nil, now)
}

// DeleteShipment 仅 PREPARING；有样本时必须显式 detach
func (m *Machine) DeleteShipment(ctx context.Context, sc *Scope, shipmentID string, detach bool) error {
	s, err := sc.Tx.GetShipment(ctx, shipmentID, true)
	if err != nil {
		return err
	}
	if err := requireStatus(s, domain.ShipmentPreparing, "delete"); err != nil {
		return err
	}
	rows, err := sc.Tx.ListShippedAliquots(ctx, s.ShipmentID)
	if err != nil {
		return err
	}
	if len(rows) > 0 && !detach {
		return shipmentTransitionErr(s, "DELETED", fmt.Sprintf("%d aliquots still attached", len(rows)))
	}
	for _, row := range rows {
		if err := m.detach(ctx, sc, s, row.AliquotID); err != nil {
			return err
		}
	}
	return sc.Tx.DeleteShipment(ctx, s.ShipmentID)
}

// Send PREPARING -> SHIPPED；需要 ref、目的地和至少一个样本
func (m *Machine) Send(ctx context.Context, sc *Scope, shipmentID string) (*domain.Shipment, error) {
	s, err := sc.Tx.GetShipment(ctx, shipmentID, true)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.ShipmentPreparing {
		return nil, shipmentTransitionErr(s, domain.ShipmentShipped, "")
	}
	if s.Ref == "" {
		return nil, domain.NewValidationError("ref", "shipment reference is required")
	}
	if s.SentToID == nil {
		return nil, domain.NewValidationError("sent_to", "destination is not set")
	}
	rows, err := sc.Tx.ListShippedAliquots(ctx, s.ShipmentID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.NewValidationError("aliquots", "shipment has no aliquots")
	}

	now := m.now()
	s.Status = domain.ShipmentShipped
	s.SentAt = &now
	s.UpdatedAt = now
	if err := sc.Tx.UpdateShipment(ctx, s); err != nil {
		return nil, err
	}
	m.metrics.ShipmentTransition(s.Status)
	return s, nil
}

// StartReception SHIPPED -> RECEIVING；只有目的地可以开始接收
// receptionDate 为零值时使用当前时间
func (m *Machine) StartReception(ctx context.Context, sc *Scope, shipmentID string, receptionDate time.Time) (*domain.Shipment, error) {
	s, err := sc.Tx.GetShipment(ctx, shipmentID, true)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.ShipmentShipped {
		return nil, shipmentTransitionErr(s, domain.ShipmentReceiving, "")
	}
	if caller := sc.Caller(); caller != s.SentTo() {
		return nil, shipmentTransitionErr(s, domain.ShipmentReceiving,
			fmt.Sprintf("caller location %d is not the destination", caller))
	}

	now := m.now()
	if receptionDate.IsZero() {
		receptionDate = now
	}
	receptionDate = receptionDate.UTC()
	s.Status = domain.ShipmentReceiving
	s.ReceptionDate = &receptionDate
	s.UpdatedAt = now
	if err := sc.Tx.UpdateShipment(ctx, s); err != nil {
		return nil, err
	}
	m.metrics.ShipmentTransition(s.Status)
	return s, nil
}

// SetAliquotCondition 仅 RECEIVING；不改变样本状态（在 FinishReception 统一生效）
func (m *Machine) SetAliquotCondition(ctx context.Context, sc *Scope, shipmentID, aliquotID string, c domain.Condition) error {
	s, err := sc.Tx.GetShipment(ctx, shipmentID, true)
	if err != nil {
		return err
	}
	if err := requireStatus(s, domain.ShipmentReceiving, "set_condition"); err != nil {
		return err
	}
	return sc.Tx.SetCondition(ctx, s.ShipmentID, aliquotID, c)
}

// FinishReceptionRequest 完成接收
type FinishReceptionRequest struct {
	ShipmentID string
	Outcome    domain.ReceptionStatus
	Comments   string
	// Conditions 在完成前一并写入的样本状况（可为空，沿用 SetAliquotCondition 的结果）
	Conditions map[string]domain.Condition
	// ReceptionDate 覆盖 StartReception 记录的时间（可选）
	ReceptionDate *time.Time
}

// FinishReception RECEIVING -> RECEIVED
// NO_DAMAGE 的样本在目的地变为 AVAILABLE，其它状况变为 REJECTED（同样留在目的地）
func (m *Machine) FinishReception(ctx context.Context, sc *Scope, req FinishReceptionRequest) (*domain.Shipment, error) {
	s, err := sc.Tx.GetShipment(ctx, req.ShipmentID, true)
	if err != nil {
		return nil, err
	}
	if s.Status != domain.ShipmentReceiving {
		return nil, shipmentTransitionErr(s, domain.ShipmentReceived, "")
	}

	// 1. 参数验证
	if _, err := domain.ParseReceptionStatus(string(req.Outcome)); err != nil {
		return nil, err
	}
	comments := strings.TrimSpace(req.Comments)
	if req.Outcome != domain.ReceptionAllGood && comments == "" {
		return nil, domain.NewValidationError("comments", "comments are required unless the outcome is ALL_GOOD")
	}
	if req.ReceptionDate != nil {
		d := req.ReceptionDate.UTC()
		s.ReceptionDate = &d
	}
	if s.ReceptionDate == nil {
		return nil, domain.NewValidationError("reception_date", "reception date is required")
	}

	// 2. 写入随请求提交的样本状况
	for aliquotID, c := range req.Conditions {
		if err := sc.Tx.SetCondition(ctx, s.ShipmentID, aliquotID, c); err != nil {
			return nil, err
		}
	}

	// 3. 校验每个样本的状况与整体结果一致
	rows, err := sc.Tx.ListShippedAliquots(ctx, s.ShipmentID)
	if err != nil {
		return nil, err
	}
	conditions := make([]domain.Condition, len(rows))
	for i, row := range rows {
		c, err := resolveCondition(req.Outcome, row)
		if err != nil {
			return nil, err
		}
		if row.Condition == nil {
			if err := sc.Tx.SetCondition(ctx, s.ShipmentID, row.AliquotID, c); err != nil {
				return nil, err
			}
		}
		conditions[i] = c
	}

	// 4. 样本迁移到目的地
	now := m.now()
	dest := s.SentTo()
	for i, row := range rows {
		a, err := sc.Tx.GetAliquot(ctx, row.AliquotID, true)
		if err != nil {
			return nil, err
		}
		if a.ShipmentID == nil || *a.ShipmentID != s.ShipmentID || a.Status != domain.AliquotInTransit {
			return nil, &domain.InvalidTransitionError{
				Entity: "aliquot",
				ID:     a.AliquotID,
				From:   string(a.Status),
				To:     "RECEIVED",
				Reason: "aliquot is not in transit with shipment " + s.Ref,
			}
		}
		c := conditions[i]
		if c.Damaged() {
			a.Status = domain.AliquotRejected
		} else {
			a.Status = domain.AliquotAvailable
		}
		a.LocationID = dest
		a.ShipmentID = nil
		a.UpdatedAt = now
		shipmentRef := s.ShipmentID
		if err := m.saveAliquot(ctx, sc, a, &c, &shipmentRef, now); err != nil {
			return nil, err
		}
	}

	// 5. 发货单完成
	outcome := req.Outcome
	s.Status = domain.ShipmentReceived
	s.ReceptionStatus = &outcome
	s.ReceptionComments = comments
	s.UpdatedAt = now
	if err := sc.Tx.UpdateShipment(ctx, s); err != nil {
		return nil, err
	}
	m.metrics.ShipmentTransition(s.Status)

	m.logger.Info("Reception finished",
		zap.String("shipment_ref", s.Ref),
		zap.String("outcome", string(outcome)),
		zap.Int("aliquots", len(rows)),
	)
	return s, nil
}

// resolveCondition 未设置状况的样本只有在 ALL_GOOD 时默认为 NO_DAMAGE
func resolveCondition(outcome domain.ReceptionStatus, row *domain.ShippedAliquot) (domain.Condition, error) {
	if row.Condition == nil {
		if outcome == domain.ReceptionAllGood {
			return domain.ConditionNoDamage, nil
		}
		return "", domain.NewValidationError("condition",
			fmt.Sprintf("aliquot %s has no condition set", row.AliquotID))
	}
	c := *row.Condition
	switch outcome {
	case domain.ReceptionAllGood:
		if c.Damaged() {
			return "", domain.NewValidationError("condition",
				fmt.Sprintf("aliquot %s is %s but the outcome is ALL_GOOD", row.AliquotID, c))
		}
	case domain.ReceptionAllBad:
		if !c.Damaged() {
			return "", domain.NewValidationError("condition",
				fmt.Sprintf("aliquot %s is NO_DAMAGE but the outcome is ALL_BAD", row.AliquotID))
		}
	case domain.ReceptionPartiallyBad:
	}
	return c, nil
}

// saveAliquot 更新样本并追加一条历史
// shipmentID 用于记录样本离开发货单时的来源发货单
func (m *Machine) saveAliquot(ctx context.Context, sc *Scope, a *domain.Aliquot, cond *domain.Condition, shipmentID *string, at time.Time) error {
	if err := sc.Tx.UpdateAliquot(ctx, a); err != nil {
		return err
	}
	h := domain.HistoryFor(a, nil, cond, at)
	if shipmentID != nil {
		h.ShipmentID = shipmentID
	}
	if err := sc.Tx.AppendHistory(ctx, h); err != nil {
		return err
	}
	m.metrics.AliquotTransition(a.Status)
	return nil
}
