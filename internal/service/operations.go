package service

import (
	"context"
	"strings"
	"time"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/lifecycle"
	"aliquot-sync/internal/metrics"

	"go.uber.org/zap"
)

// Job 可单独触发的后台任务
type Job interface {
	Run(ctx context.Context) *domain.Result
}

// Operations 对外操作：每个操作返回 domain.Result（状态 + 摘要 + 明细），从不返回裸错误
type Operations struct {
	runner  *lifecycle.Runner
	machine *lifecycle.Machine
	gateway ecrf.Gateway

	shipmentTracker  Job
	receptionTracker Job
	importer         Job

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewOperations(runner *lifecycle.Runner, machine *lifecycle.Machine, gateway ecrf.Gateway,
	shipmentTracker, receptionTracker, importer Job, m *metrics.Metrics, logger *zap.Logger) *Operations {
	return &Operations{
		runner:           runner,
		machine:          machine,
		gateway:          gateway,
		shipmentTracker:  shipmentTracker,
		receptionTracker: receptionTracker,
		importer:         importer,
		metrics:          m,
		logger:           logger,
	}
}

// failed 单个操作失败：ERROR + 单条消息
func (o *Operations) failed(op string, err error) *domain.Result {
	if domain.IsRecoverable(err) {
		o.logger.Warn("Operation rejected", zap.String("op", op), zap.Error(err))
	} else {
		o.logger.Error("Operation failed", zap.String("op", op), zap.Error(err))
	}
	return domain.Aborted(err)
}

// withSession 按 ctx 中的调用者令牌解析会话（无令牌时为服务身份），再在一个事务内执行 fn
func (o *Operations) withSession(ctx context.Context, fn func(sc *lifecycle.Scope) error) error {
	sess, err := o.gateway.CurrentSession(ctx)
	if err != nil {
		return err
	}
	return o.runner.Do(ctx, sess, fn)
}

func shipmentByRef(ctx context.Context, sc *lifecycle.Scope, ref string) (*domain.Shipment, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, domain.NewValidationError("ref", "shipment reference is required")
	}
	return sc.Tx.GetShipmentByRef(ctx, ref)
}

func cleanIDs(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, domain.NewValidationError("aliquot_ids", "at least one aliquot id is required")
	}
	return out, nil
}

// PrepareShipment 创建（或继续编辑）PREPARING 发货单、设置目的地并加入样本，整体在一个事务内
func (o *Operations) PrepareShipment(ctx context.Context, req PrepareShipmentRequest) *domain.Result {
	const op = "prepare_shipment"
	ids, err := cleanIDs(req.AliquotIDs)
	if err != nil && len(req.AliquotIDs) > 0 {
		return o.failed(op, err)
	}

	result := domain.NewResult()
	err = o.withSession(ctx, func(sc *lifecycle.Scope) error {
		s, err := shipmentByRef(ctx, sc, req.Ref)
		switch {
		case domain.IsNotFound(err):
			var sentTo *int64
			if req.SentTo > 0 {
				sentTo = &req.SentTo
			}
			s, err = o.machine.CreateShipment(ctx, sc, req.Ref, sc.Caller(), sentTo)
			if err != nil {
				return err
			}
			result.Detailf("shipment %s created", s.Ref)
		case err != nil:
			return err
		case req.SentTo > 0 && req.SentTo != s.SentTo():
			if err := o.machine.SetDestination(ctx, sc, s.ShipmentID, req.SentTo); err != nil {
				return err
			}
			result.Detailf("shipment %s destination set to %d", s.Ref, req.SentTo)
		}

		for _, id := range ids {
			added, err := o.machine.AddAliquot(ctx, sc, s.ShipmentID, id)
			if err != nil {
				return err
			}
			if added {
				result.Success("aliquot %s added to %s", id, s.Ref)
			} else {
				result.Skip("aliquot %s already in %s", id, s.Ref)
			}
		}
		return nil
	})
	if err != nil {
		return o.failed(op, err)
	}
	if result.NumSuccessful == 0 && result.NumSkipped == 0 {
		// 只创建/修改了发货单本身
		result.Status = domain.ResultSuccess
		result.Message = strings.Join(result.Details, "; ")
		return result
	}
	return result.Finish("prepare shipment " + req.Ref)
}

// AddAliquots 逐个样本处理（每个样本一个事务），单个失败不影响其它样本
func (o *Operations) AddAliquots(ctx context.Context, ref string, aliquotIDs []string) *domain.Result {
	return o.perAliquot(ctx, "add_aliquots", ref, "add aliquots to "+ref, aliquotIDs,
		func(sc *lifecycle.Scope, s *domain.Shipment, id string) (bool, error) {
			return o.machine.AddAliquot(ctx, sc, s.ShipmentID, id)
		}, "added", "already in shipment")
}

// RemoveAliquots 仅 PREPARING
func (o *Operations) RemoveAliquots(ctx context.Context, ref string, aliquotIDs []string) *domain.Result {
	return o.perAliquot(ctx, "remove_aliquots", ref, "remove aliquots from "+ref, aliquotIDs,
		func(sc *lifecycle.Scope, s *domain.Shipment, id string) (bool, error) {
			return true, o.machine.RemoveAliquot(ctx, sc, s.ShipmentID, id)
		}, "removed", "")
}

func (o *Operations) perAliquot(ctx context.Context, op, ref, summary string, aliquotIDs []string,
	apply func(sc *lifecycle.Scope, s *domain.Shipment, id string) (bool, error), doneMsg, skipMsg string) *domain.Result {
	ids, err := cleanIDs(aliquotIDs)
	if err != nil {
		return o.failed(op, err)
	}
	sess, err := o.gateway.CurrentSession(ctx)
	if err != nil {
		return o.failed(op, err)
	}

	result := domain.NewResult()
	for _, id := range ids {
		var changed bool
		err := o.runner.Do(ctx, sess, func(sc *lifecycle.Scope) error {
			s, err := shipmentByRef(ctx, sc, ref)
			if err != nil {
				return err
			}
			changed, err = apply(sc, s, id)
			return err
		})
		switch {
		case err == nil && changed:
			result.Success("aliquot %s: %s", id, doneMsg)
		case err == nil:
			result.Skip("aliquot %s: %s", id, skipMsg)
		case domain.IsRecoverable(err):
			result.Fail("aliquot %s: %v", id, err)
		default:
			return o.failed(op, err)
		}
	}
	return result.Finish(summary)
}

// SendShipment PREPARING -> SHIPPED
func (o *Operations) SendShipment(ctx context.Context, ref string) *domain.Result {
	var sent *domain.Shipment
	err := o.withSession(ctx, func(sc *lifecycle.Scope) error {
		s, err := shipmentByRef(ctx, sc, ref)
		if err != nil {
			return err
		}
		sent, err = o.machine.Send(ctx, sc, s.ShipmentID)
		return err
	})
	if err != nil {
		return o.failed("send_shipment", err)
	}
	return domain.Done("shipment %s sent at %s", sent.Ref, sent.SentAt.Format(time.RFC3339))
}

// DeleteShipment 仅 PREPARING；detach 时先把样本退回 AVAILABLE
func (o *Operations) DeleteShipment(ctx context.Context, ref string, detach bool) *domain.Result {
	err := o.withSession(ctx, func(sc *lifecycle.Scope) error {
		s, err := shipmentByRef(ctx, sc, ref)
		if err != nil {
			return err
		}
		return o.machine.DeleteShipment(ctx, sc, s.ShipmentID, detach)
	})
	if err != nil {
		return o.failed("delete_shipment", err)
	}
	return domain.Done("shipment %s deleted", ref)
}

// PrepareReception SHIPPED -> RECEIVING；调用方必须是目的地
func (o *Operations) PrepareReception(ctx context.Context, ref string, receptionDate time.Time) *domain.Result {
	var s *domain.Shipment
	err := o.withSession(ctx, func(sc *lifecycle.Scope) error {
		found, err := shipmentByRef(ctx, sc, ref)
		if err != nil {
			return err
		}
		s, err = o.machine.StartReception(ctx, sc, found.ShipmentID, receptionDate)
		return err
	})
	if err != nil {
		return o.failed("prepare_reception", err)
	}
	return domain.Done("shipment %s reception started at %s", s.Ref, s.ReceptionDate.Format(time.RFC3339))
}

// SetAliquotCondition 仅 RECEIVING
func (o *Operations) SetAliquotCondition(ctx context.Context, ref, aliquotID, condition string) *domain.Result {
	c, err := domain.ParseCondition(condition)
	if err != nil {
		return o.failed("set_condition", err)
	}
	err = o.withSession(ctx, func(sc *lifecycle.Scope) error {
		s, err := shipmentByRef(ctx, sc, ref)
		if err != nil {
			return err
		}
		return o.machine.SetAliquotCondition(ctx, sc, s.ShipmentID, aliquotID, c)
	})
	if err != nil {
		return o.failed("set_condition", err)
	}
	return domain.Done("aliquot %s condition set to %s", aliquotID, c)
}

// FinishReception RECEIVING -> RECEIVED
func (o *Operations) FinishReception(ctx context.Context, req FinishReceptionRequest) *domain.Result {
	const op = "finish_reception"
	outcome, err := domain.ParseReceptionStatus(req.Outcome)
	if err != nil {
		return o.failed(op, err)
	}
	conditions := make(map[string]domain.Condition, len(req.Conditions))
	for id, raw := range req.Conditions {
		c, err := domain.ParseCondition(raw)
		if err != nil {
			return o.failed(op, err)
		}
		conditions[strings.TrimSpace(id)] = c
	}

	var s *domain.Shipment
	err = o.withSession(ctx, func(sc *lifecycle.Scope) error {
		found, err := shipmentByRef(ctx, sc, req.Ref)
		if err != nil {
			return err
		}
		s, err = o.machine.FinishReception(ctx, sc, lifecycle.FinishReceptionRequest{
			ShipmentID:    found.ShipmentID,
			Outcome:       outcome,
			Comments:      req.Comments,
			Conditions:    conditions,
			ReceptionDate: req.ReceptionDate,
		})
		return err
	})
	if err != nil {
		return o.failed(op, err)
	}
	return domain.Done("shipment %s received (%s)", s.Ref, outcome)
}

// UpdateSamplesStatus 消耗/废弃样本，整体一个事务
func (o *Operations) UpdateSamplesStatus(ctx context.Context, req []SampleStatusRequest) *domain.Result {
	const op = "update_samples_status"
	updates := make([]lifecycle.StatusUpdate, 0, len(req))
	for _, r := range req {
		st, err := domain.ParseAliquotStatus(r.Status)
		if err != nil {
			return o.failed(op, err)
		}
		u := lifecycle.StatusUpdate{AliquotID: strings.TrimSpace(r.AliquotID), Status: st}
		if r.TaskID != "" {
			taskID := r.TaskID
			u.TaskID = &taskID
		}
		updates = append(updates, u)
	}

	var changed int
	err := o.withSession(ctx, func(sc *lifecycle.Scope) error {
		var err error
		changed, err = o.machine.UpdateSamplesStatus(ctx, sc, updates)
		return err
	})
	if err != nil {
		return o.failed(op, err)
	}

	result := domain.NewResult()
	for _, u := range updates {
		result.Detailf("aliquot %s -> %s", u.AliquotID, u.Status)
	}
	result.NumSuccessful = changed
	result.NumSkipped = len(updates) - changed
	return result.Finish("update samples status")
}

// DeriveExosomes 来源样本 -> USED，新 EXOSOMES 样本 AVAILABLE
func (o *Operations) DeriveExosomes(ctx context.Context, parentID string, aliquotIDs []string) *domain.Result {
	const op = "derive_exosomes"
	ids, err := cleanIDs(aliquotIDs)
	if err != nil {
		return o.failed(op, err)
	}
	var derived []*domain.Aliquot
	err = o.withSession(ctx, func(sc *lifecycle.Scope) error {
		var err error
		derived, err = o.machine.DeriveExosomes(ctx, sc, strings.TrimSpace(parentID), ids, nil)
		return err
	})
	if err != nil {
		return o.failed(op, err)
	}
	result := domain.NewResult()
	for _, a := range derived {
		result.Success("exosomes aliquot %s derived from %s", a.AliquotID, parentID)
	}
	return result.Finish("derive exosomes")
}

func (o *Operations) runJob(ctx context.Context, name string, job Job) *domain.Result {
	started := time.Now()
	result := job.Run(ctx)
	o.metrics.ObserveJob(name, started, result)
	return result
}

func (o *Operations) TrackPendingShipments(ctx context.Context) *domain.Result {
	return o.runJob(ctx, JobTrackShipments, o.shipmentTracker)
}

func (o *Operations) TrackPendingReceptions(ctx context.Context) *domain.Result {
	return o.runJob(ctx, JobTrackReceptions, o.receptionTracker)
}

func (o *Operations) ImportBloodProcessingData(ctx context.Context) *domain.Result {
	return o.runJob(ctx, JobImport, o.importer)
}

// 任务名（指标标签）
const (
	JobTrackShipments  = "track_shipments"
	JobTrackReceptions = "track_receptions"
	JobImport          = "import_blood_processing_data"
)
