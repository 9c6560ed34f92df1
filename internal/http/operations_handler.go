package httpapi

import (
	"context"
	"net/http"
	"time"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/service"

	"go.uber.org/zap"
)

// Operations service.Operations 的 HTTP 侧视图
type Operations interface {
	PrepareShipment(ctx context.Context, req service.PrepareShipmentRequest) *domain.Result
	AddAliquots(ctx context.Context, ref string, aliquotIDs []string) *domain.Result
	RemoveAliquots(ctx context.Context, ref string, aliquotIDs []string) *domain.Result
	SendShipment(ctx context.Context, ref string) *domain.Result
	DeleteShipment(ctx context.Context, ref string, detach bool) *domain.Result
	PrepareReception(ctx context.Context, ref string, receptionDate time.Time) *domain.Result
	SetAliquotCondition(ctx context.Context, ref, aliquotID, condition string) *domain.Result
	FinishReception(ctx context.Context, req service.FinishReceptionRequest) *domain.Result
	UpdateSamplesStatus(ctx context.Context, req []service.SampleStatusRequest) *domain.Result
	DeriveExosomes(ctx context.Context, parentID string, aliquotIDs []string) *domain.Result
	TrackPendingShipments(ctx context.Context) *domain.Result
	TrackPendingReceptions(ctx context.Context) *domain.Result
	ImportBloodProcessingData(ctx context.Context) *domain.Result
}

var _ Operations = (*service.Operations)(nil)

// OperationsHandler 所有操作统一返回 Envelope，HTTP 状态码恒为 200（缺令牌时 401）
type OperationsHandler struct {
	ops    Operations
	logger *zap.Logger
	now    func() time.Time
}

func NewOperationsHandler(ops Operations, logger *zap.Logger) *OperationsHandler {
	return &OperationsHandler{ops: ops, logger: logger, now: time.Now}
}

func (h *OperationsHandler) reply(w http.ResponseWriter, r *http.Request, result *domain.Result) {
	h.logger.Debug("Operation handled",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("status", string(result.Status)),
	)
	respond(w, http.StatusOK, operationBody(result))
}

// asCaller 发货/接收/样本操作以调用者身份执行：令牌放入 ctx，eCRF 会话按它解析
func (h *OperationsHandler) asCaller(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.logger.Warn("Request without caller token",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
			)
			respond(w, http.StatusUnauthorized, failBody(CodeUnauthorized, "missing bearer token"))
			return
		}
		next(w, r.WithContext(ecrf.WithCredential(r.Context(), token)))
	}
}

// POST /api/v1/shipments
// body: { ref, sentTo?, aliquotIds? }
func (h *OperationsHandler) PrepareShipment(w http.ResponseWriter, r *http.Request) {
	var req service.PrepareShipmentRequest
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusOK, failBody(CodeFailed, "invalid body"))
		return
	}
	h.reply(w, r, h.ops.PrepareShipment(r.Context(), req))
}

// DELETE /api/v1/shipments/{ref}?detach=true
func (h *OperationsHandler) DeleteShipment(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, h.ops.DeleteShipment(r.Context(), r.PathValue("ref"), queryFlag(r, "detach")))
}

// POST /api/v1/shipments/{ref}/aliquots
// body: { aliquotIds: [] }
func (h *OperationsHandler) AddAliquots(w http.ResponseWriter, r *http.Request) {
	var req service.AliquotsRequest
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusOK, failBody(CodeFailed, "invalid body"))
		return
	}
	h.reply(w, r, h.ops.AddAliquots(r.Context(), r.PathValue("ref"), req.AliquotIDs))
}

// DELETE /api/v1/shipments/{ref}/aliquots
func (h *OperationsHandler) RemoveAliquots(w http.ResponseWriter, r *http.Request) {
	var req service.AliquotsRequest
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusOK, failBody(CodeFailed, "invalid body"))
		return
	}
	h.reply(w, r, h.ops.RemoveAliquots(r.Context(), r.PathValue("ref"), req.AliquotIDs))
}

// POST /api/v1/shipments/{ref}/send
func (h *OperationsHandler) SendShipment(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, h.ops.SendShipment(r.Context(), r.PathValue("ref")))
}

// POST /api/v1/shipments/{ref}/reception
// body: { receptionDate? }（缺省为当前时间）
func (h *OperationsHandler) PrepareReception(w http.ResponseWriter, r *http.Request) {
	var req service.PrepareReceptionRequest
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusOK, failBody(CodeFailed, "invalid body"))
		return
	}
	at := h.now()
	if req.ReceptionDate != nil {
		at = *req.ReceptionDate
	}
	h.reply(w, r, h.ops.PrepareReception(r.Context(), r.PathValue("ref"), at))
}

// PUT /api/v1/shipments/{ref}/conditions
// body: { aliquotId, condition }
func (h *OperationsHandler) SetAliquotCondition(w http.ResponseWriter, r *http.Request) {
	var req service.ConditionRequest
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusOK, failBody(CodeFailed, "invalid body"))
		return
	}
	h.reply(w, r, h.ops.SetAliquotCondition(r.Context(), r.PathValue("ref"), req.AliquotID, req.Condition))
}

// POST /api/v1/shipments/{ref}/reception/finish
// body: { outcome, comments, conditions: {aliquotId: condition}, receptionDate? }
func (h *OperationsHandler) FinishReception(w http.ResponseWriter, r *http.Request) {
	var req service.FinishReceptionRequest
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusOK, failBody(CodeFailed, "invalid body"))
		return
	}
	req.Ref = r.PathValue("ref")
	h.reply(w, r, h.ops.FinishReception(r.Context(), req))
}

// POST /api/v1/aliquots/status
// body: [{ aliquotId, status, taskId? }]
func (h *OperationsHandler) UpdateSamplesStatus(w http.ResponseWriter, r *http.Request) {
	var req []service.SampleStatusRequest
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusOK, failBody(CodeFailed, "invalid body"))
		return
	}
	if len(req) == 0 {
		respond(w, http.StatusOK, failBody(CodeFailed, "at least one aliquot is required"))
		return
	}
	h.reply(w, r, h.ops.UpdateSamplesStatus(r.Context(), req))
}

// POST /api/v1/aliquots/{id}/exosomes
// body: { aliquotIds: [] }
func (h *OperationsHandler) DeriveExosomes(w http.ResponseWriter, r *http.Request) {
	var req service.DeriveExosomesRequest
	if err := decodeBody(r, &req); err != nil {
		respond(w, http.StatusOK, failBody(CodeFailed, "invalid body"))
		return
	}
	h.reply(w, r, h.ops.DeriveExosomes(r.Context(), r.PathValue("id"), req.AliquotIDs))
}

// POST /api/v1/jobs/{name}/run
// 对账任务始终以服务令牌运行，不取调用者身份
func (h *OperationsHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	var result *domain.Result
	switch name := r.PathValue("name"); name {
	case service.JobTrackShipments:
		result = h.ops.TrackPendingShipments(r.Context())
	case service.JobTrackReceptions:
		result = h.ops.TrackPendingReceptions(r.Context())
	case service.JobImport:
		result = h.ops.ImportBloodProcessingData(r.Context())
	default:
		respond(w, http.StatusNotFound, failBody(CodeFailed, "unknown job "+name))
		return
	}
	h.reply(w, r, result)
}
