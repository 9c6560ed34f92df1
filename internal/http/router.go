package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（方法 + 路径参数模式）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterShipmentRoutes 发货/接收（需要 Bearer 令牌）
func (r *Router) RegisterShipmentRoutes(h *OperationsHandler) {
	r.Handle("POST /api/v1/shipments", h.asCaller(h.PrepareShipment))
	r.Handle("DELETE /api/v1/shipments/{ref}", h.asCaller(h.DeleteShipment))
	r.Handle("POST /api/v1/shipments/{ref}/aliquots", h.asCaller(h.AddAliquots))
	r.Handle("DELETE /api/v1/shipments/{ref}/aliquots", h.asCaller(h.RemoveAliquots))
	r.Handle("POST /api/v1/shipments/{ref}/send", h.asCaller(h.SendShipment))
	r.Handle("POST /api/v1/shipments/{ref}/reception", h.asCaller(h.PrepareReception))
	r.Handle("PUT /api/v1/shipments/{ref}/conditions", h.asCaller(h.SetAliquotCondition))
	r.Handle("POST /api/v1/shipments/{ref}/reception/finish", h.asCaller(h.FinishReception))
}

// RegisterAliquotRoutes 样本消耗/外泌体
func (r *Router) RegisterAliquotRoutes(h *OperationsHandler) {
	r.Handle("POST /api/v1/aliquots/status", h.asCaller(h.UpdateSamplesStatus))
	r.Handle("POST /api/v1/aliquots/{id}/exosomes", h.asCaller(h.DeriveExosomes))
}

// RegisterJobRoutes 手动触发后台任务
func (r *Router) RegisterJobRoutes(h *OperationsHandler) {
	r.Handle("POST /api/v1/jobs/{name}/run", h.RunJob)
}

// RegisterSystemRoutes 健康检查 + Prometheus
func (r *Router) RegisterSystemRoutes(metrics http.Handler) {
	r.Handle("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, okBody(map[string]any{"status": "ok"}))
	})
	if metrics != nil {
		r.HandleHandler("GET /metrics", metrics)
	}
}
