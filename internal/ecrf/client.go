package ecrf

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"aliquot-sync/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// apiResponse eCRF API 统一响应
type apiResponse struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// Client 基于 resty 的 eCRF 客户端
// 不做自动重试：超时视为本次调度的逐项错误，下一次调度会重新发现未跟踪事件
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建 eCRF 客户端
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

var _ Gateway = (*Client)(nil)

// CreateTask POST /api/v1/patients/{patientId}/tasks
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	if req.PatientID == "" {
		return "", domain.NewValidationError("patient_id", "patient id is required")
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	r := c.httpClient.R().
		SetPathParam("patientId", req.PatientID).
		SetBody(req)
	if err := c.do(ctx, "create_task", r, http.MethodPost, "/api/v1/patients/{patientId}/tasks", "patient", req.PatientID, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", &domain.ApplicationError{Op: "create_task", Message: "empty task id in response"}
	}
	return out.TaskID, nil
}

// FindForm GET /api/v1/forms/{formId}
func (c *Client) FindForm(ctx context.Context, formID string) (*FormMetadata, error) {
	var out FormMetadata
	r := c.httpClient.R().SetPathParam("formId", formID)
	if err := c.do(ctx, "find_form", r, http.MethodGet, "/api/v1/forms/{formId}", "form", formID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateForm PUT /api/v1/forms/{formId}/values
func (c *Client) UpdateForm(ctx context.Context, formID string, values []FieldValue) error {
	r := c.httpClient.R().
		SetPathParam("formId", formID).
		SetBody(map[string]any{"values": values})
	return c.do(ctx, "update_form", r, http.MethodPut, "/api/v1/forms/{formId}/values", "form", formID, nil)
}

// CurrentSession GET /api/v1/session
func (c *Client) CurrentSession(ctx context.Context) (*Session, error) {
	var out Session
	r := c.httpClient.R()
	if err := c.do(ctx, "current_session", r, http.MethodGet, "/api/v1/session", "session", "current", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LocateSampleForm GET /api/v1/sample-forms?owner_kind=&owner_key=
func (c *Client) LocateSampleForm(ctx context.Context, kind OwnerKind, key string) (*FormMetadata, error) {
	var out FormMetadata
	r := c.httpClient.R().SetQueryParams(map[string]string{
		"owner_kind": string(kind),
		"owner_key":  key,
	})
	if err := c.do(ctx, "locate_sample_form", r, http.MethodGet, "/api/v1/sample-forms", "sample form", key, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do 执行请求并把失败归类为 Communication / Application / NotFound
// ctx 带调用者令牌时覆盖客户端级别的服务令牌
func (c *Client) do(ctx context.Context, op string, r *resty.Request, method, path, entity, id string, out any) error {
	if token, ok := CredentialFrom(ctx); ok {
		r.SetAuthToken(token)
	}
	var envelope apiResponse
	resp, err := r.SetContext(ctx).
		SetResult(&envelope).
		SetError(&envelope).
		Execute(method, path)
	if err != nil {
		c.logger.Warn("eCRF call failed",
			zap.String("op", op),
			zap.Error(err),
		)
		return &domain.CommunicationError{Op: op, Err: err}
	}

	code := resp.StatusCode()
	switch {
	case code == http.StatusNotFound:
		return &domain.NotFoundError{Entity: entity, ID: id}
	case code >= http.StatusInternalServerError:
		return &domain.CommunicationError{Op: op, Err: fmt.Errorf("http status %d", code)}
	case code >= http.StatusBadRequest:
		return &domain.ApplicationError{Op: op, Code: code, Message: envelope.Msg}
	}

	if envelope.Status != 0 {
		c.logger.Error("eCRF API returned error",
			zap.String("op", op),
			zap.Int("status", envelope.Status),
			zap.String("msg", envelope.Msg),
		)
		return &domain.ApplicationError{Op: op, Code: envelope.Status, Message: envelope.Msg}
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return &domain.ApplicationError{Op: op, Message: "malformed response: " + err.Error()}
	}
	return nil
}
