package httpapi

import "aliquot-sync/internal/domain"

// Envelope 所有接口的响应外壳
// type 取 success / warning / error，warning 表示操作没有任何可做的事（IDLE）
type Envelope[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	CodeOK     = 2000
	CodeFailed = -1
	// CodeUnauthorized 搭配 HTTP 401：缺少调用者令牌
	CodeUnauthorized = 60401
)

const (
	kindSuccess = "success"
	kindWarning = "warning"
	kindError   = "error"
)

func okBody[T any](v T) Envelope[T] {
	return Envelope[T]{Code: CodeOK, Type: kindSuccess, Message: "ok", Result: v}
}

func failBody(code int, message string) Envelope[any] {
	return Envelope[any]{Code: code, Type: kindError, Message: message}
}

// operationBody 计数和逐项明细都在 result 里，message 是汇总
func operationBody(r *domain.Result) Envelope[*domain.Result] {
	body := Envelope[*domain.Result]{Code: CodeOK, Type: kindSuccess, Message: r.Message, Result: r}
	if r.Status == domain.ResultError {
		body.Code, body.Type = CodeFailed, kindError
	} else if r.Status == domain.ResultIdle {
		body.Type = kindWarning
	}
	return body
}
