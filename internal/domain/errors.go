package domain

import (
	"errors"
	"fmt"
)

// ValidationError 输入缺失或格式错误（不重试，直接返回调用方）
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// InvalidTransitionError 状态机规则被违反
type InvalidTransitionError struct {
	Entity string // "shipment" / "aliquot"
	ID     string
	From   string
	To     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// NotFoundError 样本/发货单/表单不存在
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// CommunicationError eCRF 不可达或超时；未写入幂等标记，下次调度会重新发现
type CommunicationError struct {
	Op  string
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("ecrf communication failure during %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// ApplicationError eCRF 明确拒绝了请求（业务规则）
type ApplicationError struct {
	Op      string
	Code    int
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("ecrf rejected %s: %s (code: %d)", e.Op, e.Message, e.Code)
}

// StorageError 事务或查询失败；当前事务回滚，整个任务中止
type StorageError struct {
	Code    string // pq 错误码（如 "23505"），未知时为空
	Message string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storage error [%s]: %s", e.Code, e.Message)
	}
	return "storage error: " + e.Message
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRecoverable 判断是否为逐项可恢复错误
// 批处理循环（对账、导入）中：可恢复错误记录到明细后继续；其它错误中止整个任务
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var (
		validation *ValidationError
		transition *InvalidTransitionError
		notFound   *NotFoundError
		comm       *CommunicationError
		app        *ApplicationError
	)
	switch {
	case errors.As(err, &validation),
		errors.As(err, &transition),
		errors.As(err, &notFound),
		errors.As(err, &comm),
		errors.As(err, &app):
		return true
	}
	return false
}

// IsNotFound 是否为 NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
