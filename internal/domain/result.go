package domain

import "fmt"

// ResultStatus 批处理/操作结果状态
type ResultStatus string

const (
	ResultIdle    ResultStatus = "IDLE"
	ResultSuccess ResultStatus = "SUCCESS"
	ResultError   ResultStatus = "ERROR"
)

// Result 每个对外操作的返回：状态码 + 摘要 + 有序明细（批处理的审计轨迹）
type Result struct {
	Status  ResultStatus `json:"status"`
	Message string       `json:"message"`
	Details []string     `json:"details"`

	NumSuccessful int `json:"numSuccessful"`
	NumSkipped    int `json:"numSkipped"`
	NumErrors     int `json:"numErrors"`
}

func NewResult() *Result {
	return &Result{Status: ResultIdle, Details: []string{}}
}

// Detailf 追加一行明细
func (r *Result) Detailf(format string, args ...any) {
	r.Details = append(r.Details, fmt.Sprintf(format, args...))
}

func (r *Result) Success(format string, args ...any) {
	r.NumSuccessful++
	r.Detailf(format, args...)
}

func (r *Result) Skip(format string, args ...any) {
	r.NumSkipped++
	r.Detailf(format, args...)
}

func (r *Result) Fail(format string, args ...any) {
	r.NumErrors++
	r.Detailf(format, args...)
}

// Finish 根据计数得出最终状态
func (r *Result) Finish(summary string) *Result {
	switch {
	case r.NumErrors > 0:
		r.Status = ResultError
	case r.NumSuccessful > 0 || r.NumSkipped > 0:
		r.Status = ResultSuccess
	default:
		r.Status = ResultIdle
	}
	r.Message = fmt.Sprintf("%s: %d successful, %d skipped, %d errors",
		summary, r.NumSuccessful, r.NumSkipped, r.NumErrors)
	return r
}

// Aborted 任务级致命错误：ERROR + 单条顶层消息
func Aborted(err error) *Result {
	return &Result{Status: ResultError, Message: err.Error(), Details: []string{}}
}

// Done 单个状态迁移操作成功
func Done(format string, args ...any) *Result {
	r := NewResult()
	r.Success(format, args...)
	r.Status = ResultSuccess
	r.Message = r.Details[0]
	return r
}
