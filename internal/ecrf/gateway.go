package ecrf

import (
	"context"
	"time"
)

// Gateway 外部 eCRF 平台客户端
// 所有调用失败时区分 *domain.CommunicationError（不可达/超时）与
// *domain.ApplicationError（平台拒绝）；资源不存在返回 *domain.NotFoundError
type Gateway interface {
	// CreateTask 为患者创建任务，返回任务 ID
	CreateTask(ctx context.Context, req CreateTaskRequest) (string, error)

	// FindForm 查询表单元数据
	FindForm(ctx context.Context, formID string) (*FormMetadata, error)

	// UpdateForm 写入表单字段
	UpdateForm(ctx context.Context, formID string, values []FieldValue) error

	// CurrentSession 当前会话（时区/语言/所属团队）
	CurrentSession(ctx context.Context) (*Session, error)

	// LocateSampleForm 根据实验室样本编号或患者编号定位患者及其样本处理表单
	LocateSampleForm(ctx context.Context, kind OwnerKind, key string) (*FormMetadata, error)
}

// TaskCode eCRF 任务类型
type TaskCode string

const (
	TaskShipmentTracking  TaskCode = "SHIPMENT_TRACKING"
	TaskReceptionTracking TaskCode = "RECEPTION_TRACKING"
)

// OwnerKind 导入文件中样本归属键的含义
type OwnerKind string

const (
	OwnerLabSampleID OwnerKind = "LAB_SAMPLE_ID"
	OwnerPatientRef  OwnerKind = "PATIENT_REF"
)

// Session eCRF 会话信息
type Session struct {
	Timezone string `json:"timezone"`
	Language string `json:"language"`
	TeamID   int64  `json:"team_id"` // 即调用方的 Location ID
}

// Location 返回会话时区，无法识别时回退 UTC（仅用于展示）
func (s *Session) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// FormMetadata 表单元数据
type FormMetadata struct {
	FormID     string `json:"form_id"`
	Code       string `json:"code"`
	PatientID  string `json:"patient_id"`
	PatientRef string `json:"patient_ref"`
	Status     string `json:"status"`
}

// FieldValue 表单字段值
type FieldValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CreateTaskRequest 创建任务请求；Form 为具体的表单初始数据类型
type CreateTaskRequest struct {
	PatientID string   `json:"patient_id"`
	TaskCode  TaskCode `json:"task_code"`
	Form      any      `json:"form"`
}

// TrackedAliquot 跟踪任务中的单个样本
type TrackedAliquot struct {
	AliquotID  string `json:"aliquot_id"`
	SampleType string `json:"sample_type"`
	Condition  string `json:"condition,omitempty"`
}

// ShipmentTrackingForm 发货跟踪任务的初始表单数据
type ShipmentTrackingForm struct {
	ShipmentRef string           `json:"shipment_ref"`
	SentFrom    string           `json:"sent_from"`
	SentTo      string           `json:"sent_to"`
	SentAt      string           `json:"sent_at"` // RFC3339, UTC
	Aliquots    []TrackedAliquot `json:"aliquots"`
}

// ReceptionTrackingForm 接收跟踪任务的初始表单数据
// ShipmentTaskID 让 eCRF 关联同一患者同一发货单的两个事件
type ReceptionTrackingForm struct {
	ShipmentRef    string           `json:"shipment_ref"`
	ShipmentTaskID string           `json:"shipment_task_id"`
	ReceivedAt     string           `json:"received_at"`
	ReceivedBy     string           `json:"received_by"`
	Outcome        string           `json:"outcome"`
	Comments       string           `json:"comments,omitempty"`
	Aliquots       []TrackedAliquot `json:"aliquots"`
}
