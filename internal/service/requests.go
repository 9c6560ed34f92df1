package service

import "time"

// PrepareShipmentRequest 创建或编辑 PREPARING 发货单
type PrepareShipmentRequest struct {
	Ref        string   `json:"ref"`
	SentTo     int64    `json:"sentTo"` // 0 = 暂不设置
	AliquotIDs []string `json:"aliquotIds"`
}

// AliquotsRequest 对发货单批量添加/移除样本
type AliquotsRequest struct {
	AliquotIDs []string `json:"aliquotIds"`
}

// PrepareReceptionRequest 开始接收
type PrepareReceptionRequest struct {
	ReceptionDate *time.Time `json:"receptionDate"`
}

// ConditionRequest 设置单个样本的接收状况
type ConditionRequest struct {
	AliquotID string `json:"aliquotId"`
	Condition string `json:"condition"`
}

// FinishReceptionRequest 完成接收；Conditions: aliquotId -> condition
type FinishReceptionRequest struct {
	Ref           string            `json:"ref"`
	Outcome       string            `json:"outcome"`
	Comments      string            `json:"comments"`
	Conditions    map[string]string `json:"conditions"`
	ReceptionDate *time.Time        `json:"receptionDate"`
}

// SampleStatusRequest 单个样本的消耗/废弃
type SampleStatusRequest struct {
	AliquotID string `json:"aliquotId"`
	Status    string `json:"status"` // USED | REJECTED
	TaskID    string `json:"taskId"`
}

// DeriveExosomesRequest 从来源样本提取外泌体
type DeriveExosomesRequest struct {
	AliquotIDs []string `json:"aliquotIds"`
}
