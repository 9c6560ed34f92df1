package domain

import "time"

// Aliquot 单个物理样本（对应 aliquots 表）
type Aliquot struct {
	AliquotID  string     `db:"aliquot_id"` // 实验室分配的编号，UNIQUE
	PatientID  string     `db:"patient_id"` // eCRF 患者 ID
	PatientRef string     `db:"patient_ref"`
	SampleType SampleType `db:"sample_type"`
	ParentID   *string    `db:"parent_id"` // 仅 EXOSOMES：来源样本

	LocationID int64         `db:"location_id"`
	Status     AliquotStatus `db:"status"`
	ShipmentID *string       `db:"shipment_id"` // 仅在途时设置

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// AliquotHistory 样本审计轨迹（只追加，不更新不删除）
type AliquotHistory struct {
	HistoryID  int64         `db:"history_id"`
	AliquotID  string        `db:"aliquot_id"`
	TaskID     *string       `db:"task_id"` // 触发该事件的 eCRF 任务
	LocationID int64         `db:"location_id"`
	Status     AliquotStatus `db:"status"`
	Condition  *Condition    `db:"condition"`
	ShipmentID *string       `db:"shipment_id"`
	CreatedAt  time.Time     `db:"created_at"`
}

// HistoryFor 根据样本当前状态生成一条历史记录
func HistoryFor(a *Aliquot, taskID *string, cond *Condition, at time.Time) *AliquotHistory {
	return &AliquotHistory{
		AliquotID:  a.AliquotID,
		TaskID:     taskID,
		LocationID: a.LocationID,
		Status:     a.Status,
		Condition:  cond,
		ShipmentID: a.ShipmentID,
		CreatedAt:  at,
	}
}
