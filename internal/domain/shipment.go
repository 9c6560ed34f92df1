package domain

import "time"

// Shipment 发货单领域模型（对应 shipments 表）
// 一批样本从一个 Location 转移到另一个 Location
type Shipment struct {
	ShipmentID string         `db:"shipment_id"` // UUID, PRIMARY KEY
	Ref        string         `db:"ref"`         // VARCHAR, UNIQUE（人工可读编号）
	Status     ShipmentStatus `db:"status"`

	SentFromID int64  `db:"sent_from_id"` // 发送方 Location
	SentToID   *int64 `db:"sent_to_id"`   // 接收方 Location，SHIPPED 之前必须设置

	SentAt        *time.Time `db:"sent_at"`        // 发货时间（UTC）
	ReceptionDate *time.Time `db:"reception_date"` // 仅 RECEIVING / RECEIVED 时设置

	ReceptionStatus   *ReceptionStatus `db:"reception_status"`
	ReceptionComments string           `db:"reception_comments"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SentTo 未设置时返回 0
func (s *Shipment) SentTo() int64 {
	if s.SentToID == nil {
		return 0
	}
	return *s.SentToID
}

// ShippedAliquot 样本与发货单的关联（对应 shipped_aliquots 表）
// 对账任务扫描 task id 为空的行
type ShippedAliquot struct {
	ShipmentID      string     `db:"shipment_id"`
	AliquotID       string     `db:"aliquot_id"`
	Condition       *Condition `db:"condition"`         // 接收前为空
	ShipmentTaskID  *string    `db:"shipment_task_id"`  // 发货跟踪任务 ID（幂等键）
	ReceptionTaskID *string    `db:"reception_task_id"` // 接收跟踪任务 ID（幂等键）
}

// UntrackedRow 对账扫描结果：一行 = 一个待跟踪的样本
type UntrackedRow struct {
	ShipmentID     string
	ShipmentRef    string
	SentFromID     int64
	SentToID       int64
	SentAt         *time.Time
	ReceptionDate  *time.Time
	Reception      *ReceptionStatus
	Comments       string
	AliquotID      string
	SampleType     SampleType
	PatientID      string
	PatientRef     string
	Condition      *Condition
	ShipmentTaskID *string
}
