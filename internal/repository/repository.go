package repository

import (
	"context"

	"aliquot-sync/internal/domain"
)

// Store 关系存储：所有跨表写入都在一个事务内完成，半完成的写入不可见
type Store interface {
	// InTx 开启事务执行 fn；fn 返回错误（或 panic）时回滚，否则提交
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx 事务内可用的强类型查询
// 存储自身的失败统一返回 *domain.StorageError
type Tx interface {
	ShipmentsRepository
	AliquotsRepository
	TrackingRepository

	// UpsertLocation 同步配置中的 Location 参考数据
	UpsertLocation(ctx context.Context, loc domain.Location) error
}

// ShipmentsRepository 发货单 + 发货样本关联
type ShipmentsRepository interface {
	// GetShipment 获取发货单；forUpdate 时加行锁（SELECT ... FOR UPDATE）
	GetShipment(ctx context.Context, shipmentID string, forUpdate bool) (*domain.Shipment, error)

	// GetShipmentByRef 按人工编号查询
	GetShipmentByRef(ctx context.Context, ref string) (*domain.Shipment, error)

	// InsertShipment ref 冲突返回 ValidationError
	InsertShipment(ctx context.Context, s *domain.Shipment) error

	UpdateShipment(ctx context.Context, s *domain.Shipment) error

	// DeleteShipment 仅删除发货单本身（关联行需由调用方先解除）
	DeleteShipment(ctx context.Context, shipmentID string) error

	// InsertShippedAliquot 主键冲突时返回 false（不报错），用于幂等添加
	InsertShippedAliquot(ctx context.Context, sa *domain.ShippedAliquot) (bool, error)

	DeleteShippedAliquot(ctx context.Context, shipmentID, aliquotID string) error

	ListShippedAliquots(ctx context.Context, shipmentID string) ([]*domain.ShippedAliquot, error)

	// SetCondition 行不存在返回 NotFoundError
	SetCondition(ctx context.Context, shipmentID, aliquotID string, c domain.Condition) error
}

// AliquotsRepository 样本 + 历史
type AliquotsRepository interface {
	GetAliquot(ctx context.Context, aliquotID string, forUpdate bool) (*domain.Aliquot, error)

	// InsertAliquot 编号冲突返回 ValidationError
	InsertAliquot(ctx context.Context, a *domain.Aliquot) error

	UpdateAliquot(ctx context.Context, a *domain.Aliquot) error

	// ExistingAliquotIDs 返回 ids 中已存在于本地的编号
	ExistingAliquotIDs(ctx context.Context, ids []string) ([]string, error)

	// AppendHistory 只追加
	AppendHistory(ctx context.Context, h *domain.AliquotHistory) error
}

// TrackingRepository 对账任务使用的扫描和幂等标记
type TrackingRepository interface {
	// ListUntrackedShipments 发货单状态 >= SHIPPED 且 shipment_task_id 为空
	ListUntrackedShipments(ctx context.Context) ([]domain.UntrackedRow, error)

	// ListUntrackedReceptions 发货单状态 = RECEIVED，shipment_task_id 已有，reception_task_id 为空
	ListUntrackedReceptions(ctx context.Context) ([]domain.UntrackedRow, error)

	// ClaimShipmentRows 锁定 aliquotIDs 中 shipment_task_id 仍为空的行，返回实际锁到的样本 ID
	// 已写回或正被其它事务锁定的行不返回；锁持有到事务结束
	ClaimShipmentRows(ctx context.Context, shipmentID string, aliquotIDs []string) ([]string, error)

	ClaimReceptionRows(ctx context.Context, shipmentID string, aliquotIDs []string) ([]string, error)

	// MarkShipmentTracked 仅更新仍为空的行，返回受影响行数
	MarkShipmentTracked(ctx context.Context, shipmentID string, aliquotIDs []string, taskID string) (int64, error)

	MarkReceptionTracked(ctx context.Context, shipmentID string, aliquotIDs []string, taskID string) (int64, error)
}
