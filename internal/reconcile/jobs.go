package reconcile

import (
	"context"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/repository"

	"go.uber.org/zap"
)

// ShipmentTracker 未跟踪的发货事件（发货单状态 >= SHIPPED）
type ShipmentTracker struct {
	t *tracker
}

func NewShipmentTracker(store repository.Store, gateway ecrf.Gateway, locations *domain.Locations, logger *zap.Logger) *ShipmentTracker {
	return &ShipmentTracker{t: &tracker{
		name:     "track pending shipments",
		taskCode: ecrf.TaskShipmentTracking,
		list: func(ctx context.Context, tx repository.Tx) ([]domain.UntrackedRow, error) {
			return tx.ListUntrackedShipments(ctx)
		},
		claim: func(ctx context.Context, tx repository.Tx, shipmentID string, aliquotIDs []string) ([]string, error) {
			return tx.ClaimShipmentRows(ctx, shipmentID, aliquotIDs)
		},
		mark: func(ctx context.Context, tx repository.Tx, shipmentID string, aliquotIDs []string, taskID string) (int64, error) {
			return tx.MarkShipmentTracked(ctx, shipmentID, aliquotIDs, taskID)
		},
		form: func(g *group) any {
			first := g.rows[0]
			return ecrf.ShipmentTrackingForm{
				ShipmentRef: g.shipmentRef,
				SentFrom:    locations.Name(first.SentFromID),
				SentTo:      locations.Name(first.SentToID),
				SentAt:      formatTime(first.SentAt),
				Aliquots:    g.trackedAliquots(),
			}
		},
		store:   store,
		gateway: gateway,
		logger:  logger.With(zap.String("component", "shipment_tracker")),
	}}
}

// Run 返回 IDLE（无事可做）/ SUCCESS / ERROR（至少一个患者失败或任务中止）
func (s *ShipmentTracker) Run(ctx context.Context) *domain.Result {
	return s.t.run(ctx)
}

// ReceptionTracker 未跟踪的接收事件（发货单 RECEIVED 且已有发货跟踪任务）
type ReceptionTracker struct {
	t *tracker
}

func NewReceptionTracker(store repository.Store, gateway ecrf.Gateway, locations *domain.Locations, logger *zap.Logger) *ReceptionTracker {
	return &ReceptionTracker{t: &tracker{
		name:     "track pending receptions",
		taskCode: ecrf.TaskReceptionTracking,
		list: func(ctx context.Context, tx repository.Tx) ([]domain.UntrackedRow, error) {
			return tx.ListUntrackedReceptions(ctx)
		},
		claim: func(ctx context.Context, tx repository.Tx, shipmentID string, aliquotIDs []string) ([]string, error) {
			return tx.ClaimReceptionRows(ctx, shipmentID, aliquotIDs)
		},
		mark: func(ctx context.Context, tx repository.Tx, shipmentID string, aliquotIDs []string, taskID string) (int64, error) {
			return tx.MarkReceptionTracked(ctx, shipmentID, aliquotIDs, taskID)
		},
		form: func(g *group) any {
			first := g.rows[0]
			form := ecrf.ReceptionTrackingForm{
				ShipmentRef: g.shipmentRef,
				ReceivedAt:  formatTime(first.ReceptionDate),
				ReceivedBy:  locations.Name(first.SentToID),
				Comments:    first.Comments,
				Aliquots:    g.trackedAliquots(),
			}
			if first.ShipmentTaskID != nil {
				form.ShipmentTaskID = *first.ShipmentTaskID
			}
			if first.Reception != nil {
				form.Outcome = string(*first.Reception)
			}
			return form
		},
		store:   store,
		gateway: gateway,
		logger:  logger.With(zap.String("component", "reception_tracker")),
	}}
}

func (r *ReceptionTracker) Run(ctx context.Context) *domain.Result {
	return r.t.run(ctx)
}
