package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"aliquot-sync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertAliquot(ctx, &domain.Aliquot{
			AliquotID: "A1", PatientID: "P1", SampleType: domain.SamplePlasma,
			LocationID: 1, Status: domain.AliquotAvailable, CreatedAt: now, UpdatedAt: now,
		}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = store.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetAliquot(ctx, "A1", false)
		return err
	})
	assert.True(t, domain.IsNotFound(err))
}

func TestMemoryStore_TrackingScans(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	to := int64(2)

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		for _, id := range []string{"A1", "A2"} {
			if err := tx.InsertAliquot(ctx, &domain.Aliquot{
				AliquotID: id, PatientID: "P-" + id, SampleType: domain.SampleSerum,
				LocationID: 1, Status: domain.AliquotInTransit, CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := tx.InsertShipment(ctx, &domain.Shipment{
			ShipmentID: "s-1", Ref: "S-001", Status: domain.ShipmentShipped,
			SentFromID: 1, SentToID: &to, SentAt: &now, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			return err
		}
		for _, id := range []string{"A1", "A2"} {
			if _, err := tx.InsertShippedAliquot(ctx, &domain.ShippedAliquot{ShipmentID: "s-1", AliquotID: id}); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		rows, err := tx.ListUntrackedShipments(ctx)
		require.NoError(t, err)
		assert.Len(t, rows, 2)

		n, err := tx.MarkShipmentTracked(ctx, "s-1", []string{"A1"}, "task-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// 已跟踪的行不会被覆盖
		n, err = tx.MarkShipmentTracked(ctx, "s-1", []string{"A1"}, "task-2")
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		rows, err = tx.ListUntrackedShipments(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "A2", rows[0].AliquotID)

		// 认领只返回仍未跟踪的行；未知样本忽略
		claimed, err := tx.ClaimShipmentRows(ctx, "s-1", []string{"A2", "A1", "A9"})
		require.NoError(t, err)
		assert.Equal(t, []string{"A2"}, claimed)
		claimed, err = tx.ClaimReceptionRows(ctx, "s-1", []string{"A1", "A2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"A1", "A2"}, claimed)

		receptions, err := tx.ListUntrackedReceptions(ctx)
		require.NoError(t, err)
		assert.Empty(t, receptions)
		return nil
	}))
}

func TestMemoryStore_DuplicateRef(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertShipment(ctx, &domain.Shipment{ShipmentID: "s-1", Ref: "S-001", Status: domain.ShipmentPreparing}); err != nil {
			return err
		}
		return tx.InsertShipment(ctx, &domain.Shipment{ShipmentID: "s-2", Ref: "S-001", Status: domain.ShipmentPreparing})
	})

	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}
