package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/ecrf/ecrftest"
	"aliquot-sync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testLocations = domain.NewLocations([]domain.Location{
	{ID: 1, Code: "X", Name: "Lab X", IsLab: true},
	{ID: 2, Code: "Y", Name: "Site Y", IsClinicalSite: true},
})

// seedShipment 写入一个发货单；aliquots: aliquotID -> patientID
func seedShipment(t *testing.T, store repository.Store, id, ref string, status domain.ShipmentStatus, aliquots map[string]string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	to := int64(2)
	require.NoError(t, store.InTx(ctx, func(tx repository.Tx) error {
		s := &domain.Shipment{
			ShipmentID: id, Ref: ref, Status: status, SentFromID: 1, SentToID: &to,
			SentAt: &now, CreatedAt: now, UpdatedAt: now,
		}
		if status == domain.ShipmentReceived {
			outcome := domain.ReceptionAllGood
			s.ReceptionDate = &now
			s.ReceptionStatus = &outcome
		}
		if err := tx.InsertShipment(ctx, s); err != nil {
			return err
		}
		for aliquotID, patientID := range aliquots {
			aliquotStatus := domain.AliquotInTransit
			shipmentID := &id
			if status == domain.ShipmentReceived {
				aliquotStatus, shipmentID = domain.AliquotAvailable, nil
			}
			if err := tx.InsertAliquot(ctx, &domain.Aliquot{
				AliquotID: aliquotID, PatientID: patientID, PatientRef: "REF-" + patientID,
				SampleType: domain.SamplePlasma, LocationID: 1, Status: aliquotStatus,
				ShipmentID: shipmentID, CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
			if _, err := tx.InsertShippedAliquot(ctx, &domain.ShippedAliquot{ShipmentID: id, AliquotID: aliquotID}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func untracked(t *testing.T, store repository.Store) []domain.UntrackedRow {
	t.Helper()
	var rows []domain.UntrackedRow
	require.NoError(t, store.InTx(context.Background(), func(tx repository.Tx) error {
		var err error
		rows, err = tx.ListUntrackedShipments(context.Background())
		return err
	}))
	return rows
}

func TestShipmentTracker_PartialFailureIsolation(t *testing.T) {
	store := repository.NewMemoryStore()
	gateway := ecrftest.New(1)
	seedShipment(t, store, "s-1", "S-001", domain.ShipmentShipped, map[string]string{
		"A1": "P1", "A2": "P1", "A3": "P2", "A4": "P3",
	})
	gateway.TaskErrors["P2"] = &domain.ApplicationError{Op: "create_task", Code: 4012, Message: "patient withdrawn"}

	tracker := NewShipmentTracker(store, gateway, testLocations, zap.NewNop())

	first := tracker.Run(context.Background())
	assert.Equal(t, domain.ResultError, first.Status)
	assert.Equal(t, 2, first.NumSuccessful)
	assert.Equal(t, 1, first.NumErrors)
	require.Len(t, first.Details, 3)
	assert.Contains(t, first.Details[1], "patient REF-P2")
	assert.Contains(t, first.Details[1], "patient withdrawn")

	require.Len(t, gateway.TasksFor("P1", ecrf.TaskShipmentTracking), 1)
	require.Len(t, gateway.TasksFor("P3", ecrf.TaskShipmentTracking), 1)
	form := gateway.TasksFor("P1", ecrf.TaskShipmentTracking)[0].Form.(ecrf.ShipmentTrackingForm)
	assert.Equal(t, "S-001", form.ShipmentRef)
	assert.Equal(t, "Lab X", form.SentFrom)
	assert.Equal(t, "Site Y", form.SentTo)
	assert.Len(t, form.Aliquots, 2)

	// 只剩失败的患者未跟踪
	rows := untracked(t, store)
	require.Len(t, rows, 1)
	assert.Equal(t, "P2", rows[0].PatientID)

	// 第二次运行：P1/P3 不会重复跟踪
	delete(gateway.TaskErrors, "P2")
	second := tracker.Run(context.Background())
	assert.Equal(t, domain.ResultSuccess, second.Status)
	assert.Equal(t, 1, second.NumSuccessful)
	assert.Len(t, gateway.TasksFor("P1", ecrf.TaskShipmentTracking), 1)
	assert.Len(t, gateway.TasksFor("P2", ecrf.TaskShipmentTracking), 1)
}

func TestShipmentTracker_Idempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	gateway := ecrftest.New(1)
	seedShipment(t, store, "s-1", "S-001", domain.ShipmentShipped, map[string]string{"A1": "P1", "A2": "P2"})
	tracker := NewShipmentTracker(store, gateway, testLocations, zap.NewNop())

	first := tracker.Run(context.Background())
	assert.Equal(t, domain.ResultSuccess, first.Status)
	assert.Equal(t, 2, first.NumSuccessful)

	second := tracker.Run(context.Background())
	assert.Equal(t, domain.ResultIdle, second.Status)
	assert.Equal(t, 0, second.NumSuccessful)
	assert.Len(t, gateway.Tasks, 2)
}

func TestShipmentTracker_IgnoresPreparing(t *testing.T) {
	store := repository.NewMemoryStore()
	gateway := ecrftest.New(1)
	seedShipment(t, store, "s-1", "S-001", domain.ShipmentPreparing, map[string]string{"A1": "P1"})

	result := NewShipmentTracker(store, gateway, testLocations, zap.NewNop()).Run(context.Background())
	assert.Equal(t, domain.ResultIdle, result.Status)
	assert.Empty(t, gateway.Tasks)
}

func TestShipmentTracker_CommunicationErrorIsRetriedNextRun(t *testing.T) {
	store := repository.NewMemoryStore()
	gateway := ecrftest.New(1)
	seedShipment(t, store, "s-1", "S-001", domain.ShipmentShipped, map[string]string{"A1": "P1"})
	gateway.TaskErrors["P1"] = &domain.CommunicationError{Op: "create_task", Err: errors.New("timeout")}
	tracker := NewShipmentTracker(store, gateway, testLocations, zap.NewNop())

	assert.Equal(t, domain.ResultError, tracker.Run(context.Background()).Status)
	assert.Len(t, untracked(t, store), 1)

	delete(gateway.TaskErrors, "P1")
	assert.Equal(t, domain.ResultSuccess, tracker.Run(context.Background()).Status)
	assert.Empty(t, untracked(t, store))
}

// failingMarkStore MarkShipmentTracked 总是返回存储错误
type failingMarkStore struct {
	inner repository.Store
}

type failingMarkTx struct {
	repository.Tx
}

func (f failingMarkTx) MarkShipmentTracked(context.Context, string, []string, string) (int64, error) {
	return 0, &domain.StorageError{Code: "40001", Message: "could not serialize access"}
}

func (s *failingMarkStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return s.inner.InTx(ctx, func(tx repository.Tx) error {
		return fn(failingMarkTx{tx})
	})
}

func TestShipmentTracker_StorageErrorAbortsJob(t *testing.T) {
	mem := repository.NewMemoryStore()
	gateway := ecrftest.New(1)
	seedShipment(t, mem, "s-1", "S-001", domain.ShipmentShipped, map[string]string{"A1": "P1", "A2": "P2"})

	result := NewShipmentTracker(&failingMarkStore{inner: mem}, gateway, testLocations, zap.NewNop()).Run(context.Background())

	assert.Equal(t, domain.ResultError, result.Status)
	assert.Contains(t, result.Message, "could not serialize access")
	assert.Empty(t, result.Details)
	// 第一个患者之后立即中止
	assert.Len(t, gateway.Tasks, 1)
	assert.Len(t, untracked(t, mem), 2)
}

// afterScanStore 第一次事务（扫描）提交后执行 hook：另一次运行插在扫描和逐组处理之间
type afterScanStore struct {
	repository.Store
	hook    func()
	scanned bool
}

func (s *afterScanStore) InTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	err := s.Store.InTx(ctx, fn)
	if !s.scanned {
		s.scanned = true
		s.hook()
	}
	return err
}

func TestShipmentTracker_OverlappingRunsDoNotDuplicateTasks(t *testing.T) {
	mem := repository.NewMemoryStore()
	gateway := ecrftest.New(1)
	seedShipment(t, mem, "s-1", "S-001", domain.ShipmentShipped, map[string]string{"A1": "P1", "A2": "P1", "A3": "P2"})

	other := NewShipmentTracker(mem, gateway, testLocations, zap.NewNop())
	var otherResult *domain.Result
	stale := &afterScanStore{Store: mem, hook: func() { otherResult = other.Run(context.Background()) }}

	result := NewShipmentTracker(stale, gateway, testLocations, zap.NewNop()).Run(context.Background())

	require.NotNil(t, otherResult)
	assert.Equal(t, 2, otherResult.NumSuccessful)
	// 过期的扫描结果全部被跳过，没有第二个任务
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, 0, result.NumSuccessful)
	assert.Equal(t, 2, result.NumSkipped)
	assert.Len(t, gateway.TasksFor("P1", ecrf.TaskShipmentTracking), 1)
	assert.Len(t, gateway.TasksFor("P2", ecrf.TaskShipmentTracking), 1)
}

func TestShipmentTracker_TracksOnlyRowsStillUntracked(t *testing.T) {
	mem := repository.NewMemoryStore()
	gateway := ecrftest.New(1)
	seedShipment(t, mem, "s-1", "S-001", domain.ShipmentShipped, map[string]string{"A1": "P1", "A2": "P1"})

	// 扫描之后 A1 已被写回
	stale := &afterScanStore{Store: mem, hook: func() {
		require.NoError(t, mem.InTx(context.Background(), func(tx repository.Tx) error {
			_, err := tx.MarkShipmentTracked(context.Background(), "s-1", []string{"A1"}, "task-elsewhere")
			return err
		}))
	}}

	result := NewShipmentTracker(stale, gateway, testLocations, zap.NewNop()).Run(context.Background())

	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, 1, result.NumSuccessful)
	tasks := gateway.TasksFor("P1", ecrf.TaskShipmentTracking)
	require.Len(t, tasks, 1)
	form := tasks[0].Form.(ecrf.ShipmentTrackingForm)
	require.Len(t, form.Aliquots, 1)
	assert.Equal(t, "A2", form.Aliquots[0].AliquotID)
	assert.Contains(t, result.Details[0], "tracked 1 aliquots")
}

func TestReceptionTracker(t *testing.T) {
	store := repository.NewMemoryStore()
	gateway := ecrftest.New(2)
	seedShipment(t, store, "s-1", "S-001", domain.ShipmentReceived, map[string]string{"A1": "P1", "A2": "P2"})
	receptions := NewReceptionTracker(store, gateway, testLocations, zap.NewNop())

	// 发货事件尚未跟踪时不处理接收
	assert.Equal(t, domain.ResultIdle, receptions.Run(context.Background()).Status)

	shipments := NewShipmentTracker(store, gateway, testLocations, zap.NewNop())
	require.Equal(t, domain.ResultSuccess, shipments.Run(context.Background()).Status)
	shipmentTask := gateway.Tasks[0]

	result := receptions.Run(context.Background())
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, 2, result.NumSuccessful)

	tasks := gateway.TasksFor(shipmentTask.PatientID, ecrf.TaskReceptionTracking)
	require.Len(t, tasks, 1)
	form := tasks[0].Form.(ecrf.ReceptionTrackingForm)
	assert.Equal(t, "task-1", form.ShipmentTaskID)
	assert.Equal(t, "ALL_GOOD", form.Outcome)
	assert.Equal(t, "Site Y", form.ReceivedBy)

	assert.Equal(t, domain.ResultIdle, receptions.Run(context.Background()).Status)
}
