// Package reconcile 对账任务：把本地已持久化、但 eCRF 尚未记录的发货/接收事件补建为跟踪任务
//
// 每个 (发货单, 患者) 在独立事务内处理：认领（行锁）-> 创建任务 -> 写回任务 ID。
// 写回的任务 ID 即幂等键，下一次运行不会再扫描到这些行；
// 认领保证并发运行拿着过期的扫描结果时不会为同一批样本重复建任务。
package reconcile

import (
	"context"
	"sort"
	"time"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
	"aliquot-sync/internal/repository"

	"go.uber.org/zap"
)

// group 同一发货单内同一患者的待跟踪样本
type group struct {
	shipmentID  string
	shipmentRef string
	patientID   string
	patientRef  string
	rows        []domain.UntrackedRow
}

func (g *group) aliquotIDs() []string {
	ids := make([]string, len(g.rows))
	for i, r := range g.rows {
		ids[i] = r.AliquotID
	}
	return ids
}

func (g *group) trackedAliquots() []ecrf.TrackedAliquot {
	out := make([]ecrf.TrackedAliquot, len(g.rows))
	for i, r := range g.rows {
		out[i] = ecrf.TrackedAliquot{AliquotID: r.AliquotID, SampleType: string(r.SampleType)}
		if r.Condition != nil {
			out[i].Condition = string(*r.Condition)
		}
	}
	return out
}

// only 仅保留已认领的样本
func (g *group) only(ids []string) *group {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	out := *g
	out.rows = nil
	for _, r := range g.rows {
		if keep[r.AliquotID] {
			out.rows = append(out.rows, r)
		}
	}
	return &out
}

func (g *group) label() string {
	ref := g.patientRef
	if ref == "" {
		ref = g.patientID
	}
	return "shipment " + g.shipmentRef + ", patient " + ref
}

// groupRows 按发货单 -> 患者分组，输出顺序稳定（ref、患者编号）
func groupRows(rows []domain.UntrackedRow) []*group {
	index := make(map[[2]string]*group)
	var groups []*group
	for _, r := range rows {
		key := [2]string{r.ShipmentID, r.PatientID}
		g, ok := index[key]
		if !ok {
			g = &group{
				shipmentID:  r.ShipmentID,
				shipmentRef: r.ShipmentRef,
				patientID:   r.PatientID,
				patientRef:  r.PatientRef,
			}
			index[key] = g
			groups = append(groups, g)
		}
		g.rows = append(g.rows, r)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].shipmentRef != groups[j].shipmentRef {
			return groups[i].shipmentRef < groups[j].shipmentRef
		}
		return groups[i].patientRef < groups[j].patientRef
	})
	return groups
}

// tracker 两个对账任务的公共流程
type tracker struct {
	name     string
	taskCode ecrf.TaskCode

	list  func(ctx context.Context, tx repository.Tx) ([]domain.UntrackedRow, error)
	claim func(ctx context.Context, tx repository.Tx, shipmentID string, aliquotIDs []string) ([]string, error)
	mark  func(ctx context.Context, tx repository.Tx, shipmentID string, aliquotIDs []string, taskID string) (int64, error)
	form  func(g *group) any

	store   repository.Store
	gateway ecrf.Gateway
	logger  *zap.Logger
}

func (t *tracker) run(ctx context.Context) *domain.Result {
	started := time.Now()

	var rows []domain.UntrackedRow
	err := t.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		rows, err = t.list(ctx, tx)
		return err
	})
	if err != nil {
		t.logger.Error("Failed to scan untracked rows", zap.String("job", t.name), zap.Error(err))
		return domain.Aborted(err)
	}

	result := domain.NewResult()
	groups := groupRows(rows)
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return domain.Aborted(err)
		}
		if err := t.trackGroup(ctx, g, result); err != nil {
			t.logger.Error("Job aborted",
				zap.String("job", t.name),
				zap.String("shipment_ref", g.shipmentRef),
				zap.String("patient_id", g.patientID),
				zap.Error(err),
			)
			return domain.Aborted(err)
		}
	}

	result.Finish(t.name)
	t.logger.Info("Job finished",
		zap.String("job", t.name),
		zap.String("status", string(result.Status)),
		zap.Int("groups", len(groups)),
		zap.Int("successful", result.NumSuccessful),
		zap.Int("skipped", result.NumSkipped),
		zap.Int("errors", result.NumErrors),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result
}

// trackGroup 只有不可恢复的错误才返回；可恢复错误记入 result
// 远程调用放在认领之后、写回之前，行锁最长持有一次 eCRF 超时
func (t *tracker) trackGroup(ctx context.Context, g *group, result *domain.Result) error {
	var (
		taskID   string
		affected int64
	)
	err := t.store.InTx(ctx, func(tx repository.Tx) error {
		claimed, err := t.claim(ctx, tx, g.shipmentID, g.aliquotIDs())
		if err != nil || len(claimed) == 0 {
			return err
		}
		mine := g.only(claimed)
		taskID, err = t.gateway.CreateTask(ctx, ecrf.CreateTaskRequest{
			PatientID: mine.patientID,
			TaskCode:  t.taskCode,
			Form:      t.form(mine),
		})
		if err != nil {
			return err
		}
		affected, err = t.mark(ctx, tx, mine.shipmentID, claimed, taskID)
		return err
	})

	switch {
	case err == nil && affected == 0:
		result.Skip("%s: already tracked", g.label())
		return nil
	case err == nil:
		result.Success("%s: tracked %d aliquots (task %s)", g.label(), affected, taskID)
		return nil
	case domain.IsRecoverable(err):
		t.logger.Warn("Failed to track patient",
			zap.String("job", t.name),
			zap.String("shipment_ref", g.shipmentRef),
			zap.String("patient_id", g.patientID),
			zap.Error(err),
		)
		result.Fail("%s: %v", g.label(), err)
		return nil
	}
	return err
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
