package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"aliquot-sync/internal/domain"
	"aliquot-sync/internal/ecrf"
)

// BulkUpdate 导入文件中的一个条目：一个患者在某实验室新登记的样本
type BulkUpdate struct {
	PatientID  string
	PatientRef string
	FormID     string
	LocationID int64
	Aliquots   map[domain.SampleType][]string
}

// RegisterAliquots 登记新样本（AVAILABLE，位于实验室），然后把每种类型的样本编号写回 eCRF 表单
// 已存在的编号必须属于同一患者，否则整个条目失败；返回新登记数量
// 表单回写是事务内最后一步：此时只持有新插入行的锁
func (m *Machine) RegisterAliquots(ctx context.Context, sc *Scope, u BulkUpdate) (int, error) {
	if u.PatientID == "" {
		return 0, domain.NewValidationError("patient_id", "patient id is required")
	}
	if u.FormID == "" {
		return 0, domain.NewValidationError("form_id", "form id is required")
	}
	if err := m.checkLocation("location_id", u.LocationID); err != nil {
		return 0, err
	}

	now := m.now()
	inserted := 0
	var values []ecrf.FieldValue
	for _, st := range domain.SampleTypes {
		ids := u.Aliquots[st]
		if len(ids) == 0 {
			continue
		}
		for _, id := range ids {
			// 归属患者不会变，读已有样本无需加锁
			existing, err := sc.Tx.GetAliquot(ctx, id, false)
			switch {
			case err == nil:
				if existing.PatientID != u.PatientID {
					return 0, domain.NewValidationError("aliquot_id",
						fmt.Sprintf("aliquot %s already belongs to patient %s", id, existing.PatientRef))
				}
				continue
			case !domain.IsNotFound(err):
				return 0, err
			}

			a := &domain.Aliquot{
				AliquotID:  id,
				PatientID:  u.PatientID,
				PatientRef: u.PatientRef,
				SampleType: st,
				LocationID: u.LocationID,
				Status:     domain.AliquotAvailable,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := m.insertAliquot(ctx, sc, a); err != nil {
				return 0, err
			}
			inserted++
		}
		values = append(values, ecrf.FieldValue{Name: st.FormField(), Value: strings.Join(ids, ",")})
	}

	if len(values) == 0 {
		return 0, domain.NewValidationError("aliquots", "no aliquot ids in entry")
	}
	if err := sc.Gateway.UpdateForm(ctx, u.FormID, values); err != nil {
		return 0, err
	}
	return inserted, nil
}

// StatusUpdate 单个样本的消耗/废弃
type StatusUpdate struct {
	AliquotID string
	Status    domain.AliquotStatus
	TaskID    *string
}

// UpdateSamplesStatus AVAILABLE -> USED | REJECTED；已处于目标状态的样本视为无操作
// 返回实际发生变化的数量
func (m *Machine) UpdateSamplesStatus(ctx context.Context, sc *Scope, updates []StatusUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, domain.NewValidationError("aliquots", "no aliquots to update")
	}
	now := m.now()
	changed := 0
	for _, u := range updates {
		if u.Status != domain.AliquotUsed && u.Status != domain.AliquotRejected {
			return 0, domain.NewValidationError("status",
				fmt.Sprintf("aliquot %s: status must be USED or REJECTED, got %s", u.AliquotID, u.Status))
		}
		a, err := sc.Tx.GetAliquot(ctx, u.AliquotID, true)
		if err != nil {
			return 0, err
		}
		if a.Status == u.Status {
			continue
		}
		if a.Status != domain.AliquotAvailable || !a.Status.CanTransitionTo(u.Status) {
			return 0, &domain.InvalidTransitionError{
				Entity: "aliquot",
				ID:     a.AliquotID,
				From:   string(a.Status),
				To:     string(u.Status),
			}
		}
		a.Status = u.Status
		a.UpdatedAt = now
		if err := sc.Tx.UpdateAliquot(ctx, a); err != nil {
			return 0, err
		}
		if err := sc.Tx.AppendHistory(ctx, domain.HistoryFor(a, u.TaskID, nil, now)); err != nil {
			return 0, err
		}
		m.metrics.AliquotTransition(a.Status)
		changed++
	}
	return changed, nil
}

// DeriveExosomes 从一个 AVAILABLE 样本提取外泌体：来源样本变为 USED，
// 新的 EXOSOMES 样本在同一 Location 以 AVAILABLE 登记并记录 parent
func (m *Machine) DeriveExosomes(ctx context.Context, sc *Scope, parentID string, newIDs []string, taskID *string) ([]*domain.Aliquot, error) {
	if len(newIDs) == 0 {
		return nil, domain.NewValidationError("aliquot_ids", "at least one derived aliquot id is required")
	}
	parent, err := sc.Tx.GetAliquot(ctx, parentID, true)
	if err != nil {
		return nil, err
	}
	if parent.SampleType == domain.SampleExosomes {
		return nil, domain.NewValidationError("parent_id", "exosomes cannot be derived from exosomes")
	}
	if parent.Status != domain.AliquotAvailable {
		return nil, &domain.InvalidTransitionError{
			Entity: "aliquot",
			ID:     parent.AliquotID,
			From:   string(parent.Status),
			To:     string(domain.AliquotUsed),
			Reason: "parent aliquot is not available",
		}
	}

	now := m.now()
	parent.Status = domain.AliquotUsed
	parent.UpdatedAt = now
	if err := sc.Tx.UpdateAliquot(ctx, parent); err != nil {
		return nil, err
	}
	if err := sc.Tx.AppendHistory(ctx, domain.HistoryFor(parent, taskID, nil, now)); err != nil {
		return nil, err
	}
	m.metrics.AliquotTransition(parent.Status)

	derived := make([]*domain.Aliquot, 0, len(newIDs))
	for _, id := range newIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, domain.NewValidationError("aliquot_ids", "empty aliquot id")
		}
		pid := parent.AliquotID
		a := &domain.Aliquot{
			AliquotID:  id,
			PatientID:  parent.PatientID,
			PatientRef: parent.PatientRef,
			SampleType: domain.SampleExosomes,
			ParentID:   &pid,
			LocationID: parent.LocationID,
			Status:     domain.AliquotAvailable,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := m.insertAliquot(ctx, sc, a); err != nil {
			return nil, err
		}
		derived = append(derived, a)
	}
	return derived, nil
}

func (m *Machine) insertAliquot(ctx context.Context, sc *Scope, a *domain.Aliquot) error {
	if err := sc.Tx.InsertAliquot(ctx, a); err != nil {
		return err
	}
	if err := sc.Tx.AppendHistory(ctx, domain.HistoryFor(a, nil, nil, a.CreatedAt)); err != nil {
		return err
	}
	m.metrics.AliquotTransition(a.Status)
	return nil
}
