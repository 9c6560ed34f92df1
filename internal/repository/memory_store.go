package repository

import (
	"context"
	"sort"
	"sync"

	"aliquot-sync/internal/domain"
)

// MemoryStore 用于 DB 未就绪时的联调以及单元测试
// - 事务串行执行（全局互斥，等价于最强的行锁）
// - 事务开始时复制整份状态，失败时丢弃副本
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	locations map[int64]domain.Location
	shipments map[string]domain.Shipment
	aliquots  map[string]domain.Aliquot
	shipped   map[string]map[string]domain.ShippedAliquot // shipmentID -> aliquotID -> row
	history   []domain.AliquotHistory
	historyID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		locations: map[int64]domain.Location{},
		shipments: map[string]domain.Shipment{},
		aliquots:  map[string]domain.Aliquot{},
		shipped:   map[string]map[string]domain.ShippedAliquot{},
	}}
}

var _ Store = (*MemoryStore)(nil)
var _ Tx = (*memoryTx)(nil)

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &domain.StorageError{Message: "begin transaction: " + err.Error(), Err: err}
	}
	work := m.state.clone()
	if err := fn(&memoryTx{st: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// History 返回某个样本的历史（测试/排查用）
func (m *MemoryStore) History(aliquotID string) []domain.AliquotHistory {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AliquotHistory
	for _, h := range m.state.history {
		if h.AliquotID == aliquotID {
			out = append(out, h)
		}
	}
	return out
}

func (s *memState) clone() *memState {
	c := &memState{
		locations: make(map[int64]domain.Location, len(s.locations)),
		shipments: make(map[string]domain.Shipment, len(s.shipments)),
		aliquots:  make(map[string]domain.Aliquot, len(s.aliquots)),
		shipped:   make(map[string]map[string]domain.ShippedAliquot, len(s.shipped)),
		history:   append([]domain.AliquotHistory(nil), s.history...),
		historyID: s.historyID,
	}
	for k, v := range s.locations {
		c.locations[k] = v
	}
	for k, v := range s.shipments {
		c.shipments[k] = v
	}
	for k, v := range s.aliquots {
		c.aliquots[k] = v
	}
	for k, rows := range s.shipped {
		cp := make(map[string]domain.ShippedAliquot, len(rows))
		for id, row := range rows {
			cp[id] = row
		}
		c.shipped[k] = cp
	}
	return c
}

type memoryTx struct {
	st *memState
}

func (t *memoryTx) UpsertLocation(_ context.Context, loc domain.Location) error {
	t.st.locations[loc.ID] = loc
	return nil
}

// ---- shipments ----

func (t *memoryTx) GetShipment(_ context.Context, shipmentID string, _ bool) (*domain.Shipment, error) {
	s, ok := t.st.shipments[shipmentID]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "shipment", ID: shipmentID}
	}
	return &s, nil
}

func (t *memoryTx) GetShipmentByRef(_ context.Context, ref string) (*domain.Shipment, error) {
	for _, s := range t.st.shipments {
		if s.Ref == ref {
			cp := s
			return &cp, nil
		}
	}
	return nil, &domain.NotFoundError{Entity: "shipment", ID: ref}
}

func (t *memoryTx) InsertShipment(_ context.Context, s *domain.Shipment) error {
	for _, existing := range t.st.shipments {
		if existing.Ref == s.Ref {
			return domain.NewValidationError("ref", "shipment ref already exists: "+s.Ref)
		}
	}
	if _, ok := t.st.shipments[s.ShipmentID]; ok {
		return &domain.StorageError{Code: "23505", Message: "duplicate shipment_id " + s.ShipmentID}
	}
	t.st.shipments[s.ShipmentID] = *s
	return nil
}

func (t *memoryTx) UpdateShipment(_ context.Context, s *domain.Shipment) error {
	if _, ok := t.st.shipments[s.ShipmentID]; !ok {
		return &domain.NotFoundError{Entity: "shipment", ID: s.ShipmentID}
	}
	for id, existing := range t.st.shipments {
		if id != s.ShipmentID && existing.Ref == s.Ref {
			return domain.NewValidationError("ref", "shipment ref already exists: "+s.Ref)
		}
	}
	t.st.shipments[s.ShipmentID] = *s
	return nil
}

func (t *memoryTx) DeleteShipment(_ context.Context, shipmentID string) error {
	if _, ok := t.st.shipments[shipmentID]; !ok {
		return &domain.NotFoundError{Entity: "shipment", ID: shipmentID}
	}
	if len(t.st.shipped[shipmentID]) > 0 {
		// 与外键约束一致
		return &domain.StorageError{Code: "23503", Message: "shipment still referenced by shipped_aliquots"}
	}
	delete(t.st.shipments, shipmentID)
	delete(t.st.shipped, shipmentID)
	return nil
}

func (t *memoryTx) InsertShippedAliquot(_ context.Context, sa *domain.ShippedAliquot) (bool, error) {
	rows := t.st.shipped[sa.ShipmentID]
	if rows == nil {
		rows = map[string]domain.ShippedAliquot{}
		t.st.shipped[sa.ShipmentID] = rows
	}
	if _, ok := rows[sa.AliquotID]; ok {
		return false, nil
	}
	rows[sa.AliquotID] = *sa
	return true, nil
}

func (t *memoryTx) DeleteShippedAliquot(_ context.Context, shipmentID, aliquotID string) error {
	rows := t.st.shipped[shipmentID]
	if _, ok := rows[aliquotID]; !ok {
		return &domain.NotFoundError{Entity: "shipped aliquot", ID: aliquotID}
	}
	delete(rows, aliquotID)
	return nil
}

func (t *memoryTx) ListShippedAliquots(_ context.Context, shipmentID string) ([]*domain.ShippedAliquot, error) {
	rows := t.st.shipped[shipmentID]
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*domain.ShippedAliquot, 0, len(ids))
	for _, id := range ids {
		row := rows[id]
		out = append(out, &row)
	}
	return out, nil
}

func (t *memoryTx) SetCondition(_ context.Context, shipmentID, aliquotID string, c domain.Condition) error {
	rows := t.st.shipped[shipmentID]
	row, ok := rows[aliquotID]
	if !ok {
		return &domain.NotFoundError{Entity: "shipped aliquot", ID: aliquotID}
	}
	row.Condition = &c
	rows[aliquotID] = row
	return nil
}

// ---- aliquots ----

func (t *memoryTx) GetAliquot(_ context.Context, aliquotID string, _ bool) (*domain.Aliquot, error) {
	a, ok := t.st.aliquots[aliquotID]
	if !ok {
		return nil, &domain.NotFoundError{Entity: "aliquot", ID: aliquotID}
	}
	return &a, nil
}

func (t *memoryTx) InsertAliquot(_ context.Context, a *domain.Aliquot) error {
	if _, ok := t.st.aliquots[a.AliquotID]; ok {
		return domain.NewValidationError("aliquot_id", "aliquot already exists: "+a.AliquotID)
	}
	t.st.aliquots[a.AliquotID] = *a
	return nil
}

func (t *memoryTx) UpdateAliquot(_ context.Context, a *domain.Aliquot) error {
	if _, ok := t.st.aliquots[a.AliquotID]; !ok {
		return &domain.NotFoundError{Entity: "aliquot", ID: a.AliquotID}
	}
	t.st.aliquots[a.AliquotID] = *a
	return nil
}

func (t *memoryTx) ExistingAliquotIDs(_ context.Context, ids []string) ([]string, error) {
	out := []string{}
	for _, id := range ids {
		if _, ok := t.st.aliquots[id]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memoryTx) AppendHistory(_ context.Context, h *domain.AliquotHistory) error {
	t.st.historyID++
	h.HistoryID = t.st.historyID
	if h.CreatedAt.IsZero() {
		h.CreatedAt = utcNow()
	}
	t.st.history = append(t.st.history, *h)
	return nil
}

// ---- tracking ----

func (t *memoryTx) ListUntrackedShipments(_ context.Context) ([]domain.UntrackedRow, error) {
	return t.untracked(func(s domain.Shipment, sa domain.ShippedAliquot) bool {
		return s.Status.AtLeast(domain.ShipmentShipped) && sa.ShipmentTaskID == nil
	}), nil
}

func (t *memoryTx) ListUntrackedReceptions(_ context.Context) ([]domain.UntrackedRow, error) {
	return t.untracked(func(s domain.Shipment, sa domain.ShippedAliquot) bool {
		return s.Status == domain.ShipmentReceived && sa.ReceptionTaskID == nil && sa.ShipmentTaskID != nil
	}), nil
}

func (t *memoryTx) untracked(match func(domain.Shipment, domain.ShippedAliquot) bool) []domain.UntrackedRow {
	out := []domain.UntrackedRow{}
	for shipmentID, rows := range t.st.shipped {
		s, ok := t.st.shipments[shipmentID]
		if !ok {
			continue
		}
		for _, sa := range rows {
			if !match(s, sa) {
				continue
			}
			a := t.st.aliquots[sa.AliquotID]
			out = append(out, domain.UntrackedRow{
				ShipmentID:     s.ShipmentID,
				ShipmentRef:    s.Ref,
				SentFromID:     s.SentFromID,
				SentToID:       s.SentTo(),
				SentAt:         s.SentAt,
				ReceptionDate:  s.ReceptionDate,
				Reception:      s.ReceptionStatus,
				Comments:       s.ReceptionComments,
				AliquotID:      a.AliquotID,
				SampleType:     a.SampleType,
				PatientID:      a.PatientID,
				PatientRef:     a.PatientRef,
				Condition:      sa.Condition,
				ShipmentTaskID: sa.ShipmentTaskID,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShipmentRef != out[j].ShipmentRef {
			return out[i].ShipmentRef < out[j].ShipmentRef
		}
		if out[i].PatientID != out[j].PatientID {
			return out[i].PatientID < out[j].PatientID
		}
		return out[i].AliquotID < out[j].AliquotID
	})
	return out
}

// 事务本身全局串行，认领只需过滤已写回的行
func (t *memoryTx) ClaimShipmentRows(_ context.Context, shipmentID string, aliquotIDs []string) ([]string, error) {
	return t.claim(shipmentID, aliquotIDs, func(sa domain.ShippedAliquot) bool { return sa.ShipmentTaskID == nil }), nil
}

func (t *memoryTx) ClaimReceptionRows(_ context.Context, shipmentID string, aliquotIDs []string) ([]string, error) {
	return t.claim(shipmentID, aliquotIDs, func(sa domain.ShippedAliquot) bool { return sa.ReceptionTaskID == nil }), nil
}

func (t *memoryTx) claim(shipmentID string, aliquotIDs []string, open func(domain.ShippedAliquot) bool) []string {
	rows := t.st.shipped[shipmentID]
	out := []string{}
	for _, id := range aliquotIDs {
		if row, ok := rows[id]; ok && open(row) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (t *memoryTx) MarkShipmentTracked(_ context.Context, shipmentID string, aliquotIDs []string, taskID string) (int64, error) {
	return t.mark(shipmentID, aliquotIDs, func(sa *domain.ShippedAliquot) bool {
		if sa.ShipmentTaskID != nil {
			return false
		}
		id := taskID
		sa.ShipmentTaskID = &id
		return true
	}), nil
}

func (t *memoryTx) MarkReceptionTracked(_ context.Context, shipmentID string, aliquotIDs []string, taskID string) (int64, error) {
	return t.mark(shipmentID, aliquotIDs, func(sa *domain.ShippedAliquot) bool {
		if sa.ReceptionTaskID != nil {
			return false
		}
		id := taskID
		sa.ReceptionTaskID = &id
		return true
	}), nil
}

func (t *memoryTx) mark(shipmentID string, aliquotIDs []string, apply func(*domain.ShippedAliquot) bool) int64 {
	rows := t.st.shipped[shipmentID]
	var n int64
	for _, id := range aliquotIDs {
		row, ok := rows[id]
		if !ok {
			continue
		}
		if apply(&row) {
			rows[id] = row
			n++
		}
	}
	return n
}
