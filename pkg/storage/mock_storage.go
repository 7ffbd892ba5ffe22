package storage

import (
	"sync"
	"time"

	"github.com/gustavoflandal/manutflow/pkg/models"
)

// mockStore implements Store with in-memory maps. It is used by the unit
// tests and works as a standalone store for single-process deployments.
type mockStore struct {
	mu          sync.Mutex
	definitions map[string]models.Definition
	instances   map[string]models.Instance
	history     map[string][]models.HistoryEntry
	actions     map[string]models.Action
	nextLogID   int64
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() Store {
	return &mockStore{
		definitions: make(map[string]models.Definition),
		instances:   make(map[string]models.Instance),
		history:     make(map[string][]models.HistoryEntry),
		actions:     make(map[string]models.Action),
	}
}

// Begin returns the store itself: the in-memory store applies every write
// immediately, so transactions are a no-op.
func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveDefinition(d models.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[d.ID] = d
	return nil
}

func (m *mockStore) GetDefinition(id string) (models.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return models.Definition{}, ErrNotFound
	}
	return d, nil
}

func (m *mockStore) ListDefinitions() ([]models.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Definition, 0, len(m.definitions))
	for _, d := range m.definitions {
		out = append(out, d)
	}
	return out, nil
}

func (m *mockStore) ListActiveDefinitionsByTrigger(event string) ([]models.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Definition
	for _, d := range m.definitions {
		if d.Active && d.TriggerEvent == event {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) SetDefinitionActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return ErrNotFound
	}
	d.Active = active
	d.UpdatedAt = time.Now()
	m.definitions[id] = d
	return nil
}

func (m *mockStore) SaveInstance(inst models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (m *mockStore) GetInstance(id string) (models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return models.Instance{}, ErrNotFound
	}
	return cloneInstance(inst), nil
}

func (m *mockStore) UpdateInstance(inst models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.instances[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != inst.Version {
		return ErrVersionConflict
	}
	inst.Version++
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (m *mockStore) FindActiveInstanceByOrigin(originType, originID string) (models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.OriginType == originType && inst.OriginID == originID && inst.Status == models.ActiveInstanceStatus {
			return cloneInstance(inst), nil
		}
	}
	return models.Instance{}, ErrNotFound
}

func (m *mockStore) ListOverdueInstances(now time.Time) ([]models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Instance
	for _, inst := range m.instances {
		if inst.Status == models.ActiveInstanceStatus && inst.Deadline != nil && inst.Deadline.Before(now) {
			out = append(out, cloneInstance(inst))
		}
	}
	return out, nil
}

func (m *mockStore) ListInstances() ([]models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, cloneInstance(inst))
	}
	return out, nil
}

func (m *mockStore) AppendHistory(e models.HistoryEntry) (models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	e.ID = m.nextLogID
	e.Seq = len(m.history[e.InstanceID]) + 1
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.history[e.InstanceID] = append(m.history[e.InstanceID], e)
	return e, nil
}

func (m *mockStore) GetHistory(instanceID string) ([]models.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[instanceID]
	out := make([]models.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *mockStore) SaveAction(a models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = a
	return nil
}

func (m *mockStore) GetAction(id string) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return models.Action{}, ErrNotFound
	}
	return a, nil
}

func (m *mockStore) UpdateAction(a models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; !ok {
		return ErrNotFound
	}
	m.actions[a.ID] = a
	return nil
}

func (m *mockStore) ClaimAction(id string, startedAt time.Time) (models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return models.Action{}, ErrNotFound
	}
	if a.Status != models.PendingActionStatus && a.Status != models.ScheduledActionStatus {
		return models.Action{}, ErrNotClaimable
	}
	a.Status = models.RunningActionStatus
	a.Attempts++
	a.StartedAt = &startedAt
	m.actions[id] = a
	return a, nil
}

func (m *mockStore) ListReadyActions(now time.Time) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Action
	for _, a := range m.actions {
		switch a.Status {
		case models.PendingActionStatus:
			out = append(out, a)
		case models.ScheduledActionStatus:
			if a.ScheduledAt == nil || !a.ScheduledAt.After(now) {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

func (m *mockStore) ListActionsByInstance(instanceID string) ([]models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Action
	for _, a := range m.actions {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

// cloneInstance copies the context map so callers never share the stored map.
func cloneInstance(inst models.Instance) models.Instance {
	if inst.Context != nil {
		ctx := make(map[string]interface{}, len(inst.Context))
		for k, v := range inst.Context {
			ctx[k] = v
		}
		inst.Context = ctx
	}
	return inst
}
