package alerts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and embedded runs.
type MemoryStore struct {
	mu     sync.Mutex
	alerts []Alert
	nextID int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) ListActive(_ context.Context, scope Scope) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Alert{}
	for _, a := range m.alerts {
		if a.Status == StatusActive && a.TenantID == scope.TenantID && a.ProductID == scope.ProductID && a.WarehouseID == scope.WarehouseID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListActiveScopes(_ context.Context, tenantID int64) ([]Scope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[Scope]struct{}{}
	out := []Scope{}
	for _, a := range m.alerts {
		if a.Status != StatusActive || (tenantID != 0 && a.TenantID != tenantID) {
			continue
		}
		sc := Scope{TenantID: a.TenantID, ProductID: a.ProductID, WarehouseID: a.WarehouseID}
		if _, ok := seen[sc]; ok {
			continue
		}
		seen[sc] = struct{}{}
		out = append(out, sc)
	}
	return out, nil
}

func (m *MemoryStore) Insert(_ context.Context, alert Alert) (Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.Status == StatusActive && a.TenantID == alert.TenantID && a.ProductID == alert.ProductID &&
			a.WarehouseID == alert.WarehouseID && a.Type == alert.Type {
			return Alert{}, false, nil
		}
	}
	m.nextID++
	alert.ID = m.nextID
	alert.Status = StatusActive
	m.alerts = append(m.alerts, alert)
	return alert, true, nil
}

func (m *MemoryStore) Resolve(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID == id && m.alerts[i].Status == StatusActive {
			m.alerts[i].Status = StatusResolved
			m.alerts[i].ResolvedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Alert{}
	for _, a := range m.alerts {
		switch {
		case a.TenantID != filter.TenantID:
		case filter.ProductID != 0 && a.ProductID != filter.ProductID:
		case filter.WarehouseID != 0 && a.WarehouseID != filter.WarehouseID:
		case filter.Status != "" && a.Status != filter.Status:
		case filter.Type != "" && a.Type != filter.Type:
		default:
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
