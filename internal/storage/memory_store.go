package storage

import (
	"context"
	"sync"

	"github.com/example/delivery-dispatch/internal/apperr"
	"github.com/example/delivery-dispatch/internal/models"
)

// MemoryStore is the in-process AssignmentRepository used when PG_DSN is unset.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[string]*models.Assignment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assignments: make(map[string]*models.Assignment)}
}

func (m *MemoryStore) Save(_ context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.assignments[a.ID]
	if a.Version == 0 {
		if exists {
			return apperr.ErrVersionConflict
		}
		for _, other := range m.assignments {
			if other.OrderID == a.OrderID && !other.Status.Terminal() {
				return apperr.ErrDuplicateOrder
			}
		}
	} else if !exists || stored.Version != a.Version {
		return apperr.ErrVersionConflict
	}
	a.Version++
	m.assignments[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) FindByID(_ context.Context, id string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) FindActiveByOrderID(_ context.Context, orderID string) (*models.Assignment, error) {
	return m.findActive(func(a *models.Assignment) bool { return a.OrderID == orderID })
}

func (m *MemoryStore) FindActiveByPartnerID(_ context.Context, partnerID string) (*models.Assignment, error) {
	if partnerID == "" {
		return nil, apperr.ErrNotFound
	}
	return m.findActive(func(a *models.Assignment) bool { return a.PartnerID == partnerID })
}

func (m *MemoryStore) findActive(match func(*models.Assignment) bool) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if !a.Status.Terminal() && match(a) {
			return a.Clone(), nil
		}
	}
	return nil, apperr.ErrNotFound
}

// MemoryOrders is a static OrderLookup, fed by the admin API or tests.
type MemoryOrders struct {
	mu     sync.RWMutex
	orders map[string]models.Order
}

func NewMemoryOrders(orders ...models.Order) *MemoryOrders {
	m := &MemoryOrders{orders: make(map[string]models.Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *MemoryOrders) Put(o models.Order) {
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
}

func (m *MemoryOrders) Lookup(_ context.Context, orderID string) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return models.Order{}, apperr.ErrNotFound
	}
	return o, nil
}
