package orders

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
// UpdateStatus has the same compare-and-swap semantics as the postgres
// store so race behavior matches across backends.
type MemoryStore struct {
	mu           sync.RWMutex
	orders       map[string]*Order
	fulfillments map[string]*Fulfillment // keyed by order ID, pending only
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*Order),
		fulfillments: make(map[string]*Fulfillment),
	}
}

func (m *MemoryStore) Create(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, expected, next Status) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.Status != expected {
		return nil, ErrStoreConflict
	}
	order.Status = next
	order.UpdatedAt = time.Now()
	cp := *order
	return &cp, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, ids []string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	var result []*Order
	for _, o := range m.orders {
		if _, buyer := idSet[o.BuyerID]; !buyer {
			if _, seller := idSet[o.SellerID]; !seller {
				continue
			}
		}
		cp := *o
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) EnqueueFulfillment(ctx context.Context, orderID, adID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fulfillments[orderID]; ok {
		return nil // already queued
	}
	m.fulfillments[orderID] = &Fulfillment{
		OrderID:   orderID,
		AdID:      adID,
		CreatedAt: time.Now(),
	}
	return nil
}

func (m *MemoryStore) PendingFulfillments(ctx context.Context, limit int) ([]*Fulfillment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Fulfillment
	for _, f := range m.fulfillments {
		cp := *f
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) BumpFulfillmentAttempts(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fulfillments[orderID]
	if !ok {
		return nil
	}
	f.Attempts++
	return nil
}

func (m *MemoryStore) MarkFulfillmentDone(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.fulfillments, orderID)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
