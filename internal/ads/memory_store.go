package ads

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ad store for demo/development mode.
type MemoryStore struct {
	ads map[string]*Ad
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory ad store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ads: make(map[string]*Ad)}
}

func (m *MemoryStore) Create(ctx context.Context, ad *Ad) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ad
	m.ads[ad.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Ad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ad, ok := m.ads[id]
	if !ok {
		return nil, ErrAdNotFound
	}
	cp := *ad
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter, limit int) ([]*Ad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Ad
	for _, ad := range m.ads {
		if filter.Type != "" && ad.Type != filter.Type {
			continue
		}
		if filter.Token != "" && ad.Token != filter.Token {
			continue
		}
		cp := *ad
		result = append(result, &cp)
	}
	// Newest first, deterministic order for pagination.
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if filter.After != nil {
		start := len(result)
		for i, ad := range result {
			if ad.CreatedAt.Before(filter.After.CreatedAt) ||
				(ad.CreatedAt.Equal(filter.After.CreatedAt) && ad.ID < filter.After.ID) {
				start = i
				break
			}
		}
		result = result[start:]
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ads[id]; !ok {
		return ErrAdNotFound
	}
	delete(m.ads, id)
	return nil
}

func (m *MemoryStore) MarkFulfilled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ad, ok := m.ads[id]
	if !ok {
		return ErrAdNotFound
	}
	ad.Status = StatusFulfilled
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
