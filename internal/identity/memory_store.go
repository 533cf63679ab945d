package identity

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory link store for demo/development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	byTelegram map[string]string // telegram_id -> wallet (lowercase)
	byWallet   map[string]string // wallet (lowercase) -> telegram_id
}

// NewMemoryStore creates a new in-memory link store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTelegram: make(map[string]string),
		byWallet:   make(map[string]string),
	}
}

func (m *MemoryStore) TelegramIDByWallet(ctx context.Context, wallet string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byWallet[strings.ToLower(wallet)], nil
}

func (m *MemoryStore) WalletByTelegramID(ctx context.Context, telegramID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTelegram[telegramID], nil
}

func (m *MemoryStore) Link(ctx context.Context, telegramID, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wallet = strings.ToLower(wallet)
	// Drop a stale reverse mapping if the wallet changed.
	if old, ok := m.byTelegram[telegramID]; ok && old != wallet {
		delete(m.byWallet, old)
	}
	m.byTelegram[telegramID] = wallet
	m.byWallet[wallet] = telegramID
	return nil
}

// Compile-time assertion that MemoryStore implements LinkStore.
var _ LinkStore = (*MemoryStore)(nil)
