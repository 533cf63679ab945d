package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peerdesk/peerdesk/internal/ads"
)

// flakyCatalog fails MarkFulfilled until the failure budget is spent.
type flakyCatalog struct {
	mu        sync.Mutex
	failures  int
	fulfilled []string
}

func (c *flakyCatalog) Snapshot(ctx context.Context, adID string) (*ads.Snapshot, error) {
	return nil, ads.ErrAdNotFound
}

func (c *flakyCatalog) MarkFulfilled(ctx context.Context, adID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("catalog unavailable")
	}
	c.fulfilled = append(c.fulfilled, adID)
	return nil
}

func (c *flakyCatalog) fulfilledAds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.fulfilled...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFulfiller_DrainRetiresAd(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	catalog := &flakyCatalog{}

	if err := store.EnqueueFulfillment(ctx, "ord_1", "ad_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f := NewFulfiller(store, catalog, discardLogger())
	f.drain(ctx)

	if got := catalog.fulfilledAds(); len(got) != 1 || got[0] != "ad_1" {
		t.Errorf("fulfilled ads = %v, want [ad_1]", got)
	}
	pending, err := store.PendingFulfillments(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("outbox still holds %d entries after drain", len(pending))
	}
}

func TestFulfiller_RetriesAcrossDrains(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	catalog := &flakyCatalog{failures: 2}

	if err := store.EnqueueFulfillment(ctx, "ord_1", "ad_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f := NewFulfiller(store, catalog, discardLogger())

	// Two failing drains leave the entry queued with bumped attempts.
	f.drain(ctx)
	f.drain(ctx)

	pending, err := store.PendingFulfillments(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("outbox holds %d entries, want 1", len(pending))
	}
	if pending[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", pending[0].Attempts)
	}

	// Third drain succeeds and retires the entry.
	f.drain(ctx)
	if got := catalog.fulfilledAds(); len(got) != 1 {
		t.Errorf("fulfilled ads = %v, want one entry", got)
	}
	pending, err = store.PendingFulfillments(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("outbox still holds %d entries", len(pending))
	}
}

func TestFulfiller_AbandonsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	catalog := &flakyCatalog{failures: MaxFulfillmentAttempts * 2}

	if err := store.EnqueueFulfillment(ctx, "ord_1", "ad_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f := NewFulfiller(store, catalog, discardLogger())
	for i := 0; i < MaxFulfillmentAttempts; i++ {
		f.drain(ctx)
	}

	pending, err := store.PendingFulfillments(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("exhausted entry still queued: %+v", pending)
	}
	if got := catalog.fulfilledAds(); len(got) != 0 {
		t.Errorf("fulfilled ads = %v, want none", got)
	}
}

func TestFulfiller_PokeTriggersDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	catalog := &flakyCatalog{}
	if err := store.EnqueueFulfillment(ctx, "ord_1", "ad_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f := NewFulfiller(store, catalog, discardLogger())
	f.interval = time.Hour // only a poke can trigger the drain
	go f.Start(ctx)
	defer f.Stop()

	f.Poke()

	deadline := time.After(2 * time.Second)
	for {
		if len(catalog.fulfilledAds()) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("poke did not trigger a drain")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFulfiller_StopSignalIsNotLost(t *testing.T) {
	f := NewFulfiller(NewMemoryStore(), &flakyCatalog{}, discardLogger())
	f.interval = time.Hour

	// Stop before the loop is listening; the signal must survive
	// until Start picks it up.
	f.Stop()

	done := make(chan struct{})
	go func() {
		f.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
