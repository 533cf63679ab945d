package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/peerdesk/peerdesk/internal/metrics"
)

// MaxFulfillmentAttempts bounds outbox retries before an entry is
// abandoned. Abandonment is counted and logged so the inconsistency
// between a released order and a still-active ad stays discoverable.
const MaxFulfillmentAttempts = 10

// Fulfiller drains the ad fulfillment outbox: for every released order
// it retires the originating ad, retrying failed deliveries on an
// interval. Delivery is at-least-once; MarkFulfilled is idempotent on
// the catalog side.
type Fulfiller struct {
	store    Store
	catalog  AdCatalog
	interval time.Duration
	logger   *slog.Logger
	poke     chan struct{}
	stop     chan struct{}
	running  atomic.Bool
}

// NewFulfiller creates a new outbox drainer.
func NewFulfiller(store Store, catalog AdCatalog, logger *slog.Logger) *Fulfiller {
	return &Fulfiller{
		store:    store,
		catalog:  catalog,
		interval: 30 * time.Second,
		logger:   logger,
		poke:     make(chan struct{}, 1),
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the drain loop is actively running.
func (f *Fulfiller) Running() bool {
	return f.running.Load()
}

// Start begins the drain loop. Call in a goroutine.
func (f *Fulfiller) Start(ctx context.Context) {
	f.running.Store(true)
	defer f.running.Store(false)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-f.poke:
			f.safeDrain(ctx)
		case <-ticker.C:
			f.safeDrain(ctx)
		}
	}
}

// Stop signals the drain loop to stop. The buffered send keeps the
// signal even when the loop is inside a drain.
func (f *Fulfiller) Stop() {
	select {
	case f.stop <- struct{}{}:
	default:
	}
}

// Poke requests an immediate drain without waiting for the ticker.
func (f *Fulfiller) Poke() {
	select {
	case f.poke <- struct{}{}:
	default:
	}
}

func (f *Fulfiller) safeDrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("panic in fulfillment drainer", "panic", fmt.Sprint(r))
		}
	}()
	f.drain(ctx)
}

func (f *Fulfiller) drain(ctx context.Context) {
	pending, err := f.store.PendingFulfillments(ctx, 100)
	if err != nil {
		f.logger.Warn("failed to list pending fulfillments", "error", err)
		return
	}
	metrics.FulfillmentBacklog.Set(float64(len(pending)))

	for _, entry := range pending {
		if err := f.catalog.MarkFulfilled(ctx, entry.AdID); err != nil {
			metrics.FulfillmentAttemptsTotal.WithLabelValues("error").Inc()
			f.logger.Warn("ad fulfillment attempt failed",
				"orderId", entry.OrderID, "adId", entry.AdID,
				"attempt", entry.Attempts+1, "error", err,
			)
			if entry.Attempts+1 >= MaxFulfillmentAttempts {
				metrics.FulfillmentAttemptsTotal.WithLabelValues("exhausted").Inc()
				f.logger.Error("ad fulfillment abandoned after max attempts",
					"orderId", entry.OrderID, "adId", entry.AdID)
				if err := f.store.MarkFulfillmentDone(ctx, entry.OrderID); err != nil {
					f.logger.Warn("failed to retire exhausted fulfillment", "orderId", entry.OrderID, "error", err)
				}
				continue
			}
			if err := f.store.BumpFulfillmentAttempts(ctx, entry.OrderID); err != nil {
				f.logger.Warn("failed to bump fulfillment attempts", "orderId", entry.OrderID, "error", err)
			}
			continue
		}

		metrics.FulfillmentAttemptsTotal.WithLabelValues("ok").Inc()
		if err := f.store.MarkFulfillmentDone(ctx, entry.OrderID); err != nil {
			// Entry will be re-delivered next tick; MarkFulfilled is idempotent.
			f.logger.Warn("failed to mark fulfillment done", "orderId", entry.OrderID, "error", err)
			continue
		}
		f.logger.Info("ad marked fulfilled", "orderId", entry.OrderID, "adId", entry.AdID)
	}
}
