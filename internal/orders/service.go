package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/peerdesk/peerdesk/internal/ads"
	"github.com/peerdesk/peerdesk/internal/identity"
	"github.com/peerdesk/peerdesk/internal/idgen"
	"github.com/peerdesk/peerdesk/internal/metrics"
	"github.com/peerdesk/peerdesk/internal/retry"
	"github.com/peerdesk/peerdesk/internal/traces"
)

// conflict retry budget for conditional status updates
const (
	maxConflictAttempts = 3
	conflictRetryDelay  = 25 * time.Millisecond
)

// AdCatalog is the slice of the ad service the engine consumes.
type AdCatalog interface {
	Snapshot(ctx context.Context, adID string) (*ads.Snapshot, error)
	MarkFulfilled(ctx context.Context, adID string) error
}

// IdentityResolver canonicalizes raw actor credentials.
type IdentityResolver interface {
	Canonicalize(ctx context.Context, raw string) (identity.Set, error)
}

// EventType labels order lifecycle events.
type EventType string

const (
	EventOrderOpened       EventType = "order_opened"
	EventOrderTransitioned EventType = "order_status"
)

// Event is a lifecycle notification emitted after a committed change.
type Event struct {
	Type  EventType `json:"type"`
	Order *Order    `json:"order"`
}

// Publisher receives lifecycle events. Implementations must not block;
// delivery is best-effort.
type Publisher interface {
	PublishOrderEvent(event Event)
}

// Service is the order lifecycle engine.
type Service struct {
	store     Store
	catalog   AdCatalog
	ids       IdentityResolver
	publisher Publisher
	kick      func() // prompts the fulfillment drainer after an enqueue
	logger    *slog.Logger
}

// NewService creates a new order lifecycle engine.
func NewService(store Store, catalog AdCatalog, ids IdentityResolver, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		ids:     ids,
		logger:  logger,
	}
}

// WithPublisher adds a lifecycle event publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// WithFulfillmentKick registers a callback that prompts the outbox
// drainer after a release enqueues a fulfillment.
func (s *Service) WithFulfillmentKick(kick func()) *Service {
	s.kick = kick
	return s
}

// Open creates a new order by accepting an ad's terms.
//
// The ad's terms are snapshotted into the order; buyer and seller are
// derived from the ad side (on a sell ad the opener buys, on a buy ad
// the opener sells). Opening an order against your own ad is rejected.
func (s *Service) Open(ctx context.Context, adID, actorID string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Open", traces.AdID(adID), traces.Actor(actorID))
	defer span.End()

	actor, err := s.ids.Canonicalize(ctx, actorID)
	if err != nil {
		return nil, err
	}

	snap, err := s.catalog.Snapshot(ctx, adID)
	if err != nil {
		return nil, err
	}

	if actor.Has(snap.PostedBy) {
		return nil, ErrSelfTrade
	}

	buyerID, sellerID := snap.PostedBy, actorID
	if snap.Type == ads.SideSell {
		buyerID, sellerID = actorID, snap.PostedBy
	}

	now := time.Now()
	order := &Order{
		ID:           idgen.WithPrefix("ord_"),
		AdID:         snap.ID,
		Token:        snap.Token,
		UnitPriceUSD: snap.PriceUSD,
		Amount:       snap.Amount,
		FiatMethod:   snap.PaymentMethod,
		BuyerID:      buyerID,
		SellerID:     sellerID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	metrics.OrdersOpenedTotal.Inc()
	s.publish(Event{Type: EventOrderOpened, Order: order})

	s.logger.Info("order opened",
		"orderId", order.ID, "adId", order.AdID,
		"buyer", order.BuyerID, "seller", order.SellerID,
	)
	return order, nil
}

// Transition moves an order to the requested next status on behalf of
// the acting party.
//
// The commit is a compare-and-swap conditioned on the status that was
// validated, so two racing transitions can never both apply. A lost
// race is retried a few times by reloading and re-validating; if the
// reloaded status no longer permits the transition the caller gets
// ErrInvalidTransition, mirroring what they would see on a refresh.
func (s *Service) Transition(ctx context.Context, orderID, actorID string, next Status) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Transition",
		traces.OrderID(orderID), traces.Actor(actorID), traces.Status(string(next)))
	defer span.End()

	if !next.valid() || next == StatusPending || next == StatusMatched {
		return nil, ErrInvalidTransition
	}

	actor, err := s.ids.Canonicalize(ctx, actorID)
	if err != nil {
		return nil, err
	}

	var updated *Order
	err = retry.Do(ctx, maxConflictAttempts, conflictRetryDelay, func() error {
		order, err := s.store.Get(ctx, orderID)
		if err != nil {
			return retry.Permanent(err)
		}

		role := order.RoleOf(actor)
		if role == RoleNone {
			return retry.Permanent(ErrForbidden)
		}
		if !Allowed(order.Status, next, role) {
			return retry.Permanent(ErrInvalidTransition)
		}

		updated, err = s.store.UpdateStatus(ctx, orderID, order.Status, next)
		if errors.Is(err, ErrStoreConflict) {
			metrics.OrderConflictsTotal.Inc()
			return err // retried with fresh state
		}
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(next)).Inc()
	s.publish(Event{Type: EventOrderTransitioned, Order: updated})

	// Releasing settles the trade: retire the ad through the outbox.
	// The enqueue is best-effort relative to the committed transition;
	// a failure here is logged and counted, never propagated.
	if next == StatusReleased {
		if err := s.store.EnqueueFulfillment(ctx, updated.ID, updated.AdID); err != nil {
			metrics.FulfillmentAttemptsTotal.WithLabelValues("enqueue_error").Inc()
			s.logger.Error("failed to enqueue ad fulfillment",
				"orderId", updated.ID, "adId", updated.AdID, "error", err)
		} else if s.kick != nil {
			s.kick()
		}
	}

	s.logger.Info("order transitioned",
		"orderId", updated.ID, "status", updated.Status, "actor", actorID,
	)
	return updated, nil
}

// Get returns an order by ID.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns the actor's orders under any of their identities.
func (s *Service) ListByParty(ctx context.Context, actorID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	actor, err := s.ids.Canonicalize(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.store.ListByParty(ctx, actor.Values(), limit)
}

func (s *Service) publish(event Event) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishOrderEvent(event)
}
