// Package orders implements the trade order lifecycle.
//
// An order is created when a counterparty accepts an ad's standing
// terms. From there it only moves along the transition table:
//
//	pending  → paid      (buyer marks the fiat payment sent)
//	paid     → released  (seller releases the crypto)
//	pending, matched, paid → canceled (either party)
//	pending, matched, paid → disputed (either party)
//
// released and canceled are terminal; disputed awaits manual
// resolution. Orders are never deleted, terminal rows are kept for
// audit history. All status writes are conditional on the expected
// current status so concurrent transitions cannot both commit.
package orders

import (
	"context"
	"errors"
	"time"

	"github.com/peerdesk/peerdesk/internal/identity"
	"github.com/peerdesk/peerdesk/internal/token"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrForbidden         = errors.New("not a party in this order")
	ErrInvalidTransition = errors.New("action not allowed for current status")
	ErrStoreConflict     = errors.New("order changed concurrently")
	ErrSelfTrade         = errors.New("cannot open an order against your own ad")
)

// Status represents the state of an order.
type Status string

const (
	StatusPending  Status = "pending"
	StatusMatched  Status = "matched"
	StatusPaid     Status = "paid"
	StatusReleased Status = "released"
	StatusCanceled Status = "canceled"
	StatusDisputed Status = "disputed"
)

// valid reports whether s is a known order status.
func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusMatched, StatusPaid, StatusReleased, StatusCanceled, StatusDisputed:
		return true
	}
	return false
}

// Terminal returns true if the order can accept no further transitions.
// Disputed counts: resolution happens out of band, not through the
// transition table.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusCanceled, StatusDisputed:
		return true
	}
	return false
}

// Role is an actor's relation to an order.
type Role int

const (
	RoleNone Role = iota
	RoleBuyer
	RoleSeller
)

// Order is a trade instance between a buyer and a seller, its terms
// snapshotted from the originating ad at creation time.
type Order struct {
	ID           string       `json:"id"`
	AdID         string       `json:"adId"`
	Token        token.Symbol `json:"token"`
	UnitPriceUSD float64      `json:"unitPriceUsd"`
	Amount       string       `json:"amount"`
	FiatMethod   string       `json:"fiatMethod"`
	BuyerID      string       `json:"buyerId"`
	SellerID     string       `json:"sellerId"`
	Status       Status       `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// RoleOf returns the actor's role given their canonical identity set.
func (o *Order) RoleOf(actor identity.Set) Role {
	if actor.Has(o.BuyerID) {
		return RoleBuyer
	}
	if actor.Has(o.SellerID) {
		return RoleSeller
	}
	return RoleNone
}

// transitionRule defines which source statuses and actor roles may
// produce a given target status.
type transitionRule struct {
	from map[Status]bool
	who  func(Role) bool
}

func anyParty(r Role) bool { return r == RoleBuyer || r == RoleSeller }

// transitions is the full state machine, keyed by target status.
// Marking paid is buyer-only: only the paying party may assert that
// payment was sent.
var transitions = map[Status]transitionRule{
	StatusPaid: {
		from: map[Status]bool{StatusPending: true},
		who:  func(r Role) bool { return r == RoleBuyer },
	},
	StatusReleased: {
		from: map[Status]bool{StatusPaid: true},
		who:  func(r Role) bool { return r == RoleSeller },
	},
	StatusCanceled: {
		from: map[Status]bool{StatusPending: true, StatusMatched: true, StatusPaid: true},
		who:  anyParty,
	},
	StatusDisputed: {
		from: map[Status]bool{StatusPending: true, StatusMatched: true, StatusPaid: true},
		who:  anyParty,
	},
}

// Allowed reports whether the state machine permits current → next for
// an actor in the given role. Non-parties are never allowed.
func Allowed(current, next Status, role Role) bool {
	rule, ok := transitions[next]
	if !ok {
		return false
	}
	return rule.from[current] && rule.who(role)
}

// Fulfillment is an outbox entry recording that an ad must be marked
// fulfilled because its order released. Delivery is at-least-once and
// decoupled from the order transition that created the entry.
type Fulfillment struct {
	OrderID   string    `json:"orderId"`
	AdID      string    `json:"adId"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists orders and the ad fulfillment outbox.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// UpdateStatus commits current → next only if the row still holds
	// the expected status. Returns ErrStoreConflict when it moved, and
	// ErrOrderNotFound when the row is absent.
	UpdateStatus(ctx context.Context, id string, expected, next Status) (*Order, error)
	// ListByParty returns orders where any of the given identities is
	// buyer or seller, newest first.
	ListByParty(ctx context.Context, ids []string, limit int) ([]*Order, error)

	EnqueueFulfillment(ctx context.Context, orderID, adID string) error
	PendingFulfillments(ctx context.Context, limit int) ([]*Fulfillment, error)
	BumpFulfillmentAttempts(ctx context.Context, orderID string) error
	MarkFulfillmentDone(ctx context.Context, orderID string) error
}
