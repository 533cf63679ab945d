// Package ads provides the ad catalog: standing buy/sell offers that
// counterparties accept to open orders.
//
// The order engine consumes this package two ways: Snapshot freezes an
// ad's terms at order creation, and MarkFulfilled retires the ad once
// the order settles. A fulfilled ad can no longer seed orders or be
// deleted by its owner.
package ads

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/peerdesk/peerdesk/internal/identity"
	"github.com/peerdesk/peerdesk/internal/idgen"
	"github.com/peerdesk/peerdesk/internal/pagination"
	"github.com/peerdesk/peerdesk/internal/token"
)

var (
	ErrAdNotFound  = errors.New("ad not found")
	ErrAdFulfilled = errors.New("ad already fulfilled")
	ErrNotOwner    = errors.New("not the ad owner")
)

// Side is the direction of a standing offer.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Status represents the lifecycle of an ad.
type Status string

const (
	StatusActive    Status = "active"
	StatusFulfilled Status = "fulfilled"
)

// Ad is a standing offer with fixed terms awaiting a counterparty.
type Ad struct {
	ID            string       `json:"id"`
	Type          Side         `json:"type"`
	Token         token.Symbol `json:"token"`
	PriceUSD      float64      `json:"priceUsd"`
	PriceINR      float64      `json:"priceInr"`
	Amount        string       `json:"amount"`
	PaymentMethod string       `json:"paymentMethod"`
	PostedBy      string       `json:"postedBy"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Snapshot is the immutable view of an ad's terms copied into a new
// order. Later ad edits never reach an open order.
type Snapshot struct {
	ID            string
	Type          Side
	Token         token.Symbol
	PriceUSD      float64
	Amount        string
	PaymentMethod string
	PostedBy      string
}

// Filter narrows ad listings. After resumes a listing from a cursor
// position; ordering is (created_at, id) descending.
type Filter struct {
	Type  Side
	Token token.Symbol
	After *pagination.Cursor
}

// Store persists ads.
type Store interface {
	Create(ctx context.Context, ad *Ad) error
	Get(ctx context.Context, id string) (*Ad, error)
	List(ctx context.Context, filter Filter, limit int) ([]*Ad, error)
	Delete(ctx context.Context, id string) error
	MarkFulfilled(ctx context.Context, id string) error
}

// CreateRequest contains the parameters for posting an ad.
type CreateRequest struct {
	Type          string  `json:"type" binding:"required"`
	Token         string  `json:"token" binding:"required"`
	PriceUSD      float64 `json:"priceUsd" binding:"required"`
	PriceINR      float64 `json:"priceInr" binding:"required"`
	Amount        string  `json:"amount" binding:"required"`
	PaymentMethod string  `json:"paymentMethod" binding:"required"`
	PostedBy      string  `json:"postedBy"` // set from the authenticated actor by the handler
}

// Service implements ad catalog business logic.
type Service struct {
	store Store
}

// NewService creates a new ad catalog service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create posts a new ad.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Ad, error) {
	ad := &Ad{
		ID:            idgen.WithPrefix("ad_"),
		Type:          Side(req.Type),
		Token:         token.Symbol(strings.ToUpper(req.Token)),
		PriceUSD:      req.PriceUSD,
		PriceINR:      req.PriceINR,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		PostedBy:      req.PostedBy,
		Status:        StatusActive,
		CreatedAt:     time.Now(),
	}
	if err := s.store.Create(ctx, ad); err != nil {
		return nil, err
	}
	return ad, nil
}

// Get returns an ad by ID.
func (s *Service) Get(ctx context.Context, id string) (*Ad, error) {
	return s.store.Get(ctx, id)
}

// List returns ads matching the filter.
func (s *Service) List(ctx context.Context, filter Filter, limit int) ([]*Ad, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, filter, limit)
}

// Snapshot freezes an ad's terms for a new order. Fulfilled ads cannot
// seed orders.
func (s *Service) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	ad, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ad.Status == StatusFulfilled {
		return nil, ErrAdFulfilled
	}
	return &Snapshot{
		ID:            ad.ID,
		Type:          ad.Type,
		Token:         ad.Token,
		PriceUSD:      ad.PriceUSD,
		Amount:        ad.Amount,
		PaymentMethod: ad.PaymentMethod,
		PostedBy:      ad.PostedBy,
	}, nil
}

// MarkFulfilled retires an ad after its order settled. Idempotent: a
// second call on a fulfilled ad is a no-op.
func (s *Service) MarkFulfilled(ctx context.Context, id string) error {
	ad, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if ad.Status == StatusFulfilled {
		return nil
	}
	return s.store.MarkFulfilled(ctx, id)
}

// Delete removes an ad. Only the poster may delete, and never once the
// ad is fulfilled.
func (s *Service) Delete(ctx context.Context, id string, caller identity.Set) error {
	ad, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !caller.Has(ad.PostedBy) {
		return ErrNotOwner
	}
	if ad.Status == StatusFulfilled {
		return ErrAdFulfilled
	}
	return s.store.Delete(ctx, id)
}
