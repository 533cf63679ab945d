package ads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerdesk/peerdesk/internal/testutil"
	"github.com/peerdesk/peerdesk/internal/token"
)

func pgAd(id string, side Side) *Ad {
	return &Ad{
		ID:            id,
		Type:          side,
		Token:         token.USDT,
		PriceUSD:      1.02,
		PriceINR:      89.5,
		Amount:        "150",
		PaymentMethod: "UPI",
		PostedBy:      "alice",
		Status:        StatusActive,
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestPostgresStore_CreateGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	want := pgAd("ad_pg1", SideSell)
	if err := store.Create(ctx, want); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "ad_pg1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != SideSell || got.Token != token.USDT || got.Amount != "150" {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.PostedBy != "alice" || got.Status != StatusActive {
		t.Errorf("owner/status corrupted: %+v", got)
	}

	if _, err := store.Get(ctx, "ad_missing"); !errors.Is(err, ErrAdNotFound) {
		t.Errorf("missing ad: got %v, want ErrAdNotFound", err)
	}
}

func TestPostgresStore_ListFilters(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sell := pgAd("ad_pg2", SideSell)
	buy := pgAd("ad_pg3", SideBuy)
	buy.Token = token.USDC
	for _, ad := range []*Ad{sell, buy} {
		if err := store.Create(ctx, ad); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, err := store.List(ctx, Filter{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered list has %d ads, want 2", len(all))
	}

	sells, err := store.List(ctx, Filter{Type: SideSell}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sells) != 1 || sells[0].ID != "ad_pg2" {
		t.Errorf("sell filter = %+v, want [ad_pg2]", sells)
	}

	usdc, err := store.List(ctx, Filter{Token: token.USDC}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(usdc) != 1 || usdc[0].ID != "ad_pg3" {
		t.Errorf("token filter = %+v, want [ad_pg3]", usdc)
	}
}

func TestPostgresStore_MarkFulfilledAndDelete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgAd("ad_pg4", SideSell)); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.MarkFulfilled(ctx, "ad_pg4"); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	got, err := store.Get(ctx, "ad_pg4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFulfilled {
		t.Errorf("status = %s, want fulfilled", got.Status)
	}

	if err := store.MarkFulfilled(ctx, "ad_missing"); !errors.Is(err, ErrAdNotFound) {
		t.Errorf("missing ad fulfill: got %v, want ErrAdNotFound", err)
	}

	if err := store.Delete(ctx, "ad_pg4"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "ad_pg4"); !errors.Is(err, ErrAdNotFound) {
		t.Errorf("double delete: got %v, want ErrAdNotFound", err)
	}
}
