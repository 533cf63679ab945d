package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerdesk/peerdesk/internal/testutil"
	"github.com/peerdesk/peerdesk/internal/token"
)

func pgOrder(id string) *Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Order{
		ID:           id,
		AdID:         "ad_1",
		Token:        token.USDT,
		UnitPriceUSD: 1.02,
		Amount:       "150",
		FiatMethod:   "UPI",
		BuyerID:      "bob",
		SellerID:     "alice",
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresStore_CreateGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	want := pgOrder("ord_pg1")
	if err := store.Create(ctx, want); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "ord_pg1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AdID != want.AdID || got.Token != want.Token || got.Amount != want.Amount {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.BuyerID != "bob" || got.SellerID != "alice" || got.Status != StatusPending {
		t.Errorf("parties/status corrupted: %+v", got)
	}

	if _, err := store.Get(ctx, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order: got %v, want ErrOrderNotFound", err)
	}
}

func TestPostgresStore_UpdateStatus(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOrder("ord_pg2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.UpdateStatus(ctx, "ord_pg2", StatusPending, StatusPaid)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != StatusPaid {
		t.Errorf("status = %s, want paid", updated.Status)
	}

	// Stale expected status loses the swap.
	if _, err := store.UpdateStatus(ctx, "ord_pg2", StatusPending, StatusCanceled); !errors.Is(err, ErrStoreConflict) {
		t.Errorf("stale swap: got %v, want ErrStoreConflict", err)
	}
	if _, err := store.UpdateStatus(ctx, "ord_missing", StatusPending, StatusPaid); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("missing order: got %v, want ErrOrderNotFound", err)
	}
}

func TestPostgresStore_ListByParty(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	a := pgOrder("ord_pg3")
	b := pgOrder("ord_pg4")
	b.BuyerID = "carol"
	for _, o := range []*Order{a, b} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	// Alice sells on both; bob buys on one.
	mine, err := store.ListByParty(ctx, []string{"alice"}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("alice has %d orders, want 2", len(mine))
	}

	mine, err = store.ListByParty(ctx, []string{"bob", "0xdead"}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "ord_pg3" {
		t.Errorf("bob's orders = %+v, want [ord_pg3]", mine)
	}
}

func TestPostgresStore_FulfillmentOutbox(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, pgOrder("ord_pg5")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.EnqueueFulfillment(ctx, "ord_pg5", "ad_1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Duplicate enqueue is a no-op.
	if err := store.EnqueueFulfillment(ctx, "ord_pg5", "ad_1"); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	pending, err := store.PendingFulfillments(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].AdID != "ad_1" || pending[0].Attempts != 0 {
		t.Fatalf("pending = %+v, want one fresh entry", pending)
	}

	if err := store.BumpFulfillmentAttempts(ctx, "ord_pg5"); err != nil {
		t.Fatalf("bump: %v", err)
	}
	pending, _ = store.PendingFulfillments(ctx, 10)
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}

	if err := store.MarkFulfillmentDone(ctx, "ord_pg5"); err != nil {
		t.Fatalf("done: %v", err)
	}
	pending, _ = store.PendingFulfillments(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("done entry still pending: %+v", pending)
	}
}
