package identity

import (
	"context"
	"testing"

	"github.com/peerdesk/peerdesk/internal/testutil"
)

func TestPostgresStore_LinkRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	const (
		tg     = "tg_alice"
		wallet = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	)

	if err := store.Link(ctx, tg, wallet); err != nil {
		t.Fatalf("link: %v", err)
	}

	// Lookup is case-insensitive and returns the stored lowercase form.
	gotTG, err := store.TelegramIDByWallet(ctx, wallet)
	if err != nil {
		t.Fatalf("telegram by wallet: %v", err)
	}
	if gotTG != tg {
		t.Errorf("telegram id = %q, want %q", gotTG, tg)
	}

	gotWallet, err := store.WalletByTelegramID(ctx, tg)
	if err != nil {
		t.Fatalf("wallet by telegram: %v", err)
	}
	if gotWallet != "0x8ba1f109551bd432803012645ac136ddd64dba72" {
		t.Errorf("wallet = %q, want lowercase form", gotWallet)
	}
}

func TestPostgresStore_LinkUpsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Link(ctx, "tg_bob", "0x1111111111111111111111111111111111111111"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := store.Link(ctx, "tg_bob", "0x2222222222222222222222222222222222222222"); err != nil {
		t.Fatalf("relink: %v", err)
	}

	wallet, err := store.WalletByTelegramID(ctx, "tg_bob")
	if err != nil {
		t.Fatalf("wallet by telegram: %v", err)
	}
	if wallet != "0x2222222222222222222222222222222222222222" {
		t.Errorf("wallet = %q, want the relinked address", wallet)
	}
}

func TestPostgresStore_MissingLinks(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	tg, err := store.TelegramIDByWallet(ctx, "0x3333333333333333333333333333333333333333")
	if err != nil || tg != "" {
		t.Errorf("unknown wallet: got (%q, %v), want empty", tg, err)
	}
	wallet, err := store.WalletByTelegramID(ctx, "tg_nobody")
	if err != nil || wallet != "" {
		t.Errorf("unknown telegram id: got (%q, %v), want empty", wallet, err)
	}
}
