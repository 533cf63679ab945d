package identity

import (
	"context"
	"testing"
)

const (
	wallet         = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
	walletLower    = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	walletUpper    = "0xAB5801A7D398351B8BE11C439E05C5B3259AEC9B"
	walletChecksum = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"
)

func TestCanonicalize_WalletVariants(t *testing.T) {
	r := NewResolver(NewMemoryStore())
	ctx := context.Background()

	set, err := r.Canonicalize(ctx, walletLower)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	for _, want := range []string{walletLower, walletUpper, walletChecksum} {
		if !set.Has(want) {
			t.Errorf("expected set to contain %s, got %v", want, set.Values())
		}
	}

	// Uppercasing must not touch the 0x prefix; no store writes a
	// 0X-prefixed form.
	if set.Has("0XAB5801A7D398351B8BE11C439E05C5B3259AEC9B") {
		t.Errorf("set contains a 0X-prefixed variant: %v", set.Values())
	}
}

func TestCanonicalize_LinkedTelegram(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Link(ctx, "123456789", wallet); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	r := NewResolver(store)

	// Wallet credential picks up the linked chat identity.
	set, err := r.Canonicalize(ctx, wallet)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if !set.Has("123456789") {
		t.Errorf("expected linked telegram id in set, got %v", set.Values())
	}

	// Chat credential picks up the linked wallet in all case forms.
	set, err = r.Canonicalize(ctx, "123456789")
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if !set.Has(walletLower) || !set.Has(walletChecksum) {
		t.Errorf("expected linked wallet variants in set, got %v", set.Values())
	}
}

func TestCanonicalize_UnlinkedTelegram(t *testing.T) {
	r := NewResolver(NewMemoryStore())

	set, err := r.Canonicalize(context.Background(), "987654321")
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if len(set) != 1 || !set.Has("987654321") {
		t.Errorf("expected singleton set, got %v", set.Values())
	}
}

func TestCanonicalize_Empty(t *testing.T) {
	r := NewResolver(NewMemoryStore())
	if _, err := r.Canonicalize(context.Background(), "   "); err != ErrEmptyIdentity {
		t.Errorf("expected ErrEmptyIdentity, got %v", err)
	}
}

func TestMemoryStore_Relink(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	other := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	if err := store.Link(ctx, "42", wallet); err != nil {
		t.Fatal(err)
	}
	if err := store.Link(ctx, "42", other); err != nil {
		t.Fatal(err)
	}

	// Old wallet no longer resolves to the chat identity.
	tg, err := store.TelegramIDByWallet(ctx, wallet)
	if err != nil {
		t.Fatal(err)
	}
	if tg != "" {
		t.Errorf("stale link survived relink: %q", tg)
	}

	tg, err = store.TelegramIDByWallet(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if tg != "42" {
		t.Errorf("expected 42, got %q", tg)
	}
}
