// Package identity resolves raw actor credentials to canonical identity sets.
//
// An actor may act under a chat identity (Telegram ID) or a wallet
// address, and the two may be linked through account provisioning.
// Authorization checks compare identity sets, never raw strings, so a
// wallet holder can operate an order that was opened under their chat
// identity and vice versa. Address comparison is case-insensitive.
package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrEmptyIdentity = errors.New("identity: empty credential")

// Set holds the equivalent canonical identities of a single actor.
type Set map[string]struct{}

// NewSet builds a set from the given identities.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts an identity into the set. Empty strings are ignored.
func (s Set) Add(id string) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

// Has reports whether id is in the set.
func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Values returns the identities in the set.
func (s Set) Values() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// LinkStore looks up wallet/chat identity links created at provisioning.
type LinkStore interface {
	// TelegramIDByWallet returns the chat identity linked to a wallet,
	// or "" when no link exists.
	TelegramIDByWallet(ctx context.Context, wallet string) (string, error)
	// WalletByTelegramID returns the wallet linked to a chat identity,
	// or "" when no link exists.
	WalletByTelegramID(ctx context.Context, telegramID string) (string, error)
	// Link upserts a telegram<->wallet link.
	Link(ctx context.Context, telegramID, wallet string) error
}

// Resolver canonicalizes raw actor credentials.
type Resolver struct {
	store LinkStore
}

// NewResolver creates a resolver backed by the given link store.
func NewResolver(store LinkStore) *Resolver {
	return &Resolver{store: store}
}

// Canonicalize expands a raw credential into its full identity set:
// the credential itself, wallet case variants (lowercase, uppercase,
// EIP-55 checksum), and any cross-linked identity.
func (r *Resolver) Canonicalize(ctx context.Context, raw string) (Set, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyIdentity
	}

	set := NewSet(raw)

	if common.IsHexAddress(raw) {
		addWalletVariants(set, raw)

		linked, err := r.store.TelegramIDByWallet(ctx, strings.ToLower(raw))
		if err != nil {
			return nil, err
		}
		set.Add(linked)
		return set, nil
	}

	// Chat identity: pull in the linked wallet, if any.
	wallet, err := r.store.WalletByTelegramID(ctx, raw)
	if err != nil {
		return nil, err
	}
	if wallet != "" {
		addWalletVariants(set, wallet)
	}
	return set, nil
}

// addWalletVariants adds the case forms under which a wallet address
// may have been stored as a party identity.
func addWalletVariants(set Set, addr string) {
	set.Add(addr)
	set.Add(strings.ToLower(addr))
	set.Add("0x" + strings.ToUpper(strings.TrimPrefix(strings.ToLower(addr), "0x")))
	set.Add(common.HexToAddress(addr).Hex()) // EIP-55 checksum form
}
