package identity

import (
	"context"
	"database/sql"
	"strings"
)

// PostgresStore persists identity links in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed link store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) TelegramIDByWallet(ctx context.Context, wallet string) (string, error) {
	var telegramID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT telegram_id FROM users
		WHERE lower(wallet_address) = lower($1)
		LIMIT 1`, wallet).Scan(&telegramID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return telegramID.String, nil
}

func (p *PostgresStore) WalletByTelegramID(ctx context.Context, telegramID string) (string, error) {
	var wallet sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT wallet_address FROM users
		WHERE telegram_id = $1
		LIMIT 1`, telegramID).Scan(&wallet)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return wallet.String, nil
}

func (p *PostgresStore) Link(ctx context.Context, telegramID, wallet string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (telegram_id, wallet_address)
		VALUES ($1, $2)
		ON CONFLICT (telegram_id)
		DO UPDATE SET wallet_address = EXCLUDED.wallet_address, updated_at = now()`,
		telegramID, strings.ToLower(wallet))
	return err
}

// Compile-time assertion that PostgresStore implements LinkStore.
var _ LinkStore = (*PostgresStore)(nil)
