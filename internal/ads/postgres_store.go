package ads

import (
	"context"
	"database/sql"

	"github.com/peerdesk/peerdesk/internal/token"
)

// PostgresStore persists ads in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ad store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const adColumns = `id, type, token, price_usd, price_inr, amount, payment_method, posted_by, status, created_at`

func (p *PostgresStore) Create(ctx context.Context, ad *Ad) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ads (
			id, type, token, price_usd, price_inr, amount,
			payment_method, posted_by, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)`,
		ad.ID, string(ad.Type), string(ad.Token), ad.PriceUSD, ad.PriceINR,
		ad.Amount, ad.PaymentMethod, ad.PostedBy, string(ad.Status), ad.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ad, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+adColumns+` FROM ads WHERE id = $1`, id)

	ad, err := scanAd(row)
	if err == sql.ErrNoRows {
		return nil, ErrAdNotFound
	}
	return ad, err
}

func (p *PostgresStore) List(ctx context.Context, filter Filter, limit int) ([]*Ad, error) {
	var (
		cursorAt sql.NullTime
		cursorID string
	)
	if filter.After != nil {
		cursorAt = sql.NullTime{Time: filter.After.CreatedAt, Valid: true}
		cursorID = filter.After.ID
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+adColumns+`
		FROM ads
		WHERE ($1 = '' OR type = $1)
		  AND ($2 = '' OR token = $2)
		  AND ($3::TIMESTAMPTZ IS NULL OR (created_at, id) < ($3::TIMESTAMPTZ, $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $5`, string(filter.Type), string(filter.Token), cursorAt, cursorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Ad
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ad)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM ads WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAdNotFound
	}
	return nil
}

func (p *PostgresStore) MarkFulfilled(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE ads SET status = 'fulfilled' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAdNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAd(s scanner) (*Ad, error) {
	ad := &Ad{}
	var (
		side          string
		sym           string
		status        string
		amount        string
		paymentMethod sql.NullString
		postedBy      sql.NullString
	)

	err := s.Scan(
		&ad.ID, &side, &sym, &ad.PriceUSD, &ad.PriceINR,
		&amount, &paymentMethod, &postedBy, &status, &ad.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	ad.Type = Side(side)
	ad.Token = token.Symbol(sym)
	ad.Amount = amount
	ad.PaymentMethod = paymentMethod.String
	ad.PostedBy = postedBy.String
	ad.Status = Status(status)
	return ad, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
