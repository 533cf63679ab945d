package orders

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/peerdesk/peerdesk/internal/token"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, ad_id, token, unit_price, amount, fiat_method,
		       buyer_id, seller_id, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, ad_id, token, unit_price, amount, fiat_method,
			buyer_id, seller_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.AdID, string(o.Token), o.UnitPriceUSD, o.Amount, nullString(o.FiatMethod),
		o.BuyerID, o.SellerID, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// UpdateStatus commits the transition only if the row still holds the
// expected status. The WHERE clause is the serialization point: of two
// racing updates exactly one matches the row.
func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, expected, next Status) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE orders
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
		RETURNING `+orderColumns,
		string(next), id, string(expected),
	)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		// Row moved or is gone; tell the caller which.
		var exists bool
		if checkErr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
			return nil, checkErr
		}
		if exists {
			return nil, ErrStoreConflict
		}
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, ids []string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_id = ANY($1) OR seller_id = ANY($1)
		ORDER BY created_at DESC
		LIMIT $2`, pq.Array(ids), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) EnqueueFulfillment(ctx context.Context, orderID, adID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ad_fulfillments (order_id, ad_id)
		VALUES ($1, $2)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, adID)
	return err
}

func (p *PostgresStore) PendingFulfillments(ctx context.Context, limit int) ([]*Fulfillment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT order_id, ad_id, attempts, created_at
		FROM ad_fulfillments
		WHERE done = false
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Fulfillment
	for rows.Next() {
		f := &Fulfillment{}
		if err := rows.Scan(&f.OrderID, &f.AdID, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (p *PostgresStore) BumpFulfillmentAttempts(ctx context.Context, orderID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ad_fulfillments
		SET attempts = attempts + 1, updated_at = now()
		WHERE order_id = $1`, orderID)
	return err
}

func (p *PostgresStore) MarkFulfillmentDone(ctx context.Context, orderID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE ad_fulfillments
		SET done = true, updated_at = now()
		WHERE order_id = $1`, orderID)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		sym        string
		amount     string
		fiatMethod sql.NullString
		status     string
	)

	err := s.Scan(
		&o.ID, &o.AdID, &sym, &o.UnitPriceUSD, &amount, &fiatMethod,
		&o.BuyerID, &o.SellerID, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Token = token.Symbol(sym)
	o.Amount = amount
	o.FiatMethod = fiatMethod.String
	o.Status = Status(status)
	return o, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
