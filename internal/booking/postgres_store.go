package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the bookings table if needed. The goose migrations are
// authoritative in production; this covers ad-hoc environments.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bookings (
			id                TEXT PRIMARY KEY,
			client_wallet_id  TEXT NOT NULL,
			creator_wallet_id TEXT NOT NULL,
			currency          TEXT NOT NULL,
			amount            NUMERIC(20,2) NOT NULL CHECK (amount > 0),
			title             TEXT NOT NULL DEFAULT '',
			start_date        TIMESTAMPTZ,
			end_date          TIMESTAMPTZ,
			status            TEXT NOT NULL,
			payment_status    TEXT NOT NULL,
			funds_released    BOOLEAN NOT NULL DEFAULT FALSE,
			release_tx_id     TEXT,
			accepted_at       TIMESTAMPTZ,
			completed_at      TIMESTAMPTZ,
			released_at       TIMESTAMPTZ,
			cancelled_at      TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bookings_client ON bookings(client_wallet_id);
		CREATE INDEX IF NOT EXISTS idx_bookings_creator ON bookings(creator_wallet_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate bookings: %w", err)
	}
	return nil
}

const bookingColumns = `id, client_wallet_id, creator_wallet_id, currency, amount::TEXT, title,
	start_date, end_date, status, payment_status, funds_released, release_tx_id,
	accepted_at, completed_at, released_at, cancelled_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bookings (id, client_wallet_id, creator_wallet_id, currency, amount, title,
			start_date, end_date, status, payment_status, funds_released, release_tx_id,
			accepted_at, completed_at, released_at, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''),
			$13, $14, $15, $16, $17, $18)`,
		b.ID, b.ClientWalletID, b.CreatorWalletID, b.Currency, b.Amount, b.Title,
		b.StartDate, b.EndDate, b.Status, b.PaymentStatus, b.FundsReleased, b.ReleaseTxID,
		b.AcceptedAt, b.CompletedAt, b.ReleasedAt, b.CancelledAt, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (p *PostgresStore) Update(ctx context.Context, b *Booking) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bookings SET
			status = $2, payment_status = $3, funds_released = $4, release_tx_id = NULLIF($5, ''),
			accepted_at = $6, completed_at = $7, released_at = $8, cancelled_at = $9, updated_at = $10
		WHERE id = $1`,
		b.ID, b.Status, b.PaymentStatus, b.FundsReleased, b.ReleaseTxID,
		b.AcceptedAt, b.CompletedAt, b.ReleasedAt, b.CancelledAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE client_wallet_id = $1 OR creator_wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*Booking, error) {
	var b Booking
	var releaseTxID sql.NullString
	var startDate, endDate sql.NullTime
	var acceptedAt, completedAt, releasedAt, cancelledAt sql.NullTime

	err := row.Scan(&b.ID, &b.ClientWalletID, &b.CreatorWalletID, &b.Currency, &b.Amount, &b.Title,
		&startDate, &endDate, &b.Status, &b.PaymentStatus, &b.FundsReleased, &releaseTxID,
		&acceptedAt, &completedAt, &releasedAt, &cancelledAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan booking: %w", err)
	}

	b.ReleaseTxID = releaseTxID.String
	b.StartDate = nullTimePtr(startDate)
	b.EndDate = nullTimePtr(endDate)
	b.AcceptedAt = nullTimePtr(acceptedAt)
	b.CompletedAt = nullTimePtr(completedAt)
	b.ReleasedAt = nullTimePtr(releasedAt)
	b.CancelledAt = nullTimePtr(cancelledAt)
	return &b, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
