package milestone

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a postgres-backed milestone store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the milestones table if needed. The goose migrations
// are authoritative in production; this covers ad-hoc environments.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS milestones (
			id             TEXT PRIMARY KEY,
			booking_id     TEXT NOT NULL,
			title          TEXT NOT NULL,
			amount         NUMERIC(20,2) NOT NULL CHECK (amount > 0),
			currency       TEXT NOT NULL,
			status         TEXT NOT NULL,
			deliverables   TEXT[] NOT NULL DEFAULT '{}',
			feedback       TEXT NOT NULL DEFAULT '',
			transaction_id TEXT,
			submitted_at   TIMESTAMPTZ,
			approved_at    TIMESTAMPTZ,
			paid_at        TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL,
			updated_at     TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_milestones_booking ON milestones(booking_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate milestones: %w", err)
	}
	return nil
}

const milestoneColumns = `id, booking_id, title, amount::TEXT, currency, status,
	deliverables, feedback, transaction_id, submitted_at, approved_at, paid_at,
	created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, m *Milestone) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO milestones (id, booking_id, title, amount, currency, status,
			deliverables, feedback, transaction_id, submitted_at, approved_at, paid_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13, $14)`,
		m.ID, m.BookingID, m.Title, m.Amount, m.Currency, m.Status,
		pq.Array(m.Deliverables), m.Feedback, m.TransactionID,
		m.SubmittedAt, m.ApprovedAt, m.PaidAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert milestone: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	return scanMilestone(row)
}

func (p *PostgresStore) Update(ctx context.Context, m *Milestone) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET
			status = $2, deliverables = $3, feedback = $4, transaction_id = NULLIF($5, ''),
			submitted_at = $6, approved_at = $7, paid_at = $8, updated_at = $9
		WHERE id = $1`,
		m.ID, m.Status, pq.Array(m.Deliverables), m.Feedback, m.TransactionID,
		m.SubmittedAt, m.ApprovedAt, m.PaidAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update milestone: %w", err)
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

func (p *PostgresStore) ListByBooking(ctx context.Context, bookingID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE booking_id = $1
		ORDER BY created_at ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	defer rows.Close()

	var result []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMilestone(row rowScanner) (*Milestone, error) {
	var m Milestone
	var deliverables pq.StringArray
	var txID sql.NullString
	var submittedAt, approvedAt, paidAt sql.NullTime

	err := row.Scan(&m.ID, &m.BookingID, &m.Title, &m.Amount, &m.Currency, &m.Status,
		&deliverables, &m.Feedback, &txID, &submittedAt, &approvedAt, &paidAt,
		&m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan milestone: %w", err)
	}

	m.Deliverables = []string(deliverables)
	m.TransactionID = txID.String
	m.SubmittedAt = nullTimePtr(submittedAt)
	m.ApprovedAt = nullTimePtr(approvedAt)
	m.PaidAt = nullTimePtr(paidAt)
	return &m, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
