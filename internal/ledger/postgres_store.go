package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Postgres error codes.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore implements Store with PostgreSQL.
//
// Each mutation runs in one SERIALIZABLE transaction. CHECK constraints on
// balance and pending_balance stop overdrafts at the database level, and
// the provider_events primary key is the authoritative exactly-once guard:
// the admission row commits together with the balance effect.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. Idempotent; cmd/migrate owns the
// canonical schema, this is the bootstrap path for fresh databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			id                VARCHAR(40) PRIMARY KEY,
			user_id           VARCHAR(64) NOT NULL UNIQUE,
			currency          VARCHAR(8)  NOT NULL,
			balance           NUMERIC(20,2) NOT NULL DEFAULT 0,
			pending_balance   NUMERIC(20,2) NOT NULL DEFAULT 0,
			total_earnings    NUMERIC(20,2) NOT NULL DEFAULT 0,
			custodial_address VARCHAR(128),
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg  CHECK (balance >= 0),
			CONSTRAINT chk_pending_nonneg  CHECK (pending_balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_transactions (
			id                VARCHAR(40) PRIMARY KEY,
			wallet_id         VARCHAR(40) NOT NULL REFERENCES wallets(id),
			type              VARCHAR(20) NOT NULL,
			amount            NUMERIC(20,2) NOT NULL,
			status            VARCHAR(12) NOT NULL,
			reference         VARCHAR(255),
			provider_event_id VARCHAR(128),
			booking_id        VARCHAR(40),
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS escrow_holds (
			id         VARCHAR(40) PRIMARY KEY,
			booking_id VARCHAR(40) NOT NULL UNIQUE,
			wallet_id  VARCHAR(40) NOT NULL REFERENCES wallets(id),
			currency   VARCHAR(8)  NOT NULL,
			amount     NUMERIC(20,2) NOT NULL,
			remaining  NUMERIC(20,2) NOT NULL,
			status     VARCHAR(12) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_remaining_nonneg CHECK (remaining >= 0)
		);

		CREATE TABLE IF NOT EXISTS provider_events (
			event_id     VARCHAR(128) PRIMARY KEY,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_tx_wallet  ON ledger_transactions(wallet_id);
		CREATE INDEX IF NOT EXISTS idx_tx_booking ON ledger_transactions(booking_id);
		CREATE INDEX IF NOT EXISTS idx_tx_created ON ledger_transactions(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_holds_status ON escrow_holds(status);
	`)
	return err
}

// translateErr maps Postgres constraint failures onto ledger sentinels.
func translateErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgUniqueViolation:
			if pqErr.Constraint == "provider_events_pkey" {
				return ErrDuplicateEvent
			}
		case pgCheckViolation:
			return ErrInsufficientBalance
		}
	}
	return err
}

// admitEvent inserts the provider-event admission row inside tx.
func admitEvent(ctx context.Context, tx *sql.Tx, eventID string) error {
	if eventID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO provider_events (event_id) VALUES ($1)
	`, eventID)
	return translateErr(err)
}

// insertTx records a transaction row inside tx.
func insertTx(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
			(id, wallet_id, type, amount, status, reference, provider_event_id, booking_id, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
	`, t.ID, t.WalletID, t.Type, t.Amount, t.Status, t.Reference, t.ProviderEventID, t.BookingID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("record transaction: %w", translateErr(err))
	}
	return nil
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets
			(id, user_id, currency, balance, pending_balance, total_earnings, custodial_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5::NUMERIC(20,2), $6::NUMERIC(20,2), NULLIF($7, ''), $8, $9)
	`, w.ID, w.UserID, w.Currency, w.Balance, w.PendingBalance, w.TotalEarnings, w.CustodialAddress, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrWalletExists
		}
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return p.scanWallet(p.db.QueryRowContext(ctx, `
		SELECT id, user_id, currency, balance, pending_balance, total_earnings,
		       COALESCE(custodial_address, ''), created_at, updated_at
		FROM wallets WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	return p.scanWallet(p.db.QueryRowContext(ctx, `
		SELECT id, user_id, currency, balance, pending_balance, total_earnings,
		       COALESCE(custodial_address, ''), created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID))
}

func (p *PostgresStore) scanWallet(row *sql.Row) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.PendingBalance,
		&w.TotalEarnings, &w.CustodialAddress, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) SetCustodialAddress(ctx context.Context, walletID, address string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET custodial_address = $2, updated_at = NOW() WHERE id = $1
	`, walletID, address)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) Credit(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := admitEvent(ctx, tx, t.ProviderEventID); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1
	`, t.WalletID, t.Amount)
	if err != nil {
		return fmt.Errorf("update balance: %w", translateErr(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RecordFailed(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := admitEvent(ctx, tx, t.ProviderEventID); err != nil {
		return err
	}
	if err := insertTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RequestWithdrawal(ctx context.Context, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// t.Amount is negative; the CHECK constraint stops overdrafts.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1
	`, t.WalletID, t.Amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", translateErr(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) FinalizeWithdrawal(ctx context.Context, txID, eventID string, success bool, refund *Transaction) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := admitEvent(ctx, tx, eventID); err != nil {
		return nil, err
	}

	status := StatusCompleted
	if !success {
		status = StatusFailed
	}

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM ledger_transactions WHERE id = $1 FOR UPDATE
	`, txID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if current != StatusPending {
		return nil, ErrNotPending
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_transactions SET status = $2 WHERE id = $1
	`, txID, status)
	if err != nil {
		return nil, fmt.Errorf("update withdrawal status: %w", err)
	}

	if !success {
		result, err := tx.ExecContext(ctx, `
			UPDATE wallets SET
				balance    = balance + $2::NUMERIC(20,2),
				updated_at = NOW()
			WHERE id = $1
		`, refund.WalletID, refund.Amount)
		if err != nil {
			return nil, fmt.Errorf("refund failed payout: %w", translateErr(err))
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return nil, ErrWalletNotFound
		}
		if err := insertTx(ctx, tx, refund); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetTransaction(ctx, txID)
}

func (p *PostgresStore) HoldEscrow(ctx context.Context, hold *Hold, t *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// t.Amount is negative; pending rises by the held amount.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance         = balance + $2::NUMERIC(20,2),
			pending_balance = pending_balance + $3::NUMERIC(20,2),
			updated_at      = NOW()
		WHERE id = $1
	`, t.WalletID, t.Amount, hold.Amount)
	if err != nil {
		return fmt.Errorf("move funds to hold: %w", translateErr(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_holds
			(id, booking_id, wallet_id, currency, amount, remaining, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7, $8, $9)
	`, hold.ID, hold.BookingID, hold.WalletID, hold.Currency, hold.Amount, hold.Remaining, hold.Status, hold.CreatedAt, hold.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create hold: %w", translateErr(err))
	}

	if err := insertTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ReleaseEscrow(ctx context.Context, holdID string, creatorTx *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var walletID, status string
	err = tx.QueryRowContext(ctx, `
		SELECT wallet_id, status FROM escrow_holds WHERE id = $1 FOR UPDATE
	`, holdID).Scan(&walletID, &status)
	if err == sql.ErrNoRows {
		return ErrHoldNotFound
	}
	if err != nil {
		return err
	}
	if status != HoldActive {
		return ErrHoldNotActive
	}

	// remaining CHECK rejects over-release.
	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_holds SET
			remaining  = remaining - $2::NUMERIC(20,2),
			status     = CASE WHEN remaining - $2::NUMERIC(20,2) = 0 THEN 'released' ELSE status END,
			updated_at = NOW()
		WHERE id = $1
	`, holdID, creatorTx.Amount)
	if err != nil {
		if errors.Is(translateErr(err), ErrInsufficientBalance) {
			return ErrExceedsHold
		}
		return fmt.Errorf("reduce hold: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			pending_balance = pending_balance - $2::NUMERIC(20,2),
			updated_at      = NOW()
		WHERE id = $1
	`, walletID, creatorTx.Amount)
	if err != nil {
		return fmt.Errorf("reduce client pending: %w", translateErr(err))
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance        = balance + $2::NUMERIC(20,2),
			total_earnings = total_earnings + $2::NUMERIC(20,2),
			updated_at     = NOW()
		WHERE id = $1
	`, creatorTx.WalletID, creatorTx.Amount)
	if err != nil {
		return fmt.Errorf("credit creator: %w", translateErr(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertTx(ctx, tx, creatorTx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) RefundEscrow(ctx context.Context, holdID string, clientTx *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var walletID, status string
	err = tx.QueryRowContext(ctx, `
		SELECT wallet_id, status FROM escrow_holds WHERE id = $1 FOR UPDATE
	`, holdID).Scan(&walletID, &status)
	if err == sql.ErrNoRows {
		return ErrHoldNotFound
	}
	if err != nil {
		return err
	}
	if status != HoldActive {
		return ErrHoldNotActive
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_holds SET
			remaining  = 0,
			status     = 'refunded',
			updated_at = NOW()
		WHERE id = $1
	`, holdID)
	if err != nil {
		return fmt.Errorf("close hold: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance         = balance + $2::NUMERIC(20,2),
			pending_balance = pending_balance - $2::NUMERIC(20,2),
			updated_at      = NOW()
		WHERE id = $1
	`, walletID, clientTx.Amount)
	if err != nil {
		return fmt.Errorf("return funds to client: %w", translateErr(err))
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertTx(ctx, tx, clientTx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	return p.scanHold(p.db.QueryRowContext(ctx, `
		SELECT id, booking_id, wallet_id, currency, amount, remaining, status, created_at, updated_at
		FROM escrow_holds WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetHoldByBooking(ctx context.Context, bookingID string) (*Hold, error) {
	return p.scanHold(p.db.QueryRowContext(ctx, `
		SELECT id, booking_id, wallet_id, currency, amount, remaining, status, created_at, updated_at
		FROM escrow_holds WHERE booking_id = $1
	`, bookingID))
}

func (p *PostgresStore) scanHold(row *sql.Row) (*Hold, error) {
	h := &Hold{}
	err := row.Scan(&h.ID, &h.BookingID, &h.WalletID, &h.Currency, &h.Amount,
		&h.Remaining, &h.Status, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (p *PostgresStore) ListActiveHolds(ctx context.Context) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, booking_id, wallet_id, currency, amount, remaining, status, created_at, updated_at
		FROM escrow_holds WHERE status = 'active'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []*Hold
	for rows.Next() {
		h := &Hold{}
		if err := rows.Scan(&h.ID, &h.BookingID, &h.WalletID, &h.Currency, &h.Amount,
			&h.Remaining, &h.Status, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func (p *PostgresStore) MarkHoldOrphaned(ctx context.Context, holdID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_holds SET status = 'orphaned', updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, holdID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrHoldNotActive
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	t := &Transaction{}
	var reference, eventID, bookingID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, type, amount, status, reference, provider_event_id, booking_id, created_at
		FROM ledger_transactions WHERE id = $1
	`, id).Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.Status, &reference, &eventID, &bookingID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Reference = reference.String
	t.ProviderEventID = eventID.String
	t.BookingID = bookingID.String
	return t, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet_id, type, amount, status, reference, provider_event_id, booking_id, created_at
		FROM ledger_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var reference, eventID, bookingID sql.NullString
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.Status,
			&reference, &eventID, &bookingID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Reference = reference.String
		t.ProviderEventID = eventID.String
		t.BookingID = bookingID.String
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (p *PostgresStore) HasProviderEvent(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM provider_events WHERE event_id = $1
	`, eventID).Scan(&count)
	return count > 0, err
}

func (p *PostgresStore) SumHeldFunds(ctx context.Context, currency string) (string, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(remaining), 0)::NUMERIC(20,2) FROM escrow_holds
		WHERE status IN ('active', 'orphaned') AND currency = $1
	`, currency).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) SumPendingBalances(ctx context.Context, currency string) (string, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pending_balance), 0)::NUMERIC(20,2) FROM wallets
		WHERE currency = $1
	`, currency).Scan(&sum)
	return sum, err
}
