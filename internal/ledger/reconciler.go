package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craftvine/engine/internal/clock"
	"github.com/craftvine/engine/internal/idgen"
	"github.com/craftvine/engine/internal/metrics"
	"github.com/craftvine/engine/internal/money"
	"github.com/craftvine/engine/internal/syncutil"
	"github.com/craftvine/engine/internal/traces"
)

// Broadcaster pushes ledger events to realtime subscribers.
type Broadcaster interface {
	BroadcastTransaction(tx map[string]interface{})
}

// ApplyRequest describes a single balance-affecting credit.
type ApplyRequest struct {
	WalletID        string
	Type            string // deposit, earning, bonus, refund
	Amount          string // positive decimal string
	Reference       string
	ProviderEventID string
	BookingID       string
}

// Reconciler is the single entry point for wallet mutations. It validates
// amounts, serializes access per wallet, and delegates each mutation to one
// atomic store call.
type Reconciler struct {
	store       Store
	locks       *syncutil.ContextShardedMutex
	lockTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	hub         Broadcaster // nil = no realtime feed
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store Store, lockTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		locks:       syncutil.NewContextShardedMutex(),
		lockTimeout: lockTimeout,
		clock:       clk,
		logger:      logger,
	}
}

// SetBroadcaster attaches a realtime hub. Call before serving traffic.
func (r *Reconciler) SetBroadcaster(hub Broadcaster) { r.hub = hub }

// CreateWallet provisions a wallet for a user in the given currency.
func (r *Reconciler) CreateWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	cur, err := money.ParseCurrency(currency)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	w := &Wallet{
		ID:             idgen.WithPrefix("wal_"),
		UserID:         userID,
		Currency:       string(cur),
		Balance:        money.Zero(cur).String(),
		PendingBalance: money.Zero(cur).String(),
		TotalEarnings:  money.Zero(cur).String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}

	r.logger.Info("wallet created", "wallet", w.ID, "user", userID, "currency", currency)
	return w, nil
}

// GetWallet returns a wallet by id.
func (r *Reconciler) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return r.store.GetWallet(ctx, id)
}

// GetWalletByUser returns the wallet owned by userID.
func (r *Reconciler) GetWalletByUser(ctx context.Context, userID string) (*Wallet, error) {
	return r.store.GetWalletByUser(ctx, userID)
}

// SetCustodialAddress records the provider-assigned custodial address.
func (r *Reconciler) SetCustodialAddress(ctx context.Context, walletID, address string) error {
	return r.store.SetCustodialAddress(ctx, walletID, address)
}

// History returns recent transactions for a wallet.
func (r *Reconciler) History(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListTransactions(ctx, walletID, limit)
}

// validateCredit parses and sign-checks an amount against a wallet's currency.
func (r *Reconciler) validateCredit(w *Wallet, amount string) (money.Amount, error) {
	amt, err := money.Parse(amount, money.Currency(w.Currency))
	if err != nil {
		return money.Amount{}, err
	}
	if !amt.IsPositive() {
		return money.Amount{}, fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, amount)
	}
	return amt, nil
}

// Apply credits a wallet. Types deposit, earning, bonus, and refund are
// accepted; everything else flows through the dedicated escrow/withdrawal
// methods. A duplicate ProviderEventID returns ErrDuplicateEvent.
func (r *Reconciler) Apply(ctx context.Context, req ApplyRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.apply",
		traces.WalletID(req.WalletID), traces.Amount(req.Amount))
	defer span.End()

	switch req.Type {
	case TypeDeposit, TypeEarning, TypeBonus, TypeRefund:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, req.Type)
	}

	unlock, err := r.locks.LockTimeout(ctx, req.WalletID, r.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := r.store.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	amt, err := r.validateCredit(w, req.Amount)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:              idgen.WithPrefix("txn_"),
		WalletID:        w.ID,
		Type:            req.Type,
		Amount:          amt.String(),
		Status:          StatusCompleted,
		Reference:       req.Reference,
		ProviderEventID: req.ProviderEventID,
		BookingID:       req.BookingID,
		CreatedAt:       r.clock.Now(),
	}

	if err := r.store.Credit(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			metrics.ReconciliationsTotal.WithLabelValues(req.Type, "duplicate").Inc()
			return nil, err
		}
		metrics.ReconciliationsTotal.WithLabelValues(req.Type, "failed").Inc()
		return nil, err
	}

	metrics.ReconciliationsTotal.WithLabelValues(req.Type, "applied").Inc()
	r.logger.Info("credit applied",
		"wallet", w.ID, "type", req.Type, "amount", tx.Amount, "tx", tx.ID)
	r.broadcast(tx)
	return tx, nil
}

// RecordFailedDeposit records a provider-reported failed deposit.
// The transaction log keeps the trace; balances never move.
func (r *Reconciler) RecordFailedDeposit(ctx context.Context, req ApplyRequest) (*Transaction, error) {
	w, err := r.store.GetWallet(ctx, req.WalletID)
	if err != nil {
		return nil, err
	}
	amt, err := r.validateCredit(w, req.Amount)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		ID:              idgen.WithPrefix("txn_"),
		WalletID:        w.ID,
		Type:            TypeDeposit,
		Amount:          amt.String(),
		Status:          StatusFailed,
		Reference:       req.Reference,
		ProviderEventID: req.ProviderEventID,
		BookingID:       req.BookingID,
		CreatedAt:       r.clock.Now(),
	}
	if err := r.store.RecordFailed(ctx, tx); err != nil {
		return nil, err
	}

	metrics.ReconciliationsTotal.WithLabelValues(TypeDeposit, "recorded_failed").Inc()
	r.logger.Warn("failed deposit recorded",
		"wallet", w.ID, "amount", tx.Amount, "event", req.ProviderEventID)
	return tx, nil
}

// RequestWithdrawal debits the wallet and opens a pending withdrawal.
// The transaction id doubles as the payout correlation id sent to HostFi.
func (r *Reconciler) RequestWithdrawal(ctx context.Context, walletID, amount string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.withdraw",
		traces.WalletID(walletID), traces.Amount(amount))
	defer span.End()

	unlock, err := r.locks.LockTimeout(ctx, walletID, r.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := r.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	amt, err := r.validateCredit(w, amount)
	if err != nil {
		return nil, err
	}

	bal, err := money.Parse(w.Balance, money.Currency(w.Currency))
	if err != nil {
		return nil, fmt.Errorf("corrupt balance for wallet %s: %w", w.ID, err)
	}
	if bal.Cmp(amt) < 0 {
		return nil, ErrInsufficientBalance
	}

	tx := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		WalletID:  w.ID,
		Type:      TypeWithdrawal,
		Amount:    amt.Neg().String(),
		Status:    StatusPending,
		CreatedAt: r.clock.Now(),
	}
	if err := r.store.RequestWithdrawal(ctx, tx); err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(TypeWithdrawal, "failed").Inc()
		return nil, err
	}

	metrics.ReconciliationsTotal.WithLabelValues(TypeWithdrawal, "applied").Inc()
	r.logger.Info("withdrawal requested", "wallet", w.ID, "amount", amt.String(), "tx", tx.ID)
	r.broadcast(tx)
	return tx, nil
}

// FinalizeWithdrawal settles a pending withdrawal from a payout webhook.
// A failed payout credits the debited amount back as a refund in the same
// storage unit that flips the withdrawal to failed.
func (r *Reconciler) FinalizeWithdrawal(ctx context.Context, withdrawalTxID, eventID string, success bool) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.finalize_withdrawal",
		traces.TransactionID(withdrawalTxID), traces.EventID(eventID))
	defer span.End()

	wtx, err := r.store.GetTransaction(ctx, withdrawalTxID)
	if err != nil {
		return nil, err
	}
	if wtx.Type != TypeWithdrawal {
		return nil, fmt.Errorf("%w: %s is not a withdrawal", ErrTransactionNotFound, withdrawalTxID)
	}

	unlock, err := r.locks.LockTimeout(ctx, wtx.WalletID, r.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var refund *Transaction
	if !success {
		w, err := r.store.GetWallet(ctx, wtx.WalletID)
		if err != nil {
			return nil, err
		}
		debited, err := money.Parse(wtx.Amount, money.Currency(w.Currency))
		if err != nil {
			return nil, fmt.Errorf("corrupt withdrawal amount on %s: %w", wtx.ID, err)
		}
		refund = &Transaction{
			ID:        idgen.WithPrefix("txn_"),
			WalletID:  wtx.WalletID,
			Type:      TypeRefund,
			Amount:    debited.Abs().String(),
			Status:    StatusCompleted,
			Reference: wtx.ID,
			CreatedAt: r.clock.Now(),
		}
	}

	final, err := r.store.FinalizeWithdrawal(ctx, withdrawalTxID, eventID, success, refund)
	if err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			metrics.ReconciliationsTotal.WithLabelValues(TypeWithdrawal, "duplicate").Inc()
		}
		return nil, err
	}

	outcome := "payout_completed"
	if !success {
		outcome = "payout_failed"
	}
	metrics.ReconciliationsTotal.WithLabelValues(TypeWithdrawal, outcome).Inc()
	r.logger.Info("withdrawal finalized", "tx", final.ID, "status", final.Status)
	r.broadcast(final)
	return final, nil
}

// HoldEscrow moves amount from the client wallet into a hold for bookingID.
func (r *Reconciler) HoldEscrow(ctx context.Context, bookingID, clientWalletID, amount string) (*Hold, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.hold_escrow",
		traces.BookingID(bookingID), traces.WalletID(clientWalletID), traces.Amount(amount))
	defer span.End()

	unlock, err := r.locks.LockTimeout(ctx, clientWalletID, r.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := r.store.GetWallet(ctx, clientWalletID)
	if err != nil {
		return nil, err
	}
	amt, err := r.validateCredit(w, amount)
	if err != nil {
		return nil, err
	}

	bal, err := money.Parse(w.Balance, money.Currency(w.Currency))
	if err != nil {
		return nil, fmt.Errorf("corrupt balance for wallet %s: %w", w.ID, err)
	}
	if bal.Cmp(amt) < 0 {
		return nil, ErrInsufficientBalance
	}

	now := r.clock.Now()
	hold := &Hold{
		ID:        idgen.WithPrefix("hold_"),
		BookingID: bookingID,
		WalletID:  w.ID,
		Currency:  w.Currency,
		Amount:    amt.String(),
		Remaining: amt.String(),
		Status:    HoldActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		WalletID:  w.ID,
		Type:      TypeEscrowHold,
		Amount:    amt.Neg().String(),
		Status:    StatusCompleted,
		BookingID: bookingID,
		CreatedAt: now,
	}

	if err := r.store.HoldEscrow(ctx, hold, tx); err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(TypeEscrowHold, "failed").Inc()
		return nil, err
	}

	metrics.ReconciliationsTotal.WithLabelValues(TypeEscrowHold, "applied").Inc()
	r.logger.Info("escrow held",
		"booking", bookingID, "wallet", w.ID, "amount", amt.String(), "hold", hold.ID)
	r.broadcast(tx)
	return hold, nil
}

// ReleaseEscrow pays amount out of the booking's hold to the creator
// wallet. Partial releases (milestones) leave the hold active with a
// reduced remaining.
func (r *Reconciler) ReleaseEscrow(ctx context.Context, bookingID, creatorWalletID, amount string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.release_escrow",
		traces.BookingID(bookingID), traces.WalletID(creatorWalletID), traces.Amount(amount))
	defer span.End()

	hold, err := r.store.GetHoldByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	// Client and creator wallets both move; lock in deterministic order.
	unlock, err := r.locks.LockOrdered(ctx, hold.WalletID, creatorWalletID, r.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock.
	hold, err = r.store.GetHold(ctx, hold.ID)
	if err != nil {
		return nil, err
	}
	if hold.Status != HoldActive {
		return nil, ErrHoldNotActive
	}

	cur := money.Currency(hold.Currency)
	amt, err := money.Parse(amount, cur)
	if err != nil {
		return nil, err
	}
	if !amt.IsPositive() {
		return nil, fmt.Errorf("%w: %q must be positive", ErrInvalidAmount, amount)
	}
	remaining, err := money.Parse(hold.Remaining, cur)
	if err != nil {
		return nil, fmt.Errorf("corrupt hold %s: %w", hold.ID, err)
	}
	if remaining.Cmp(amt) < 0 {
		return nil, ErrExceedsHold
	}

	creatorTx := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		WalletID:  creatorWalletID,
		Type:      TypeEscrowRelease,
		Amount:    amt.String(),
		Status:    StatusCompleted,
		BookingID: bookingID,
		CreatedAt: r.clock.Now(),
	}

	if err := r.store.ReleaseEscrow(ctx, hold.ID, creatorTx); err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(TypeEscrowRelease, "failed").Inc()
		return nil, err
	}

	metrics.ReconciliationsTotal.WithLabelValues(TypeEscrowRelease, "applied").Inc()
	r.logger.Info("escrow released",
		"booking", bookingID, "creator_wallet", creatorWalletID, "amount", amt.String(), "tx", creatorTx.ID)
	r.broadcast(creatorTx)
	return creatorTx, nil
}

// RefundEscrow returns a booking hold's remaining funds to the client.
func (r *Reconciler) RefundEscrow(ctx context.Context, bookingID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.refund_escrow", traces.BookingID(bookingID))
	defer span.End()

	hold, err := r.store.GetHoldByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	unlock, err := r.locks.LockTimeout(ctx, hold.WalletID, r.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	hold, err = r.store.GetHold(ctx, hold.ID)
	if err != nil {
		return nil, err
	}
	if hold.Status != HoldActive {
		return nil, ErrHoldNotActive
	}

	clientTx := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		WalletID:  hold.WalletID,
		Type:      TypeRefund,
		Amount:    hold.Remaining,
		Status:    StatusCompleted,
		BookingID: bookingID,
		CreatedAt: r.clock.Now(),
	}

	if err := r.store.RefundEscrow(ctx, hold.ID, clientTx); err != nil {
		metrics.ReconciliationsTotal.WithLabelValues(TypeRefund, "failed").Inc()
		return nil, err
	}

	metrics.ReconciliationsTotal.WithLabelValues(TypeRefund, "applied").Inc()
	r.logger.Info("escrow refunded",
		"booking", bookingID, "wallet", hold.WalletID, "amount", clientTx.Amount, "tx", clientTx.ID)
	r.broadcast(clientTx)
	return clientTx, nil
}

// HoldByBooking returns the hold backing a booking, if any.
func (r *Reconciler) HoldByBooking(ctx context.Context, bookingID string) (*Hold, error) {
	return r.store.GetHoldByBooking(ctx, bookingID)
}

// Transaction returns a single transaction by id.
func (r *Reconciler) Transaction(ctx context.Context, id string) (*Transaction, error) {
	return r.store.GetTransaction(ctx, id)
}

// Seen reports whether a provider event id has already been committed.
func (r *Reconciler) Seen(ctx context.Context, eventID string) (bool, error) {
	return r.store.HasProviderEvent(ctx, eventID)
}

func (r *Reconciler) broadcast(tx *Transaction) {
	if r.hub == nil {
		return
	}
	r.hub.BroadcastTransaction(map[string]interface{}{
		"id":        tx.ID,
		"walletId":  tx.WalletID,
		"type":      tx.Type,
		"amount":    tx.Amount,
		"status":    tx.Status,
		"bookingId": tx.BookingID,
	})
}
