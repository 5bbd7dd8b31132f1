// Package ledger tracks custodial wallet balances on the platform.
//
// Flow:
//  1. Client funds their wallet via HostFi (fiat or stablecoin deposit)
//  2. The webhook processor credits the wallet balance
//  3. Booking acceptance moves funds into a per-booking escrow hold
//  4. Completion releases the hold to the creator; cancellation refunds it
//  5. Creators withdraw; HostFi payout webhooks finalize the request
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists for user")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateEvent      = errors.New("provider event already processed")
	ErrHoldNotFound        = errors.New("hold not found")
	ErrHoldNotActive       = errors.New("hold is not active")
	ErrExceedsHold         = errors.New("amount exceeds remaining hold")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotPending          = errors.New("transaction is not pending")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnsupportedType     = errors.New("unsupported transaction type")
)

// Transaction types.
const (
	TypeDeposit       = "deposit"
	TypeEarning       = "earning"
	TypeBonus         = "bonus"
	TypeRefund        = "refund"
	TypeWithdrawal    = "withdrawal"
	TypeEscrowHold    = "escrow_hold"
	TypeEscrowRelease = "escrow_release"
)

// Transaction statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Hold statuses.
const (
	HoldActive   = "active"
	HoldReleased = "released"
	HoldRefunded = "refunded"
	HoldOrphaned = "orphaned"
)

// Wallet is a user's custodial wallet. An empty CustodialAddress means the
// provider has not finished provisioning it yet.
type Wallet struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Currency         string    `json:"currency"`
	Balance          string    `json:"balance"`
	PendingBalance   string    `json:"pendingBalance"` // Sum of active escrow holds
	TotalEarnings    string    `json:"totalEarnings"`  // Lifetime escrow releases received
	CustodialAddress string    `json:"custodialAddress,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Transaction is an append-only ledger record. Amount is signed: credits
// are positive, debits negative. Transactions are never updated except for
// the pending -> completed/failed status move on withdrawals.
type Transaction struct {
	ID              string    `json:"id"`
	WalletID        string    `json:"walletId"`
	Type            string    `json:"type"`
	Amount          string    `json:"amount"`
	Status          string    `json:"status"`
	Reference       string    `json:"reference,omitempty"`
	ProviderEventID string    `json:"providerEventId,omitempty"`
	BookingID       string    `json:"bookingId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Hold is the authoritative record of escrowed funds for one booking.
// The wallet's pendingBalance is the derived sum of its open holds
// (active or orphaned, funds not yet released or refunded) and is
// maintained in the same storage transaction as every hold mutation.
type Hold struct {
	ID        string    `json:"id"`
	BookingID string    `json:"bookingId"`
	WalletID  string    `json:"walletId"` // Client wallet the funds came from
	Currency  string    `json:"currency"`
	Amount    string    `json:"amount"`    // Originally held
	Remaining string    `json:"remaining"` // Not yet released or refunded
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists wallets, transactions, and escrow holds. Every mutation
// is one atomic unit: the balance effect, the transaction record, and any
// hold or provider-event row commit together or not at all.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	SetCustodialAddress(ctx context.Context, walletID, address string) error

	// Credit adds tx.Amount (positive) to the wallet balance and records tx.
	// A non-empty tx.ProviderEventID is admitted exactly once; replays
	// return ErrDuplicateEvent with no effect.
	Credit(ctx context.Context, tx *Transaction) error

	// RecordFailed records a failed provider transaction. No balance change.
	RecordFailed(ctx context.Context, tx *Transaction) error

	// RequestWithdrawal debits the wallet by |tx.Amount| and records tx
	// with status pending.
	RequestWithdrawal(ctx context.Context, tx *Transaction) error

	// FinalizeWithdrawal moves a pending withdrawal to completed or failed.
	// On failure the refund credit is applied in the same unit. eventID is
	// admitted against the provider-event guard.
	FinalizeWithdrawal(ctx context.Context, txID, eventID string, success bool, refund *Transaction) (*Transaction, error)

	// HoldEscrow moves |tx.Amount| from the client wallet balance into a
	// new booking hold (balance down, pending up) and records tx.
	HoldEscrow(ctx context.Context, hold *Hold, tx *Transaction) error

	// ReleaseEscrow moves creatorTx.Amount from the hold to the creator
	// wallet: hold remaining and client pending go down, creator balance
	// and totalEarnings go up. Partial amounts are allowed; the hold is
	// marked released when remaining reaches zero.
	ReleaseEscrow(ctx context.Context, holdID string, creatorTx *Transaction) error

	// RefundEscrow returns the hold's remaining funds to the client wallet
	// and marks the hold refunded. clientTx.Amount must equal the remaining.
	RefundEscrow(ctx context.Context, holdID string, clientTx *Transaction) error

	GetHold(ctx context.Context, id string) (*Hold, error)
	GetHoldByBooking(ctx context.Context, bookingID string) (*Hold, error)
	ListActiveHolds(ctx context.Context) ([]*Hold, error)
	MarkHoldOrphaned(ctx context.Context, holdID string) error

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
	HasProviderEvent(ctx context.Context, eventID string) (bool, error)

	// Aggregates for the consistency sweep. SumHeldFunds totals the
	// remaining amounts of active and orphaned holds: flagging a hold
	// orphaned does not move its funds, so pending balances keep
	// counting it until an operator resolves it.
	SumHeldFunds(ctx context.Context, currency string) (string, error)
	SumPendingBalances(ctx context.Context, currency string) (string, error)
}
