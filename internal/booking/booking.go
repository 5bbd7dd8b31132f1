// Package booking runs the marketplace booking lifecycle.
//
// Flow:
//  1. Client books a creator service → booking created, payment pending
//  2. Creator accepts → awaiting the client's escrow deposit
//  3. Deposit webhook reconciled → funds held, work in progress
//  4. Creator completes → funds remain held
//  5. Client releases → held funds paid out to the creator
//
// Cancellation is allowed any time before completion and refunds an
// active hold back to the client.
package booking

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("booking not found")
	ErrInvalidTransition = errors.New("action not allowed in current booking state")
	ErrAlreadyReleased   = errors.New("booking funds already released")
	ErrSameWallet        = errors.New("client and creator wallets must differ")
	ErrNoHold            = errors.New("no active escrow hold for booking")
	ErrWalletNotFound    = errors.New("wallet not found for booking")
)

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Payment states tracked alongside the lifecycle.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentRefunded = "refunded"
)

// Booking is a client order against a creator service.
type Booking struct {
	ID              string     `json:"id"`
	ClientWalletID  string     `json:"clientWalletId"`
	CreatorWalletID string     `json:"creatorWalletId"`
	Currency        string     `json:"currency"`
	Amount          string     `json:"amount"`
	Title           string     `json:"title,omitempty"`
	StartDate       *time.Time `json:"startDate,omitempty"`
	EndDate         *time.Time `json:"endDate,omitempty"`
	Status          Status     `json:"status"`
	PaymentStatus   string     `json:"paymentStatus"`
	FundsReleased   bool       `json:"fundsReleased"`
	ReleaseTxID     string     `json:"releaseTransactionId,omitempty"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	ReleasedAt      *time.Time `json:"releasedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal reports whether no further lifecycle actions can apply.
// A completed booking still accepts a funds release.
func (b *Booking) IsTerminal() bool {
	return b.Status == StatusCancelled || (b.Status == StatusCompleted && b.FundsReleased)
}

// Action is a lifecycle transition request.
type Action string

const (
	ActionAccept        Action = "accept"
	ActionEscrowDeposit Action = "escrow_deposit"
	ActionComplete      Action = "complete"
	ActionRelease       Action = "release"
	ActionCancel        Action = "cancel"
)

// EffectKind identifies a ledger side effect demanded by a transition.
type EffectKind string

const (
	// EffectHold moves the booking amount from the client balance into
	// the booking's escrow hold.
	EffectHold EffectKind = "hold"
	// EffectReleaseRemaining pays the hold's unreleased remainder out to
	// the creator wallet.
	EffectReleaseRemaining EffectKind = "release_remaining"
	// EffectRefundRemaining returns the hold's unreleased remainder to
	// the client wallet.
	EffectRefundRemaining EffectKind = "refund_remaining"
)

// Effect is a ledger operation the caller must execute before the
// transitioned booking may be persisted.
type Effect struct {
	Kind   EffectKind
	Amount string
}

// Transition applies action to a booking snapshot. It performs no I/O:
// the returned booking and effects describe what must happen, and the
// caller persists the booking only after all effects succeed. The input
// is returned unchanged alongside any error.
func Transition(b Booking, action Action, now time.Time) (Booking, []Effect, error) {
	var effects []Effect

	switch action {
	case ActionAccept:
		if b.Status != StatusPending {
			return b, nil, ErrInvalidTransition
		}
		b.Status = StatusAccepted
		b.AcceptedAt = &now

	case ActionEscrowDeposit:
		if b.Status != StatusAccepted {
			return b, nil, ErrInvalidTransition
		}
		b.Status = StatusInProgress
		b.PaymentStatus = PaymentPaid
		effects = append(effects, Effect{Kind: EffectHold, Amount: b.Amount})

	case ActionComplete:
		if b.Status != StatusInProgress {
			return b, nil, ErrInvalidTransition
		}
		b.Status = StatusCompleted
		b.CompletedAt = &now

	case ActionRelease:
		if b.Status != StatusCompleted {
			return b, nil, ErrInvalidTransition
		}
		if b.FundsReleased {
			return b, nil, ErrAlreadyReleased
		}
		b.FundsReleased = true
		b.ReleasedAt = &now
		effects = append(effects, Effect{Kind: EffectReleaseRemaining})

	case ActionCancel:
		switch b.Status {
		case StatusPending, StatusAccepted, StatusInProgress:
		default:
			return b, nil, ErrInvalidTransition
		}
		b.Status = StatusCancelled
		b.CancelledAt = &now
		if b.PaymentStatus == PaymentPaid {
			b.PaymentStatus = PaymentRefunded
			effects = append(effects, Effect{Kind: EffectRefundRemaining})
		}

	default:
		return b, nil, ErrInvalidTransition
	}

	b.UpdatedAt = now
	return b, effects, nil
}

// Store persists bookings.
type Store interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	Update(ctx context.Context, b *Booking) error
	ListByWallet(ctx context.Context, walletID string, limit int) ([]*Booking, error)
}

// LedgerService abstracts the wallet reconciler so booking doesn't
// import ledger. Implementations return ErrNoHold when a booking has no
// active hold left to move.
type LedgerService interface {
	HoldEscrow(ctx context.Context, bookingID, clientWalletID, amount string) error
	ReleaseEscrow(ctx context.Context, bookingID, creatorWalletID, amount string) (string, error)
	RefundEscrow(ctx context.Context, bookingID string) (string, error)
	HoldRemaining(ctx context.Context, bookingID string) (string, error)
	WalletCurrency(ctx context.Context, walletID string) (string, error)
}
