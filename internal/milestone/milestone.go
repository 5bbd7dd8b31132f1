// Package milestone decomposes a booking into independently payable
// chunks of work.
//
// A milestone moves strictly forward: pending|in_progress → submitted →
// approved → paid, except that a rejection sends a submitted milestone
// back to in_progress for rework. Approval never moves money by itself;
// payment is a separate step that releases the milestone's amount from
// the booking's escrow hold and records the resulting transaction id.
package milestone

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("milestone not found")
	ErrInvalidStatus      = errors.New("milestone status does not allow this operation")
	ErrMissingTransaction = errors.New("payment requires a ledger transaction id")
	ErrExceedsEscrow      = errors.New("milestone payouts would exceed the booking's escrowed amount")
	ErrBookingUnpaid      = errors.New("booking escrow deposit has not been reconciled")
)

// Status is the lifecycle state of a milestone.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusApproved   Status = "approved"
	StatusPaid       Status = "paid"
)

// Milestone is one payable chunk of a booking.
type Milestone struct {
	ID            string     `json:"id"`
	BookingID     string     `json:"bookingId"`
	Title         string     `json:"title"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	Deliverables  []string   `json:"deliverables,omitempty"`
	Feedback      string     `json:"feedback,omitempty"`
	TransactionID string     `json:"transactionId,omitempty"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`
	ApprovedAt    *time.Time `json:"approvedAt,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Submit moves a pending or in-progress milestone to submitted,
// attaching deliverable URLs. The URLs are opaque to the engine.
func Submit(m Milestone, deliverables []string, now time.Time) (Milestone, error) {
	if m.Status != StatusPending && m.Status != StatusInProgress {
		return m, ErrInvalidStatus
	}
	m.Status = StatusSubmitted
	m.Deliverables = deliverables
	m.SubmittedAt = &now
	m.UpdatedAt = now
	return m, nil
}

// Approve moves a submitted milestone to approved with optional
// feedback. Approval does not pay.
func Approve(m Milestone, feedback string, now time.Time) (Milestone, error) {
	if m.Status != StatusSubmitted {
		return m, ErrInvalidStatus
	}
	m.Status = StatusApproved
	m.Feedback = feedback
	m.ApprovedAt = &now
	m.UpdatedAt = now
	return m, nil
}

// Reject sends a submitted milestone back to in_progress for rework.
func Reject(m Milestone, feedback string, now time.Time) (Milestone, error) {
	if m.Status != StatusSubmitted {
		return m, ErrInvalidStatus
	}
	m.Status = StatusInProgress
	m.Feedback = feedback
	m.SubmittedAt = nil
	m.UpdatedAt = now
	return m, nil
}

// MarkPaid records the escrow release that paid an approved milestone.
func MarkPaid(m Milestone, transactionID string, now time.Time) (Milestone, error) {
	if m.Status != StatusApproved {
		return m, ErrInvalidStatus
	}
	if transactionID == "" {
		return m, ErrMissingTransaction
	}
	m.Status = StatusPaid
	m.TransactionID = transactionID
	m.PaidAt = &now
	m.UpdatedAt = now
	return m, nil
}

// Store persists milestones.
type Store interface {
	Create(ctx context.Context, m *Milestone) error
	Get(ctx context.Context, id string) (*Milestone, error)
	Update(ctx context.Context, m *Milestone) error
	ListByBooking(ctx context.Context, bookingID string) ([]*Milestone, error)
}

// BookingInfo is the booking context a milestone payout needs.
type BookingInfo struct {
	CreatorWalletID string
	Currency        string
	Amount          string
	Paid            bool
}

// Bookings resolves booking context without importing the booking
// package. Implementations return an error wrapping ErrNotFound for
// unknown bookings.
type Bookings interface {
	Info(ctx context.Context, bookingID string) (BookingInfo, error)
}

// LedgerService performs the partial escrow release backing a payout.
type LedgerService interface {
	ReleaseEscrow(ctx context.Context, bookingID, creatorWalletID, amount string) (string, error)
}
