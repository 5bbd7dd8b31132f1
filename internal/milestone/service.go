package milestone

import (
	"context"
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

// Broadcaster pushes milestone events to realtime subscribers.
type Broadcaster interface {
	BroadcastMilestone(data map[string]interface{})
}

// CreateRequest contains the parameters for creating a milestone.
type CreateRequest struct {
	Title  string `json:"title" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Service implements milestone business logic. Payouts serialize on the
// per-booking lock shared with the booking service, so the paid-sum
// invariant holds under concurrent requests and a payout cannot race a
// booking cancel or release.
type Service struct {
	store       Store
	bookings    Bookings
	ledger      LedgerService
	locks       *syncutil.ContextShardedMutex
	lockTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	hub         Broadcaster
}

// NewService creates a milestone service. locks must be the same
// instance the booking service uses, so payouts and booking transitions
// on one booking mutually exclude.
func NewService(store Store, bookings Bookings, ledger LedgerService, locks *syncutil.ContextShardedMutex, lockTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		bookings:    bookings,
		ledger:      ledger,
		locks:       locks,
		lockTimeout: lockTimeout,
		clock:       clk,
		logger:      logger,
	}
}

// SetBroadcaster attaches a realtime hub. Call before serving traffic.
func (s *Service) SetBroadcaster(hub Broadcaster) { s.hub = hub }

// Create adds a milestone to a booking. The amount must fit the
// booking's currency and, together with the existing milestones, stay
// within the booking total.
func (s *Service) Create(ctx context.Context, bookingID string, req CreateRequest) (*Milestone, error) {
	unlock, err := s.locks.LockTimeout(ctx, bookingID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	info, err := s.bookings.Info(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	cur := money.Currency(info.Currency)

	amt, err := money.Parse(req.Amount, cur)
	if err != nil {
		return nil, err
	}
	if !amt.IsPositive() {
		return nil, fmt.Errorf("%w: milestone amount must be positive", money.ErrInvalidAmount)
	}

	existing, err := s.store.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	total := amt
	for _, m := range existing {
		ma, err := money.Parse(m.Amount, cur)
		if err != nil {
			return nil, fmt.Errorf("corrupt milestone %s: %w", m.ID, err)
		}
		if total, err = total.Add(ma); err != nil {
			return nil, err
		}
	}
	bookingAmt, err := money.Parse(info.Amount, cur)
	if err != nil {
		return nil, fmt.Errorf("corrupt booking %s amount: %w", bookingID, err)
	}
	if total.Cmp(bookingAmt) > 0 {
		return nil, ErrExceedsEscrow
	}

	now := s.clock.Now()
	m := &Milestone{
		ID:        idgen.WithPrefix("ms_"),
		BookingID: bookingID,
		Title:     req.Title,
		Amount:    amt.String(),
		Currency:  info.Currency,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("milestone created", "milestone", m.ID, "booking", bookingID, "amount", m.Amount)
	return m, nil
}

// Get returns a milestone by id.
func (s *Service) Get(ctx context.Context, id string) (*Milestone, error) {
	return s.store.Get(ctx, id)
}

// ListByBooking returns a booking's milestones.
func (s *Service) ListByBooking(ctx context.Context, bookingID string) ([]*Milestone, error) {
	return s.store.ListByBooking(ctx, bookingID)
}

// Submit attaches deliverables and moves the milestone to submitted.
func (s *Service) Submit(ctx context.Context, id string, deliverables []string) (*Milestone, error) {
	return s.mutate(ctx, id, "submit", func(m Milestone, now time.Time) (Milestone, error) {
		return Submit(m, deliverables, now)
	})
}

// Approve accepts submitted work. Payment is a separate step.
func (s *Service) Approve(ctx context.Context, id, feedback string) (*Milestone, error) {
	return s.mutate(ctx, id, "approve", func(m Milestone, now time.Time) (Milestone, error) {
		return Approve(m, feedback, now)
	})
}

// Reject sends submitted work back for rework.
func (s *Service) Reject(ctx context.Context, id, feedback string) (*Milestone, error) {
	return s.mutate(ctx, id, "reject", func(m Milestone, now time.Time) (Milestone, error) {
		return Reject(m, feedback, now)
	})
}

// mutate runs a pure transition on a milestone under its booking lock.
func (s *Service) mutate(ctx context.Context, id, op string, fn func(Milestone, time.Time) (Milestone, error)) (*Milestone, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockTimeout(ctx, m.BookingID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock.
	m, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := fn(*m, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, &next); err != nil {
		return nil, err
	}

	s.logger.Info("milestone transition", "milestone", next.ID, "op", op, "status", next.Status)
	s.broadcast(&next, op)
	return &next, nil
}

// Pay releases the milestone's amount from the booking escrow to the
// creator and marks the milestone paid with the resulting transaction.
// The sum of paid milestone amounts never exceeds the booking's
// escrowed amount.
func (s *Service) Pay(ctx context.Context, id string) (*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "milestone.pay", traces.MilestoneID(id))
	defer span.End()

	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locks.LockTimeout(ctx, m.BookingID, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusApproved {
		return nil, ErrInvalidStatus
	}

	info, err := s.bookings.Info(ctx, m.BookingID)
	if err != nil {
		return nil, err
	}
	if !info.Paid {
		return nil, ErrBookingUnpaid
	}
	cur := money.Currency(info.Currency)

	amt, err := money.Parse(m.Amount, cur)
	if err != nil {
		return nil, fmt.Errorf("corrupt milestone %s: %w", m.ID, err)
	}
	escrowed, err := money.Parse(info.Amount, cur)
	if err != nil {
		return nil, fmt.Errorf("corrupt booking %s amount: %w", m.BookingID, err)
	}

	siblings, err := s.store.ListByBooking(ctx, m.BookingID)
	if err != nil {
		return nil, err
	}
	paidTotal := amt
	for _, sib := range siblings {
		if sib.Status != StatusPaid {
			continue
		}
		pa, err := money.Parse(sib.Amount, cur)
		if err != nil {
			return nil, fmt.Errorf("corrupt milestone %s: %w", sib.ID, err)
		}
		if paidTotal, err = paidTotal.Add(pa); err != nil {
			return nil, err
		}
	}
	if paidTotal.Cmp(escrowed) > 0 {
		return nil, ErrExceedsEscrow
	}

	txID, err := s.ledger.ReleaseEscrow(ctx, m.BookingID, info.CreatorWalletID, m.Amount)
	if err != nil {
		return nil, fmt.Errorf("milestone %s payout: %w", m.ID, err)
	}

	next, err := MarkPaid(*m, txID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, &next); err != nil {
		// Funds moved; the update must land. Surface loudly for manual
		// reconciliation rather than re-releasing on retry.
		s.logger.Error("milestone paid but status update failed",
			"milestone", next.ID, "tx", txID, "error", err)
		return nil, fmt.Errorf("milestone %s paid (tx %s) but update failed: %w", next.ID, txID, err)
	}

	metrics.MilestonePayoutsTotal.Inc()
	s.logger.Info("milestone paid",
		"milestone", next.ID, "booking", next.BookingID, "amount", next.Amount, "tx", txID)
	s.broadcast(&next, "pay")
	return &next, nil
}

func (s *Service) broadcast(m *Milestone, op string) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastMilestone(map[string]interface{}{
		"milestoneId": m.ID,
		"bookingId":   m.BookingID,
		"action":      op,
		"status":      string(m.Status),
		"amount":      m.Amount,
	})
}
