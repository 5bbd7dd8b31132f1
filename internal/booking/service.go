package booking

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

// Broadcaster pushes booking transitions to realtime subscribers.
type Broadcaster interface {
	BroadcastBooking(data map[string]interface{})
}

// CreateRequest contains the parameters for creating a booking. The
// schedule dates are informational and do not drive transitions.
type CreateRequest struct {
	ClientWalletID  string     `json:"clientWalletId" binding:"required"`
	CreatorWalletID string     `json:"creatorWalletId" binding:"required"`
	Amount          string     `json:"amount" binding:"required"`
	Title           string     `json:"title"`
	StartDate       *time.Time `json:"startDate"`
	EndDate         *time.Time `json:"endDate"`
}

// Service implements booking business logic. All transitions on the
// same booking serialize on a per-booking lock; the pure Transition
// function decides state changes and the ledger effects they require.
type Service struct {
	store       Store
	ledger      LedgerService
	locks       *syncutil.ContextShardedMutex
	lockTimeout time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	hub         Broadcaster
}

// NewService creates a booking service. locks must be the same instance
// the milestone service uses, so booking transitions and milestone
// payouts on one booking mutually exclude.
func NewService(store Store, ledger LedgerService, locks *syncutil.ContextShardedMutex, lockTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		ledger:      ledger,
		locks:       locks,
		lockTimeout: lockTimeout,
		clock:       clk,
		logger:      logger,
	}
}

// SetBroadcaster attaches a realtime hub. Call before serving traffic.
func (s *Service) SetBroadcaster(hub Broadcaster) { s.hub = hub }

// Create validates wallets and currency and records a pending booking.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Booking, error) {
	if req.ClientWalletID == req.CreatorWalletID {
		return nil, ErrSameWallet
	}

	clientCur, err := s.ledger.WalletCurrency(ctx, req.ClientWalletID)
	if err != nil {
		return nil, err
	}
	creatorCur, err := s.ledger.WalletCurrency(ctx, req.CreatorWalletID)
	if err != nil {
		return nil, err
	}
	if clientCur != creatorCur {
		return nil, fmt.Errorf("%w: client holds %s, creator holds %s",
			money.ErrCurrencyMixed, clientCur, creatorCur)
	}

	amt, err := money.Parse(req.Amount, money.Currency(clientCur))
	if err != nil {
		return nil, err
	}
	if !amt.IsPositive() {
		return nil, fmt.Errorf("%w: booking amount must be positive", money.ErrInvalidAmount)
	}

	now := s.clock.Now()
	b := &Booking{
		ID:              idgen.WithPrefix("bk_"),
		ClientWalletID:  req.ClientWalletID,
		CreatorWalletID: req.CreatorWalletID,
		Currency:        clientCur,
		Amount:          amt.String(),
		Title:           req.Title,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}

	s.logger.Info("booking created",
		"booking", b.ID, "client", b.ClientWalletID, "creator", b.CreatorWalletID, "amount", b.Amount)
	return b, nil
}

// Get returns a booking by id.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByWallet returns bookings where the wallet is client or creator.
func (s *Service) ListByWallet(ctx context.Context, walletID string, limit int) ([]*Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByWallet(ctx, walletID, limit)
}

// Accept moves a pending booking to accepted.
func (s *Service) Accept(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, ActionAccept)
}

// HandleEscrowDeposit reacts to the client's reconciled escrow deposit:
// the booking amount moves from the client balance into the hold and
// work begins.
func (s *Service) HandleEscrowDeposit(ctx context.Context, id string) error {
	_, err := s.apply(ctx, id, ActionEscrowDeposit)
	return err
}

// Complete marks an in-progress booking finished. Funds stay held until
// the client releases them.
func (s *Service) Complete(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, ActionComplete)
}

// Release pays the hold's remainder to the creator. A second release
// fails with ErrAlreadyReleased and never double-credits.
func (s *Service) Release(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, ActionRelease)
}

// Cancel aborts a booking before completion, refunding any active hold.
func (s *Service) Cancel(ctx context.Context, id string) (*Booking, error) {
	return s.apply(ctx, id, ActionCancel)
}

// apply runs one lifecycle action under the booking's lock. Ledger
// effects execute before the booking is persisted, so an effect failure
// leaves the stored state unchanged and the action retryable.
func (s *Service) apply(ctx context.Context, id string, action Action) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking."+string(action), traces.BookingID(id))
	defer span.End()

	unlock, err := s.locks.LockTimeout(ctx, id, s.lockTimeout)
	if err != nil {
		metrics.BookingTransitionsTotal.WithLabelValues(string(action), "lock_timeout").Inc()
		return nil, err
	}
	defer unlock()

	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, effects, err := Transition(*b, action, s.clock.Now())
	if err != nil {
		metrics.BookingTransitionsTotal.WithLabelValues(string(action), "rejected").Inc()
		return nil, err
	}

	for _, eff := range effects {
		txID, err := s.execute(ctx, &next, eff)
		if err != nil {
			metrics.BookingTransitionsTotal.WithLabelValues(string(action), "effect_failed").Inc()
			return nil, fmt.Errorf("booking %s %s: %w", id, eff.Kind, err)
		}
		if txID != "" {
			next.ReleaseTxID = txID
		}
	}

	if err := s.store.Update(ctx, &next); err != nil {
		return nil, err
	}

	metrics.BookingTransitionsTotal.WithLabelValues(string(action), "applied").Inc()
	s.logger.Info("booking transition",
		"booking", next.ID, "action", action, "status", next.Status)
	s.broadcast(&next, action)
	return &next, nil
}

// execute performs one ledger effect, returning the resulting
// transaction id where one exists.
func (s *Service) execute(ctx context.Context, b *Booking, eff Effect) (string, error) {
	switch eff.Kind {
	case EffectHold:
		return "", s.ledger.HoldEscrow(ctx, b.ID, b.ClientWalletID, eff.Amount)

	case EffectReleaseRemaining:
		remaining, err := s.ledger.HoldRemaining(ctx, b.ID)
		if errors.Is(err, ErrNoHold) {
			// Milestones already paid the full hold out; the release is
			// a pure state change.
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return s.ledger.ReleaseEscrow(ctx, b.ID, b.CreatorWalletID, remaining)

	case EffectRefundRemaining:
		txID, err := s.ledger.RefundEscrow(ctx, b.ID)
		if errors.Is(err, ErrNoHold) {
			return "", nil
		}
		return txID, err

	default:
		return "", fmt.Errorf("unknown effect %q", eff.Kind)
	}
}

func (s *Service) broadcast(b *Booking, action Action) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastBooking(map[string]interface{}{
		"bookingId":       b.ID,
		"action":          string(action),
		"status":          string(b.Status),
		"paymentStatus":   b.PaymentStatus,
		"fundsReleased":   b.FundsReleased,
		"clientWalletId":  b.ClientWalletID,
		"creatorWalletId": b.CreatorWalletID,
	})
}
