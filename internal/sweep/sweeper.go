// Package sweep runs the periodic reconciliation pass over escrow holds.
//
// The sweep flags holds whose booking is gone or terminal while funds
// are still held. Flagging is deliberately not resolution: orphaned
// funds stay where they are until an operator decides whether to
// release or refund them. The sweep also cross-checks the sum of held
// funds (active and orphaned holds alike, since flagging moves no money)
// against the sum of wallet pending balances, which must agree at all
// times.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/craftvine/engine/internal/clock"
	"github.com/craftvine/engine/internal/ledger"
	"github.com/craftvine/engine/internal/metrics"
	"github.com/craftvine/engine/internal/money"
)

// Bookings lets the sweep inspect booking state without importing the
// booking package.
type Bookings interface {
	// Inspect reports whether the booking exists and whether its current
	// lifecycle state still expects escrowed funds.
	Inspect(ctx context.Context, bookingID string) (exists bool, expectsHold bool, err error)
}

// OrphanReasons attached to flagged holds.
const (
	ReasonBookingMissing  = "booking_missing"
	ReasonBookingTerminal = "booking_terminal"
)

// Orphan is a hold the sweep flagged for manual review.
type Orphan struct {
	Hold      ledger.Hold `json:"hold"`
	Reason    string      `json:"reason"`
	FlaggedAt time.Time   `json:"flaggedAt"`
}

// Sweeper periodically scans active holds and checks aggregate
// consistency between the hold table and wallet pending balances.
type Sweeper struct {
	store    ledger.Store
	bookings Bookings
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu      sync.RWMutex
	orphans map[string]Orphan
}

// NewSweeper creates a sweeper over the ledger store.
func NewSweeper(store ledger.Store, bookings Bookings, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		bookings: bookings,
		interval: interval,
		clock:    clk,
		logger:   logger,
		stop:     make(chan struct{}),
		orphans:  make(map[string]Orphan),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep loop to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// Orphans returns the holds flagged since startup, newest first not
// guaranteed.
func (s *Sweeper) Orphans() []Orphan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Orphan, 0, len(s.orphans))
	for _, o := range s.orphans {
		result = append(result, o)
	}
	return result
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reconciliation sweep", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one scan immediately. Exposed for tests and for a
// run-once admin trigger.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.flagOrphans(ctx)
	s.checkDrift(ctx)
}

func (s *Sweeper) flagOrphans(ctx context.Context) {
	holds, err := s.store.ListActiveHolds(ctx)
	if err != nil {
		s.logger.Warn("sweep failed to list active holds", "error", err)
		return
	}

	for _, hold := range holds {
		exists, expectsHold, err := s.bookings.Inspect(ctx, hold.BookingID)
		if err != nil {
			s.logger.Warn("sweep failed to inspect booking",
				"booking", hold.BookingID, "hold", hold.ID, "error", err)
			continue
		}

		reason := ""
		switch {
		case !exists:
			reason = ReasonBookingMissing
		case !expectsHold:
			reason = ReasonBookingTerminal
		default:
			continue
		}

		if err := s.store.MarkHoldOrphaned(ctx, hold.ID); err != nil {
			if errors.Is(err, ledger.ErrHoldNotActive) {
				// Raced with a release or refund; nothing to flag.
				continue
			}
			s.logger.Warn("sweep failed to flag hold", "hold", hold.ID, "error", err)
			continue
		}

		flagged := *hold
		flagged.Status = ledger.HoldOrphaned
		s.mu.Lock()
		s.orphans[hold.ID] = Orphan{Hold: flagged, Reason: reason, FlaggedAt: s.clock.Now()}
		count := len(s.orphans)
		s.mu.Unlock()

		metrics.OrphanedHolds.Set(float64(count))
		s.logger.Warn("escrow hold orphaned",
			"hold", hold.ID, "booking", hold.BookingID,
			"remaining", hold.Remaining, "currency", hold.Currency, "reason", reason)
	}
}

// checkDrift compares summed held funds against summed wallet pending
// balances per currency. Orphaned holds count as held: their funds are
// still escrowed, so flagging one must not register as drift. Any
// disagreement means a storage invariant broke and is alerted, never
// auto-corrected.
func (s *Sweeper) checkDrift(ctx context.Context) {
	totalDrift := 0.0
	for _, cur := range []money.Currency{money.NGN, money.USDC, money.USDT} {
		holds, err := s.store.SumHeldFunds(ctx, string(cur))
		if err != nil {
			s.logger.Warn("sweep failed to sum holds", "currency", cur, "error", err)
			return
		}
		pending, err := s.store.SumPendingBalances(ctx, string(cur))
		if err != nil {
			s.logger.Warn("sweep failed to sum pending balances", "currency", cur, "error", err)
			return
		}

		ha, err := money.Parse(holds, cur)
		if err != nil {
			s.logger.Warn("sweep got corrupt hold sum", "currency", cur, "value", holds)
			return
		}
		pa, err := money.Parse(pending, cur)
		if err != nil {
			s.logger.Warn("sweep got corrupt pending sum", "currency", cur, "value", pending)
			return
		}

		diff, err := ha.Sub(pa)
		if err != nil {
			s.logger.Warn("sweep drift computation failed", "currency", cur, "error", err)
			return
		}
		if !diff.IsZero() {
			s.logger.Error("hold drift detected",
				"currency", cur, "heldFunds", holds, "pendingBalances", pending,
				"drift", diff.Abs().String())
		}

		v, err := strconv.ParseFloat(diff.Abs().String(), 64)
		if err == nil {
			totalDrift += v
		}
	}
	metrics.HoldDrift.Set(totalDrift)
}
