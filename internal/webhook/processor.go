package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/craftvine/engine/internal/ledger"
	"github.com/craftvine/engine/internal/metrics"
	"github.com/craftvine/engine/internal/traces"
)

// Target is what a provider customId resolves to. BookingID is set when
// the deposit funds a booking escrow; WalletID is always set.
type Target struct {
	WalletID  string
	BookingID string
}

// Directory resolves customId correlation values. The marketplace assigns
// either a wallet id or a booking id as the customId on HostFi channels.
type Directory interface {
	Resolve(ctx context.Context, customID string) (Target, error)
}

// Bookings receives notice that a booking's escrow deposit has settled.
type Bookings interface {
	HandleEscrowDeposit(ctx context.Context, bookingID string) error
}

// Result of processing one delivery.
type Result struct {
	Duplicate     bool
	TransactionID string
}

// Processor routes validated webhook payloads into the ledger.
type Processor struct {
	reconciler *ledger.Reconciler
	directory  Directory
	bookings   Bookings
	logger     *slog.Logger
}

// NewProcessor creates a webhook processor.
func NewProcessor(rec *ledger.Reconciler, dir Directory, bookings Bookings, logger *slog.Logger) *Processor {
	return &Processor{reconciler: rec, directory: dir, bookings: bookings, logger: logger}
}

// Process applies a validated payload exactly once. Duplicate deliveries
// return Result.Duplicate with no effect. The caller has already verified
// the signature and the schema.
func (p *Processor) Process(ctx context.Context, payload *Payload) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "webhook.process", traces.EventID(payload.ID))
	defer span.End()

	// Fast-path duplicate check. The authoritative guard is the provider
	// event row committed inside the ledger's storage transaction; this
	// only spares duplicates the lock acquisition.
	seen, err := p.reconciler.Seen(ctx, payload.ID)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "error").Inc()
		return Result{}, err
	}
	if seen {
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "duplicate").Inc()
		p.logger.Info("duplicate webhook acknowledged", "event", payload.ID, "type", payload.Event)
		return Result{Duplicate: true}, nil
	}

	var res Result
	switch payload.Event {
	case EventFiatDeposit, EventCryptoDeposit:
		res, err = p.processDeposit(ctx, payload)
	case EventPayoutCompleted, EventPayoutFailed:
		res, err = p.processPayout(ctx, payload)
	default:
		err = fmt.Errorf("%w: %q", ErrSchemaInvalid, payload.Event)
	}

	switch {
	case err == nil && res.Duplicate:
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "duplicate").Inc()
	case err == nil:
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "applied").Inc()
	default:
		metrics.WebhookEventsTotal.WithLabelValues(payload.Event, "error").Inc()
	}
	return res, err
}

func (p *Processor) processDeposit(ctx context.Context, payload *Payload) (Result, error) {
	target, err := p.directory.Resolve(ctx, payload.Data.CustomID)
	if err != nil {
		return Result{}, err
	}

	req := ledger.ApplyRequest{
		WalletID:        target.WalletID,
		Type:            ledger.TypeDeposit,
		Amount:          payload.Data.Amount.String(),
		Reference:       payload.Data.ChannelID,
		ProviderEventID: payload.ID,
		BookingID:       target.BookingID,
	}

	if payload.Data.Status == StatusFailed {
		tx, err := p.reconciler.RecordFailedDeposit(ctx, req)
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicateEvent) {
				return Result{Duplicate: true}, nil
			}
			return Result{}, err
		}
		return Result{TransactionID: tx.ID}, nil
	}

	tx, err := p.reconciler.Apply(ctx, req)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return Result{Duplicate: true}, nil
		}
		return Result{}, err
	}

	if target.BookingID != "" {
		// The deposit is committed at this point; a booking-side failure
		// leaves the funds safely in the client wallet, not in escrow.
		if err := p.bookings.HandleEscrowDeposit(ctx, target.BookingID); err != nil {
			p.logger.Error("escrow deposit settled but booking transition failed",
				"booking", target.BookingID, "event", payload.ID, "error", err)
		}
	}

	return Result{TransactionID: tx.ID}, nil
}

func (p *Processor) processPayout(ctx context.Context, payload *Payload) (Result, error) {
	success := payload.Event == EventPayoutCompleted
	tx, err := p.reconciler.FinalizeWithdrawal(ctx, payload.Data.CustomID, payload.ID, success)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return Result{Duplicate: true}, nil
		}
		return Result{}, err
	}
	return Result{TransactionID: tx.ID}, nil
}
