package server

import (
	"context"
	"errors"

	"github.com/craftvine/engine/internal/booking"
	"github.com/craftvine/engine/internal/ledger"
	"github.com/craftvine/engine/internal/milestone"
	"github.com/craftvine/engine/internal/webhook"
)

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// ledgerAdapter adapts ledger.Reconciler to booking.LedgerService and
// milestone.LedgerService.
type ledgerAdapter struct {
	rec *ledger.Reconciler
}

func (a *ledgerAdapter) HoldEscrow(ctx context.Context, bookingID, clientWalletID, amount string) error {
	_, err := a.rec.HoldEscrow(ctx, bookingID, clientWalletID, amount)
	return err
}

func (a *ledgerAdapter) ReleaseEscrow(ctx context.Context, bookingID, creatorWalletID, amount string) (string, error) {
	tx, err := a.rec.ReleaseEscrow(ctx, bookingID, creatorWalletID, amount)
	if err != nil {
		return "", translateHoldErr(err)
	}
	return tx.ID, nil
}

func (a *ledgerAdapter) RefundEscrow(ctx context.Context, bookingID string) (string, error) {
	tx, err := a.rec.RefundEscrow(ctx, bookingID)
	if err != nil {
		return "", translateHoldErr(err)
	}
	return tx.ID, nil
}

func (a *ledgerAdapter) HoldRemaining(ctx context.Context, bookingID string) (string, error) {
	hold, err := a.rec.HoldByBooking(ctx, bookingID)
	if err != nil {
		return "", translateHoldErr(err)
	}
	if hold.Status != ledger.HoldActive {
		return "", booking.ErrNoHold
	}
	return hold.Remaining, nil
}

func (a *ledgerAdapter) WalletCurrency(ctx context.Context, walletID string) (string, error) {
	w, err := a.rec.GetWallet(ctx, walletID)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return "", booking.ErrWalletNotFound
		}
		return "", err
	}
	return w.Currency, nil
}

func translateHoldErr(err error) error {
	if errors.Is(err, ledger.ErrHoldNotFound) || errors.Is(err, ledger.ErrHoldNotActive) {
		return booking.ErrNoHold
	}
	return err
}

// bookingInfoAdapter adapts booking.Service to milestone.Bookings.
type bookingInfoAdapter struct {
	svc *booking.Service
}

func (a *bookingInfoAdapter) Info(ctx context.Context, bookingID string) (milestone.BookingInfo, error) {
	b, err := a.svc.Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			return milestone.BookingInfo{}, milestone.ErrNotFound
		}
		return milestone.BookingInfo{}, err
	}
	return milestone.BookingInfo{
		CreatorWalletID: b.CreatorWalletID,
		Currency:        b.Currency,
		Amount:          b.Amount,
		Paid:            b.PaymentStatus == booking.PaymentPaid,
	}, nil
}

// bookingInspector adapts booking.Service to sweep.Bookings.
type bookingInspector struct {
	svc *booking.Service
}

func (a *bookingInspector) Inspect(ctx context.Context, bookingID string) (bool, bool, error) {
	b, err := a.svc.Get(ctx, bookingID)
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			return false, false, nil
		}
		return false, false, err
	}
	return true, !b.IsTerminal(), nil
}

// directoryAdapter resolves webhook customId correlation values. A customId
// is either a wallet ID (plain top-up) or a booking ID (escrow deposit,
// credited to the booking's client wallet).
type directoryAdapter struct {
	reconciler *ledger.Reconciler
	bookings   *booking.Service
}

func (a *directoryAdapter) Resolve(ctx context.Context, customID string) (webhook.Target, error) {
	w, err := a.reconciler.GetWallet(ctx, customID)
	if err == nil {
		return webhook.Target{WalletID: w.ID}, nil
	}
	if !errors.Is(err, ledger.ErrWalletNotFound) {
		return webhook.Target{}, err
	}

	b, err := a.bookings.Get(ctx, customID)
	if err == nil {
		return webhook.Target{WalletID: b.ClientWalletID, BookingID: b.ID}, nil
	}
	if !errors.Is(err, booking.ErrNotFound) {
		return webhook.Target{}, err
	}

	return webhook.Target{}, webhook.ErrUnknownCustomID
}
