package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftvine/engine/internal/clock"
	"github.com/craftvine/engine/internal/ledger"
)

type fakeDirectory struct {
	targets map[string]Target
}

func (d *fakeDirectory) Resolve(_ context.Context, customID string) (Target, error) {
	t, ok := d.targets[customID]
	if !ok {
		return Target{}, ErrUnknownCustomID
	}
	return t, nil
}

type fakeBookings struct {
	deposits []string
	err      error
}

func (b *fakeBookings) HandleEscrowDeposit(_ context.Context, bookingID string) error {
	if b.err != nil {
		return b.err
	}
	b.deposits = append(b.deposits, bookingID)
	return nil
}

type processorFixture struct {
	store     *ledger.MemoryStore
	rec       *ledger.Reconciler
	directory *fakeDirectory
	bookings  *fakeBookings
	processor *Processor
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	rec := ledger.NewReconciler(store, time.Second, clk, slog.Default())
	dir := &fakeDirectory{targets: make(map[string]Target)}
	bk := &fakeBookings{}
	return &processorFixture{
		store:     store,
		rec:       rec,
		directory: dir,
		bookings:  bk,
		processor: NewProcessor(rec, dir, bk, slog.Default()),
	}
}

func (f *processorFixture) newWallet(t *testing.T, user, currency string) *ledger.Wallet {
	t.Helper()
	w, err := f.rec.CreateWallet(context.Background(), user, currency)
	require.NoError(t, err)
	return w
}

func depositPayload(id, customID, amount, currency, status string) *Payload {
	return &Payload{
		Event: EventFiatDeposit,
		ID:    id,
		Data: PayloadData{
			Amount:    json.Number(amount),
			Currency:  currency,
			Status:    status,
			CustomID:  customID,
			ChannelID: "chan_1",
		},
	}
}

func TestProcess_WalletDeposit(t *testing.T) {
	f := newProcessorFixture(t)
	w := f.newWallet(t, "user42", "NGN")
	f.directory.targets["user42"] = Target{WalletID: w.ID}

	res, err := f.processor.Process(context.Background(), depositPayload("EVT-1", "user42", "5000.00", "NGN", StatusSuccess))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEmpty(t, res.TransactionID)

	got, err := f.rec.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "5000.00", got.Balance)
}

func TestProcess_DuplicateDeliveryCreditsOnce(t *testing.T) {
	f := newProcessorFixture(t)
	w := f.newWallet(t, "user42", "NGN")
	f.directory.targets["user42"] = Target{WalletID: w.ID}

	payload := depositPayload("EVT-1", "user42", "5000.00", "NGN", StatusSuccess)

	first, err := f.processor.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.processor.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.TransactionID)

	got, err := f.rec.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "5000.00", got.Balance, "balance changes exactly once")

	txs, err := f.rec.History(context.Background(), w.ID, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestProcess_BookingDepositTriggersEscrow(t *testing.T) {
	f := newProcessorFixture(t)
	w := f.newWallet(t, "client-1", "USDC")
	f.directory.targets["bk_1"] = Target{WalletID: w.ID, BookingID: "bk_1"}

	res, err := f.processor.Process(context.Background(), depositPayload("EVT-1", "bk_1", "40.00", "USDC", StatusSuccess))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, []string{"bk_1"}, f.bookings.deposits)
}

func TestProcess_BookingTransitionFailureStillAcks(t *testing.T) {
	f := newProcessorFixture(t)
	w := f.newWallet(t, "client-1", "USDC")
	f.directory.targets["bk_1"] = Target{WalletID: w.ID, BookingID: "bk_1"}
	f.bookings.err = assert.AnError

	// The credit committed, so the delivery is acknowledged; funds sit in
	// the client wallet until the booking is reconciled out of band.
	res, err := f.processor.Process(context.Background(), depositPayload("EVT-1", "bk_1", "40.00", "USDC", StatusSuccess))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)

	got, err := f.rec.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "40.00", got.Balance)
}

func TestProcess_FailedDepositRecordsNoBalance(t *testing.T) {
	f := newProcessorFixture(t)
	w := f.newWallet(t, "user42", "NGN")
	f.directory.targets["user42"] = Target{WalletID: w.ID}

	res, err := f.processor.Process(context.Background(), depositPayload("EVT-1", "user42", "5000.00", "NGN", StatusFailed))
	require.NoError(t, err)
	assert.NotEmpty(t, res.TransactionID)

	got, err := f.rec.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "0.00", got.Balance)

	txs, err := f.rec.History(context.Background(), w.ID, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, ledger.StatusFailed, txs[0].Status)

	// The failed event id is consumed; a retry is a duplicate.
	dup, err := f.processor.Process(context.Background(), depositPayload("EVT-1", "user42", "5000.00", "NGN", StatusFailed))
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func TestProcess_UnknownCustomID(t *testing.T) {
	f := newProcessorFixture(t)

	_, err := f.processor.Process(context.Background(), depositPayload("EVT-1", "nobody", "10.00", "USDC", StatusSuccess))
	assert.ErrorIs(t, err, ErrUnknownCustomID)
}

func TestProcess_PayoutLifecycle(t *testing.T) {
	f := newProcessorFixture(t)
	w := f.newWallet(t, "user42", "USDC")
	f.directory.targets["user42"] = Target{WalletID: w.ID}

	_, err := f.processor.Process(context.Background(), depositPayload("EVT-1", "user42", "100.00", "USDC", StatusSuccess))
	require.NoError(t, err)

	wtx, err := f.rec.RequestWithdrawal(context.Background(), w.ID, "60.00")
	require.NoError(t, err)

	res, err := f.processor.Process(context.Background(), &Payload{
		Event: EventPayoutCompleted,
		ID:    "EVT-2",
		Data:  PayloadData{CustomID: wtx.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, wtx.ID, res.TransactionID)

	final, err := f.rec.Transaction(context.Background(), wtx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, final.Status)

	// Replayed payout webhook is a duplicate, not a second settlement.
	dup, err := f.processor.Process(context.Background(), &Payload{
		Event: EventPayoutCompleted,
		ID:    "EVT-2",
		Data:  PayloadData{CustomID: wtx.ID},
	})
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
}

func TestProcess_PayoutFailedRefunds(t *testing.T) {
	f := newProcessorFixture(t)
	w := f.newWallet(t, "user42", "USDC")
	f.directory.targets["user42"] = Target{WalletID: w.ID}

	_, err := f.processor.Process(context.Background(), depositPayload("EVT-1", "user42", "100.00", "USDC", StatusSuccess))
	require.NoError(t, err)

	wtx, err := f.rec.RequestWithdrawal(context.Background(), w.ID, "60.00")
	require.NoError(t, err)

	_, err = f.processor.Process(context.Background(), &Payload{
		Event: EventPayoutFailed,
		ID:    "EVT-2",
		Data:  PayloadData{CustomID: wtx.ID},
	})
	require.NoError(t, err)

	got, err := f.rec.GetWallet(context.Background(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, "100.00", got.Balance, "failed payout restores the balance")
}

func TestProcess_PayoutUnknownCorrelation(t *testing.T) {
	f := newProcessorFixture(t)

	_, err := f.processor.Process(context.Background(), &Payload{
		Event: EventPayoutCompleted,
		ID:    "EVT-1",
		Data:  PayloadData{CustomID: "txn_missing"},
	})
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}
