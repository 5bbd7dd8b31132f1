package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedWallet(t *testing.T, m *MemoryStore, id, user, balance string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, m.CreateWallet(context.Background(), &Wallet{
		ID: id, UserID: user, Currency: "USDC",
		Balance: balance, PendingBalance: "0.00", TotalEarnings: "0.00",
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestMemoryStore_PendingMatchesActiveHolds(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedWallet(t, m, "wal_a", "u1", "100.00")
	seedWallet(t, m, "wal_b", "u2", "50.00")

	require.NoError(t, m.HoldEscrow(ctx,
		&Hold{ID: "hold_1", BookingID: "bk_1", WalletID: "wal_a", Currency: "USDC",
			Amount: "40.00", Remaining: "40.00", Status: HoldActive, CreatedAt: now, UpdatedAt: now},
		&Transaction{ID: "txn_1", WalletID: "wal_a", Type: TypeEscrowHold,
			Amount: "-40.00", Status: StatusCompleted, BookingID: "bk_1", CreatedAt: now}))

	require.NoError(t, m.HoldEscrow(ctx,
		&Hold{ID: "hold_2", BookingID: "bk_2", WalletID: "wal_b", Currency: "USDC",
			Amount: "25.00", Remaining: "25.00", Status: HoldActive, CreatedAt: now, UpdatedAt: now},
		&Transaction{ID: "txn_2", WalletID: "wal_b", Type: TypeEscrowHold,
			Amount: "-25.00", Status: StatusCompleted, BookingID: "bk_2", CreatedAt: now}))

	holds, err := m.SumHeldFunds(ctx, "USDC")
	require.NoError(t, err)
	pending, err := m.SumPendingBalances(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, holds, pending, "held funds and pending balances must agree")
	assert.Equal(t, "65.00", holds)

	// Releasing part of one hold keeps the aggregates in lockstep.
	require.NoError(t, m.ReleaseEscrow(ctx, "hold_1",
		&Transaction{ID: "txn_3", WalletID: "wal_b", Type: TypeEscrowRelease,
			Amount: "15.00", Status: StatusCompleted, BookingID: "bk_1", CreatedAt: now}))

	holds, err = m.SumHeldFunds(ctx, "USDC")
	require.NoError(t, err)
	pending, err = m.SumPendingBalances(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, holds, pending)
	assert.Equal(t, "50.00", holds)
}

func TestMemoryStore_MarkHoldOrphaned(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedWallet(t, m, "wal_a", "u1", "100.00")
	require.NoError(t, m.HoldEscrow(ctx,
		&Hold{ID: "hold_1", BookingID: "bk_gone", WalletID: "wal_a", Currency: "USDC",
			Amount: "40.00", Remaining: "40.00", Status: HoldActive, CreatedAt: now, UpdatedAt: now},
		&Transaction{ID: "txn_1", WalletID: "wal_a", Type: TypeEscrowHold,
			Amount: "-40.00", Status: StatusCompleted, BookingID: "bk_gone", CreatedAt: now}))

	require.NoError(t, m.MarkHoldOrphaned(ctx, "hold_1"))

	h, err := m.GetHold(ctx, "hold_1")
	require.NoError(t, err)
	assert.Equal(t, HoldOrphaned, h.Status)

	// Orphaned holds leave the active listing.
	active, err := m.ListActiveHolds(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Flagging is not auto-resolution: funds stay out of the balance.
	w, err := m.GetWallet(ctx, "wal_a")
	require.NoError(t, err)
	assert.Equal(t, "60.00", w.Balance)

	// The funds are still escrowed, so the aggregates keep agreeing.
	held, err := m.SumHeldFunds(ctx, "USDC")
	require.NoError(t, err)
	pending, err := m.SumPendingBalances(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, "40.00", held)
	assert.Equal(t, held, pending)

	assert.ErrorIs(t, m.MarkHoldOrphaned(ctx, "hold_1"), ErrHoldNotActive)
	assert.ErrorIs(t, m.MarkHoldOrphaned(ctx, "hold_x"), ErrHoldNotFound)
}

func TestMemoryStore_CurrencyScopedAggregates(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	seedWallet(t, m, "wal_usdc", "u1", "100.00")
	require.NoError(t, m.CreateWallet(ctx, &Wallet{
		ID: "wal_ngn", UserID: "u2", Currency: "NGN",
		Balance: "5000.00", PendingBalance: "0.00", TotalEarnings: "0.00",
		CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, m.HoldEscrow(ctx,
		&Hold{ID: "hold_1", BookingID: "bk_1", WalletID: "wal_ngn", Currency: "NGN",
			Amount: "1000.00", Remaining: "1000.00", Status: HoldActive, CreatedAt: now, UpdatedAt: now},
		&Transaction{ID: "txn_1", WalletID: "wal_ngn", Type: TypeEscrowHold,
			Amount: "-1000.00", Status: StatusCompleted, BookingID: "bk_1", CreatedAt: now}))

	usdc, err := m.SumHeldFunds(ctx, "USDC")
	require.NoError(t, err)
	assert.Equal(t, "0.00", usdc)

	ngn, err := m.SumHeldFunds(ctx, "NGN")
	require.NoError(t, err)
	assert.Equal(t, "1000.00", ngn)
}
