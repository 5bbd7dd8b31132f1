package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingBooking() Booking {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return Booking{
		ID:              "bk_1",
		ClientWalletID:  "wal_client",
		CreatorWalletID: "wal_creator",
		Currency:        "USDC",
		Amount:          "40.00",
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func advance(t *testing.T, b Booking, actions ...Action) Booking {
	t.Helper()
	now := b.UpdatedAt
	for _, a := range actions {
		now = now.Add(time.Minute)
		next, _, err := Transition(b, a, now)
		require.NoError(t, err, "action %s from %s", a, b.Status)
		b = next
	}
	return b
}

func TestTransition_HappyPath(t *testing.T) {
	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	b := pendingBooking()

	b, effects, err := Transition(b, ActionAccept, now)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, b.Status)
	assert.Empty(t, effects)
	require.NotNil(t, b.AcceptedAt)
	assert.Equal(t, now, *b.AcceptedAt)

	b, effects, err = Transition(b, ActionEscrowDeposit, now)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, b.Status)
	assert.Equal(t, PaymentPaid, b.PaymentStatus)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectHold, effects[0].Kind)
	assert.Equal(t, "40.00", effects[0].Amount)

	b, effects, err = Transition(b, ActionComplete, now)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Empty(t, effects, "completion keeps funds held")
	assert.False(t, b.FundsReleased)

	b, effects, err = Transition(b, ActionRelease, now)
	require.NoError(t, err)
	assert.True(t, b.FundsReleased)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectReleaseRemaining, effects[0].Kind)
	assert.True(t, b.IsTerminal())
}

func TestTransition_ReleaseTwice(t *testing.T) {
	now := time.Now()
	b := advance(t, pendingBooking(), ActionAccept, ActionEscrowDeposit, ActionComplete, ActionRelease)

	_, _, err := Transition(b, ActionRelease, now)
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestTransition_CancelRefundsOnlyWhenPaid(t *testing.T) {
	now := time.Now()

	// Unpaid: pure state change, payment state untouched.
	b, effects, err := Transition(pendingBooking(), ActionCancel, now)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.Equal(t, PaymentPending, b.PaymentStatus)
	assert.Empty(t, effects)
	require.NotNil(t, b.CancelledAt)

	// Paid: the hold must flow back to the client and the booking reads
	// as refunded, not paid.
	paid := advance(t, pendingBooking(), ActionAccept, ActionEscrowDeposit)
	b, effects, err = Transition(paid, ActionCancel, now)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.Equal(t, PaymentRefunded, b.PaymentStatus)
	require.Len(t, effects, 1)
	assert.Equal(t, EffectRefundRemaining, effects[0].Kind)
}

func TestTransition_Rejections(t *testing.T) {
	base := pendingBooking()
	accepted := advance(t, base, ActionAccept)
	inProgress := advance(t, accepted, ActionEscrowDeposit)
	completed := advance(t, inProgress, ActionComplete)
	cancelled := advance(t, base, ActionCancel)

	tests := []struct {
		name   string
		from   Booking
		action Action
	}{
		{"accept twice", accepted, ActionAccept},
		{"accept in progress", inProgress, ActionAccept},
		{"deposit before accept", base, ActionEscrowDeposit},
		{"deposit twice", inProgress, ActionEscrowDeposit},
		{"complete before deposit", accepted, ActionComplete},
		{"complete pending", base, ActionComplete},
		{"release before complete", inProgress, ActionRelease},
		{"release pending", base, ActionRelease},
		{"cancel completed", completed, ActionCancel},
		{"cancel cancelled", cancelled, ActionCancel},
		{"accept cancelled", cancelled, ActionAccept},
		{"unknown action", base, Action("archive")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effects, err := Transition(tt.from, tt.action, time.Now())
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Empty(t, effects)
			assert.Equal(t, tt.from, got, "rejected action must not mutate the snapshot")
		})
	}
}

func TestIsTerminal(t *testing.T) {
	base := pendingBooking()
	assert.False(t, base.IsTerminal())

	completed := advance(t, base, ActionAccept, ActionEscrowDeposit, ActionComplete)
	assert.False(t, completed.IsTerminal(), "completed but unreleased still accepts a release")

	released := advance(t, completed, ActionRelease)
	assert.True(t, released.IsTerminal())

	cancelled := advance(t, base, ActionCancel)
	assert.True(t, cancelled.IsTerminal())
}
