package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/types"
)

func newStore(t *testing.T) persistence.Store {
	t.Helper()
	store, err := persistence.NewBuntStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBuntStore_GetMissing(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.GetRide(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.GetDelivery(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.GetEscrow(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBuntStore_CommittedSeatsIgnoresCancelled(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRide(ctx, &types.Ride{ID: "r-1", DriverID: "d", TotalSeats: 4, Status: types.RideStatusOpen}))
	require.NoError(t, store.CreateBooking(ctx, &types.Booking{ID: "b-1", RideID: "r-1", PassengerID: "p1", Seats: 2, Status: types.BookingStatusPending}))
	require.NoError(t, store.CreateBooking(ctx, &types.Booking{ID: "b-2", RideID: "r-1", PassengerID: "p2", Seats: 1, Status: types.BookingStatusConfirmed}))

	committed, err := store.CommittedSeats(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 3, committed)

	_, cancelled, err := store.CancelBooking(ctx, "b-1")
	require.NoError(t, err)
	require.True(t, cancelled)

	committed, err = store.CommittedSeats(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, 1, committed)

	exists, err := store.ActiveBookingExists(ctx, "r-1", "p1")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = store.ActiveBookingExists(ctx, "r-1", "p2")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBuntStore_CancelBookingSecondCallNoop(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateBooking(ctx, &types.Booking{ID: "b-1", RideID: "r-1", PassengerID: "p1", Seats: 1, Status: types.BookingStatusPending}))

	_, cancelled, err := store.CancelBooking(ctx, "b-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	booking, cancelled, err := store.CancelBooking(ctx, "b-1")
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, types.BookingStatusCancelled, booking.Status)
}

func TestBuntStore_AssignCourierOnlyOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateDelivery(ctx, &types.Delivery{ID: "d-1", SenderID: "s", Status: types.DeliveryStatusOpen}))

	assigned, err := store.AssignCourier(ctx, "d-1", "c-1")
	require.NoError(t, err)
	assert.True(t, assigned)

	assigned, err = store.AssignCourier(ctx, "d-1", "c-2")
	require.NoError(t, err)
	assert.False(t, assigned)

	delivery, err := store.GetDelivery(ctx, "d-1")
	require.NoError(t, err)
	require.NotNil(t, delivery.AssignedCourierID)
	assert.Equal(t, "c-1", *delivery.AssignedCourierID)
}

func TestBuntStore_TransitionEscrowConditional(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateEscrow(ctx, &types.Escrow{ID: "e-1", PayerID: "p", Amount: 100, Currency: "EUR", Status: types.EscrowStatusCreated}))

	moved, err := store.TransitionEscrow(ctx, "e-1", types.EscrowStatusCreated, types.EscrowStatusFunded, "")
	require.NoError(t, err)
	assert.True(t, moved)

	// wrong from-state: nothing happens
	moved, err = store.TransitionEscrow(ctx, "e-1", types.EscrowStatusCreated, types.EscrowStatusFunded, "")
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = store.TransitionEscrow(ctx, "e-1", types.EscrowStatusFunded, types.EscrowStatusDisputed, "not as described")
	require.NoError(t, err)
	assert.True(t, moved)

	esc, err := store.GetEscrow(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, types.EscrowStatusDisputed, esc.Status)
	assert.Equal(t, "not as described", esc.DisputeReason)
}

func TestBuntStore_ListFundedBefore(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, store.CreateEscrow(ctx, &types.Escrow{ID: "e-old", Status: types.EscrowStatusFunded, UpdatedAt: old}))
	require.NoError(t, store.CreateEscrow(ctx, &types.Escrow{ID: "e-new", Status: types.EscrowStatusFunded, UpdatedAt: time.Now().UTC()}))
	require.NoError(t, store.CreateEscrow(ctx, &types.Escrow{ID: "e-created", Status: types.EscrowStatusCreated, UpdatedAt: old}))

	out, err := store.ListFundedBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "e-old", out[0].ID)
}

func TestBuntStore_NotificationsNewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateNotification(ctx, &types.Notification{
			ID:        string(rune('a' + i)),
			UserID:    "alice",
			Title:     "t",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.MarkNotificationDelivered(ctx, "a"))

	out, err := store.ListNotifications(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "b", out[1].ID)

	all, err := store.ListNotifications(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[2].Delivered)
}
