package capacity_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJones267/aryv-coord/audit"
	"github.com/MrJones267/aryv-coord/capacity"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/rooms"
	"github.com/MrJones267/aryv-coord/types"
)

// mockBroadcaster records every room event. Set only what the test needs.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []rooms.Event
}

func (m *mockBroadcaster) Broadcast(_ types.RoomID, event rooms.Event) {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

func (m *mockBroadcaster) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Name)
	}
	return out
}

type mockNotifier struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (m *mockNotifier) Notify(_ context.Context, userId, _, _ string, _ map[string]string) error {
	m.mu.Lock()
	m.calls = append(m.calls, userId)
	m.mu.Unlock()
	return m.fail
}

var _ capacity.Broadcaster = (*mockBroadcaster)(nil)
var _ capacity.Notifier = (*mockNotifier)(nil)

func newAllocator(t *testing.T) (*capacity.Allocator, persistence.Store, *mockBroadcaster, *mockNotifier) {
	t.Helper()
	store, err := persistence.NewBuntStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	broadcaster := &mockBroadcaster{}
	notifier := &mockNotifier{}
	a := capacity.NewAllocator(store, broadcaster, notifier, audit.NopSink{}, hclog.NewNullLogger())
	return a, store, broadcaster, notifier
}

func createRide(t *testing.T, store persistence.Store, driverId string, seats int) *types.Ride {
	t.Helper()
	ride := &types.Ride{
		ID:          uuid.NewString(),
		DriverID:    driverId,
		TotalSeats:  seats,
		Status:      types.RideStatusOpen,
		DepartureAt: time.Now().Add(2 * time.Hour),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateRide(context.Background(), ride))
	return ride
}

func createDelivery(t *testing.T, store persistence.Store, senderId string) *types.Delivery {
	t.Helper()
	delivery := &types.Delivery{
		ID:        uuid.NewString(),
		SenderID:  senderId,
		Status:    types.DeliveryStatusOpen,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateDelivery(context.Background(), delivery))
	return delivery
}

func TestReserve_Succeeds(t *testing.T) {
	a, store, broadcaster, notifier := newAllocator(t)
	ride := createRide(t, store, "driver", 4)

	booking, err := a.Reserve(context.Background(), ride.ID, "passenger-1", 2)

	require.NoError(t, err)
	assert.Equal(t, types.BookingStatusPending, booking.Status)
	assert.Equal(t, 2, booking.Seats)
	assert.Contains(t, broadcaster.names(), types.EventBookingCreated)
	assert.Equal(t, []string{"driver"}, notifier.calls)

	committed, err := store.CommittedSeats(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, committed)
}

func TestReserve_Rejections(t *testing.T) {
	a, store, _, _ := newAllocator(t)
	ride := createRide(t, store, "driver", 2)

	_, err := a.Reserve(context.Background(), ride.ID, "p1", 0)
	assert.ErrorIs(t, err, types.ErrInvalidAmount)

	_, err = a.Reserve(context.Background(), ride.ID, "driver", 1)
	assert.ErrorIs(t, err, types.ErrSelfBooking)

	_, err = a.Reserve(context.Background(), ride.ID, "p1", 3)
	assert.ErrorIs(t, err, types.ErrInsufficientCapacity)

	_, err = a.Reserve(context.Background(), "no-such-ride", "p1", 1)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = a.Reserve(context.Background(), ride.ID, "p1", 1)
	require.NoError(t, err)
	_, err = a.Reserve(context.Background(), ride.ID, "p1", 1)
	assert.ErrorIs(t, err, types.ErrDuplicateBooking)
}

func TestReserve_ClosedRide(t *testing.T) {
	a, store, _, _ := newAllocator(t)
	ride := createRide(t, store, "driver", 2)
	require.NoError(t, store.UpdateRideStatus(context.Background(), ride.ID, types.RideStatusStarted))

	_, err := a.Reserve(context.Background(), ride.ID, "p1", 1)
	assert.ErrorIs(t, err, types.ErrRideNotOpen)
}

// A cancelled booking releases its seats for the next passenger.
func TestReserve_CancelFreesSeats(t *testing.T) {
	a, store, broadcaster, _ := newAllocator(t)
	ride := createRide(t, store, "driver", 1)

	booking, err := a.Reserve(context.Background(), ride.ID, "p1", 1)
	require.NoError(t, err)

	_, err = a.Reserve(context.Background(), ride.ID, "p2", 1)
	require.ErrorIs(t, err, types.ErrInsufficientCapacity)

	cancelled, err := a.CancelBooking(context.Background(), booking.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BookingStatusCancelled, cancelled.Status)
	assert.Contains(t, broadcaster.names(), types.EventBookingCancelled)

	second, err := a.Reserve(context.Background(), ride.ID, "p2", 1)
	require.NoError(t, err)
	assert.Equal(t, "p2", second.PassengerID)
}

func TestCancelBooking_Idempotent(t *testing.T) {
	a, store, broadcaster, _ := newAllocator(t)
	ride := createRide(t, store, "driver", 2)

	booking, err := a.Reserve(context.Background(), ride.ID, "p1", 1)
	require.NoError(t, err)

	_, err = a.CancelBooking(context.Background(), booking.ID)
	require.NoError(t, err)
	before := len(broadcaster.names())

	again, err := a.CancelBooking(context.Background(), booking.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BookingStatusCancelled, again.Status)
	// the second cancel emitted nothing
	assert.Len(t, broadcaster.names(), before)
}

func TestReserve_ConcurrentLastSeat(t *testing.T) {
	a, store, _, _ := newAllocator(t)
	ride := createRide(t, store, "driver", 1)

	const passengers = 32
	var wg sync.WaitGroup
	errs := make([]error, passengers)
	for i := 0; i < passengers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.Reserve(context.Background(), ride.ID, fmt.Sprintf("p-%d", i), 1)
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, types.ErrInsufficientCapacity)
		}
	}
	assert.Equal(t, 1, won)

	committed, err := store.CommittedSeats(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, committed)
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	a, store, _, _ := newAllocator(t)
	ride := createRide(t, store, "driver", 5)

	const passengers = 24
	var wg sync.WaitGroup
	for i := 0; i < passengers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = a.Reserve(context.Background(), ride.ID, fmt.Sprintf("p-%d", i), 2)
		}(i)
	}
	wg.Wait()

	committed, err := store.CommittedSeats(context.Background(), ride.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, committed, ride.TotalSeats)
}

func TestAcceptDelivery_SingleWinner(t *testing.T) {
	a, store, broadcaster, notifier := newAllocator(t)
	delivery := createDelivery(t, store, "sender")

	const couriers = 32
	var wg sync.WaitGroup
	errs := make([]error, couriers)
	for i := 0; i < couriers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.AcceptDelivery(context.Background(), delivery.ID, fmt.Sprintf("courier-%d", i))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, types.ErrAlreadyAssigned)
		}
	}
	assert.Equal(t, 1, won)
	assert.Contains(t, broadcaster.names(), types.EventDeliveryAccepted)
	assert.Equal(t, []string{"sender"}, notifier.calls)

	got, err := store.GetDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedCourierID)
	assert.Equal(t, types.DeliveryStatusAssigned, got.Status)
}

func TestAcceptDelivery_NotFound(t *testing.T) {
	a, _, _, _ := newAllocator(t)

	_, err := a.AcceptDelivery(context.Background(), "missing", "courier")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCancelAssignment_ReopensDelivery(t *testing.T) {
	a, store, _, _ := newAllocator(t)
	delivery := createDelivery(t, store, "sender")

	_, err := a.AcceptDelivery(context.Background(), delivery.ID, "courier-1")
	require.NoError(t, err)

	require.NoError(t, a.CancelAssignment(context.Background(), delivery.ID))

	got, err := store.GetDelivery(context.Background(), delivery.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AssignedCourierID)
	assert.Equal(t, types.DeliveryStatusOpen, got.Status)

	// a different courier can now win
	_, err = a.AcceptDelivery(context.Background(), delivery.ID, "courier-2")
	require.NoError(t, err)
}

func TestProgressDelivery(t *testing.T) {
	a, store, broadcaster, _ := newAllocator(t)
	delivery := createDelivery(t, store, "sender")
	_, err := a.AcceptDelivery(context.Background(), delivery.ID, "courier")
	require.NoError(t, err)

	_, err = a.ProgressDelivery(context.Background(), delivery.ID, types.DeliveryStatusPickedUp, "courier")
	require.NoError(t, err)
	_, err = a.ProgressDelivery(context.Background(), delivery.ID, types.DeliveryStatusInTransit, "courier")
	require.NoError(t, err)
	got, err := a.ProgressDelivery(context.Background(), delivery.ID, types.DeliveryStatusDelivered, "courier")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusDelivered, got.Status)
	assert.Contains(t, broadcaster.names(), types.EventStatusChanged)
}

func TestProgressDelivery_InvalidTransition(t *testing.T) {
	a, store, _, _ := newAllocator(t)
	delivery := createDelivery(t, store, "sender")

	// open deliveries cannot be picked up before assignment
	_, err := a.ProgressDelivery(context.Background(), delivery.ID, types.DeliveryStatusPickedUp, "courier")
	var invalid *types.InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, string(types.DeliveryStatusOpen), invalid.Current)
	assert.Equal(t, string(types.DeliveryStatusPickedUp), invalid.Transition)
}
