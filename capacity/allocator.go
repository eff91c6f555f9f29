// Package capacity guards the contended resources: ride seat inventory and
// single-assignment delivery acceptance. Reservations on one ride are
// serialized through a per-ride mutex so check-and-commit is one atomic
// unit; delivery acceptance rides on a single conditional store update.
package capacity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/MrJones267/aryv-coord/audit"
	"github.com/MrJones267/aryv-coord/metrics"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/rooms"
	"github.com/MrJones267/aryv-coord/types"
)

// Broadcaster is the slice of the room manager the allocator needs.
type Broadcaster interface {
	Broadcast(roomId types.RoomID, event rooms.Event)
}

// Notifier is the slice of the notification dispatcher the allocator needs.
type Notifier interface {
	Notify(ctx context.Context, userId, title, body string, payload map[string]string) error
}

type Allocator struct {
	store    persistence.Store
	rooms    Broadcaster
	notifier Notifier
	sink     audit.Sink
	log      hclog.Logger
	locks    keyedMutex
	now      func() time.Time
}

func NewAllocator(store persistence.Store, broadcaster Broadcaster, notifier Notifier, sink audit.Sink, logger hclog.Logger) *Allocator {
	return &Allocator{
		store:    store,
		rooms:    broadcaster,
		notifier: notifier,
		sink:     sink,
		log:      logger,
		now:      time.Now,
	}
}

// Reserve books seats on a ride. The capacity check and the booking insert
// happen under the ride's mutex; no external call is made while it is held.
func (a *Allocator) Reserve(ctx context.Context, rideId, passengerId string, seats int) (*types.Booking, error) {
	if seats < 1 {
		metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, fmt.Errorf("seats %d: %w", seats, types.ErrInvalidAmount)
	}

	booking, ride, err := a.reserveLocked(ctx, rideId, passengerId, seats)
	if err != nil {
		if types.IsRejection(err) {
			metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		} else {
			metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		}
		return nil, err
	}
	metrics.ReservationsTotal.WithLabelValues(metrics.OutcomeOK).Inc()

	a.rooms.Broadcast(types.RideRoom(rideId), rooms.Event{
		Name:         types.EventBookingCreated,
		Payload:      booking,
		SourceUserId: passengerId,
	})
	if err := a.notifier.Notify(ctx, ride.DriverID, "New booking",
		fmt.Sprintf("%d seat(s) booked on your ride", seats),
		map[string]string{"ride_id": rideId, "booking_id": booking.ID}); err != nil {
		a.log.Error("could not notify driver", "ride", rideId, "error", err)
	}
	a.publishAudit(ctx, "booking.created", types.RideRoom(rideId).String(), passengerId, map[string]interface{}{
		"booking_id": booking.ID,
		"seats":      seats,
	})
	return booking, nil
}

func (a *Allocator) reserveLocked(ctx context.Context, rideId, passengerId string, seats int) (*types.Booking, *types.Ride, error) {
	unlock := a.locks.lock(rideId)
	defer unlock()

	ride, err := a.store.GetRide(ctx, rideId)
	if err != nil {
		return nil, nil, err
	}
	if ride.DriverID == passengerId {
		return nil, nil, types.ErrSelfBooking
	}
	if !ride.Bookable(a.now()) {
		return nil, nil, types.ErrRideNotOpen
	}
	exists, err := a.store.ActiveBookingExists(ctx, rideId, passengerId)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		return nil, nil, types.ErrDuplicateBooking
	}
	committed, err := a.store.CommittedSeats(ctx, rideId)
	if err != nil {
		return nil, nil, err
	}
	if committed > ride.TotalSeats {
		// Never clamp: this means a previous write broke the invariant.
		a.log.Error("committed seats exceed ride total", "ride", rideId, "committed", committed, "total", ride.TotalSeats)
		return nil, nil, fmt.Errorf("ride %s: committed %d > total %d: %w", rideId, committed, ride.TotalSeats, types.ErrInvariant)
	}
	if seats > ride.TotalSeats-committed {
		return nil, nil, types.ErrInsufficientCapacity
	}

	booking := &types.Booking{
		ID:          uuid.NewString(),
		RideID:      rideId,
		PassengerID: passengerId,
		Seats:       seats,
		Status:      types.BookingStatusPending,
		CreatedAt:   a.now().UTC(),
		UpdatedAt:   a.now().UTC(),
	}
	if err := a.store.CreateBooking(ctx, booking); err != nil {
		return nil, nil, err
	}
	return booking, ride, nil
}

// CancelBooking releases the booked seats. Idempotent: cancelling an
// already-cancelled booking returns it unchanged and emits nothing.
func (a *Allocator) CancelBooking(ctx context.Context, bookingId string) (*types.Booking, error) {
	existing, err := a.store.GetBooking(ctx, bookingId)
	if err != nil {
		return nil, err
	}

	unlock := a.locks.lock(existing.RideID)
	booking, cancelled, err := a.store.CancelBooking(ctx, bookingId)
	unlock()
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return booking, nil
	}

	a.rooms.Broadcast(types.RideRoom(booking.RideID), rooms.Event{
		Name:         types.EventBookingCancelled,
		Payload:      booking,
		SourceUserId: booking.PassengerID,
	})
	a.publishAudit(ctx, "booking.cancelled", types.RideRoom(booking.RideID).String(), booking.PassengerID, map[string]interface{}{
		"booking_id": booking.ID,
		"seats":      booking.Seats,
	})
	return booking, nil
}

// AcceptDelivery assigns the courier iff the delivery is still unassigned.
// Exactly one concurrent caller wins; every other caller gets
// ErrAlreadyAssigned.
func (a *Allocator) AcceptDelivery(ctx context.Context, deliveryId, courierId string) (*types.Delivery, error) {
	assigned, err := a.store.AssignCourier(ctx, deliveryId, courierId)
	if err != nil {
		metrics.DeliveryAcceptsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, err
	}
	if !assigned {
		if _, err := a.store.GetDelivery(ctx, deliveryId); err != nil {
			metrics.DeliveryAcceptsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			return nil, err
		}
		metrics.DeliveryAcceptsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, types.ErrAlreadyAssigned
	}
	metrics.DeliveryAcceptsTotal.WithLabelValues(metrics.OutcomeOK).Inc()

	delivery, err := a.store.GetDelivery(ctx, deliveryId)
	if err != nil {
		return nil, err
	}
	a.rooms.Broadcast(types.PackageRoom(deliveryId), rooms.Event{
		Name:         types.EventDeliveryAccepted,
		Payload:      delivery,
		SourceUserId: courierId,
	})
	if err := a.notifier.Notify(ctx, delivery.SenderID, "Courier assigned",
		"A courier accepted your delivery",
		map[string]string{"delivery_id": deliveryId, "courier_id": courierId}); err != nil {
		a.log.Error("could not notify sender", "delivery", deliveryId, "error", err)
	}
	a.publishAudit(ctx, "delivery.accepted", types.PackageRoom(deliveryId).String(), courierId, map[string]interface{}{
		"delivery_id": deliveryId,
		"courier_id":  courierId,
	})
	return delivery, nil
}

// CancelAssignment is the one sanctioned way an assignment changes after it
// is set: the delivery re-opens for other couriers.
func (a *Allocator) CancelAssignment(ctx context.Context, deliveryId string) error {
	delivery, err := a.store.GetDelivery(ctx, deliveryId)
	if err != nil {
		return err
	}
	if delivery.AssignedCourierID == nil {
		return nil
	}
	if err := a.store.ClearCourier(ctx, deliveryId); err != nil {
		return err
	}
	a.rooms.Broadcast(types.PackageRoom(deliveryId), rooms.Event{
		Name: types.EventStatusChanged,
		Payload: types.StatusBroadcast{
			Room:     types.PackageRoom(deliveryId).String(),
			EntityID: deliveryId,
			Status:   string(types.DeliveryStatusOpen),
			SentAt:   a.now().UTC(),
		},
	})
	a.publishAudit(ctx, "delivery.assignment_cancelled", types.PackageRoom(deliveryId).String(), *delivery.AssignedCourierID, map[string]interface{}{
		"delivery_id": deliveryId,
	})
	return nil
}

// ProgressDelivery advances the delivery through its courier-driven
// statuses and fans the change out to the package room.
func (a *Allocator) ProgressDelivery(ctx context.Context, deliveryId string, next types.DeliveryStatus, actorId string) (*types.Delivery, error) {
	delivery, err := a.store.GetDelivery(ctx, deliveryId)
	if err != nil {
		return nil, err
	}
	if !delivery.CanProgress(next) {
		return nil, &types.InvalidTransitionError{Current: string(delivery.Status), Transition: string(next)}
	}
	if err := a.store.UpdateDeliveryStatus(ctx, deliveryId, next); err != nil {
		return nil, err
	}
	delivery.Status = next
	a.rooms.Broadcast(types.PackageRoom(deliveryId), rooms.Event{
		Name: types.EventStatusChanged,
		Payload: types.StatusBroadcast{
			Room:     types.PackageRoom(deliveryId).String(),
			EntityID: deliveryId,
			Status:   string(next),
			SentAt:   a.now().UTC(),
		},
		SourceUserId: actorId,
	})
	a.publishAudit(ctx, "delivery.status", types.PackageRoom(deliveryId).String(), actorId, map[string]interface{}{
		"delivery_id": deliveryId,
		"status":      string(next),
	})
	return delivery, nil
}

func (a *Allocator) publishAudit(ctx context.Context, routingKey, room, userId string, body map[string]interface{}) {
	event := &types.AuditEvent{
		RoutingKey: routingKey,
		Room:       room,
		UserID:     userId,
		Body:       body,
		CreatedAt:  a.now().UTC(),
	}
	if err := a.sink.Publish(ctx, event); err != nil {
		a.log.Error("could not publish audit event", "routing_key", routingKey, "error", err)
	}
}
