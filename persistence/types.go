package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/MrJones267/aryv-coord/config"
	"github.com/MrJones267/aryv-coord/types"
)

// Store is the relational boundary for the durable rows: rides, bookings,
// deliveries, escrows, notifications. Presence and room state are never
// persisted.
//
// The conditional mutations (AssignCourier, TransitionEscrow, cancel) are
// atomic in every backend: postgres runs a single conditional statement,
// buntdb serializes through its single-writer update transaction.
type Store interface {
	CreateRide(ctx context.Context, ride *types.Ride) error
	GetRide(ctx context.Context, id string) (*types.Ride, error)
	UpdateRideStatus(ctx context.Context, id string, status types.RideStatus) error

	// CommittedSeats sums the seats of active (pending/confirmed)
	// bookings on the ride.
	CommittedSeats(ctx context.Context, rideId string) (int, error)
	ActiveBookingExists(ctx context.Context, rideId, passengerId string) (bool, error)
	CreateBooking(ctx context.Context, booking *types.Booking) error
	GetBooking(ctx context.Context, id string) (*types.Booking, error)
	// CancelBooking moves the booking to cancelled iff it is still active.
	// Returns the booking and whether this call performed the transition.
	CancelBooking(ctx context.Context, id string) (*types.Booking, bool, error)

	CreateDelivery(ctx context.Context, delivery *types.Delivery) error
	GetDelivery(ctx context.Context, id string) (*types.Delivery, error)
	// AssignCourier sets the courier iff the delivery is currently
	// unassigned. Exactly one concurrent caller can observe true.
	AssignCourier(ctx context.Context, deliveryId, courierId string) (bool, error)
	UpdateDeliveryStatus(ctx context.Context, id string, status types.DeliveryStatus) error
	// ClearCourier removes the assignment through the explicit
	// cancellation transition and re-opens the delivery.
	ClearCourier(ctx context.Context, deliveryId string) error

	CreateEscrow(ctx context.Context, escrow *types.Escrow) error
	GetEscrow(ctx context.Context, id string) (*types.Escrow, error)
	// TransitionEscrow moves the escrow from → to iff it is still in from.
	TransitionEscrow(ctx context.Context, id string, from, to types.EscrowStatus, disputeReason string) (bool, error)
	// ListFundedBefore returns funded escrows whose funding commit is at or
	// before the cutoff, for the auto-release sweep.
	ListFundedBefore(ctx context.Context, cutoff time.Time) ([]*types.Escrow, error)
	ListEscrows(ctx context.Context, status types.EscrowStatus, limit int) ([]*types.Escrow, error)

	CreateNotification(ctx context.Context, n *types.Notification) error
	MarkNotificationDelivered(ctx context.Context, id string) error
	ListNotifications(ctx context.Context, userId string, limit int) ([]*types.Notification, error)

	Close() error
}

// NewStore picks the backend from the persistence configuration.
func NewStore(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		return NewPostgresStore(ctx, cfg.PersistenceConfig.DSN)
	case "buntdb", "":
		dsn := cfg.PersistenceConfig.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		return NewBuntStore(dsn)
	}
	return nil, fmt.Errorf("unknown persistence type %q", cfg.PersistenceConfig.Type)
}
