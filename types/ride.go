package types

import "time"

type RideStatus string

const (
	RideStatusOpen      RideStatus = "open"
	RideStatusFull      RideStatus = "full"
	RideStatusStarted   RideStatus = "started"
	RideStatusCompleted RideStatus = "completed"
	RideStatusCancelled RideStatus = "cancelled"
)

// Ride is the capacity resource behind seat reservation. CommittedSeats is
// derived from active bookings, never stored independently.
type Ride struct {
	ID          string     `json:"id"`
	DriverID    string     `json:"driver_id"`
	TotalSeats  int        `json:"total_seats"`
	Status      RideStatus `json:"status"`
	DepartureAt time.Time  `json:"departure_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Bookable reports whether the ride currently accepts reservations.
func (r *Ride) Bookable(now time.Time) bool {
	return r.Status == RideStatusOpen && now.Before(r.DepartureAt)
}

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// Booking holds seats on a ride. At most one non-cancelled booking may
// exist per (ride, passenger).
type Booking struct {
	ID          string        `json:"id"`
	RideID      string        `json:"ride_id"`
	PassengerID string        `json:"passenger_id"`
	Seats       int           `json:"seats"`
	Status      BookingStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Active reports whether the booking counts against ride capacity.
func (b *Booking) Active() bool {
	return b.Status == BookingStatusPending || b.Status == BookingStatusConfirmed
}
