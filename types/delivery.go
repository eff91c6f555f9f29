package types

import "time"

type DeliveryStatus string

const (
	DeliveryStatusOpen      DeliveryStatus = "open"
	DeliveryStatusAssigned  DeliveryStatus = "assigned"
	DeliveryStatusPickedUp  DeliveryStatus = "picked_up"
	DeliveryStatusInTransit DeliveryStatus = "in_transit"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// Delivery is a single-assignment capacity resource: exactly one courier
// may ever hold the assignment, and once set it changes only through an
// explicit cancellation.
type Delivery struct {
	ID                string         `json:"id"`
	SenderID          string         `json:"sender_id"`
	AssignedCourierID *string        `json:"assigned_courier_id,omitempty"`
	Status            DeliveryStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// progressions maps each delivery status to the statuses reachable from it
// through update_status. Cancellation is not a progression: it goes through
// the assignment-cancel path, which clears the courier and re-opens the
// delivery rather than parking it with a courier still attached.
var deliveryProgressions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryStatusAssigned:  {DeliveryStatusPickedUp},
	DeliveryStatusPickedUp:  {DeliveryStatusInTransit, DeliveryStatusDelivered},
	DeliveryStatusInTransit: {DeliveryStatusDelivered},
}

// CanProgress reports whether the delivery may move to next from its
// current status.
func (d *Delivery) CanProgress(next DeliveryStatus) bool {
	for _, s := range deliveryProgressions[d.Status] {
		if s == next {
			return true
		}
	}
	return false
}
