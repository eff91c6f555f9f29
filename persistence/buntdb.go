package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/MrJones267/aryv-coord/types"
)

// BuntStore is the embedded backend: a file path or ":memory:". Every
// mutation runs inside buntdb's single-writer update transaction, which
// makes the conditional updates serializable for free. Used for tests and
// single-node development; production points at postgres.
type BuntStore struct {
	db *buntdb.DB
}

func NewBuntStore(path string) (*BuntStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &BuntStore{db: db}, nil
}

func rideKey(id string) string         { return "ride:" + id }
func bookingKey(id string) string      { return "booking:" + id }
func deliveryKey(id string) string     { return "delivery:" + id }
func escrowKey(id string) string       { return "escrow:" + id }
func notificationKey(id string) string { return "notification:" + id }

func bookingIdxKey(rideId, id string) string {
	return "bookingbyride:" + rideId + ":" + id
}
func notificationIdxKey(userId string, createdAt time.Time, id string) string {
	return fmt.Sprintf("notifbyuser:%s:%020d:%s", userId, createdAt.UnixNano(), id)
}

func setJSON(tx *buntdb.Tx, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(key, string(raw), nil)
	return err
}

func getJSON(tx *buntdb.Tx, key string, v interface{}) error {
	raw, err := tx.Get(key)
	if err == buntdb.ErrNotFound {
		return types.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

func (s *BuntStore) CreateRide(_ context.Context, ride *types.Ride) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, rideKey(ride.ID), ride)
	})
}

func (s *BuntStore) GetRide(_ context.Context, id string) (*types.Ride, error) {
	ride := &types.Ride{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, rideKey(id), ride)
	})
	if err != nil {
		return nil, err
	}
	return ride, nil
}

func (s *BuntStore) UpdateRideStatus(_ context.Context, id string, status types.RideStatus) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		ride := &types.Ride{}
		if err := getJSON(tx, rideKey(id), ride); err != nil {
			return err
		}
		ride.Status = status
		return setJSON(tx, rideKey(id), ride)
	})
}

func (s *BuntStore) CommittedSeats(_ context.Context, rideId string) (int, error) {
	total := 0
	err := s.db.View(func(tx *buntdb.Tx) error {
		ids := make([]string, 0)
		err := tx.AscendKeys(bookingIdxKey(rideId, "*"), func(_, bookingId string) bool {
			ids = append(ids, bookingId)
			return true
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			booking := &types.Booking{}
			if err := getJSON(tx, bookingKey(id), booking); err != nil {
				return err
			}
			if booking.Active() {
				total += booking.Seats
			}
		}
		return nil
	})
	return total, err
}

func (s *BuntStore) ActiveBookingExists(_ context.Context, rideId, passengerId string) (bool, error) {
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		ids := make([]string, 0)
		err := tx.AscendKeys(bookingIdxKey(rideId, "*"), func(_, bookingId string) bool {
			ids = append(ids, bookingId)
			return true
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			booking := &types.Booking{}
			if err := getJSON(tx, bookingKey(id), booking); err != nil {
				return err
			}
			if booking.PassengerID == passengerId && booking.Active() {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (s *BuntStore) CreateBooking(_ context.Context, booking *types.Booking) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		if err := setJSON(tx, bookingKey(booking.ID), booking); err != nil {
			return err
		}
		_, _, err := tx.Set(bookingIdxKey(booking.RideID, booking.ID), booking.ID, nil)
		return err
	})
}

func (s *BuntStore) GetBooking(_ context.Context, id string) (*types.Booking, error) {
	booking := &types.Booking{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, bookingKey(id), booking)
	})
	if err != nil {
		return nil, err
	}
	return booking, nil
}

func (s *BuntStore) CancelBooking(_ context.Context, id string) (*types.Booking, bool, error) {
	booking := &types.Booking{}
	cancelled := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if err := getJSON(tx, bookingKey(id), booking); err != nil {
			return err
		}
		if !booking.Active() {
			return nil
		}
		booking.Status = types.BookingStatusCancelled
		booking.UpdatedAt = time.Now().UTC()
		cancelled = true
		return setJSON(tx, bookingKey(id), booking)
	})
	if err != nil {
		return nil, false, err
	}
	return booking, cancelled, nil
}

func (s *BuntStore) CreateDelivery(_ context.Context, delivery *types.Delivery) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, deliveryKey(delivery.ID), delivery)
	})
}

func (s *BuntStore) GetDelivery(_ context.Context, id string) (*types.Delivery, error) {
	delivery := &types.Delivery{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, deliveryKey(id), delivery)
	})
	if err != nil {
		return nil, err
	}
	return delivery, nil
}

func (s *BuntStore) AssignCourier(_ context.Context, deliveryId, courierId string) (bool, error) {
	assigned := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		delivery := &types.Delivery{}
		if err := getJSON(tx, deliveryKey(deliveryId), delivery); err != nil {
			return err
		}
		if delivery.AssignedCourierID != nil || delivery.Status != types.DeliveryStatusOpen {
			return nil
		}
		delivery.AssignedCourierID = &courierId
		delivery.Status = types.DeliveryStatusAssigned
		delivery.UpdatedAt = time.Now().UTC()
		assigned = true
		return setJSON(tx, deliveryKey(deliveryId), delivery)
	})
	return assigned, err
}

func (s *BuntStore) UpdateDeliveryStatus(_ context.Context, id string, status types.DeliveryStatus) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		delivery := &types.Delivery{}
		if err := getJSON(tx, deliveryKey(id), delivery); err != nil {
			return err
		}
		delivery.Status = status
		delivery.UpdatedAt = time.Now().UTC()
		return setJSON(tx, deliveryKey(id), delivery)
	})
}

func (s *BuntStore) ClearCourier(_ context.Context, deliveryId string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		delivery := &types.Delivery{}
		if err := getJSON(tx, deliveryKey(deliveryId), delivery); err != nil {
			return err
		}
		delivery.AssignedCourierID = nil
		delivery.Status = types.DeliveryStatusOpen
		delivery.UpdatedAt = time.Now().UTC()
		return setJSON(tx, deliveryKey(deliveryId), delivery)
	})
}

func (s *BuntStore) CreateEscrow(_ context.Context, escrow *types.Escrow) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return setJSON(tx, escrowKey(escrow.ID), escrow)
	})
}

func (s *BuntStore) GetEscrow(_ context.Context, id string) (*types.Escrow, error) {
	escrow := &types.Escrow{}
	err := s.db.View(func(tx *buntdb.Tx) error {
		return getJSON(tx, escrowKey(id), escrow)
	})
	if err != nil {
		return nil, err
	}
	return escrow, nil
}

func (s *BuntStore) TransitionEscrow(_ context.Context, id string, from, to types.EscrowStatus, disputeReason string) (bool, error) {
	moved := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		escrow := &types.Escrow{}
		if err := getJSON(tx, escrowKey(id), escrow); err != nil {
			return err
		}
		if escrow.Status != from {
			return nil
		}
		escrow.Status = to
		if disputeReason != "" {
			escrow.DisputeReason = disputeReason
		}
		escrow.UpdatedAt = time.Now().UTC()
		moved = true
		return setJSON(tx, escrowKey(id), escrow)
	})
	return moved, err
}

func (s *BuntStore) ListFundedBefore(_ context.Context, cutoff time.Time) ([]*types.Escrow, error) {
	out := make([]*types.Escrow, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("escrow:*", func(_, raw string) bool {
			escrow := &types.Escrow{}
			if err := json.Unmarshal([]byte(raw), escrow); err != nil {
				return true
			}
			if escrow.Status == types.EscrowStatusFunded && !escrow.UpdatedAt.After(cutoff) {
				out = append(out, escrow)
			}
			return true
		})
	})
	return out, err
}

func (s *BuntStore) ListEscrows(_ context.Context, status types.EscrowStatus, limit int) ([]*types.Escrow, error) {
	out := make([]*types.Escrow, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("escrow:*", func(_, raw string) bool {
			escrow := &types.Escrow{}
			if err := json.Unmarshal([]byte(raw), escrow); err != nil {
				return true
			}
			if status == "" || escrow.Status == status {
				out = append(out, escrow)
			}
			return limit <= 0 || len(out) < limit
		})
	})
	return out, err
}

func (s *BuntStore) CreateNotification(_ context.Context, n *types.Notification) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		if err := setJSON(tx, notificationKey(n.ID), n); err != nil {
			return err
		}
		_, _, err := tx.Set(notificationIdxKey(n.UserID, n.CreatedAt, n.ID), n.ID, nil)
		return err
	})
}

func (s *BuntStore) MarkNotificationDelivered(_ context.Context, id string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		n := &types.Notification{}
		if err := getJSON(tx, notificationKey(id), n); err != nil {
			return err
		}
		n.Delivered = true
		return setJSON(tx, notificationKey(id), n)
	})
}

func (s *BuntStore) ListNotifications(_ context.Context, userId string, limit int) ([]*types.Notification, error) {
	out := make([]*types.Notification, 0)
	err := s.db.View(func(tx *buntdb.Tx) error {
		ids := make([]string, 0)
		err := tx.DescendKeys("notifbyuser:"+userId+":*", func(_, id string) bool {
			ids = append(ids, id)
			return limit <= 0 || len(ids) < limit
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			n := &types.Notification{}
			if err := getJSON(tx, notificationKey(id), n); err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

func (s *BuntStore) Close() error {
	return s.db.Close()
}
