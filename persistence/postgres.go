package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrJones267/aryv-coord/types"
)

// PostgresStore is the production backend, backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = 30 * time.Second

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.setupSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) setupSchema(ctx context.Context) error {
	for _, query := range []string{
		`CREATE TABLE IF NOT EXISTS rides (
id TEXT PRIMARY KEY,
driver_id TEXT NOT NULL,
total_seats INT NOT NULL CHECK (total_seats > 0),
status TEXT NOT NULL,
departure_at TIMESTAMP WITH TIME ZONE NOT NULL,
created_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS bookings (
id TEXT PRIMARY KEY,
ride_id TEXT NOT NULL REFERENCES rides (id),
passenger_id TEXT NOT NULL,
seats INT NOT NULL CHECK (seats > 0),
status TEXT NOT NULL,
created_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL,
updated_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL
);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS bookings_active_uniq
ON bookings (ride_id, passenger_id) WHERE status <> 'cancelled';`,
		`CREATE TABLE IF NOT EXISTS deliveries (
id TEXT PRIMARY KEY,
sender_id TEXT NOT NULL,
assigned_courier_id TEXT,
status TEXT NOT NULL,
created_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL,
updated_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS escrows (
id TEXT PRIMARY KEY,
payer_id TEXT NOT NULL,
amount BIGINT NOT NULL CHECK (amount > 0),
currency TEXT NOT NULL,
status TEXT NOT NULL,
subject_kind TEXT NOT NULL,
subject_id TEXT NOT NULL,
dispute_reason TEXT DEFAULT '' NOT NULL,
created_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL,
updated_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS escrows_status_idx ON escrows (status, updated_at);`,
		`CREATE TABLE IF NOT EXISTS notifications (
id TEXT PRIMARY KEY,
user_id TEXT NOT NULL,
title TEXT NOT NULL,
body TEXT NOT NULL,
payload JSONB DEFAULT '{}'::jsonb NOT NULL,
delivered BOOLEAN DEFAULT false NOT NULL,
created_at TIMESTAMP WITH TIME ZONE DEFAULT now() NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS notifications_user_idx ON notifications (user_id, created_at DESC);`,
	} {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("setup schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRide(ctx context.Context, ride *types.Ride) error {
	const q = `
		INSERT INTO rides (id, driver_id, total_seats, status, departure_at)
		VALUES (@id, @driver_id, @total_seats, @status, @departure_at)
		RETURNING created_at`
	args := pgx.NamedArgs{
		"id":           ride.ID,
		"driver_id":    ride.DriverID,
		"total_seats":  ride.TotalSeats,
		"status":       ride.Status,
		"departure_at": ride.DepartureAt,
	}
	if err := s.pool.QueryRow(ctx, q, args).Scan(&ride.CreatedAt); err != nil {
		return fmt.Errorf("persistence.CreateRide: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRide(ctx context.Context, id string) (*types.Ride, error) {
	const q = `
		SELECT id, driver_id, total_seats, status, departure_at, created_at
		FROM rides WHERE id = @id`
	ride := &types.Ride{}
	err := s.pool.QueryRow(ctx, q, pgx.NamedArgs{"id": id}).Scan(
		&ride.ID, &ride.DriverID, &ride.TotalSeats, &ride.Status, &ride.DepartureAt, &ride.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence.GetRide: %w", err)
	}
	return ride, nil
}

func (s *PostgresStore) UpdateRideStatus(ctx context.Context, id string, status types.RideStatus) error {
	const q = `UPDATE rides SET status = @status WHERE id = @id`
	ct, err := s.pool.Exec(ctx, q, pgx.NamedArgs{"id": id, "status": status})
	if err != nil {
		return fmt.Errorf("persistence.UpdateRideStatus: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CommittedSeats(ctx context.Context, rideId string) (int, error) {
	const q = `
		SELECT COALESCE(SUM(seats), 0) FROM bookings
		WHERE ride_id = @ride_id AND status <> 'cancelled'`
	var total int
	if err := s.pool.QueryRow(ctx, q, pgx.NamedArgs{"ride_id": rideId}).Scan(&total); err != nil {
		return 0, fmt.Errorf("persistence.CommittedSeats: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) ActiveBookingExists(ctx context.Context, rideId, passengerId string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE ride_id = @ride_id AND passenger_id = @passenger_id AND status <> 'cancelled'
		)`
	var exists bool
	err := s.pool.QueryRow(ctx, q, pgx.NamedArgs{"ride_id": rideId, "passenger_id": passengerId}).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("persistence.ActiveBookingExists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateBooking(ctx context.Context, booking *types.Booking) error {
	const q = `
		INSERT INTO bookings (id, ride_id, passenger_id, seats, status)
		VALUES (@id, @ride_id, @passenger_id, @seats, @status)
		RETURNING created_at, updated_at`
	args := pgx.NamedArgs{
		"id":           booking.ID,
		"ride_id":      booking.RideID,
		"passenger_id": booking.PassengerID,
		"seats":        booking.Seats,
		"status":       booking.Status,
	}
	err := s.pool.QueryRow(ctx, q, args).Scan(&booking.CreatedAt, &booking.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence.CreateBooking: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBooking(ctx context.Context, id string) (*types.Booking, error) {
	const q = `
		SELECT id, ride_id, passenger_id, seats, status, created_at, updated_at
		FROM bookings WHERE id = @id`
	booking := &types.Booking{}
	err := s.pool.QueryRow(ctx, q, pgx.NamedArgs{"id": id}).Scan(
		&booking.ID, &booking.RideID, &booking.PassengerID, &booking.Seats,
		&booking.Status, &booking.CreatedAt, &booking.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence.GetBooking: %w", err)
	}
	return booking, nil
}

func (s *PostgresStore) CancelBooking(ctx context.Context, id string) (*types.Booking, bool, error) {
	const q = `
		UPDATE bookings SET status = 'cancelled', updated_at = now()
		WHERE id = @id AND status <> 'cancelled'`
	ct, err := s.pool.Exec(ctx, q, pgx.NamedArgs{"id": id})
	if err != nil {
		return nil, false, fmt.Errorf("persistence.CancelBooking: %w", err)
	}
	booking, err := s.GetBooking(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return booking, ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, delivery *types.Delivery) error {
	const q = `
		INSERT INTO deliveries (id, sender_id, assigned_courier_id, status)
		VALUES (@id, @sender_id, @assigned_courier_id, @status)
		RETURNING created_at, updated_at`
	args := pgx.NamedArgs{
		"id":                  delivery.ID,
		"sender_id":           delivery.SenderID,
		"assigned_courier_id": delivery.AssignedCourierID,
		"status":              delivery.Status,
	}
	err := s.pool.QueryRow(ctx, q, args).Scan(&delivery.CreatedAt, &delivery.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence.CreateDelivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*types.Delivery, error) {
	const q = `
		SELECT id, sender_id, assigned_courier_id, status, created_at, updated_at
		FROM deliveries WHERE id = @id`
	delivery := &types.Delivery{}
	err := s.pool.QueryRow(ctx, q, pgx.NamedArgs{"id": id}).Scan(
		&delivery.ID, &delivery.SenderID, &delivery.AssignedCourierID,
		&delivery.Status, &delivery.CreatedAt, &delivery.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence.GetDelivery: %w", err)
	}
	return delivery, nil
}

// AssignCourier is the single conditional update the acceptance race rides
// on: assign iff currently unassigned, never read-then-write.
func (s *PostgresStore) AssignCourier(ctx context.Context, deliveryId, courierId string) (bool, error) {
	const q = `
		UPDATE deliveries
		SET assigned_courier_id = @courier_id, status = 'assigned', updated_at = now()
		WHERE id = @id AND assigned_courier_id IS NULL AND status = 'open'`
	ct, err := s.pool.Exec(ctx, q, pgx.NamedArgs{"id": deliveryId, "courier_id": courierId})
	if err != nil {
		return false, fmt.Errorf("persistence.AssignCourier: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdateDeliveryStatus(ctx context.Context, id string, status types.DeliveryStatus) error {
	const q = `UPDATE deliveries SET status = @status, updated_at = now() WHERE id = @id`
	ct, err := s.pool.Exec(ctx, q, pgx.NamedArgs{"id": id, "status": status})
	if err != nil {
		return fmt.Errorf("persistence.UpdateDeliveryStatus: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearCourier(ctx context.Context, deliveryId string) error {
	const q = `
		UPDATE deliveries
		SET assigned_courier_id = NULL, status = 'open', updated_at = now()
		WHERE id = @id`
	ct, err := s.pool.Exec(ctx, q, pgx.NamedArgs{"id": deliveryId})
	if err != nil {
		return fmt.Errorf("persistence.ClearCourier: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateEscrow(ctx context.Context, escrow *types.Escrow) error {
	const q = `
		INSERT INTO escrows (id, payer_id, amount, currency, status, subject_kind, subject_id)
		VALUES (@id, @payer_id, @amount, @currency, @status, @subject_kind, @subject_id)
		RETURNING created_at, updated_at`
	args := pgx.NamedArgs{
		"id":         escrow.ID,
		"payer_id":   escrow.PayerID,
		"amount":     escrow.Amount,
		"currency":   escrow.Currency,
		"status":     escrow.Status,
		"subject_kind": escrow.SubjectKind,
		"subject_id":   escrow.SubjectID,
	}
	err := s.pool.QueryRow(ctx, q, args).Scan(&escrow.CreatedAt, &escrow.UpdatedAt)
	if err != nil {
		return fmt.Errorf("persistence.CreateEscrow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEscrow(ctx context.Context, id string) (*types.Escrow, error) {
	const q = `
		SELECT id, payer_id, amount, currency, status, subject_kind, subject_id, dispute_reason, created_at, updated_at
		FROM escrows WHERE id = @id`
	escrow := &types.Escrow{}
	err := s.pool.QueryRow(ctx, q, pgx.NamedArgs{"id": id}).Scan(
		&escrow.ID, &escrow.PayerID, &escrow.Amount, &escrow.Currency, &escrow.Status,
		&escrow.SubjectKind, &escrow.SubjectID, &escrow.DisputeReason, &escrow.CreatedAt, &escrow.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("persistence.GetEscrow: %w", err)
	}
	return escrow, nil
}

func (s *PostgresStore) TransitionEscrow(ctx context.Context, id string, from, to types.EscrowStatus, disputeReason string) (bool, error) {
	const q = `
		UPDATE escrows
		SET status = @to, dispute_reason = CASE WHEN @reason <> '' THEN @reason ELSE dispute_reason END, updated_at = now()
		WHERE id = @id AND status = @from`
	args := pgx.NamedArgs{"id": id, "from": from, "to": to, "reason": disputeReason}
	ct, err := s.pool.Exec(ctx, q, args)
	if err != nil {
		return false, fmt.Errorf("persistence.TransitionEscrow: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListFundedBefore(ctx context.Context, cutoff time.Time) ([]*types.Escrow, error) {
	const q = `
		SELECT id, payer_id, amount, currency, status, subject_kind, subject_id, dispute_reason, created_at, updated_at
		FROM escrows WHERE status = 'funded' AND updated_at <= @cutoff`
	return s.queryEscrows(ctx, q, pgx.NamedArgs{"cutoff": cutoff})
}

func (s *PostgresStore) ListEscrows(ctx context.Context, status types.EscrowStatus, limit int) ([]*types.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT id, payer_id, amount, currency, status, subject_kind, subject_id, dispute_reason, created_at, updated_at
		FROM escrows WHERE (@status = '' OR status = @status)
		ORDER BY created_at DESC LIMIT @limit`
	return s.queryEscrows(ctx, q, pgx.NamedArgs{"status": string(status), "limit": limit})
}

func (s *PostgresStore) queryEscrows(ctx context.Context, q string, args pgx.NamedArgs) ([]*types.Escrow, error) {
	rows, err := s.pool.Query(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("persistence.queryEscrows: %w", err)
	}
	defer rows.Close()
	out := make([]*types.Escrow, 0)
	for rows.Next() {
		escrow := &types.Escrow{}
		err := rows.Scan(&escrow.ID, &escrow.PayerID, &escrow.Amount, &escrow.Currency,
			&escrow.Status, &escrow.SubjectKind, &escrow.SubjectID, &escrow.DisputeReason, &escrow.CreatedAt, &escrow.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("persistence.queryEscrows: scan: %w", err)
		}
		out = append(out, escrow)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n *types.Notification) error {
	const q = `
		INSERT INTO notifications (id, user_id, title, body, payload)
		VALUES (@id, @user_id, @title, @body, @payload)
		RETURNING created_at`
	args := pgx.NamedArgs{
		"id":      n.ID,
		"user_id": n.UserID,
		"title":   n.Title,
		"body":    n.Body,
		"payload": n.Payload,
	}
	if err := s.pool.QueryRow(ctx, q, args).Scan(&n.CreatedAt); err != nil {
		return fmt.Errorf("persistence.CreateNotification: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkNotificationDelivered(ctx context.Context, id string) error {
	const q = `UPDATE notifications SET delivered = true WHERE id = @id`
	ct, err := s.pool.Exec(ctx, q, pgx.NamedArgs{"id": id})
	if err != nil {
		return fmt.Errorf("persistence.MarkNotificationDelivered: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userId string, limit int) ([]*types.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, user_id, title, body, payload, delivered, created_at
		FROM notifications WHERE user_id = @user_id
		ORDER BY created_at DESC LIMIT @limit`
	rows, err := s.pool.Query(ctx, q, pgx.NamedArgs{"user_id": userId, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("persistence.ListNotifications: %w", err)
	}
	defer rows.Close()
	out := make([]*types.Notification, 0)
	for rows.Next() {
		n := &types.Notification{}
		err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Payload, &n.Delivered, &n.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("persistence.ListNotifications: scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
