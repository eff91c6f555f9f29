// Package notify composes durable notification records and delivers them:
// in-band over the live connection when the user is present, through the
// external push collaborator when not. At-least-once per channel;
// payload idempotency is the caller's concern.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/MrJones267/aryv-coord/metrics"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/presence"
	"github.com/MrJones267/aryv-coord/types"
)

// ConnSender enqueues a frame on a live connection. False means the frame
// could not be delivered (unknown connection or full queue).
type ConnSender interface {
	Send(connectionId string, frame []byte) bool
}

// Pusher is the external push collaborator. Retries are its business, not
// ours.
type Pusher interface {
	Push(ctx context.Context, userId, title, body string, payload map[string]string) error
}

type Dispatcher struct {
	store    persistence.Store
	registry *presence.Registry
	sender   ConnSender
	pusher   Pusher
	log      hclog.Logger
	now      func() time.Time
}

func NewDispatcher(store persistence.Store, registry *presence.Registry, sender ConnSender, pusher Pusher, logger hclog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		sender:   sender,
		pusher:   pusher,
		log:      logger,
		now:      time.Now,
	}
}

// Notify persists the notification first, then attempts delivery. Only the
// persistence failure is returned; channel failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, userId, title, body string, payload map[string]string) error {
	n := &types.Notification{
		ID:        uuid.NewString(),
		UserID:    userId,
		Title:     title,
		Body:      body,
		Payload:   payload,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return err
	}

	if connectionId, ok := d.registry.Resolve(userId); ok {
		frame, err := types.MakeMessage(types.EventNotification, types.NotificationPayload{
			ID:      n.ID,
			Title:   title,
			Body:    body,
			Payload: payload,
		})
		if err != nil {
			return err
		}
		if d.sender.Send(connectionId, frame) {
			metrics.NotificationsTotal.WithLabelValues("inband", metrics.OutcomeOK).Inc()
			if err := d.store.MarkNotificationDelivered(ctx, n.ID); err != nil {
				d.log.Error("could not mark notification delivered", "notification", n.ID, "error", err)
			}
			return nil
		}
		metrics.NotificationsTotal.WithLabelValues("inband", metrics.OutcomeError).Inc()
		d.log.Warn("in-band notification dropped", "user", userId, "notification", n.ID)
	}

	if err := d.pusher.Push(ctx, userId, title, body, payload); err != nil {
		metrics.NotificationsTotal.WithLabelValues("push", metrics.OutcomeError).Inc()
		d.log.Error("push delivery failed", "user", userId, "notification", n.ID, "error", err)
		return nil
	}
	metrics.NotificationsTotal.WithLabelValues("push", metrics.OutcomeOK).Inc()
	if err := d.store.MarkNotificationDelivered(ctx, n.ID); err != nil {
		d.log.Error("could not mark notification delivered", "notification", n.ID, "error", err)
	}
	return nil
}
