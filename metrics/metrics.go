package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aryv_active_connections",
		Help: "Currently open websocket connections.",
	})

	RoomMembers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aryv_room_members",
		Help: "Current room memberships across all rooms.",
	})

	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aryv_broadcasts_total",
		Help: "Events broadcast to rooms.",
	}, []string{"kind"})

	DroppedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aryv_room_dropped_frames_total",
		Help: "Frames dropped because a member's send queue was full.",
	})

	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aryv_seat_reservations_total",
		Help: "Seat reservation attempts by outcome.",
	}, []string{"outcome"})

	DeliveryAcceptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aryv_delivery_accepts_total",
		Help: "Delivery acceptance attempts by outcome.",
	}, []string{"outcome"})

	EscrowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aryv_escrow_transitions_total",
		Help: "Escrow transition attempts by transition and outcome.",
	}, []string{"transition", "outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aryv_notifications_total",
		Help: "Notification delivery attempts by channel and outcome.",
	}, []string{"channel", "outcome"})
)

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

func Handler() http.Handler {
	return promhttp.Handler()
}
