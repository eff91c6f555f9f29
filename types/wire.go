package types

import (
	"encoding/json"
	"time"
)

// JSON-serialized WebsocketMessage is what is actually sent over the
// persistent connection, in both directions.
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Inbound event names.
const (
	EventAuthenticate   = "authenticate"
	EventJoinRide       = "join_ride"
	EventJoinPackage    = "join_package"
	EventJoinGroup      = "join_group"
	EventLeave          = "leave"
	EventLocationUpdate = "location_update"
	EventSendMessage    = "send_message"
	EventUpdateStatus   = "update_status"
)

// Outbound event names.
const (
	EventAuthenticated    = "authenticated"
	EventAuthError        = "authentication_error"
	EventPeerJoined       = "peer_joined"
	EventPeerLeft         = "peer_left"
	EventNewMessage       = "new_message"
	EventBookingCreated   = "booking_created"
	EventBookingCancelled = "booking_cancelled"
	EventDeliveryAccepted = "delivery_accepted"
	EventStatusChanged    = "status_changed"
	EventEscrowUpdated    = "escrow_updated"
	EventNotification     = "notification"
	EventError            = "error"
)

// The different payloads transferred from the client to here. The
// mapstructure tags drive the weak decode of the raw data object.

type AuthPayload struct {
	Credential string `json:"credential" mapstructure:"credential"`
	Provider   string `json:"provider" mapstructure:"provider"`
}

type JoinPayload struct {
	EntityID string `json:"entity_id" mapstructure:"entity_id"`
}

type LeavePayload struct {
	Kind     string `json:"kind" mapstructure:"kind"`
	EntityID string `json:"entity_id" mapstructure:"entity_id"`
}

type LocationPayload struct {
	Lat       float64 `json:"lat" mapstructure:"lat"`
	Lng       float64 `json:"lng" mapstructure:"lng"`
	RideID    string  `json:"ride_id,omitempty" mapstructure:"ride_id"`
	PackageID string  `json:"package_id,omitempty" mapstructure:"package_id"`
	Speed     float64 `json:"speed,omitempty" mapstructure:"speed"`
	Heading   float64 `json:"heading,omitempty" mapstructure:"heading"`
}

type MessagePayload struct {
	Kind     string `json:"kind" mapstructure:"kind"` // defaults to "group"
	TargetID string `json:"target_id" mapstructure:"target_id"`
	Text     string `json:"text" mapstructure:"text"`
}

type StatusPayload struct {
	Kind     string `json:"kind" mapstructure:"kind"`
	EntityID string `json:"entity_id" mapstructure:"entity_id"`
	Status   string `json:"status" mapstructure:"status"`
}

// Payloads transferred from here to the client.

type AuthenticatedPayload struct {
	UserID string `json:"user_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PeerPayload struct {
	Room   string `json:"room"`
	UserID string `json:"user_id"`
}

type ChatBroadcast struct {
	Room     string    `json:"room"`
	SenderID string    `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}

type LocationBroadcast struct {
	Room    string    `json:"room"`
	UserID  string    `json:"user_id"`
	Lat     float64   `json:"lat"`
	Lng     float64   `json:"lng"`
	Speed   float64   `json:"speed,omitempty"`
	Heading float64   `json:"heading,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

type StatusBroadcast struct {
	Room     string    `json:"room"`
	EntityID string    `json:"entity_id"`
	Status   string    `json:"status"`
	SentAt   time.Time `json:"sent_at"`
}

type NotificationPayload struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Payload map[string]string `json:"payload,omitempty"`
}

// MakeMessage marshals v into the wire envelope under the given event name.
func MakeMessage(event string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: data})
}
