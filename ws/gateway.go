// Package ws is the websocket edge: it upgrades connections, pumps frames,
// authenticates users and turns inbound events into calls on the
// coordination services. One Client per connection, identified by a
// generated connection id that presence and room membership hang off.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/mapstructure"

	"github.com/MrJones267/aryv-coord/audit"
	"github.com/MrJones267/aryv-coord/capacity"
	"github.com/MrJones267/aryv-coord/metrics"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/presence"
	"github.com/MrJones267/aryv-coord/ratelimit"
	"github.com/MrJones267/aryv-coord/rooms"
	"github.com/MrJones267/aryv-coord/types"
)

// Authenticator resolves a bearer credential to a user id. Satisfied by
// *auth.Verifier.
type Authenticator interface {
	Authenticate(ctx context.Context, credential, providerName string) (string, error)
}

type Gateway struct {
	conns     *Conns
	verifier  Authenticator
	registry  *presence.Registry
	rooms     *rooms.Manager
	allocator *capacity.Allocator
	store     persistence.Store
	limiter   *ratelimit.MapLimiter
	sink      audit.Sink
	log       hclog.Logger
	upgrader  websocket.Upgrader
	now       func() time.Time
}

func NewGateway(conns *Conns, verifier Authenticator, registry *presence.Registry, roomManager *rooms.Manager, allocator *capacity.Allocator, store persistence.Store, limiter *ratelimit.MapLimiter, sink audit.Sink, logger hclog.Logger) *Gateway {
	return &Gateway{
		conns:     conns,
		verifier:  verifier,
		registry:  registry,
		rooms:     roomManager,
		allocator: allocator,
		store:     store,
		limiter:   limiter,
		sink:      sink,
		log:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// ServeWS upgrades the HTTP request and runs the connection until it drops.
// A credential may be supplied as query parameters to authenticate during
// the handshake; otherwise the connection can only send an authenticate
// event until it succeeds.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Error("websocket upgrade error", "error", err)
		return
	}
	defer conn.Close() //nolint

	c := &Client{
		gw:       g,
		id:       uuid.NewString(),
		conn:     conn,
		Send:     make(chan []byte, sendChannelSize),
		doneChan: make(chan struct{}),
	}
	g.conns.add(c)
	metrics.ActiveConnections.Inc()
	g.log.Debug("connection established", "connection", c.id)

	vals := r.URL.Query()
	if credential := vals.Get("credential"); credential != "" {
		g.authenticate(r.Context(), c, credential, vals.Get("provider"))
	}

	go c.WriteLoop()
	c.ReadLoop(r.Context())

	g.disconnect(c)
}

func (g *Gateway) disconnect(c *Client) {
	g.conns.remove(c.id)
	g.rooms.LeaveAll(c.id)
	g.registry.Forget(c.id)
	g.limiter.Forget(c.id)
	metrics.ActiveConnections.Dec()
	g.log.Debug("connection closed", "connection", c.id, "user", c.UserID())
}

func (g *Gateway) dispatch(ctx context.Context, c *Client, message *types.WebsocketMessage) {
	if message.Event == types.EventAuthenticate {
		p := types.AuthPayload{}
		if err := decode(message.Data, &p); err != nil {
			g.sendError(c, "bad_frame", err.Error())
			return
		}
		g.authenticate(ctx, c, p.Credential, p.Provider)
		return
	}

	userId := c.UserID()
	if userId == "" {
		g.sendError(c, "unauthenticated", "authenticate first")
		return
	}

	switch message.Event {
	case types.EventJoinRide, types.EventJoinPackage, types.EventJoinGroup:
		p := types.JoinPayload{}
		if err := decode(message.Data, &p); err != nil || p.EntityID == "" {
			g.sendError(c, "bad_frame", "missing entity_id")
			return
		}
		var roomId types.RoomID
		switch message.Event {
		case types.EventJoinRide:
			roomId = types.RideRoom(p.EntityID)
		case types.EventJoinPackage:
			roomId = types.PackageRoom(p.EntityID)
		default:
			roomId = types.GroupRoom(p.EntityID)
		}
		g.rooms.Join(c.id, userId, roomId)

	case types.EventLeave:
		p := types.LeavePayload{}
		if err := decode(message.Data, &p); err != nil || p.EntityID == "" {
			g.sendError(c, "bad_frame", "missing entity_id")
			return
		}
		g.rooms.Leave(c.id, types.RoomID{Kind: types.RoomKind(p.Kind), EntityID: p.EntityID})

	case types.EventLocationUpdate:
		g.handleLocation(ctx, c, userId, message.Data)

	case types.EventSendMessage:
		g.handleMessage(ctx, c, userId, message.Data)

	case types.EventUpdateStatus:
		g.handleStatus(ctx, c, userId, message.Data)

	default:
		g.sendError(c, "unknown_event", message.Event)
	}
}

func (g *Gateway) authenticate(ctx context.Context, c *Client, credential, provider string) {
	userId, err := g.verifier.Authenticate(ctx, credential, provider)
	if err != nil {
		g.log.Info("authentication failed", "connection", c.id, "provider", provider, "error", err)
		frame, merr := types.MakeMessage(types.EventAuthError, types.ErrorPayload{
			Code:    types.ErrorCode(err),
			Message: "authentication failed",
		})
		if merr == nil {
			g.conns.Send(c.id, frame)
		}
		return
	}
	c.setUser(userId)
	g.registry.Register(c.id, userId)
	g.log.Debug("connection authenticated", "connection", c.id, "user", userId)
	if frame, err := types.MakeMessage(types.EventAuthenticated, types.AuthenticatedPayload{UserID: userId}); err == nil {
		g.conns.Send(c.id, frame)
	}
}

func (g *Gateway) handleLocation(ctx context.Context, c *Client, userId string, data json.RawMessage) {
	p := types.LocationPayload{}
	if err := decode(data, &p); err != nil {
		g.sendError(c, "bad_frame", err.Error())
		return
	}
	// Over-limit samples are dropped, not errored: the next sample
	// supersedes this one anyway. The bucket is per connection so a
	// reconnect cannot inherit or reset another connection's budget.
	if !g.limiter.Allow(c.id, g.now()) {
		return
	}
	var roomId types.RoomID
	switch {
	case p.RideID != "":
		roomId = types.RideRoom(p.RideID)
	case p.PackageID != "":
		roomId = types.PackageRoom(p.PackageID)
	default:
		g.sendError(c, "bad_frame", "missing ride_id or package_id")
		return
	}
	g.rooms.Broadcast(roomId, rooms.Event{
		Name: types.EventLocationUpdate,
		Payload: types.LocationBroadcast{
			Room:    roomId.String(),
			UserID:  userId,
			Lat:     p.Lat,
			Lng:     p.Lng,
			Speed:   p.Speed,
			Heading: p.Heading,
			SentAt:  g.now().UTC(),
		},
		SourceUserId:  userId,
		Origin:        c.id,
		ExcludeOrigin: true,
	})
	g.publishAudit(ctx, "location.update", roomId.String(), userId, map[string]interface{}{
		"lat": p.Lat,
		"lng": p.Lng,
	})
}

func (g *Gateway) handleMessage(ctx context.Context, c *Client, userId string, data json.RawMessage) {
	p := types.MessagePayload{}
	if err := decode(data, &p); err != nil || p.TargetID == "" || p.Text == "" {
		g.sendError(c, "bad_frame", "missing target_id or text")
		return
	}
	kind := types.RoomKind(p.Kind)
	if p.Kind == "" {
		kind = types.RoomKindGroup
	}
	roomId := types.RoomID{Kind: kind, EntityID: p.TargetID}
	g.rooms.Broadcast(roomId, rooms.Event{
		Name: types.EventNewMessage,
		Payload: types.ChatBroadcast{
			Room:     roomId.String(),
			SenderID: userId,
			Text:     p.Text,
			SentAt:   g.now().UTC(),
		},
		SourceUserId: userId,
	})
	g.publishAudit(ctx, "message.sent", roomId.String(), userId, map[string]interface{}{
		"text_length": len(p.Text),
	})
}

func (g *Gateway) handleStatus(ctx context.Context, c *Client, userId string, data json.RawMessage) {
	p := types.StatusPayload{}
	if err := decode(data, &p); err != nil || p.EntityID == "" || p.Status == "" {
		g.sendError(c, "bad_frame", "missing entity_id or status")
		return
	}
	switch types.RoomKind(p.Kind) {
	case types.RoomKindPackage:
		if types.DeliveryStatus(p.Status) == types.DeliveryStatusCancelled {
			g.cancelAssignment(ctx, c, userId, p.EntityID)
			return
		}
		if _, err := g.allocator.ProgressDelivery(ctx, p.EntityID, types.DeliveryStatus(p.Status), userId); err != nil {
			g.sendError(c, types.ErrorCode(err), err.Error())
		}
	case types.RoomKindRide:
		g.updateRideStatus(ctx, c, userId, p.EntityID, types.RideStatus(p.Status))
	default:
		g.sendError(c, "bad_frame", "unknown kind")
	}
}

// cancelAssignment hands the assignment back: the delivery re-opens and
// other couriers can accept it. Only the sender or the assigned courier
// may do this.
func (g *Gateway) cancelAssignment(ctx context.Context, c *Client, userId, deliveryId string) {
	delivery, err := g.store.GetDelivery(ctx, deliveryId)
	if err != nil {
		g.sendError(c, types.ErrorCode(err), err.Error())
		return
	}
	if userId != delivery.SenderID && (delivery.AssignedCourierID == nil || userId != *delivery.AssignedCourierID) {
		g.sendError(c, "forbidden", "only the sender or the assigned courier can cancel the assignment")
		return
	}
	if err := g.allocator.CancelAssignment(ctx, deliveryId); err != nil {
		g.sendError(c, types.ErrorCode(err), err.Error())
	}
}

func (g *Gateway) updateRideStatus(ctx context.Context, c *Client, userId, rideId string, status types.RideStatus) {
	switch status {
	case types.RideStatusStarted, types.RideStatusCompleted, types.RideStatusCancelled:
	default:
		g.sendError(c, "bad_frame", "invalid ride status")
		return
	}
	ride, err := g.store.GetRide(ctx, rideId)
	if err != nil {
		g.sendError(c, types.ErrorCode(err), err.Error())
		return
	}
	if ride.DriverID != userId {
		g.sendError(c, "forbidden", "only the driver can update the ride")
		return
	}
	if err := g.store.UpdateRideStatus(ctx, rideId, status); err != nil {
		g.sendError(c, types.ErrorCode(err), err.Error())
		return
	}
	g.rooms.Broadcast(types.RideRoom(rideId), rooms.Event{
		Name: types.EventStatusChanged,
		Payload: types.StatusBroadcast{
			Room:     types.RideRoom(rideId).String(),
			EntityID: rideId,
			Status:   string(status),
			SentAt:   g.now().UTC(),
		},
		SourceUserId: userId,
	})
	g.publishAudit(ctx, "ride.status", types.RideRoom(rideId).String(), userId, map[string]interface{}{
		"ride_id": rideId,
		"status":  string(status),
	})
}

func (g *Gateway) sendError(c *Client, code, message string) {
	frame, err := types.MakeMessage(types.EventError, types.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	g.conns.Send(c.id, frame)
}

func (g *Gateway) publishAudit(ctx context.Context, routingKey, room, userId string, body map[string]interface{}) {
	event := &types.AuditEvent{
		RoutingKey: routingKey,
		Room:       room,
		UserID:     userId,
		Body:       body,
		CreatedAt:  g.now().UTC(),
	}
	if err := g.sink.Publish(ctx, event); err != nil {
		g.log.Error("could not publish audit event", "routing_key", routingKey, "error", err)
	}
}

// decode runs the raw event data through a weak mapstructure decode, so
// clients that send numbers as strings still parse.
func decode(data json.RawMessage, out interface{}) error {
	raw := make(map[string]interface{})
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return mapstructure.WeakDecode(raw, out)
}
