// Package rooms manages topic subscriptions and event fan-out. A room is
// identified by (kind, entityId), created lazily on first join and
// destroyed when its member set empties. Rooms hold connection ids only;
// the websocket layer owns the actual connections.
package rooms

import (
	"hash/fnv"
	"sync"

	"github.com/antonmedv/expr/vm"

	"github.com/MrJones267/aryv-coord/filter"
	"github.com/MrJones267/aryv-coord/globals"
	"github.com/MrJones267/aryv-coord/metrics"
	"github.com/MrJones267/aryv-coord/types"
)

const shardCount = 16

// Sender delivers one marshaled frame to one connection. It must never
// block: a slow or dead connection is the sender's problem to isolate, and
// a false return means the frame was dropped for that connection only.
type Sender interface {
	Send(connectionId string, frame []byte) bool
}

// Event is a single fan-out unit. Events submitted to the same room from
// the same goroutine are delivered to every member in submission order;
// nothing is guaranteed across origins.
type Event struct {
	Name         string
	Payload      interface{}
	SourceUserId string
	// Origin is excluded from delivery when ExcludeOrigin is set, so a
	// client does not hear its own location samples echoed back.
	Origin        string
	ExcludeOrigin bool
	// TargetFilter is an optional expr expression evaluated per member.
	TargetFilter string
}

type roomShard struct {
	sync.RWMutex
	rooms map[types.RoomID]map[string]string // roomId -> connId -> userId
}

type connShard struct {
	sync.RWMutex
	joined map[string]map[types.RoomID]struct{} // connId -> joined rooms
}

type Manager struct {
	sender     Sender
	roomShards [shardCount]*roomShard
	connShards [shardCount]*connShard
}

func NewManager(sender Sender) *Manager {
	m := &Manager{sender: sender}
	for i := range m.roomShards {
		m.roomShards[i] = &roomShard{rooms: make(map[types.RoomID]map[string]string)}
	}
	for i := range m.connShards {
		m.connShards[i] = &connShard{joined: make(map[string]map[types.RoomID]struct{})}
	}
	return m
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

func (m *Manager) roomShardFor(id types.RoomID) *roomShard {
	return m.roomShards[shardIndex(id.String())]
}

func (m *Manager) connShardFor(connectionId string) *connShard {
	return m.connShards[shardIndex(connectionId)]
}

// Join adds the connection to the room, creating the room if absent.
// Idempotent. The other members receive a peer_joined event.
func (m *Manager) Join(connectionId, userId string, roomId types.RoomID) {
	sh := m.roomShardFor(roomId)
	sh.Lock()
	members, ok := sh.rooms[roomId]
	if !ok {
		members = make(map[string]string)
		sh.rooms[roomId] = members
	}
	if _, already := members[connectionId]; already {
		sh.Unlock()
		return
	}
	members[connectionId] = userId
	sh.Unlock()

	cs := m.connShardFor(connectionId)
	cs.Lock()
	joined, ok := cs.joined[connectionId]
	if !ok {
		joined = make(map[types.RoomID]struct{})
		cs.joined[connectionId] = joined
	}
	joined[roomId] = struct{}{}
	cs.Unlock()

	metrics.RoomMembers.Inc()
	m.Broadcast(roomId, Event{
		Name:          types.EventPeerJoined,
		Payload:       types.PeerPayload{Room: roomId.String(), UserID: userId},
		Origin:        connectionId,
		ExcludeOrigin: true,
	})
}

// Leave removes the connection from the room, deleting the room once its
// member set is empty. Idempotent.
func (m *Manager) Leave(connectionId string, roomId types.RoomID) {
	sh := m.roomShardFor(roomId)
	sh.Lock()
	members, ok := sh.rooms[roomId]
	if !ok {
		sh.Unlock()
		return
	}
	userId, present := members[connectionId]
	if !present {
		sh.Unlock()
		return
	}
	delete(members, connectionId)
	if len(members) == 0 {
		delete(sh.rooms, roomId)
	}
	sh.Unlock()

	cs := m.connShardFor(connectionId)
	cs.Lock()
	if joined, ok := cs.joined[connectionId]; ok {
		delete(joined, roomId)
		if len(joined) == 0 {
			delete(cs.joined, connectionId)
		}
	}
	cs.Unlock()

	metrics.RoomMembers.Dec()
	m.Broadcast(roomId, Event{
		Name:    types.EventPeerLeft,
		Payload: types.PeerPayload{Room: roomId.String(), UserID: userId},
	})
}

// LeaveAll removes the connection from every room it had joined. Called on
// disconnect so stale membership never accumulates.
func (m *Manager) LeaveAll(connectionId string) {
	cs := m.connShardFor(connectionId)
	cs.RLock()
	joined := make([]types.RoomID, 0, len(cs.joined[connectionId]))
	for roomId := range cs.joined[connectionId] {
		joined = append(joined, roomId)
	}
	cs.RUnlock()
	for _, roomId := range joined {
		m.Leave(connectionId, roomId)
	}
}

// Members returns the user ids currently joined to the room.
func (m *Manager) Members(roomId types.RoomID) []string {
	sh := m.roomShardFor(roomId)
	sh.RLock()
	defer sh.RUnlock()
	out := make([]string, 0, len(sh.rooms[roomId]))
	for _, userId := range sh.rooms[roomId] {
		out = append(out, userId)
	}
	return out
}

// Broadcast delivers the event to every currently-joined connection.
// Delivery is fire-and-forget per connection; a frame that cannot be
// enqueued is dropped for that member without affecting the rest.
func (m *Manager) Broadcast(roomId types.RoomID, event Event) {
	frame, err := types.MakeMessage(event.Name, event.Payload)
	if err != nil {
		globals.AppLogger.Error("could not marshal broadcast event", "event", event.Name, "error", err)
		return
	}
	var prog *vm.Program
	if event.TargetFilter != "" {
		prog, err = filter.Compile(event.TargetFilter)
		if err != nil {
			globals.AppLogger.Error("could not compile target filter", "filter", event.TargetFilter, "error", err)
			return
		}
	}

	sh := m.roomShardFor(roomId)
	sh.RLock()
	recipients := make(map[string]string, len(sh.rooms[roomId]))
	for connId, userId := range sh.rooms[roomId] {
		recipients[connId] = userId
	}
	sh.RUnlock()

	metrics.BroadcastsTotal.WithLabelValues(string(roomId.Kind)).Inc()
	for connId, userId := range recipients {
		if event.ExcludeOrigin && connId == event.Origin {
			continue
		}
		if prog != nil {
			env := filter.Env{
				Room:   roomId.String(),
				Name:   event.Name,
				Source: filter.User{Id: event.SourceUserId},
				Target: filter.User{Id: userId},
			}
			if !filter.Run(prog, env) {
				continue
			}
		}
		if !m.sender.Send(connId, frame) {
			metrics.DroppedFramesTotal.Inc()
			globals.AppLogger.Debug("dropped frame for member", "room", roomId.String(), "connection", connId)
		}
	}
}
