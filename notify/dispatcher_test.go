package notify_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJones267/aryv-coord/notify"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/presence"
	"github.com/MrJones267/aryv-coord/types"
)

// mockSender is a hand-written double for the connection table. Set accept
// to control whether the in-band enqueue succeeds.
type mockSender struct {
	accept bool
	frames [][]byte
}

func (m *mockSender) Send(_ string, frame []byte) bool {
	if !m.accept {
		return false
	}
	m.frames = append(m.frames, frame)
	return true
}

type mockPusher struct {
	pushes int
	fail   error
}

func (m *mockPusher) Push(_ context.Context, _, _, _ string, _ map[string]string) error {
	m.pushes++
	return m.fail
}

var _ notify.ConnSender = (*mockSender)(nil)
var _ notify.Pusher = (*mockPusher)(nil)

func newDispatcher(t *testing.T, sender *mockSender, pusher *mockPusher) (*notify.Dispatcher, persistence.Store, *presence.Registry) {
	t.Helper()
	store, err := persistence.NewBuntStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	registry := presence.NewRegistry()
	d := notify.NewDispatcher(store, registry, sender, pusher, hclog.NewNullLogger())
	return d, store, registry
}

func TestNotify_InBandWhenOnline(t *testing.T) {
	sender := &mockSender{accept: true}
	pusher := &mockPusher{}
	d, store, registry := newDispatcher(t, sender, pusher)
	registry.Register("conn-1", "alice")

	err := d.Notify(context.Background(), "alice", "Courier assigned", "on the way", map[string]string{"delivery_id": "d-1"})
	require.NoError(t, err)

	require.Len(t, sender.frames, 1)
	assert.Zero(t, pusher.pushes, "online users get no push")

	message := types.WebsocketMessage{}
	require.NoError(t, json.Unmarshal(sender.frames[0], &message))
	assert.Equal(t, types.EventNotification, message.Event)
	p := types.NotificationPayload{}
	require.NoError(t, json.Unmarshal(message.Data, &p))
	assert.Equal(t, "Courier assigned", p.Title)

	// the row is persisted and marked delivered
	rows, err := store.ListNotifications(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Delivered)
}

func TestNotify_PushWhenOffline(t *testing.T) {
	sender := &mockSender{accept: true}
	pusher := &mockPusher{}
	d, store, _ := newDispatcher(t, sender, pusher)

	err := d.Notify(context.Background(), "bob", "New booking", "2 seats", nil)
	require.NoError(t, err)

	assert.Empty(t, sender.frames)
	assert.Equal(t, 1, pusher.pushes)

	rows, err := store.ListNotifications(context.Background(), "bob", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Delivered)
}

// A full send queue falls back to push; the row stays undelivered only if
// push also fails.
func TestNotify_FallsBackWhenEnqueueFails(t *testing.T) {
	sender := &mockSender{accept: false}
	pusher := &mockPusher{}
	d, _, registry := newDispatcher(t, sender, pusher)
	registry.Register("conn-1", "alice")

	err := d.Notify(context.Background(), "alice", "t", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, pusher.pushes)
}

func TestNotify_PushFailureIsLoggedNotReturned(t *testing.T) {
	sender := &mockSender{accept: true}
	pusher := &mockPusher{fail: types.ErrUpstreamUnavailable}
	d, store, _ := newDispatcher(t, sender, pusher)

	err := d.Notify(context.Background(), "bob", "t", "b", nil)
	require.NoError(t, err)

	rows, err := store.ListNotifications(context.Background(), "bob", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Delivered, "failed push leaves the row undelivered")
}
