package presence_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrJones267/aryv-coord/presence"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := presence.NewRegistry()
	r.Register("conn-1", "alice")

	connId, ok := r.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, "conn-1", connId)

	userId, ok := r.UserOf("conn-1")
	require.True(t, ok)
	assert.Equal(t, "alice", userId)

	assert.Equal(t, 1, r.Count())
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	r := presence.NewRegistry()

	_, ok := r.Resolve("nobody")
	assert.False(t, ok)
	_, ok = r.UserOf("no-conn")
	assert.False(t, ok)
}

func TestRegistry_LastWriterWins(t *testing.T) {
	r := presence.NewRegistry()
	r.Register("conn-old", "alice")
	r.Register("conn-new", "alice")

	connId, ok := r.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, "conn-new", connId)

	// the old connection keeps its attribution until it disconnects
	userId, ok := r.UserOf("conn-old")
	require.True(t, ok)
	assert.Equal(t, "alice", userId)
}

func TestRegistry_Forget(t *testing.T) {
	r := presence.NewRegistry()
	r.Register("conn-1", "alice")

	userId, ok := r.Forget("conn-1")
	require.True(t, ok)
	assert.Equal(t, "alice", userId)

	_, ok = r.Resolve("alice")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())

	// idempotent
	_, ok = r.Forget("conn-1")
	assert.False(t, ok)
}

// A stale disconnect of a superseded connection must not remove the newer
// connection's mapping.
func TestRegistry_ForgetStaleConnectionKeepsNewer(t *testing.T) {
	r := presence.NewRegistry()
	r.Register("conn-old", "alice")
	r.Register("conn-new", "alice")

	userId, ok := r.Forget("conn-old")
	require.True(t, ok)
	assert.Equal(t, "alice", userId)

	connId, ok := r.Resolve("alice")
	require.True(t, ok)
	assert.Equal(t, "conn-new", connId)
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := presence.NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connId := fmt.Sprintf("conn-%d", i)
			userId := fmt.Sprintf("user-%d", i%16)
			r.Register(connId, userId)
			r.Resolve(userId)
			r.Forget(connId)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
}
