package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testClient(id string, queue int) *Client {
	return &Client{
		id:       id,
		Send:     make(chan []byte, queue),
		doneChan: make(chan struct{}),
	}
}

func TestConns_SendUnknownConnection(t *testing.T) {
	conns := NewConns()
	assert.False(t, conns.Send("missing", []byte("x")))
}

func TestConns_SendEnqueues(t *testing.T) {
	conns := NewConns()
	c := testClient("conn-1", 2)
	conns.add(c)

	assert.True(t, conns.Send("conn-1", []byte("a")))
	assert.True(t, conns.Send("conn-1", []byte("b")))
	assert.Equal(t, []byte("a"), <-c.Send)
	assert.Equal(t, []byte("b"), <-c.Send)
}

// A full queue drops the frame instead of blocking the caller.
func TestConns_SendFullQueueDrops(t *testing.T) {
	conns := NewConns()
	c := testClient("conn-1", 1)
	conns.add(c)

	assert.True(t, conns.Send("conn-1", []byte("a")))
	assert.False(t, conns.Send("conn-1", []byte("b")))
}

func TestConns_SendAfterDone(t *testing.T) {
	conns := NewConns()
	c := testClient("conn-1", 8)
	conns.add(c)
	close(c.doneChan)

	assert.False(t, conns.Send("conn-1", []byte("a")))
}

func TestConns_Remove(t *testing.T) {
	conns := NewConns()
	c := testClient("conn-1", 1)
	conns.add(c)
	conns.remove("conn-1")

	assert.False(t, conns.Send("conn-1", []byte("a")))
}
