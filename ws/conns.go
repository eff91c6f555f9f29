package ws

import (
	"sync"
)

// Conns is the live connection table. The room manager and the notification
// dispatcher deliver frames through it; the gateway adds and removes
// entries as connections come and go.
type Conns struct {
	clients map[string]*Client

	sync.RWMutex
}

func NewConns() *Conns {
	return &Conns{clients: make(map[string]*Client)}
}

func (t *Conns) add(c *Client) {
	t.Lock()
	t.clients[c.id] = c
	t.Unlock()
}

func (t *Conns) remove(connectionId string) {
	t.Lock()
	delete(t.clients, connectionId)
	t.Unlock()
}

// Send enqueues the frame on the connection's outbound channel without
// blocking. False means the connection is unknown, closing, or its queue
// is full; the frame is dropped for that connection only.
func (t *Conns) Send(connectionId string, frame []byte) bool {
	t.RLock()
	c, ok := t.clients[connectionId]
	t.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-c.doneChan:
		return false
	default:
	}
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}
