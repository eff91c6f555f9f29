package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrJones267/aryv-coord/globals"
	"github.com/MrJones267/aryv-coord/types"
)

const (
	sendChannelSize = 256
	maxMessageSize  = 4096
	pongWait        = 2 * time.Minute
	pingPeriod      = time.Minute
	writeWait       = 10 * time.Second
)

// Client is a middleman between the websocket connection and the gateway.
type Client struct {
	gw *Gateway

	id string

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound frames. Never closed; WriteLoop exits
	// through doneChan.
	Send chan []byte

	doneChan chan struct{}

	mu     sync.RWMutex
	userId string
}

// UserID returns the authenticated user behind this connection, or "" while
// the connection has only been upgraded.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userId
}

func (c *Client) setUser(userId string) {
	c.mu.Lock()
	c.userId = userId
	c.mu.Unlock()
}

// ReadLoop pumps messages from the websocket connection into the gateway
// dispatch.
//
// The application runs ReadLoop in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) ReadLoop(ctx context.Context) {
	defer func() {
		c.conn.Close()
		close(c.doneChan)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { _ = c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				globals.AppLogger.Debug("ws closed unexpected", "connection", c.id, "error", err)
			}
			return
		}

		message := &types.WebsocketMessage{}
		if err := json.Unmarshal(raw, message); err != nil {
			globals.AppLogger.Debug("could not unmarshal ws message", "connection", c.id, "error", err)
			c.gw.sendError(c, "bad_frame", "malformed message")
			continue
		}
		c.gw.dispatch(ctx, c, message)
	}
}

// WriteLoop pumps frames from the Send channel to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.doneChan:
			return
		default:
		}
		select {
		case frame := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(frame)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			return
		}
	}
}
