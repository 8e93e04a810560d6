package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WebSocket timeouts, following the gorilla chat example.
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second
)

// Client is one relay connection.
type Client struct {
	server  *Server
	conn    *websocket.Conn
	send    chan []byte
	id      string
	userID  string
	jobID   JobRef
	limiter *rate.Limiter

	// Hub-owned
	rooms map[string]struct{}

	closeOnce sync.Once
}

// readPump forwards client events to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.server.logger.Warnw("Dropping unparsable frame", "client_id", c.id, "error", err, "size", len(raw))
			continue
		}

		switch frame.Event {
		case EventSendMessage:
			if c.limiter != nil && !c.limiter.Allow() {
				c.server.logger.Warnw("Rate limit exceeded, dropping message", "client_id", c.id, "user_id", c.userID)
				continue
			}
		case EventLeaveRoom:
		default:
			c.server.logger.Debugw("Unknown event", "client_id", c.id, "event", frame.Event)
			continue
		}

		select {
		case c.server.inbound <- inbound{client: c, event: frame.Event, data: frame.Data}:
		case <-c.server.ctx.Done():
			return
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.server.logger.Debugw("Write error", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close closes the send queue once. Only the hub calls it.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
