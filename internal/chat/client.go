package chat

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nandankmr/pulse-api/internal/auth"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum frame size allowed from peer.
)

// Client is the middleman between one websocket connection and the hub. Its
// readPump dispatches protocol events strictly in arrival order, so a single
// connection's sends, edits and reads are processed sequentially while
// different connections interleave freely.
type Client struct {
	id       string
	identity auth.Identity
	hub      *Hub
	handler  *Handler
	conn     *websocket.Conn
	send     chan []byte

	// rooms this client is subscribed to; owned by the hub's Run goroutine.
	rooms map[string]bool
}

// sendEvent queues an envelope for this connection only (acks, errors,
// presence snapshots). Returns false if the client's queue is full or gone.
func (c *Client) sendEvent(event string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	data, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		// A full queue here means a direct reply (most likely an ack) is
		// lost while the connection lives on; that must not pass silently.
		c.handler.log.Warnw("send queue full, dropping direct event", "conn", c.id, "event", event)
		return false
	}
}

// readPump pumps events from the websocket connection into the handler.
func (c *Client) readPump() {
	defer func() {
		c.handler.teardown(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.handler.log.Debugw("websocket read error", "conn", c.id, "err", err)
			}
			break
		}
		c.handler.dispatch(c, data)
	}
}

// writePump pumps queued envelopes from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Drain any queued envelopes in the same wakeup to cut syscalls.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
