package chat

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"
)

// Hub is the room membership manager. A single Run goroutine owns the
// clients and rooms maps; everything reaches them through channels, so the
// maps need no locking. Broadcasts route through the backplane when one is
// configured, which loops them back to every process including this one.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	joins      chan subscription
	leaves     chan subscription
	deliver    chan Frame

	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	backplane Backplane // nil means single-process delivery
	// subDown flips when the backplane subscription loop exits; published
	// frames can no longer loop back, so Broadcast must deliver locally too.
	subDown atomic.Bool
	log     *zap.SugaredLogger
}

type subscription struct {
	client *Client
	room   string
}

func NewHub(backplane Backplane, log *zap.SugaredLogger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan subscription),
		leaves:     make(chan subscription),
		deliver:    make(chan Frame, 256),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		backplane:  backplane,
		log:        log,
	}
}

// Run owns all hub state. It must be started exactly once, in its own
// goroutine, before any client connects.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}

		case sub := <-h.joins:
			if !h.clients[sub.client] {
				continue
			}
			room := h.rooms[sub.room]
			if room == nil {
				room = make(map[*Client]bool)
				h.rooms[sub.room] = room
			}
			room[sub.client] = true
			sub.client.rooms[sub.room] = true

		case sub := <-h.leaves:
			h.leaveRoom(sub.client, sub.room)

		case f := <-h.deliver:
			h.fanOut(f)
		}
	}
}

// SubscribeBackplane pumps replicated frames into local delivery. Started
// alongside Run when a backplane is configured.
func (h *Hub) SubscribeBackplane(ctx context.Context) {
	if h.backplane == nil {
		return
	}
	for f := range h.backplane.Subscribe(ctx) {
		h.deliver <- f
	}
	h.subDown.Store(true)
	h.log.Warn("backplane subscription closed; continuing with local delivery only")
}

func (h *Hub) Register(c *Client)   { h.register <- c }
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

func (h *Hub) Join(c *Client, room string)  { h.joins <- subscription{client: c, room: room} }
func (h *Hub) Leave(c *Client, room string) { h.leaves <- subscription{client: c, room: room} }

// Broadcast implements message.Broadcaster. An empty room targets every
// connection. When the backplane is up the frame travels through it so other
// processes deliver too; a publish failure degrades to local-only delivery
// rather than dropping the event.
func (h *Hub) Broadcast(room, event string, payload any, exclude string) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorw("broadcast: marshal failed", "event", event, "err", err)
		return
	}
	f := Frame{Room: room, Event: event, Payload: raw, Exclude: exclude}

	if h.backplane != nil {
		err := h.backplane.Publish(context.Background(), f)
		if err == nil && !h.subDown.Load() {
			return
		}
		if err != nil {
			h.log.Errorw("backplane publish failed, delivering locally", "event", event, "err", err)
		}
	}
	h.deliver <- f
}

func (h *Hub) fanOut(f Frame) {
	data, err := json.Marshal(Envelope{Event: f.Event, Data: f.Payload})
	if err != nil {
		h.log.Errorw("fan-out: marshal failed", "event", f.Event, "err", err)
		return
	}

	targets := h.clients
	if f.Room != "" {
		room := h.rooms[f.Room]
		if room == nil {
			return
		}
		targets = room
	}

	for client := range targets {
		if f.Exclude != "" && client.id == f.Exclude {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow consumer: cut it loose rather than block the hub.
			h.drop(client)
		}
	}
}

// drop removes a client from all hub state and closes its send channel.
// Only called from the Run goroutine.
func (h *Hub) drop(c *Client) {
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	for room := range c.rooms {
		h.leaveRoom(c, room)
	}
	close(c.send)
}

func (h *Hub) leaveRoom(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}
