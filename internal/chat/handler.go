package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nandankmr/pulse-api/internal/auth"
	"github.com/nandankmr/pulse-api/internal/message"
	"github.com/nandankmr/pulse-api/internal/presence"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: restrict origins once the web client's domain is fixed
	},
}

// GroupDirectory lists the groups a user belongs to, for auto-join at
// connect time.
type GroupDirectory interface {
	ListGroupIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Handler owns the websocket surface: the authenticated handshake, the
// per-connection lifecycle (presence, room auto-join) and protocol event
// dispatch into the message pipeline.
type Handler struct {
	hub      *Hub
	auth     *auth.Authenticator
	presence *presence.Registry
	messages *message.Service
	groups   GroupDirectory
	log      *zap.SugaredLogger
}

func NewHandler(hub *Hub, a *auth.Authenticator, reg *presence.Registry, messages *message.Service, groups GroupDirectory, log *zap.SugaredLogger) *Handler {
	return &Handler{
		hub:      hub,
		auth:     a,
		presence: reg,
		messages: messages,
		groups:   groups,
		log:      log,
	}
}

// ServeWs authenticates the handshake and brings the connection up. Nothing
// touches the presence registry or the hub until the credential checks out.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		credential := auth.CredentialFromRequest(r)
		var err error
		identity, err = h.auth.Authenticate(r.Context(), credential)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("websocket upgrade failed", "err", err)
		return
	}

	client := &Client{
		id:       uuid.NewString(),
		identity: identity,
		hub:      h.hub,
		handler:  h,
		conn:     conn,
		send:     make(chan []byte, 256),
		rooms:    make(map[string]bool),
	}
	h.hub.Register(client)

	if h.presence.MarkOnline(identity.UserID, client.id) {
		h.hub.Broadcast("", EventPresenceUpdate, PresenceUpdatePayload{UserID: identity.UserID, Status: "online"}, "")
	}

	// Everyone gets their personal inbox room immediately.
	h.hub.Join(client, message.UserRoom(identity.UserID))

	// Group rooms are joined in the background: a slow or failing membership
	// lookup degrades room presence but never blocks or drops the connection.
	go h.autoJoinGroups(client)

	go client.writePump()
	go client.readPump()
}

func (h *Handler) autoJoinGroups(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	groupIDs, err := h.groups.ListGroupIDsForUser(ctx, c.identity.UserID)
	if err != nil {
		h.log.Warnw("auto-join: group lookup failed", "user", c.identity.UserID, "err", err)
		return
	}
	for _, id := range groupIDs {
		h.hub.Join(c, message.GroupRoom(id))
	}
}

// teardown runs once when the connection's readPump exits.
func (h *Handler) teardown(c *Client) {
	h.hub.Unregister(c)
	if h.presence.MarkOffline(c.identity.UserID, c.id) {
		h.hub.Broadcast("", EventPresenceUpdate, PresenceUpdatePayload{UserID: c.identity.UserID, Status: "offline"}, "")
	}
}

// dispatch routes one inbound envelope. Called synchronously from readPump,
// so a connection's events are handled in arrival order.
func (h *Handler) dispatch(c *Client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendEvent(EventError, map[string]string{"error": "invalid envelope"})
		return
	}

	ctx := context.Background()
	switch env.Event {
	case EventMessageSend:
		h.handleSend(ctx, c, env.Data)
	case EventMessageRead:
		h.handleRead(ctx, c, env.Data)
	case EventMessageEdit:
		h.handleEdit(ctx, c, env.Data)
	case EventMessageDelete:
		h.handleDelete(ctx, c, env.Data)
	case EventTypingStart, EventTypingStop:
		h.handleTyping(c, env.Event, env.Data)
	case EventGroupJoin, EventGroupLeave:
		h.handleGroupRoom(c, env.Event, env.Data)
	case EventPresenceSubscribe:
		c.sendEvent(EventPresenceState, PresenceStatePayload{OnlineUserIDs: h.presence.OnlineUsers()})
	default:
		h.log.Debugw("unknown event", "event", env.Event, "conn", c.id)
	}
}

// handleSend invokes the pipeline and always answers the caller with exactly
// one ack, success or failure, carrying the client's tempId back.
func (h *Handler) handleSend(ctx context.Context, c *Client, data []byte) {
	var p SendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendEvent(EventMessageAck, AckPayload{Status: "error", Error: "invalid payload"})
		return
	}
	if err := validate.Struct(&p); err != nil {
		c.sendEvent(EventMessageAck, AckPayload{Status: "error", Error: err.Error(), TempID: p.TempID})
		return
	}

	res, err := h.messages.Send(ctx, message.SendInput{
		SenderID:       c.identity.UserID,
		ReceiverID:     p.ReceiverID,
		GroupID:        p.GroupID,
		ConversationID: p.ConversationID,
		Type:           message.Type(p.Type),
		Content:        p.Content,
		MediaURL:       p.MediaURL,
		Location:       p.Location,
		TempID:         p.TempID,
		ChatName:       p.ChatName,
	})
	if err != nil {
		c.sendEvent(EventMessageAck, AckPayload{Status: "error", Error: err.Error(), TempID: p.TempID})
		return
	}
	c.sendEvent(EventMessageAck, AckPayload{
		Status:         "ok",
		Message:        res.Message,
		ConversationID: res.ConversationID,
		TempID:         p.TempID,
	})
}

func (h *Handler) handleRead(ctx context.Context, c *Client, data []byte) {
	var p ReadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendEvent(EventError, map[string]string{"error": "invalid payload"})
		return
	}

	switch {
	case len(p.MessageIDs) > 0:
		h.messages.MarkManyRead(ctx, p.MessageIDs, c.identity.UserID)
	case p.MessageID != "":
		if err := h.messages.MarkRead(ctx, p.MessageID, c.identity.UserID); err != nil {
			c.sendEvent(EventError, map[string]string{"error": err.Error()})
		}
	default:
		c.sendEvent(EventError, map[string]string{"error": "messageId or messageIds is required"})
	}
}

func (h *Handler) handleEdit(ctx context.Context, c *Client, data []byte) {
	var p EditPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendEvent(EventError, map[string]string{"error": "invalid payload"})
		return
	}
	if err := validate.Struct(&p); err != nil {
		c.sendEvent(EventError, map[string]string{"error": err.Error()})
		return
	}
	if _, err := h.messages.Edit(ctx, p.MessageID, c.identity.UserID, p.Content); err != nil {
		c.sendEvent(EventError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) handleDelete(ctx context.Context, c *Client, data []byte) {
	var p DeletePayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendEvent(EventError, map[string]string{"error": "invalid payload"})
		return
	}
	if err := validate.Struct(&p); err != nil {
		c.sendEvent(EventError, map[string]string{"error": err.Error()})
		return
	}
	if _, err := h.messages.Delete(ctx, p.MessageID, c.identity.UserID, p.DeleteForEveryone); err != nil {
		c.sendEvent(EventError, map[string]string{"error": err.Error()})
	}
}

// handleTyping relays the indicator verbatim with the sender's identity
// attached, excluding the sender's own connection.
func (h *Handler) handleTyping(c *Client, event string, data []byte) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	p.UserID = c.identity.UserID

	switch {
	case p.GroupID != "":
		h.hub.Broadcast(message.GroupRoom(p.GroupID), event, p, c.id)
	case p.TargetUserID != "":
		h.hub.Broadcast(message.UserRoom(p.TargetUserID), event, p, c.id)
	}
}

// handleGroupRoom changes the connection's room subscription only; actual
// group membership is managed elsewhere.
func (h *Handler) handleGroupRoom(c *Client, event string, data []byte) {
	var p GroupRoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.sendEvent(EventError, map[string]string{"error": "invalid payload"})
		return
	}
	if err := validate.Struct(&p); err != nil {
		c.sendEvent(EventError, map[string]string{"error": err.Error()})
		return
	}

	if event == EventGroupJoin {
		h.hub.Join(c, message.GroupRoom(p.GroupID))
	} else {
		h.hub.Leave(c, message.GroupRoom(p.GroupID))
	}
}

// OnlineUsers serves GET /api/presence for clients wanting initial presence
// state over REST instead of the socket.
func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PresenceStatePayload{OnlineUserIDs: h.presence.OnlineUsers()})
}
