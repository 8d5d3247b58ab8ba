package chat

import (
	"encoding/json"

	"github.com/nandankmr/pulse-api/internal/message"
)

// Wire format: one JSON envelope per websocket text frame, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client → server events. Server → client message events live next to the
// pipeline that emits them (package message).
const (
	EventMessageSend   = "message:send"
	EventMessageRead   = "message:read"
	EventMessageEdit   = "message:edit"
	EventMessageDelete = "message:delete"

	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"

	EventGroupJoin  = "group:join"
	EventGroupLeave = "group:leave"

	EventPresenceSubscribe = "presence:subscribe"
)

// Server → client events owned by the connection layer.
const (
	EventMessageAck     = "message:ack"
	EventPresenceState  = "presence:state"
	EventPresenceUpdate = "presence:update"
	EventError          = "error"
)

type SendPayload struct {
	ReceiverID     string            `json:"receiverId"`
	GroupID        string            `json:"groupId"`
	ConversationID string            `json:"conversationId"`
	Type           string            `json:"type"`
	Content        string            `json:"content" validate:"max=4096"`
	MediaURL       string            `json:"mediaUrl" validate:"omitempty,url"`
	Location       *message.Location `json:"location"`
	TempID         string            `json:"tempId"`
	ChatName       string            `json:"chatName"`
}

// AckPayload is the single acknowledgement every message:send produces,
// delivered only to the calling connection. tempId is echoed verbatim so the
// client can reconcile its optimistic copy.
type AckPayload struct {
	Status         string           `json:"status"` // "ok" or "error"
	Message        *message.Message `json:"message,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	Error          string           `json:"error,omitempty"`
	TempID         string           `json:"tempId,omitempty"`
}

type ReadPayload struct {
	MessageID      string   `json:"messageId"`
	MessageIDs     []string `json:"messageIds"`
	TargetUserID   string   `json:"targetUserId"`
	GroupID        string   `json:"groupId"`
	ConversationID string   `json:"conversationId"`
	ReadAt         string   `json:"readAt"`
}

type EditPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Content   string `json:"content" validate:"required,max=4096"`
}

type DeletePayload struct {
	MessageID         string `json:"messageId" validate:"required"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
}

type TypingPayload struct {
	GroupID      string `json:"groupId"`
	TargetUserID string `json:"targetUserId"`
	UserID       string `json:"userId"` // filled in by the server
}

type GroupRoomPayload struct {
	GroupID string `json:"groupId" validate:"required"`
}

type PresenceUpdatePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"` // "online" or "offline"
}

type PresenceStatePayload struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}
