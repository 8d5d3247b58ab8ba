package message

// Room naming convention: every user has a personal inbox room and every
// group a shared room. Rooms are names, not persisted entities.

func UserRoom(userID string) string { return "user:" + userID }

func GroupRoom(groupID string) string { return "group:" + groupID }

// Broadcaster fans an event out to every connection subscribed to a room.
// The hub implements it; an empty room name means all connections. exclude
// names a connection id to skip (or empty for none). Implementations must
// not block the caller on slow consumers.
type Broadcaster interface {
	Broadcast(room, event string, payload any, exclude string)
}

// Events the pipeline emits through the broadcaster.
const (
	EventMessageNew           = "message:new"
	EventMessageEdited        = "message:edited"
	EventMessageDeleted       = "message:deleted"
	EventMessageDelivered     = "message:delivered"
	EventMessageRead          = "message:read"
	EventMessageReadConfirmed = "message:read:confirmed"
)

type NewMessagePayload struct {
	Message *Message `json:"message"`
	TempID  string   `json:"tempId,omitempty"`
}

type EditedPayload struct {
	Message *Message `json:"message"`
}

type DeletedPayload struct {
	MessageID         string `json:"messageId"`
	DeletedBy         string `json:"deletedBy"`
	DeleteForEveryone bool   `json:"deleteForEveryone"`
	ConversationID    string `json:"conversationId,omitempty"`
	GroupID           string `json:"groupId,omitempty"`
}

type DeliveredPayload struct {
	MessageID      string   `json:"messageId"`
	ParticipantIDs []string `json:"participantIds"`
}

type ReadPayload struct {
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
	ReadAt     string   `json:"readAt"`
}
