package message

import (
	"encoding/json"
	"time"
)

type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeVideo    Type = "video"
	TypeFile     Type = "file"
	TypeLocation Type = "location"
	TypeSystem   Type = "system"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeFile, TypeLocation, TypeSystem:
		return true
	}
	return false
}

type ReceiptStatus string

const (
	StatusDelivered ReceiptStatus = "DELIVERED"
	StatusRead      ReceiptStatus = "READ"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Message struct {
	ID             string          `json:"id"`
	SenderID       string          `json:"senderId"`
	ReceiverID     string          `json:"receiverId,omitempty"`
	GroupID        string          `json:"groupId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Type           Type            `json:"type"`
	Content        string          `json:"content,omitempty"`
	MediaURL       string          `json:"mediaUrl,omitempty"`
	Location       *Location       `json:"location,omitempty"`
	SystemEvent    string          `json:"systemEvent,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	ActorID        string          `json:"actorId,omitempty"`
	TargetID       string          `json:"targetId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	EditedAt       *time.Time      `json:"editedAt,omitempty"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
	DeletedBy      string          `json:"deletedBy,omitempty"`
}

type Receipt struct {
	MessageID string        `json:"messageId"`
	UserID    string        `json:"userId"`
	Status    ReceiptStatus `json:"status"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// TargetKind discriminates the two broadcast scopes a message can belong to.
type TargetKind int

const (
	TargetDirect TargetKind = iota + 1
	TargetGroup
)

// ChatTarget is the resolved addressing of a message: a direct conversation
// or a group. It is computed once per request and threaded through instead
// of re-probing the store.
type ChatTarget struct {
	Kind TargetKind
	ID   string
}

func DirectTarget(conversationID string) ChatTarget {
	return ChatTarget{Kind: TargetDirect, ID: conversationID}
}

func GroupTarget(groupID string) ChatTarget {
	return ChatTarget{Kind: TargetGroup, ID: groupID}
}

// Target resolves the broadcast scope from the message's stored addressing.
func (m *Message) Target() ChatTarget {
	if m.GroupID != "" {
		return GroupTarget(m.GroupID)
	}
	return DirectTarget(m.ConversationID)
}
