package message

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nandankmr/pulse-api/internal/apperr"
)

const (
	editWindow              = 15 * time.Minute
	deleteForEveryoneWindow = time.Hour
	pushTimeout             = 10 * time.Second
)

// Store is the persistence collaborator the pipeline writes through. The
// Postgres Repository implements it; tests supply a fake.
type Store interface {
	// FindOrCreateDirectConversation resolves the canonical conversation for
	// a pair of users, creating it if absent. The same id comes back no
	// matter which participant is passed first.
	FindOrCreateDirectConversation(ctx context.Context, userA, userB string) (string, error)
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error
	MarkDeleted(ctx context.Context, id, deletedBy string, deletedAt time.Time) error
	ListGroupMemberIDs(ctx context.Context, groupID string) ([]string, error)
	// UpsertReceipt records delivery state for one (message, user) pair.
	// READ is terminal; a later DELIVERED upsert must not downgrade it.
	UpsertReceipt(ctx context.Context, messageID, userID string, status ReceiptStatus) error
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	ListGroupMessages(ctx context.Context, groupID string, limit int) ([]*Message, error)
	CountReceipts(ctx context.Context, f ReceiptFilter) (int, error)
}

type ReceiptFilter struct {
	UserID         string
	Status         ReceiptStatus
	ConversationID string
	GroupID        string
	// ExcludeSentBy drops receipts for messages this user sent, so a sender
	// never appears in their own unread count.
	ExcludeSentBy string
}

// Notification is handed to the push dispatcher after a successful send.
type Notification struct {
	SenderID       string   `json:"senderId"`
	RecipientIDs   []string `json:"recipientIds"`
	Message        *Message `json:"message"`
	ConversationID string   `json:"conversationId,omitempty"`
	ChatName       string   `json:"chatName,omitempty"`
}

type DispatchResult struct {
	Queued        int
	InvalidTokens []string
}

// Dispatcher delivers push notifications best-effort. Failures are reported,
// never thrown through the send path.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) (DispatchResult, error)
}

type SendInput struct {
	SenderID       string
	ReceiverID     string
	GroupID        string
	ConversationID string
	Type           Type
	Content        string
	MediaURL       string
	Location       *Location
	TempID         string
	ChatName       string

	// System-message fields, used when the server itself emits an event into
	// a chat (member added, group renamed, ...).
	SystemEvent string
	Metadata    json.RawMessage
	ActorID     string
	TargetID    string
}

type SendResult struct {
	Message        *Message  `json:"message"`
	ConversationID string    `json:"conversationId,omitempty"`
	Participants   []string  `json:"participants"`
	Receipts       []Receipt `json:"receipts"`
}

type ReadConfirmedPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	ReadAt    string `json:"readAt"`
}

// Service is the message pipeline: it validates, persists and fans out
// sends, edits, deletes and read receipts. REST handlers and the socket
// layer call the same methods, so both paths share one broadcaster and one
// set of rules.
type Service struct {
	store       Store
	broadcaster Broadcaster
	push        Dispatcher // nil disables push fan-out
	log         *zap.SugaredLogger
	now         func() time.Time
}

func NewService(store Store, broadcaster Broadcaster, push Dispatcher, log *zap.SugaredLogger) *Service {
	return &Service{
		store:       store,
		broadcaster: broadcaster,
		push:        push,
		log:         log,
		now:         time.Now,
	}
}

func (s *Service) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	if (in.ReceiverID == "") == (in.GroupID == "") {
		return nil, apperr.Validation("receiverId or groupId is required")
	}
	typ := in.Type
	if typ == "" {
		typ = TypeText
	}
	if !typ.Valid() {
		return nil, apperr.Validation("unknown message type %q", in.Type)
	}

	conversationID := in.ConversationID
	if in.GroupID == "" && conversationID == "" {
		id, err := s.store.FindOrCreateDirectConversation(ctx, in.SenderID, in.ReceiverID)
		if err != nil {
			return nil, err
		}
		conversationID = id
	}

	m := &Message{
		ID:             uuid.NewString(),
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		GroupID:        in.GroupID,
		ConversationID: conversationID,
		Type:           typ,
		Content:        in.Content,
		MediaURL:       in.MediaURL,
		Location:       in.Location,
		SystemEvent:    in.SystemEvent,
		Metadata:       in.Metadata,
		ActorID:        in.ActorID,
		TargetID:       in.TargetID,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	participants, err := s.participants(ctx, m)
	if err != nil {
		return nil, err
	}

	receipts := make([]Receipt, 0, len(participants))
	for _, p := range participants {
		if err := s.store.UpsertReceipt(ctx, m.ID, p, StatusDelivered); err != nil {
			return nil, err
		}
		receipts = append(receipts, Receipt{MessageID: m.ID, UserID: p, Status: StatusDelivered, UpdatedAt: m.CreatedAt})
	}

	s.dispatchPush(m, participants, in.ChatName)

	newPayload := NewMessagePayload{Message: m, TempID: in.TempID}
	if m.GroupID != "" {
		s.broadcaster.Broadcast(GroupRoom(m.GroupID), EventMessageNew, newPayload, "")
	} else {
		s.broadcaster.Broadcast(UserRoom(m.ReceiverID), EventMessageNew, newPayload, "")
		if m.ReceiverID != m.SenderID {
			// Echo to the sender's own room so their other devices (and the
			// optimistic UI, via tempId) see the persisted copy.
			s.broadcaster.Broadcast(UserRoom(m.SenderID), EventMessageNew, newPayload, "")
		}
	}
	delivered := DeliveredPayload{MessageID: m.ID, ParticipantIDs: participants}
	for _, p := range participants {
		s.broadcaster.Broadcast(UserRoom(p), EventMessageDelivered, delivered, "")
	}

	return &SendResult{
		Message:        m,
		ConversationID: conversationID,
		Participants:   participants,
		Receipts:       receipts,
	}, nil
}

// participants resolves who must receive the message: sender plus receiver
// for direct, or sender plus the live group roster. Group membership is
// fetched fresh on every send, never cached on the message.
func (s *Service) participants(ctx context.Context, m *Message) ([]string, error) {
	if m.GroupID == "" {
		if m.ReceiverID == m.SenderID {
			return []string{m.SenderID}, nil
		}
		return []string{m.SenderID, m.ReceiverID}, nil
	}

	members, err := s.store.ListGroupMemberIDs(ctx, m.GroupID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{m.SenderID: true}
	out := []string{m.SenderID}
	for _, id := range members {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *Service) dispatchPush(m *Message, participants []string, chatName string) {
	if s.push == nil {
		return
	}
	recipients := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != m.SenderID {
			recipients = append(recipients, p)
		}
	}
	if len(recipients) == 0 {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()

		res, err := s.push.Dispatch(ctx, Notification{
			SenderID:       m.SenderID,
			RecipientIDs:   recipients,
			Message:        m,
			ConversationID: m.ConversationID,
			ChatName:       chatName,
		})
		if err != nil {
			s.log.Warnw("push dispatch failed", "message", m.ID, "err", err)
			return
		}
		if len(res.InvalidTokens) > 0 {
			s.log.Infow("deprecated invalid device tokens", "message", m.ID, "count", len(res.InvalidTokens))
		}
	}()
}

func (s *Service) Edit(ctx context.Context, messageID, editorID, content string) (*Message, error) {
	if content == "" {
		return nil, apperr.Validation("content is required")
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != editorID {
		return nil, apperr.Unauthorized("only the sender can edit a message")
	}
	if m.DeletedAt != nil {
		return nil, apperr.Validation("cannot edit a deleted message")
	}
	now := s.now().UTC()
	if now.Sub(m.CreatedAt) > editWindow {
		return nil, apperr.Validation("edit window has expired")
	}

	if err := s.store.UpdateContent(ctx, m.ID, content, now); err != nil {
		return nil, err
	}
	m.Content = content
	m.EditedAt = &now

	for _, room := range s.targetRooms(m) {
		s.broadcaster.Broadcast(room, EventMessageEdited, EditedPayload{Message: m}, "")
	}
	return m, nil
}

func (s *Service) Delete(ctx context.Context, messageID, callerID string, forEveryone bool) (*Message, error) {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != callerID {
		return nil, apperr.Unauthorized("only the sender can delete a message")
	}
	if m.DeletedAt != nil {
		return nil, apperr.Validation("message already deleted")
	}
	now := s.now().UTC()
	if forEveryone && now.Sub(m.CreatedAt) > deleteForEveryoneWindow {
		return nil, apperr.Validation("delete for everyone window has expired")
	}

	if err := s.store.MarkDeleted(ctx, m.ID, callerID, now); err != nil {
		return nil, err
	}
	m.DeletedAt = &now
	m.DeletedBy = callerID

	payload := DeletedPayload{
		MessageID:         m.ID,
		DeletedBy:         callerID,
		DeleteForEveryone: forEveryone,
		ConversationID:    m.ConversationID,
		GroupID:           m.GroupID,
	}
	for _, room := range s.targetRooms(m) {
		s.broadcaster.Broadcast(room, EventMessageDeleted, payload, "")
	}
	return m, nil
}

// MarkRead upserts a READ receipt for one message and notifies the other
// participants. Re-marking an already-read message is a no-op in effect.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID string) error {
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID == readerID {
		// The sender's own copy is implicitly read; nothing to record or
		// announce.
		return nil
	}
	if err := s.ensureParticipant(ctx, m, readerID); err != nil {
		return err
	}
	if err := s.store.UpsertReceipt(ctx, m.ID, readerID, StatusRead); err != nil {
		return err
	}

	readAt := s.now().UTC().Format(time.RFC3339Nano)
	payload := ReadPayload{MessageIDs: []string{m.ID}, UserID: readerID, ReadAt: readAt}
	for _, room := range s.targetRooms(m) {
		s.broadcaster.Broadcast(room, EventMessageRead, payload, "")
	}
	s.broadcaster.Broadcast(UserRoom(m.SenderID), EventMessageReadConfirmed, ReadConfirmedPayload{
		MessageID: m.ID,
		UserID:    readerID,
		ReadAt:    readAt,
	}, "")
	return nil
}

// MarkManyRead attempts each message independently: one bad id never aborts
// the rest. Failures are logged and the successfully marked ids returned.
func (s *Service) MarkManyRead(ctx context.Context, messageIDs []string, readerID string) []string {
	marked := make([]string, 0, len(messageIDs))
	byRoom := make(map[string][]string)

	for _, id := range messageIDs {
		m, err := s.store.GetMessage(ctx, id)
		if err != nil {
			s.log.Warnw("bulk read: skipping message", "message", id, "err", err)
			continue
		}
		if m.SenderID == readerID {
			continue
		}
		if err := s.ensureParticipant(ctx, m, readerID); err != nil {
			s.log.Warnw("bulk read: skipping message", "message", id, "err", err)
			continue
		}
		if err := s.store.UpsertReceipt(ctx, m.ID, readerID, StatusRead); err != nil {
			s.log.Warnw("bulk read: receipt upsert failed", "message", id, "err", err)
			continue
		}
		marked = append(marked, m.ID)
		for _, room := range s.targetRooms(m) {
			byRoom[room] = append(byRoom[room], m.ID)
		}
	}

	if len(marked) > 0 {
		readAt := s.now().UTC().Format(time.RFC3339Nano)
		for room, ids := range byRoom {
			s.broadcaster.Broadcast(room, EventMessageRead, ReadPayload{MessageIDs: ids, UserID: readerID, ReadAt: readAt}, "")
		}
	}
	return marked
}

func (s *Service) StartConversation(ctx context.Context, userID, otherID string) (string, error) {
	if otherID == "" {
		return "", apperr.Validation("userId is required")
	}
	if otherID == userID {
		return "", apperr.Validation("cannot start a conversation with yourself")
	}
	return s.store.FindOrCreateDirectConversation(ctx, userID, otherID)
}

func (s *Service) History(ctx context.Context, target ChatTarget, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	switch target.Kind {
	case TargetGroup:
		return s.store.ListGroupMessages(ctx, target.ID, limit)
	case TargetDirect:
		return s.store.ListConversationMessages(ctx, target.ID, limit)
	default:
		return nil, apperr.Validation("conversationId or groupId is required")
	}
}

func (s *Service) UnreadCount(ctx context.Context, userID string, target ChatTarget) (int, error) {
	f := ReceiptFilter{UserID: userID, Status: StatusDelivered, ExcludeSentBy: userID}
	switch target.Kind {
	case TargetGroup:
		f.GroupID = target.ID
	case TargetDirect:
		f.ConversationID = target.ID
	default:
		return 0, apperr.Validation("conversationId or groupId is required")
	}
	return s.store.CountReceipts(ctx, f)
}

// ensureParticipant rejects receipt writes from users outside the message's
// participant set: the direct receiver, or a current group member.
func (s *Service) ensureParticipant(ctx context.Context, m *Message, userID string) error {
	if m.GroupID == "" {
		if userID != m.ReceiverID {
			return apperr.Unauthorized("not a participant in this chat")
		}
		return nil
	}
	members, err := s.store.ListGroupMemberIDs(ctx, m.GroupID)
	if err != nil {
		return err
	}
	for _, id := range members {
		if id == userID {
			return nil
		}
	}
	return apperr.Unauthorized("not a participant in this chat")
}

// targetRooms lists the rooms an event about this message broadcasts to:
// the group room, or both participants' personal rooms for direct chats.
func (s *Service) targetRooms(m *Message) []string {
	if m.GroupID != "" {
		return []string{GroupRoom(m.GroupID)}
	}
	if m.ReceiverID == "" || m.ReceiverID == m.SenderID {
		return []string{UserRoom(m.SenderID)}
	}
	return []string{UserRoom(m.SenderID), UserRoom(m.ReceiverID)}
}
