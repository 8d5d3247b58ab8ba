package message

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nandankmr/pulse-api/internal/apperr"
)

type fakeStore struct {
	mu            sync.Mutex
	conversations map[string]string // "a|b" canonical -> id
	messages      map[string]*Message
	receipts      map[string]ReceiptStatus // "messageID|userID"
	groups        map[string][]string
	receiptErr    map[string]error // per messageID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: make(map[string]string),
		messages:      make(map[string]*Message),
		receipts:      make(map[string]ReceiptStatus),
		groups:        make(map[string][]string),
		receiptErr:    make(map[string]error),
	}
}

func (f *fakeStore) FindOrCreateDirectConversation(_ context.Context, a, b string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	x, y := canonicalPair(a, b)
	key := x + "|" + y
	if id, ok := f.conversations[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("conv-%d", len(f.conversations)+1)
	f.conversations[key] = id
	return id, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, m *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *m
	f.messages[m.ID] = &c
	return nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, apperr.NotFound("message not found")
	}
	c := *m
	return &c, nil
}

func (f *fakeStore) UpdateContent(_ context.Context, id, content string, editedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.messages[id]
	m.Content = content
	m.EditedAt = &editedAt
	return nil
}

func (f *fakeStore) MarkDeleted(_ context.Context, id, deletedBy string, deletedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.messages[id]
	m.DeletedAt = &deletedAt
	m.DeletedBy = deletedBy
	return nil
}

func (f *fakeStore) ListGroupMemberIDs(_ context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.groups[groupID]...), nil
}

func (f *fakeStore) UpsertReceipt(_ context.Context, messageID, userID string, status ReceiptStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.receiptErr[messageID]; err != nil {
		return err
	}
	key := messageID + "|" + userID
	if f.receipts[key] == StatusRead {
		return nil // monotonic: never downgrade
	}
	f.receipts[key] = status
	return nil
}

func (f *fakeStore) ListConversationMessages(_ context.Context, conversationID string, limit int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) ListGroupMessages(_ context.Context, groupID string, limit int) ([]*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, m := range f.messages {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) CountReceipts(_ context.Context, filter ReceiptFilter) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for key, status := range f.receipts {
		var msgID, userID string
		for i := range key {
			if key[i] == '|' {
				msgID, userID = key[:i], key[i+1:]
				break
			}
		}
		m := f.messages[msgID]
		if m == nil {
			continue
		}
		if filter.UserID != "" && userID != filter.UserID {
			continue
		}
		if filter.Status != "" && status != filter.Status {
			continue
		}
		if filter.ConversationID != "" && m.ConversationID != filter.ConversationID {
			continue
		}
		if filter.GroupID != "" && m.GroupID != filter.GroupID {
			continue
		}
		if filter.ExcludeSentBy != "" && m.SenderID == filter.ExcludeSentBy {
			continue
		}
		count++
	}
	return count, nil
}

func (f *fakeStore) receipt(messageID, userID string) (ReceiptStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.receipts[messageID+"|"+userID]
	return s, ok
}

type broadcastCall struct {
	Room    string
	Event   string
	Payload any
	Exclude string
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

func (b *fakeBroadcaster) Broadcast(room, event string, payload any, exclude string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{room, event, payload, exclude})
}

func (b *fakeBroadcaster) byEvent(event string) []broadcastCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcastCall
	for _, c := range b.calls {
		if c.Event == event {
			out = append(out, c)
		}
	}
	return out
}

func newTestService(store *fakeStore) (*Service, *fakeBroadcaster) {
	b := &fakeBroadcaster{}
	s := NewService(store, b, nil, zap.NewNop().Sugar())
	return s, b
}

func TestSendValidation(t *testing.T) {
	s, _ := newTestService(newFakeStore())
	ctx := context.Background()

	t.Run("neither target", func(t *testing.T) {
		_, err := s.Send(ctx, SendInput{SenderID: "a", Content: "hi"})
		require.Error(t, err)
		assert.True(t, apperr.IsValidation(err))
		assert.EqualError(t, err, "receiverId or groupId is required")
	})

	t.Run("both targets", func(t *testing.T) {
		_, err := s.Send(ctx, SendInput{SenderID: "a", ReceiverID: "b", GroupID: "g", Content: "hi"})
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := s.Send(ctx, SendInput{SenderID: "a", ReceiverID: "b", Type: "carrier-pigeon"})
		assert.True(t, apperr.IsValidation(err))
	})
}

func TestSendDirectCanonicalConversation(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestService(store)
	ctx := context.Background()

	// A→B then B→A must land in the same conversation.
	r1, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hey"})
	require.NoError(t, err)
	r2, err := s.Send(ctx, SendInput{SenderID: "bob", ReceiverID: "alice", Content: "yo"})
	require.NoError(t, err)

	assert.NotEmpty(t, r1.ConversationID)
	assert.Equal(t, r1.ConversationID, r2.ConversationID)
}

func TestSendDirect(t *testing.T) {
	store := newFakeStore()
	s, b := newTestService(store)

	res, err := s.Send(context.Background(), SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hey", TempID: "tmp-1"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"alice", "bob"}, res.Participants)
	for _, p := range res.Participants {
		status, ok := store.receipt(res.Message.ID, p)
		require.True(t, ok)
		assert.Equal(t, StatusDelivered, status)
	}

	news := b.byEvent(EventMessageNew)
	require.Len(t, news, 2)
	rooms := []string{news[0].Room, news[1].Room}
	assert.ElementsMatch(t, []string{UserRoom("bob"), UserRoom("alice")}, rooms)
	payload := news[0].Payload.(NewMessagePayload)
	assert.Equal(t, "tmp-1", payload.TempID)

	delivered := b.byEvent(EventMessageDelivered)
	assert.Len(t, delivered, 2)
}

func TestSendGroupFreshRoster(t *testing.T) {
	store := newFakeStore()
	store.groups["g1"] = []string{"alice", "bob"}
	s, b := newTestService(store)
	ctx := context.Background()

	res, err := s.Send(ctx, SendInput{SenderID: "alice", GroupID: "g1", Content: "hi"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, res.Participants)
	assert.Empty(t, res.ConversationID)
	assert.Empty(t, res.Message.ConversationID)

	// A member added after the first send is included on the next one.
	store.mu.Lock()
	store.groups["g1"] = append(store.groups["g1"], "carol")
	store.mu.Unlock()

	res, err = s.Send(ctx, SendInput{SenderID: "alice", GroupID: "g1", Content: "hi again"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, res.Participants)

	news := b.byEvent(EventMessageNew)
	require.Len(t, news, 2)
	assert.Equal(t, GroupRoom("g1"), news[0].Room)
}

func TestEditRules(t *testing.T) {
	ctx := context.Background()

	setup := func() (*Service, *fakeStore, *fakeBroadcaster, *Message) {
		store := newFakeStore()
		s, b := newTestService(store)
		res, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "original"})
		require.NoError(t, err)
		return s, store, b, res.Message
	}

	t.Run("sender edits within window", func(t *testing.T) {
		s, store, b, m := setup()
		edited, err := s.Edit(ctx, m.ID, "alice", "fixed")
		require.NoError(t, err)
		assert.Equal(t, "fixed", edited.Content)
		require.NotNil(t, edited.EditedAt)

		stored, _ := store.GetMessage(ctx, m.ID)
		assert.Equal(t, "fixed", stored.Content)
		assert.Len(t, b.byEvent(EventMessageEdited), 2)
	})

	t.Run("non-sender rejected", func(t *testing.T) {
		s, store, _, m := setup()
		_, err := s.Edit(ctx, m.ID, "bob", "hijack")
		assert.True(t, apperr.IsUnauthorized(err))

		stored, _ := store.GetMessage(ctx, m.ID)
		assert.Equal(t, "original", stored.Content)
	})

	t.Run("window expired", func(t *testing.T) {
		s, store, _, m := setup()
		s.now = func() time.Time { return m.CreatedAt.Add(editWindow + time.Second) }
		_, err := s.Edit(ctx, m.ID, "alice", "too late")
		assert.True(t, apperr.IsValidation(err))

		stored, _ := store.GetMessage(ctx, m.ID)
		assert.Equal(t, "original", stored.Content)
	})

	t.Run("exactly at window boundary still allowed", func(t *testing.T) {
		s, _, _, m := setup()
		s.now = func() time.Time { return m.CreatedAt.Add(editWindow) }
		_, err := s.Edit(ctx, m.ID, "alice", "just in time")
		assert.NoError(t, err)
	})

	t.Run("deleted message cannot be edited", func(t *testing.T) {
		s, _, _, m := setup()
		_, err := s.Delete(ctx, m.ID, "alice", false)
		require.NoError(t, err)
		_, err = s.Edit(ctx, m.ID, "alice", "no")
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("missing message", func(t *testing.T) {
		s, _, _, _ := setup()
		_, err := s.Edit(ctx, "nope", "alice", "x")
		assert.True(t, apperr.IsNotFound(err))
	})
}

func TestDeleteRules(t *testing.T) {
	ctx := context.Background()

	setup := func() (*Service, *fakeBroadcaster, *Message) {
		store := newFakeStore()
		s, b := newTestService(store)
		res, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
		require.NoError(t, err)
		return s, b, res.Message
	}

	t.Run("soft delete", func(t *testing.T) {
		s, b, m := setup()
		deleted, err := s.Delete(ctx, m.ID, "alice", false)
		require.NoError(t, err)
		require.NotNil(t, deleted.DeletedAt)
		assert.Equal(t, "alice", deleted.DeletedBy)

		calls := b.byEvent(EventMessageDeleted)
		require.NotEmpty(t, calls)
		payload := calls[0].Payload.(DeletedPayload)
		assert.False(t, payload.DeleteForEveryone)
	})

	t.Run("plain delete has no time bound", func(t *testing.T) {
		s, _, m := setup()
		s.now = func() time.Time { return m.CreatedAt.Add(48 * time.Hour) }
		_, err := s.Delete(ctx, m.ID, "alice", false)
		assert.NoError(t, err)
	})

	t.Run("delete for everyone within an hour", func(t *testing.T) {
		s, b, m := setup()
		s.now = func() time.Time { return m.CreatedAt.Add(59 * time.Minute) }
		_, err := s.Delete(ctx, m.ID, "alice", true)
		require.NoError(t, err)

		payload := b.byEvent(EventMessageDeleted)[0].Payload.(DeletedPayload)
		assert.True(t, payload.DeleteForEveryone)
	})

	t.Run("delete for everyone expired", func(t *testing.T) {
		s, _, m := setup()
		s.now = func() time.Time { return m.CreatedAt.Add(time.Hour + time.Second) }
		_, err := s.Delete(ctx, m.ID, "alice", true)
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("non-sender rejected", func(t *testing.T) {
		s, _, m := setup()
		_, err := s.Delete(ctx, m.ID, "bob", false)
		assert.True(t, apperr.IsUnauthorized(err))
	})

	t.Run("cannot delete twice", func(t *testing.T) {
		s, _, m := setup()
		_, err := s.Delete(ctx, m.ID, "alice", false)
		require.NoError(t, err)
		_, err = s.Delete(ctx, m.ID, "alice", false)
		assert.True(t, apperr.IsValidation(err))
	})
}

func TestReceiptMonotonic(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestService(store)
	ctx := context.Background()

	res, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	msgID := res.Message.ID

	require.NoError(t, s.MarkRead(ctx, msgID, "bob"))
	status, _ := store.receipt(msgID, "bob")
	assert.Equal(t, StatusRead, status)

	// A late DELIVERED upsert must not downgrade READ.
	require.NoError(t, store.UpsertReceipt(ctx, msgID, "bob", StatusDelivered))
	status, _ = store.receipt(msgID, "bob")
	assert.Equal(t, StatusRead, status)

	// Re-marking READ is a no-op in effect.
	require.NoError(t, s.MarkRead(ctx, msgID, "bob"))
	status, _ = store.receipt(msgID, "bob")
	assert.Equal(t, StatusRead, status)
}

func TestMarkReadBroadcasts(t *testing.T) {
	store := newFakeStore()
	s, b := newTestService(store)
	ctx := context.Background()

	res, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.MarkRead(ctx, res.Message.ID, "bob"))

	reads := b.byEvent(EventMessageRead)
	require.Len(t, reads, 2) // both participants' rooms
	confirmed := b.byEvent(EventMessageReadConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, UserRoom("alice"), confirmed[0].Room)

	t.Run("sender reading own message is a no-op", func(t *testing.T) {
		before := len(b.byEvent(EventMessageRead))
		require.NoError(t, s.MarkRead(ctx, res.Message.ID, "alice"))
		assert.Len(t, b.byEvent(EventMessageRead), before)
	})

	t.Run("missing message is NotFound", func(t *testing.T) {
		err := s.MarkRead(ctx, "ghost", "bob")
		assert.True(t, apperr.IsNotFound(err))
	})
}

func TestMarkReadRequiresParticipation(t *testing.T) {
	store := newFakeStore()
	store.groups["G"] = []string{"alice", "bob"}
	s, b := newTestService(store)
	ctx := context.Background()

	direct, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	grouped, err := s.Send(ctx, SendInput{SenderID: "alice", GroupID: "G", Content: "hi all"})
	require.NoError(t, err)

	t.Run("stranger cannot read a direct message", func(t *testing.T) {
		before := len(b.byEvent(EventMessageRead))
		err := s.MarkRead(ctx, direct.Message.ID, "mallory")
		assert.True(t, apperr.IsUnauthorized(err))
		_, ok := store.receipt(direct.Message.ID, "mallory")
		assert.False(t, ok, "no receipt row for a non-participant")
		assert.Len(t, b.byEvent(EventMessageRead), before)
	})

	t.Run("non-member cannot read a group message", func(t *testing.T) {
		err := s.MarkRead(ctx, grouped.Message.ID, "mallory")
		assert.True(t, apperr.IsUnauthorized(err))
		_, ok := store.receipt(grouped.Message.ID, "mallory")
		assert.False(t, ok)
	})

	t.Run("group member reads fine", func(t *testing.T) {
		require.NoError(t, s.MarkRead(ctx, grouped.Message.ID, "bob"))
		status, _ := store.receipt(grouped.Message.ID, "bob")
		assert.Equal(t, StatusRead, status)
	})

	t.Run("bulk marking skips non-participant silently", func(t *testing.T) {
		marked := s.MarkManyRead(ctx, []string{direct.Message.ID, grouped.Message.ID}, "mallory")
		assert.Empty(t, marked)
	})
}

func TestMarkManyReadPartialFailure(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestService(store)
	ctx := context.Background()

	r1, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "m1"})
	require.NoError(t, err)
	r3, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "m3"})
	require.NoError(t, err)

	// m2 does not exist; m1 and m3 must still be marked.
	marked := s.MarkManyRead(ctx, []string{r1.Message.ID, "missing-m2", r3.Message.ID}, "bob")
	assert.ElementsMatch(t, []string{r1.Message.ID, r3.Message.ID}, marked)

	status, _ := store.receipt(r1.Message.ID, "bob")
	assert.Equal(t, StatusRead, status)
	status, _ = store.receipt(r3.Message.ID, "bob")
	assert.Equal(t, StatusRead, status)
}

func TestMarkManyReadUpsertFailureIsolated(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestService(store)
	ctx := context.Background()

	r1, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "m1"})
	require.NoError(t, err)
	r2, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "m2"})
	require.NoError(t, err)

	store.mu.Lock()
	store.receiptErr[r2.Message.ID] = fmt.Errorf("disk on fire")
	store.mu.Unlock()

	marked := s.MarkManyRead(ctx, []string{r1.Message.ID, r2.Message.ID}, "bob")
	assert.Equal(t, []string{r1.Message.ID}, marked)
}

func TestGroupSendScenario(t *testing.T) {
	// User A sends {groupId: G, content: "hi"} with no conversation: message
	// persists with groupId=G and no conversation id, DELIVERED receipts for
	// every member.
	store := newFakeStore()
	store.groups["G"] = []string{"a", "b", "c"}
	s, _ := newTestService(store)

	res, err := s.Send(context.Background(), SendInput{SenderID: "a", GroupID: "G", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "G", res.Message.GroupID)
	assert.Empty(t, res.ConversationID)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, res.Participants)
	for _, p := range res.Participants {
		status, ok := store.receipt(res.Message.ID, p)
		require.True(t, ok, "participant %s missing receipt", p)
		assert.Equal(t, StatusDelivered, status)
	}
}

func TestUnreadCountExcludesOwnMessages(t *testing.T) {
	store := newFakeStore()
	s, _ := newTestService(store)
	ctx := context.Background()

	res, err := s.Send(ctx, SendInput{SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	conv := res.ConversationID

	// Bob has one unread; Alice (the sender) has none despite her own
	// DELIVERED receipt row.
	n, err := s.UnreadCount(ctx, "bob", DirectTarget(conv))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.UnreadCount(ctx, "alice", DirectTarget(conv))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.MarkRead(ctx, res.Message.ID, "bob"))
	n, err = s.UnreadCount(ctx, "bob", DirectTarget(conv))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []Notification
	done  chan struct{}
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n Notification) (DispatchResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, n)
	d.mu.Unlock()
	close(d.done)
	return DispatchResult{Queued: len(n.RecipientIDs)}, nil
}

func TestPushExcludesSender(t *testing.T) {
	store := newFakeStore()
	store.groups["G"] = []string{"a", "b", "c"}
	d := &recordingDispatcher{done: make(chan struct{})}
	s := NewService(store, &fakeBroadcaster{}, d, zap.NewNop().Sugar())

	_, err := s.Send(context.Background(), SendInput{SenderID: "a", GroupID: "G", Content: "hi"})
	require.NoError(t, err)

	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("push dispatch never happened")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.calls, 1)
	assert.ElementsMatch(t, []string{"b", "c"}, d.calls[0].RecipientIDs)
}
