package push

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nandankmr/pulse-api/internal/message"
)

// TokenStore resolves users to their registered device tokens and prunes
// tokens the broker permanently rejected.
type TokenStore interface {
	ListTokens(ctx context.Context, userID string) ([]string, error)
	DeleteTokens(ctx context.Context, tokens []string) error
}

// job is what the out-of-process notification worker consumes: one record
// per device token.
type job struct {
	Token          string    `json:"token"`
	UserID         string    `json:"userId"`
	SenderID       string    `json:"senderId"`
	MessageID      string    `json:"messageId"`
	Type           string    `json:"type"`
	Content        string    `json:"content,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	GroupID        string    `json:"groupId,omitempty"`
	ChatName       string    `json:"chatName,omitempty"`
	SentAt         time.Time `json:"sentAt"`
}

// KafkaDispatcher implements message.Dispatcher by publishing one push job
// per registered device token to the push topic. Delivery is best-effort:
// per-token failures are collected and the offending tokens deprecated, and
// nothing here ever fails the send that triggered it.
type KafkaDispatcher struct {
	writer *kafkago.Writer
	tokens TokenStore
	log    *zap.SugaredLogger
}

func NewKafkaDispatcher(brokers []string, topic string, tokens TokenStore, log *zap.SugaredLogger) *KafkaDispatcher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
	}
	return &KafkaDispatcher{writer: w, tokens: tokens, log: log}
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, n message.Notification) (message.DispatchResult, error) {
	var msgs []kafkago.Message
	var tokenByIndex []string

	for _, userID := range n.RecipientIDs {
		tokens, err := d.tokens.ListTokens(ctx, userID)
		if err != nil {
			d.log.Warnw("push: token lookup failed", "user", userID, "err", err)
			continue
		}
		for _, token := range tokens {
			value, err := json.Marshal(job{
				Token:          token,
				UserID:         userID,
				SenderID:       n.SenderID,
				MessageID:      n.Message.ID,
				Type:           string(n.Message.Type),
				Content:        n.Message.Content,
				ConversationID: n.ConversationID,
				GroupID:        n.Message.GroupID,
				ChatName:       n.ChatName,
				SentAt:         time.Now(),
			})
			if err != nil {
				continue
			}
			msgs = append(msgs, kafkago.Message{Key: []byte(userID), Value: value})
			tokenByIndex = append(tokenByIndex, token)
		}
	}
	if len(msgs) == 0 {
		return message.DispatchResult{}, nil
	}

	err := d.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return message.DispatchResult{Queued: len(msgs)}, nil
	}

	// kafka-go reports per-message outcomes; jobs the broker rejected
	// outright carry tokens we treat as dead and deprecate.
	var writeErrs kafkago.WriteErrors
	if !errors.As(err, &writeErrs) {
		return message.DispatchResult{}, err
	}

	res := message.DispatchResult{}
	for i, werr := range writeErrs {
		if werr == nil {
			res.Queued++
			continue
		}
		res.InvalidTokens = append(res.InvalidTokens, tokenByIndex[i])
	}
	if len(res.InvalidTokens) > 0 {
		if derr := d.tokens.DeleteTokens(ctx, res.InvalidTokens); derr != nil {
			d.log.Warnw("push: failed to deprecate tokens", "count", len(res.InvalidTokens), "err", derr)
		}
	}
	return res, nil
}
