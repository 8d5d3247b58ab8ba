package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Frame is a room broadcast in transit between server processes.
type Frame struct {
	Room    string          `json:"room"` // empty means every connection
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Exclude string          `json:"exclude,omitempty"` // connection id to skip
}

// Backplane replicates room broadcasts across server processes. Its absence
// degrades the hub to single-process, in-memory delivery; the Broadcaster
// contract is identical either way.
type Backplane interface {
	Publish(ctx context.Context, f Frame) error
	Subscribe(ctx context.Context) <-chan Frame
}

// RedisBackplane carries frames over one Redis pub/sub channel shared by all
// processes.
type RedisBackplane struct {
	client  *redis.Client
	channel string
	log     *zap.SugaredLogger
}

func NewRedisBackplane(client *redis.Client, channel string, log *zap.SugaredLogger) *RedisBackplane {
	return &RedisBackplane{client: client, channel: channel, log: log}
}

func (b *RedisBackplane) Publish(ctx context.Context, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBackplane) Subscribe(ctx context.Context) <-chan Frame {
	pubsub := b.client.Subscribe(ctx, b.channel)
	out := make(chan Frame, 256)

	go func() {
		defer close(out)
		defer pubsub.Close()
		for msg := range pubsub.Channel() {
			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.log.Warnw("backplane: dropping malformed frame", "err", err)
				continue
			}
			out <- f
		}
	}()
	return out
}
