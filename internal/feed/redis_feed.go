package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBus bridges the in-process bus over Redis Pub/Sub so that every API
// instance sees mutations applied on any other instance. Local subscribers
// still get per-topic ordering; cross-instance delivery is at-least-once to
// active subscribers, which is all the trackers need.
type RedisBus struct {
	client *redis.Client
	ns     string
	local  *ChannelBus
	logger *slog.Logger
}

func NewRedisBus(client *redis.Client, namespace string, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, ns: namespace, local: NewChannelBus(), logger: logger}
}

func (b *RedisBus) Publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("feed marshal failed", "topic", e.Topic, "error", err)
		return
	}
	if err := b.client.Publish(context.Background(), b.channel(e.Topic), payload).Err(); err != nil {
		b.logger.Warn("redis publish failed, delivering locally only", "topic", e.Topic, "error", err)
		b.local.Publish(e)
	}
}

func (b *RedisBus) Subscribe(topic string) (<-chan Event, func()) {
	return b.local.Subscribe(topic)
}

// Run pumps Redis pattern-subscription messages into the local bus until ctx
// is cancelled. It must be running for Subscribe channels to see anything.
func (b *RedisBus) Run(ctx context.Context) {
	sub := b.client.PSubscribe(ctx, b.ns+":*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.Warn("feed decode failed", "channel", msg.Channel, "error", err)
				continue
			}
			if e.Topic == "" {
				e.Topic = strings.TrimPrefix(msg.Channel, b.ns+":")
			}
			b.local.Publish(e)
		}
	}
}

func (b *RedisBus) channel(topic string) string { return b.ns + ":" + topic }
