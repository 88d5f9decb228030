package feed

import (
	"sync"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/observability"
)

type EventType string

const (
	EventStatus   EventType = "status_change"
	EventLocation EventType = "location_update"
	EventRoute    EventType = "route_update"
	EventMessage  EventType = "message"
	EventTyping   EventType = "typing"
	EventPresence EventType = "presence"
	EventRead     EventType = "read_receipt"
	EventEnded    EventType = "session_ended"
)

// Event is one row-level mutation fanned out to subscribers of its topic.
type Event struct {
	Topic   string    `json:"topic"`
	Type    EventType `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

func DeliveryTopic(deliveryID string) string { return "delivery:" + deliveryID }
func ChatTopic(chatID string) string         { return "chat:" + chatID }

// Bus fans out events by topic. Guarantees: per-topic ordering for each
// subscriber, and the publisher never blocks on a slow consumer.
type Bus interface {
	Publish(e Event)
	// Subscribe returns a receive channel and a cancel func. Cancel is
	// idempotent and closes the channel.
	Subscribe(topic string) (<-chan Event, func())
}

const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	once   sync.Once
	parent *ChannelBus
	topic  string
}

func (s *subscriber) cancel() {
	s.once.Do(func() {
		s.parent.remove(s.topic, s)
	})
}

// ChannelBus is the in-process Bus used by a single-instance deployment and
// by tests. A subscriber that falls subscriberBuffer events behind starts
// losing the oldest ones; active subscribers see every event in order.
type ChannelBus struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

func NewChannelBus() *ChannelBus {
	return &ChannelBus{subs: make(map[string][]*subscriber)}
}

func (b *ChannelBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	observability.FeedPublished.Inc()

	// Sends stay under the read lock: remove closes subscriber channels under
	// the write lock, so a send can never race the close. The sends are
	// non-blocking, so holding the lock through the loop is cheap.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[e.Topic] {
		select {
		case s.ch <- e:
		default:
			// Slow subscriber: shed the oldest event to keep ordering of the
			// rest rather than blocking every other consumer.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- e:
			default:
			}
		}
	}
}

func (b *ChannelBus) Subscribe(topic string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer), parent: b, topic: topic}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	b.mu.Unlock()
	return s.ch, s.cancel
}

func (b *ChannelBus) remove(topic string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s == target {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	// Closed under the same lock Publish sends under; once we get here no
	// sender can still hold a reference to the channel.
	close(target.ch)
}
