package feed

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribeOrdering(t *testing.T) {
	b := NewChannelBus()
	ch, cancel := b.Subscribe(DeliveryTopic("d1"))
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Topic: DeliveryTopic("d1"), Type: EventLocation, Payload: i})
	}

	for i := 0; i < 5; i++ {
		select {
		case e := <-ch:
			if e.Payload.(int) != i {
				t.Fatalf("out of order: got %v at position %d", e.Payload, i)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := NewChannelBus()
	ch, cancel := b.Subscribe(ChatTopic("c1"))
	defer cancel()

	b.Publish(Event{Topic: ChatTopic("c2"), Type: EventMessage})
	select {
	case e := <-ch:
		t.Fatalf("received event for another topic: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCancelIsIdempotentAndClosesChannel(t *testing.T) {
	b := NewChannelBus()
	ch, cancel := b.Subscribe("t")
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	// Publishing after cancel must not panic or block.
	b.Publish(Event{Topic: "t"})
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	b := NewChannelBus()
	_, cancel := b.Subscribe("t")
	defer cancel()

	finished := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(Event{Topic: "t", Payload: i})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	// A disconnect (cancel) racing a publisher must never send on the closed
	// subscriber channel. Run under -race.
	b := NewChannelBus()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(Event{Topic: "t", Type: EventRoute})
			}
		}
	}()

	for i := 0; i < 500; i++ {
		ch, cancel := b.Subscribe("t")
		// Drain a little so the publisher interleaves with live sends.
		select {
		case <-ch:
		default:
		}
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestEventTimestampAssigned(t *testing.T) {
	b := NewChannelBus()
	ch, cancel := b.Subscribe("t")
	defer cancel()

	b.Publish(Event{Topic: "t"})
	e := <-ch
	if e.At.IsZero() {
		t.Fatal("expected publish to assign a timestamp")
	}
}
