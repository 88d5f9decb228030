package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/feed"
	"github.com/clintjeff2/seamless-deliveries/internal/models"
	"github.com/clintjeff2/seamless-deliveries/internal/storage"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestService(t *testing.T) (*Service, *fakeClock, *storage.MemoryBackend) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryBackend()
	svc := NewService(store, feed.NewChannelBus(), Config{
		OnlineWindow: 2 * time.Minute,
		AwayWindow:   10 * time.Minute,
		TypingQuiet:  2 * time.Second,
	}).WithClock(clk)
	return svc, clk, store
}

func ensureChat(t *testing.T, svc *Service) *models.Chat {
	t.Helper()
	c, err := svc.Ensure(context.Background(), "d1", "cust-1", "drv-1")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestEnsureIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	a := ensureChat(t, svc)
	b := ensureChat(t, svc)
	if a.ID != b.ID || b.Status != models.ChatActive {
		t.Fatalf("expected same active chat, got %+v vs %+v", a, b)
	}
}

func TestSendMessageAssignsServerTimeAndOrder(t *testing.T) {
	svc, clk, store := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	m1, err := svc.SendMessage(ctx, "d1", "cust-1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	m2, err := svc.SendMessage(ctx, "d1", "drv-1", "on my way")
	if err != nil {
		t.Fatal(err)
	}

	if !m1.CreatedAt.Equal(clk.t.Add(-time.Second)) || !m2.CreatedAt.Equal(clk.t) {
		t.Fatal("expected server-assigned timestamps")
	}
	if m1.SenderType != models.SenderCustomer || m2.SenderType != models.SenderDriver {
		t.Fatalf("sender types: %s %s", m1.SenderType, m2.SenderType)
	}

	msgs, _ := store.MessagesByChat(ctx, "d1")
	if len(msgs) != 2 || msgs[0].ID >= msgs[1].ID {
		t.Fatalf("expected ordered messages, got %+v", msgs)
	}
}

func TestSendMessageRejections(t *testing.T) {
	svc, _, _ := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	if _, err := svc.SendMessage(ctx, "d1", "stranger", "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := svc.SendMessage(ctx, "d1", "cust-1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	if err := svc.End(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SendMessage(ctx, "d1", "cust-1", "too late"); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive after end, got %v", err)
	}
}

func TestUnreadCountAndMarkRead(t *testing.T) {
	svc, _, store := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.SendMessage(ctx, "d1", "drv-1", "msg"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.SendMessage(ctx, "d1", "cust-1", "reply"); err != nil {
		t.Fatal(err)
	}

	// Customer sees the driver's three; driver sees the customer's one.
	if n, _ := store.UnreadCount(ctx, "d1", "cust-1"); n != 3 {
		t.Fatalf("customer unread = %d, want 3", n)
	}
	if n, _ := store.UnreadCount(ctx, "d1", "drv-1"); n != 1 {
		t.Fatalf("driver unread = %d, want 1", n)
	}

	flipped, err := svc.MarkRead(ctx, "d1", "cust-1")
	if err != nil || flipped != 3 {
		t.Fatalf("MarkRead = %d, %v", flipped, err)
	}
	if n, _ := store.UnreadCount(ctx, "d1", "cust-1"); n != 0 {
		t.Fatalf("unread after MarkRead = %d, want 0", n)
	}
	// The driver's unread is untouched.
	if n, _ := store.UnreadCount(ctx, "d1", "drv-1"); n != 1 {
		t.Fatalf("driver unread changed to %d", n)
	}
}

func TestSystemNoticesStayOutOfUnread(t *testing.T) {
	svc, _, store := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	if _, err := svc.SystemMessage(ctx, "d1", "A driver has been assigned to your delivery."); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.SendMessage(ctx, "d1", "drv-1", "on my way"); err != nil {
		t.Fatal(err)
	}

	// Only the driver's message counts toward the customer's badge.
	if n, _ := store.UnreadCount(ctx, "d1", "cust-1"); n != 1 {
		t.Fatalf("customer unread = %d, want 1", n)
	}
	flipped, err := svc.MarkRead(ctx, "d1", "cust-1")
	if err != nil || flipped != 1 {
		t.Fatalf("MarkRead = %d, %v", flipped, err)
	}
}

func TestTypingAutoClears(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	if err := svc.SetTyping(ctx, "d1", "drv-1", true); err != nil {
		t.Fatal(err)
	}
	view, err := svc.GetView(ctx, "d1", "cust-1")
	if err != nil {
		t.Fatal(err)
	}
	if !view.DriverTyping {
		t.Fatal("expected driver typing")
	}

	// No stop signal: the quiet period alone clears the flag.
	clk.Advance(3 * time.Second)
	view, _ = svc.GetView(ctx, "d1", "cust-1")
	if view.DriverTyping {
		t.Fatal("expected typing to auto-clear after quiet period")
	}
}

func TestTypingExtendedByKeystrokes(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	_ = svc.SetTyping(ctx, "d1", "drv-1", true)
	clk.Advance(1500 * time.Millisecond)
	_ = svc.SetTyping(ctx, "d1", "drv-1", true) // another keystroke
	clk.Advance(1500 * time.Millisecond)

	view, _ := svc.GetView(ctx, "d1", "cust-1")
	if !view.DriverTyping {
		t.Fatal("expected typing still set 1.5s after last keystroke")
	}
}

func TestPresenceDerivation(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	if err := svc.Heartbeat(ctx, "d1", "cust-1", true); err != nil {
		t.Fatal(err)
	}
	view, _ := svc.GetView(ctx, "d1", "drv-1")
	if view.CustomerPresence != models.PresenceOnline {
		t.Fatalf("expected online, got %s", view.CustomerPresence)
	}

	// Explicit sign-off, then recency windows take over.
	_ = svc.Heartbeat(ctx, "d1", "cust-1", false)
	view, _ = svc.GetView(ctx, "d1", "drv-1")
	if view.CustomerPresence != models.PresenceOnline {
		t.Fatalf("recent heartbeat should still read online, got %s", view.CustomerPresence)
	}

	clk.Advance(5 * time.Minute)
	view, _ = svc.GetView(ctx, "d1", "drv-1")
	if view.CustomerPresence != models.PresenceAway {
		t.Fatalf("expected away at 5m, got %s", view.CustomerPresence)
	}

	clk.Advance(10 * time.Minute)
	view, _ = svc.GetView(ctx, "d1", "drv-1")
	if view.CustomerPresence != models.PresenceOffline {
		t.Fatalf("expected offline at 15m, got %s", view.CustomerPresence)
	}
}

func TestPresenceIsSymmetric(t *testing.T) {
	svc, _, _ := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	_ = svc.Heartbeat(ctx, "d1", "drv-1", true)
	view, _ := svc.GetView(ctx, "d1", "cust-1")
	if view.DriverPresence != models.PresenceOnline {
		t.Fatalf("driver presence should derive the same way, got %s", view.DriverPresence)
	}
}

func TestArchiveRequiresEnded(t *testing.T) {
	svc, _, _ := newTestService(t)
	ensureChat(t, svc)
	ctx := context.Background()

	if err := svc.Archive(ctx, "d1"); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive archiving an active chat, got %v", err)
	}
	_ = svc.End(ctx, "d1")
	if err := svc.Archive(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
}

func TestMessageEventPublished(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	store := storage.NewMemoryBackend()
	bus := feed.NewChannelBus()
	svc := NewService(store, bus, Config{OnlineWindow: time.Minute, AwayWindow: 10 * time.Minute, TypingQuiet: 2 * time.Second}).WithClock(clk)

	if _, err := svc.Ensure(context.Background(), "d1", "cust-1", "drv-1"); err != nil {
		t.Fatal(err)
	}
	ch, cancel := bus.Subscribe(feed.ChatTopic("d1"))
	defer cancel()

	if _, err := svc.SendMessage(context.Background(), "d1", "cust-1", "hello"); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-ch:
		if e.Type != feed.EventMessage {
			t.Fatalf("expected message event, got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}
