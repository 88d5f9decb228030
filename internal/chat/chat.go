package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/feed"
	"github.com/clintjeff2/seamless-deliveries/internal/models"
	"github.com/clintjeff2/seamless-deliveries/internal/observability"
	"github.com/clintjeff2/seamless-deliveries/internal/storage"
)

var (
	// ErrInactive rejects messages to a chat that is ended or archived.
	ErrInactive = errors.New("chat not active")
	// ErrNotParticipant rejects callers who are not one of the two parties.
	ErrNotParticipant = errors.New("not a chat participant")
	// ErrEmptyMessage rejects blank content.
	ErrEmptyMessage = errors.New("empty message")
)

// Clock lets tests pin time; presence and typing are pure functions of it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds the derived-state windows.
type Config struct {
	OnlineWindow time.Duration // heartbeat recency counting as online
	AwayWindow   time.Duration // heartbeat recency counting as away
	TypingQuiet  time.Duration // keystroke silence before typing clears
}

// Service is the per-delivery two-party messaging channel with derived
// presence, TTL-style typing flags, and query-based unread counts.
type Service struct {
	store storage.Backend
	bus   feed.Bus
	clock Clock
	cfg   Config
}

func NewService(store storage.Backend, bus feed.Bus, cfg Config) *Service {
	return &Service{store: store, bus: bus, clock: systemClock{}, cfg: cfg}
}

// WithClock swaps the time source; test hook.
func (s *Service) WithClock(c Clock) *Service {
	s.clock = c
	return s
}

// Ensure lazily creates the chat for a delivery once both participants are
// known. Idempotent.
func (s *Service) Ensure(ctx context.Context, deliveryID, customerID, driverID string) (*models.Chat, error) {
	return s.store.GetOrCreateChat(ctx, deliveryID, customerID, driverID)
}

// End marks the chat ended; messages stop, history stays readable.
func (s *Service) End(ctx context.Context, chatID string) error {
	if err := s.store.SetChatStatus(ctx, chatID, models.ChatEnded); err != nil {
		return err
	}
	s.bus.Publish(feed.Event{
		Topic:   feed.ChatTopic(chatID),
		Type:    feed.EventEnded,
		At:      s.clock.Now(),
		Payload: map[string]string{"status": string(models.ChatEnded)},
	})
	return nil
}

// Archive moves an ended chat to cold storage state.
func (s *Service) Archive(ctx context.Context, chatID string) error {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if c.Status != models.ChatEnded {
		return ErrInactive
	}
	return s.store.SetChatStatus(ctx, chatID, models.ChatArchived)
}

// SendMessage appends a message with a server-assigned timestamp. Client
// clocks are never trusted for ordering.
func (s *Service) SendMessage(ctx context.Context, chatID, senderID, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ChatActive {
		return nil, ErrInactive
	}
	senderType, ok := senderTypeOf(c, senderID)
	if !ok {
		return nil, ErrNotParticipant
	}

	m := &models.Message{
		ChatID:     chatID,
		SenderType: senderType,
		SenderID:   senderID,
		Content:    content,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.SaveMessage(ctx, m); err != nil {
		return nil, err
	}

	// Sending implies presence and ends the sender's typing state.
	_ = s.store.TouchPresence(ctx, chatID, senderID, true, m.CreatedAt)
	_ = s.store.SetTypingUntil(ctx, chatID, senderID, time.Time{})

	observability.MessagesSent.Inc()
	s.bus.Publish(feed.Event{
		Topic:   feed.ChatTopic(chatID),
		Type:    feed.EventMessage,
		At:      m.CreatedAt,
		Payload: m,
	})
	return m, nil
}

// SystemMessage appends an automated notice (assignment, status changes).
func (s *Service) SystemMessage(ctx context.Context, chatID, content string) (*models.Message, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ChatActive {
		return nil, ErrInactive
	}
	m := &models.Message{
		ChatID:     chatID,
		SenderType: models.SenderSystem,
		Content:    content,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.SaveMessage(ctx, m); err != nil {
		return nil, err
	}
	s.bus.Publish(feed.Event{
		Topic:   feed.ChatTopic(chatID),
		Type:    feed.EventMessage,
		At:      m.CreatedAt,
		Payload: m,
	})
	return m, nil
}

// SetTyping records keystroke activity. The flag is a server-side deadline:
// it self-clears after the quiet period without needing a stop signal.
func (s *Service) SetTyping(ctx context.Context, chatID, userID string, typing bool) error {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if _, ok := senderTypeOf(c, userID); !ok {
		return ErrNotParticipant
	}

	var until time.Time
	if typing {
		until = s.clock.Now().Add(s.cfg.TypingQuiet)
	}
	if err := s.store.SetTypingUntil(ctx, chatID, userID, until); err != nil {
		return err
	}
	s.bus.Publish(feed.Event{
		Topic:   feed.ChatTopic(chatID),
		Type:    feed.EventTyping,
		At:      s.clock.Now(),
		Payload: map[string]any{"user_id": userID, "is_typing": typing},
	})
	return nil
}

// MarkRead batch-marks the other party's messages read, as happens when the
// viewer opens or focuses the chat.
func (s *Service) MarkRead(ctx context.Context, chatID, readerID string) (int, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if _, ok := senderTypeOf(c, readerID); !ok {
		return 0, ErrNotParticipant
	}

	n, err := s.store.MarkMessagesRead(ctx, chatID, readerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.bus.Publish(feed.Event{
			Topic:   feed.ChatTopic(chatID),
			Type:    feed.EventRead,
			At:      s.clock.Now(),
			Payload: map[string]any{"reader_id": readerID, "count": n},
		})
	}
	return n, nil
}

// Heartbeat refreshes a participant's presence. online=false is an explicit
// sign-off; recency still applies either way.
func (s *Service) Heartbeat(ctx context.Context, chatID, userID string, online bool) error {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if _, ok := senderTypeOf(c, userID); !ok {
		return ErrNotParticipant
	}
	now := s.clock.Now()
	if err := s.store.TouchPresence(ctx, chatID, userID, online, now); err != nil {
		return err
	}
	p := models.Participant{UserID: userID, IsOnline: online, LastSeenAt: now}
	s.bus.Publish(feed.Event{
		Topic:   feed.ChatTopic(chatID),
		Type:    feed.EventPresence,
		At:      now,
		Payload: map[string]any{"user_id": userID, "presence": s.PresenceOf(p)},
	})
	return nil
}

// PresenceOf derives online/away/offline from heartbeat recency, symmetric
// for both parties.
func (s *Service) PresenceOf(p models.Participant) models.Presence {
	since := s.clock.Now().Sub(p.LastSeenAt)
	if p.IsOnline || since < s.cfg.OnlineWindow {
		return models.PresenceOnline
	}
	if since < s.cfg.AwayWindow {
		return models.PresenceAway
	}
	return models.PresenceOffline
}

// IsTyping derives the flag from the deadline; no timer fires, no stop event
// is needed.
func (s *Service) IsTyping(p models.Participant) bool {
	return s.clock.Now().Before(p.TypingUntil)
}

// View is the full chat state a subscriber renders: ordered messages plus
// derived presence, typing, and unread count for the viewer.
type View struct {
	Chat        models.Chat      `json:"chat"`
	Messages    []models.Message `json:"messages"`
	UnreadCount int              `json:"unread_count"`

	CustomerPresence models.Presence `json:"customer_presence"`
	DriverPresence   models.Presence `json:"driver_presence"`
	CustomerTyping   bool            `json:"customer_typing"`
	DriverTyping     bool            `json:"driver_typing"`
}

func (s *Service) GetView(ctx context.Context, chatID, viewerID string) (View, error) {
	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return View{}, err
	}
	if _, ok := senderTypeOf(c, viewerID); !ok {
		return View{}, ErrNotParticipant
	}

	msgs, err := s.store.MessagesByChat(ctx, chatID)
	if err != nil {
		return View{}, err
	}
	unread, err := s.store.UnreadCount(ctx, chatID, viewerID)
	if err != nil {
		return View{}, err
	}

	return View{
		Chat:             *c,
		Messages:         msgs,
		UnreadCount:      unread,
		CustomerPresence: s.PresenceOf(c.Participants.Customer),
		DriverPresence:   s.PresenceOf(c.Participants.Driver),
		CustomerTyping:   s.IsTyping(c.Participants.Customer),
		DriverTyping:     s.IsTyping(c.Participants.Driver),
	}, nil
}

func senderTypeOf(c *models.Chat, userID string) (models.SenderType, bool) {
	switch userID {
	case c.Participants.Customer.UserID:
		return models.SenderCustomer, true
	case c.Participants.Driver.UserID:
		return models.SenderDriver, true
	}
	return "", false
}

