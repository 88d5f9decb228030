package storage

import (
	"context"
	"sync"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// MemoryBackend is the in-memory Backend used when no PG_DSN is configured
// and throughout the test suite.
type MemoryBackend struct {
	mu         sync.RWMutex
	deliveries map[string]*models.Delivery
	events     []models.TransitionEvent
	orders     map[string]bool // orderID -> completed
	chats      map[string]*models.Chat
	messages   map[string][]models.Message
	msgSeq     int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		deliveries: make(map[string]*models.Delivery),
		orders:     make(map[string]bool),
		chats:      make(map[string]*models.Chat),
		messages:   make(map[string][]models.Message),
	}
}

func (m *MemoryBackend) CreateDelivery(_ context.Context, d *models.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deliveries[d.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetDelivery(_ context.Context, id string) (*models.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	if d.Current != nil {
		c := *d.Current
		cp.Current = &c
	}
	return &cp, nil
}

func (m *MemoryBackend) UpdateDeliveryStatus(_ context.Context, id string, from, to models.DeliveryStatus, version int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return false, ErrNotFound
	}
	if d.Status != from || d.StatusVersion != version {
		return false, nil
	}
	d.Status = to
	d.StatusVersion++
	d.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryBackend) SetCurrentPosition(_ context.Context, id string, c models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	// A write racing the terminal transition must not resurrect the position;
	// the status flip commits before the position is cleared.
	if d.Status.Terminal() {
		return nil
	}
	d.Current = &models.Coord{Lat: c.Lat, Lon: c.Lon}
	d.UpdatedAt = at
	return nil
}

func (m *MemoryBackend) ClearCurrentPosition(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Current = nil
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryBackend) AppendTransitionEvent(_ context.Context, e models.TransitionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryBackend) MarkOrderCompleted(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID] = true
	return nil
}

// OrderCompleted reports whether the order was flipped; test helper, not part
// of the Backend interface.
func (m *MemoryBackend) OrderCompleted(orderID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orders[orderID]
}

// TransitionEvents returns a copy of the audit trail; test helper.
func (m *MemoryBackend) TransitionEvents() []models.TransitionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TransitionEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *MemoryBackend) GetOrCreateChat(_ context.Context, deliveryID, customerID, driverID string) (*models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chats[deliveryID]; ok {
		cp := *c
		return &cp, nil
	}
	now := time.Now()
	c := &models.Chat{
		ID:     deliveryID,
		Status: models.ChatActive,
		Participants: models.Participants{
			Customer: models.Participant{UserID: customerID},
			Driver:   models.Participant{UserID: driverID},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.chats[deliveryID] = c
	cp := *c
	return &cp, nil
}

func (m *MemoryBackend) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryBackend) SetChatStatus(_ context.Context, chatID string, s models.ChatStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	c.Status = s
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryBackend) TouchPresence(_ context.Context, chatID, userID string, online bool, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	p := m.participant(c, userID)
	if p == nil {
		return ErrNotFound
	}
	p.IsOnline = online
	p.LastSeenAt = seenAt
	return nil
}

func (m *MemoryBackend) SetTypingUntil(_ context.Context, chatID, userID string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return ErrNotFound
	}
	p := m.participant(c, userID)
	if p == nil {
		return ErrNotFound
	}
	p.TypingUntil = until
	return nil
}

func (m *MemoryBackend) participant(c *models.Chat, userID string) *models.Participant {
	switch userID {
	case c.Participants.Customer.UserID:
		return &c.Participants.Customer
	case c.Participants.Driver.UserID:
		return &c.Participants.Driver
	}
	return nil
}

func (m *MemoryBackend) SaveMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[msg.ChatID]; !ok {
		return ErrNotFound
	}
	m.msgSeq++
	msg.ID = m.msgSeq
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], *msg)
	return nil
}

func (m *MemoryBackend) MessagesByChat(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[chatID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (m *MemoryBackend) MarkMessagesRead(_ context.Context, chatID, readerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flipped := 0
	msgs := m.messages[chatID]
	for i := range msgs {
		if msgs[i].SenderType != models.SenderSystem && msgs[i].SenderID != readerID && !msgs[i].IsRead {
			msgs[i].IsRead = true
			flipped++
		}
	}
	return flipped, nil
}

func (m *MemoryBackend) UnreadCount(_ context.Context, chatID, viewerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// System notices are informational; they never count toward the badge.
	n := 0
	for _, msg := range m.messages[chatID] {
		if msg.SenderType != models.SenderSystem && msg.SenderID != viewerID && !msg.IsRead {
			n++
		}
	}
	return n, nil
}
