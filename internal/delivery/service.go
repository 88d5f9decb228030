package delivery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/chat"
	"github.com/clintjeff2/seamless-deliveries/internal/feed"
	"github.com/clintjeff2/seamless-deliveries/internal/location"
	"github.com/clintjeff2/seamless-deliveries/internal/models"
	"github.com/clintjeff2/seamless-deliveries/internal/observability"
	"github.com/clintjeff2/seamless-deliveries/internal/storage"
)

var (
	// ErrInvalidTransition covers any illegal lifecycle move, including
	// advancing or cancelling a terminal delivery.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnauthorized means the actor may not perform this transition.
	ErrUnauthorized = errors.New("actor not authorized for transition")
	// ErrStaleWrite is handed to the loser of a concurrent status advance.
	// The caller must re-read current state before retrying.
	ErrStaleWrite = errors.New("delivery already transitioned")

	ErrNotFound = storage.ErrNotFound
)

// Service owns the delivery lifecycle: validated transitions, their side
// effects, and the change events other components consume.
type Service struct {
	store  storage.Backend
	stream *location.Stream
	chats  *chat.Service
	bus    feed.Bus
	logger *slog.Logger

	orderRetries int
	orderBackoff time.Duration

	now func() time.Time
}

func NewService(store storage.Backend, stream *location.Stream, chats *chat.Service, bus feed.Bus, logger *slog.Logger, orderRetries int, orderBackoff time.Duration) *Service {
	return &Service{
		store:        store,
		stream:       stream,
		chats:        chats,
		bus:          bus,
		logger:       logger,
		orderRetries: orderRetries,
		orderBackoff: orderBackoff,
		now:          time.Now,
	}
}

// CreateCommand carries everything known once an order is placed and a
// transport selected.
type CreateCommand struct {
	OrderID     string
	TransportID string
	DriverID    string
	CustomerID  string
	BusinessID  string
	Pickup      models.Coord
	Destination models.Coord
	DeliveryFee int64
}

// Create registers a new delivery in pending. The pickup-to-destination
// distance is captured once here; progress math depends on it staying fixed.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Delivery, error) {
	now := s.now()
	d := &models.Delivery{
		ID:                 newID(),
		OrderID:            cmd.OrderID,
		TransportID:        cmd.TransportID,
		DriverID:           cmd.DriverID,
		CustomerID:         cmd.CustomerID,
		BusinessID:         cmd.BusinessID,
		Status:             models.StatusPending,
		Pickup:             cmd.Pickup,
		Destination:        cmd.Destination,
		OriginalDistanceKm: s.stream.RouteDistanceKm(ctx, cmd.Pickup, cmd.Destination),
		DeliveryFee:        cmd.DeliveryFee,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateDelivery(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// AdvanceStatus moves the delivery one step forward on behalf of actor.
// Exactly one of two racing calls wins; the loser gets ErrStaleWrite.
func (s *Service) AdvanceStatus(ctx context.Context, deliveryID string, actor models.ActorType, actorID string) (*models.Delivery, error) {
	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}

	next, ok := NextStatus(d.Status)
	if !ok {
		return nil, ErrInvalidTransition
	}
	if err := authorizeAdvance(d, next, actor, actorID); err != nil {
		return nil, err
	}

	won, err := s.store.UpdateDeliveryStatus(ctx, d.ID, d.Status, next, d.StatusVersion)
	if err != nil {
		return nil, err
	}
	if !won {
		observability.StaleWrites.Inc()
		return nil, ErrStaleWrite
	}

	s.applySideEffects(ctx, d, next, actor, actorID)

	return s.store.GetDelivery(ctx, deliveryID)
}

// Cancel is the side exit, allowed from any non-terminal state for any party
// to the delivery.
func (s *Service) Cancel(ctx context.Context, deliveryID string, actor models.ActorType, actorID string) (*models.Delivery, error) {
	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(d.Status) {
		return nil, ErrInvalidTransition
	}
	if !isParty(d, actorID) && actor != models.ActorSystem {
		return nil, ErrUnauthorized
	}

	won, err := s.store.UpdateDeliveryStatus(ctx, d.ID, d.Status, models.StatusCancelled, d.StatusVersion)
	if err != nil {
		return nil, err
	}
	if !won {
		observability.StaleWrites.Inc()
		return nil, ErrStaleWrite
	}

	s.applySideEffects(ctx, d, models.StatusCancelled, actor, actorID)

	return s.store.GetDelivery(ctx, deliveryID)
}

// Get returns the subscriber-facing coordination view.
func (s *Service) Get(ctx context.Context, deliveryID string) (models.TrackingView, error) {
	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return models.TrackingView{}, err
	}
	return s.stream.View(d), nil
}

func (s *Service) applySideEffects(ctx context.Context, d *models.Delivery, next models.DeliveryStatus, actor models.ActorType, actorID string) {
	now := s.now()

	switch next {
	case models.StatusAccepted:
		// Two named participants exist from here on; the chat is created
		// lazily but its lifecycle starts with the assignment.
		if d.DriverID != "" {
			if _, err := s.chats.Ensure(ctx, d.ID, d.CustomerID, d.DriverID); err != nil {
				s.logger.Warn("chat create failed", "delivery_id", d.ID, "error", err)
			} else if _, err := s.chats.SystemMessage(ctx, d.ID, "A driver has been assigned to your delivery."); err != nil {
				s.logger.Warn("system notice failed", "delivery_id", d.ID, "error", err)
			}
		}
	case models.StatusInTransit:
		// Capture a location fix if the device already reported one.
		if c, at, ok := s.stream.LastFix(ctx, d.ID); ok {
			if err := s.store.SetCurrentPosition(ctx, d.ID, c, at); err != nil {
				s.logger.Warn("fix capture failed", "delivery_id", d.ID, "error", err)
			}
		}
	case models.StatusDelivered:
		s.completeOrder(d.ID, d.OrderID)
	}

	if IsTerminal(next) {
		if err := s.store.ClearCurrentPosition(ctx, d.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("clear position failed", "delivery_id", d.ID, "error", err)
		}
		s.stream.EndSession(ctx, d.ID)
		if err := s.chats.End(ctx, d.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("chat end failed", "delivery_id", d.ID, "error", err)
		}
	}

	ev := models.TransitionEvent{
		DeliveryID: d.ID,
		From:       d.Status,
		To:         next,
		Actor:      actor,
		ActorID:    actorID,
		CreatedAt:  now,
	}
	if err := s.store.AppendTransitionEvent(ctx, ev); err != nil {
		s.logger.Warn("transition event append failed", "delivery_id", d.ID, "error", err)
	}

	observability.StatusTransitions.WithLabelValues(string(next)).Inc()
	s.bus.Publish(feed.Event{
		Topic:   feed.DeliveryTopic(d.ID),
		Type:    feed.EventStatus,
		At:      now,
		Payload: ev,
	})
}

// completeOrder pairs the delivered status with the parent order flip. The
// first attempt is synchronous; failures are reconciled by a bounded retry
// loop so a terminal delivery is never left pointing at an open order beyond
// the retry window.
func (s *Service) completeOrder(deliveryID, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := s.store.MarkOrderCompleted(ctx, orderID)
	cancel()
	if err == nil {
		return
	}
	s.logger.Error("order completion failed, scheduling reconciliation",
		"delivery_id", deliveryID, "order_id", orderID, "error", err)

	go func() {
		backoff := s.orderBackoff
		for attempt := 1; attempt <= s.orderRetries; attempt++ {
			time.Sleep(backoff)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.store.MarkOrderCompleted(ctx, orderID)
			cancel()
			if err == nil {
				s.logger.Info("order completion reconciled", "order_id", orderID, "attempt", attempt)
				return
			}
			backoff *= 2
		}
		s.logger.Error("order completion reconciliation exhausted",
			"delivery_id", deliveryID, "order_id", orderID)
	}()
}

func authorizeAdvance(d *models.Delivery, next models.DeliveryStatus, actor models.ActorType, actorID string) error {
	switch actor {
	case models.ActorDriver:
		if d.DriverID == "" || actorID != d.DriverID {
			return ErrUnauthorized
		}
		return nil
	case models.ActorBusiness:
		if actorID != d.BusinessID || !prePickup(next) {
			return ErrUnauthorized
		}
		return nil
	default:
		// Customers never advance status directly.
		return ErrUnauthorized
	}
}

func isParty(d *models.Delivery, actorID string) bool {
	return actorID != "" && (actorID == d.CustomerID || actorID == d.DriverID || actorID == d.BusinessID)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
