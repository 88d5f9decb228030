package storage

import (
	"context"
	"errors"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
)

// Backend is the durable store behind the coordination core. Two
// implementations exist: Postgres for real deployments and Memory for local
// runs and tests. The choice is made once at startup, never inside business
// logic.
type Backend interface {
	CreateDelivery(ctx context.Context, d *models.Delivery) error
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	// UpdateDeliveryStatus is a conditional write keyed on the expected
	// current (status, version). It reports false when a concurrent writer
	// got there first; the caller surfaces that as a stale-write conflict.
	UpdateDeliveryStatus(ctx context.Context, id string, from, to models.DeliveryStatus, version int) (bool, error)
	SetCurrentPosition(ctx context.Context, id string, c models.Coord, at time.Time) error
	ClearCurrentPosition(ctx context.Context, id string) error
	AppendTransitionEvent(ctx context.Context, e models.TransitionEvent) error

	// MarkOrderCompleted flips the parent order when a delivery terminates
	// successfully. Paired with the delivery-status write by a compensating
	// retry, not a cross-table transaction.
	MarkOrderCompleted(ctx context.Context, orderID string) error

	GetOrCreateChat(ctx context.Context, deliveryID, customerID, driverID string) (*models.Chat, error)
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	SetChatStatus(ctx context.Context, chatID string, s models.ChatStatus) error
	TouchPresence(ctx context.Context, chatID, userID string, online bool, seenAt time.Time) error
	SetTypingUntil(ctx context.Context, chatID, userID string, until time.Time) error

	SaveMessage(ctx context.Context, m *models.Message) error
	MessagesByChat(ctx context.Context, chatID string) ([]models.Message, error)
	// MarkMessagesRead batch-marks every message in the chat not authored by
	// readerID as read, returning how many flipped.
	MarkMessagesRead(ctx context.Context, chatID, readerID string) (int, error)
	// UnreadCount is always a live query, never a stored counter.
	UnreadCount(ctx context.Context, chatID, viewerID string) (int, error)
}
