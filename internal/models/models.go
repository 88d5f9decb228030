package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DeliveryStatus is the canonical delivery lifecycle. The happy path is
// strictly linear; cancelled is a side exit from any non-terminal state.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusAccepted  DeliveryStatus = "accepted"
	StatusPickedUp  DeliveryStatus = "picked_up"
	StatusInTransit DeliveryStatus = "in_transit"
	StatusDelivered DeliveryStatus = "delivered"
	StatusCancelled DeliveryStatus = "cancelled"
)

// Terminal reports whether the status is an end state. Terminal deliveries
// never carry a live position.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// ActorType identifies who is asking for a mutation.
type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorBusiness ActorType = "business"
	ActorDriver   ActorType = "driver"
	ActorSystem   ActorType = "system"
)

type Delivery struct {
	ID                 string         `json:"id"`
	OrderID            string         `json:"order_id"`
	TransportID        string         `json:"transport_id,omitempty"`
	DriverID           string         `json:"driver_id,omitempty"`
	CustomerID         string         `json:"customer_id"`
	BusinessID         string         `json:"business_id"`
	Status             DeliveryStatus `json:"status"`
	StatusVersion      int            `json:"status_version"`
	Pickup             Coord          `json:"pickup"`
	Destination        Coord          `json:"destination"`
	Current            *Coord         `json:"current,omitempty"`
	OriginalDistanceKm float64        `json:"original_distance_km"`
	DeliveryFee        int64          `json:"delivery_fee"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// LocationSample is one driver position fix as received from the device,
// before any acceptance policy has been applied.
type LocationSample struct {
	DeliveryID string    `json:"delivery_id"`
	DriverID   string    `json:"driver_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	RecordedAt time.Time `json:"recorded_at"`
}

type TransitionEvent struct {
	DeliveryID string         `json:"delivery_id"`
	From       DeliveryStatus `json:"from"`
	To         DeliveryStatus `json:"to"`
	Actor      ActorType      `json:"actor"`
	ActorID    string         `json:"actor_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type ChatStatus string

const (
	ChatActive   ChatStatus = "active"
	ChatEnded    ChatStatus = "ended"
	ChatArchived ChatStatus = "archived"
)

type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderDriver   SenderType = "driver"
	SenderSystem   SenderType = "system"
)

// Chat is keyed 1:1 by delivery id and always has exactly two participants.
type Chat struct {
	ID           string       `json:"id"` // delivery id
	Status       ChatStatus   `json:"status"`
	Participants Participants `json:"participants"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type Participants struct {
	Customer Participant `json:"customer"`
	Driver   Participant `json:"driver"`
}

type Participant struct {
	UserID      string    `json:"user_id"`
	IsOnline    bool      `json:"is_online"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	TypingUntil time.Time `json:"-"`
}

// Presence is derived from heartbeat recency, never pushed by clients.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceAway    Presence = "away"
	PresenceOffline Presence = "offline"
)

// Message is immutable once written except for the IsRead flip.
type Message struct {
	ID         int64      `json:"id"`
	ChatID     string     `json:"chat_id"`
	SenderType SenderType `json:"sender_type"`
	SenderID   string     `json:"sender_id"`
	Content    string     `json:"content"`
	IsRead     bool       `json:"is_read"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TrackingView is what a delivery subscriber sees: the coordination state
// plus whatever route data is currently available.
type TrackingView struct {
	DeliveryID          string         `json:"delivery_id"`
	Status              DeliveryStatus `json:"status"`
	Current             *Coord         `json:"current,omitempty"`
	DistanceMeters      float64        `json:"distance_meters,omitempty"`
	DurationSeconds     float64        `json:"duration_seconds,omitempty"`
	TrafficDelaySeconds float64        `json:"traffic_delay_seconds,omitempty"`
	ProgressPercent     float64        `json:"progress_percent"`
	ETA                 *time.Time     `json:"eta,omitempty"`
	Geometry            string         `json:"geometry,omitempty"`
	Estimated           bool           `json:"estimated,omitempty"`
}
