package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/feed"
	"github.com/clintjeff2/seamless-deliveries/internal/geo"
	"github.com/clintjeff2/seamless-deliveries/internal/models"
	"github.com/clintjeff2/seamless-deliveries/internal/observability"
	"github.com/clintjeff2/seamless-deliveries/internal/routing"
	"github.com/clintjeff2/seamless-deliveries/internal/storage"
)

var (
	// ErrInactive rejects samples for deliveries outside the accepting set.
	ErrInactive = errors.New("delivery not accepting location samples")
	// ErrNotDriver rejects samples from anyone but the assigned driver.
	ErrNotDriver = errors.New("sample not from assigned driver")
	// ErrStaleSample rejects fixes older than the staleness bound.
	ErrStaleSample = errors.New("sample too old")
	// ErrPermissionRevoked marks a tracking session killed by the device
	// denying location access.
	ErrPermissionRevoked = errors.New("device location permission revoked")
)

// Publisher is the optional pipeline sink for accepted samples (Kafka in
// production).
type Publisher interface {
	PublishSample(s models.LocationSample) error
}

// Config is the stream acceptance policy.
type Config struct {
	MinInterval time.Duration
	MaxAge      time.Duration
	// AcceptEarly widens the accepting set from {in_transit} to also include
	// accepted and picked_up.
	AcceptEarly bool

	RouteCacheTTL  time.Duration
	CoordPrecision int
}

// Stream ingests driver position samples, applies the acceptance policy,
// persists the latest fix, and drives route recomputation. One session exists
// per actively tracked delivery; its route cache is never shared.
type Stream struct {
	store    storage.Backend
	live     geo.Live
	bus      feed.Bus
	producer Publisher // may be nil
	provider routing.Provider
	logger   *slog.Logger
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*session
	revoked  map[string]bool // deliveries whose device revoked location access

	now func() time.Time
}

type session struct {
	mu            sync.Mutex
	engine        *routing.Engine
	lastAccepted  time.Time
	lastRoutedKey string
	lastSnapshot  *routing.RouteSnapshot
	ended         bool
}

func NewStream(store storage.Backend, live geo.Live, bus feed.Bus, producer Publisher, provider routing.Provider, logger *slog.Logger, cfg Config) *Stream {
	return &Stream{
		store:    store,
		live:     live,
		bus:      bus,
		producer: producer,
		provider: provider,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[string]*session),
		revoked:  make(map[string]bool),
		now:      time.Now,
	}
}

// Push applies one position sample. The bool reports whether the sample was
// accepted; a nil error with accepted=false means it was quietly shed by the
// cadence limiter.
func (s *Stream) Push(ctx context.Context, sample models.LocationSample) (bool, error) {
	d, err := s.store.GetDelivery(ctx, sample.DeliveryID)
	if err != nil {
		return false, err
	}
	if !s.accepting(d.Status) {
		observability.SamplesDropped.WithLabelValues("inactive").Inc()
		return false, ErrInactive
	}
	if sample.DriverID != d.DriverID {
		observability.SamplesDropped.WithLabelValues("wrong_driver").Inc()
		return false, ErrNotDriver
	}
	if s.isRevoked(d.ID) {
		observability.SamplesDropped.WithLabelValues("permission_revoked").Inc()
		return false, ErrPermissionRevoked
	}

	now := s.now()
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = now
	}
	if now.Sub(sample.RecordedAt) > s.cfg.MaxAge {
		observability.SamplesDropped.WithLabelValues("stale").Inc()
		return false, ErrStaleSample
	}

	sess := s.session(d.ID)
	sess.mu.Lock()
	if sess.ended {
		sess.mu.Unlock()
		observability.SamplesDropped.WithLabelValues("ended").Inc()
		return false, ErrInactive
	}
	if !sess.lastAccepted.IsZero() && now.Sub(sess.lastAccepted) < s.cfg.MinInterval {
		sess.mu.Unlock()
		observability.SamplesDropped.WithLabelValues("rate_limited").Inc()
		return false, nil
	}
	sess.lastAccepted = now
	sess.mu.Unlock()

	coord := models.Coord{Lat: sample.Lat, Lon: sample.Lon}
	if err := s.store.SetCurrentPosition(ctx, d.ID, coord, sample.RecordedAt); err != nil {
		return false, err
	}
	if err := s.live.SetFix(ctx, d.ID, d.DriverID, coord, sample.RecordedAt); err != nil {
		s.logger.Warn("live fix write failed", "delivery_id", d.ID, "error", err)
	}
	// The delivery may have gone terminal while the writes above were in
	// flight. Storage rejects the stale position itself; the live fix is ours
	// to take back.
	sess.mu.Lock()
	ended := sess.ended
	sess.mu.Unlock()
	if ended {
		if err := s.live.ClearFix(ctx, d.ID); err != nil {
			s.logger.Warn("live fix clear failed", "delivery_id", d.ID, "error", err)
		}
		observability.SamplesDropped.WithLabelValues("ended").Inc()
		return false, ErrInactive
	}

	if s.producer != nil {
		if err := s.producer.PublishSample(sample); err != nil {
			s.logger.Warn("sample publish failed", "delivery_id", d.ID, "error", err)
		}
	}

	observability.SamplesAccepted.Inc()
	s.bus.Publish(feed.Event{
		Topic:   feed.DeliveryTopic(d.ID),
		Type:    feed.EventLocation,
		Payload: sample,
	})

	s.maybeRecompute(sess, d, coord)
	return true, nil
}

// maybeRecompute triggers the route engine only when the sample moved to a
// different rounded coordinate pair than the last routed one.
func (s *Stream) maybeRecompute(sess *session, d *models.Delivery, coord models.Coord) {
	key := sess.engine.Key(coord, d.Destination)

	sess.mu.Lock()
	if sess.lastRoutedKey == key {
		sess.mu.Unlock()
		return
	}
	sess.lastRoutedKey = key
	sess.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		snap, _, err := sess.engine.Snapshot(ctx, coord, d.Destination)
		if err != nil {
			s.logger.Warn("route recompute failed", "delivery_id", d.ID, "error", err)
			return
		}

		sess.mu.Lock()
		if sess.ended {
			// The delivery finished while we were on the wire; the result is
			// discarded rather than applied.
			sess.mu.Unlock()
			return
		}
		sess.lastSnapshot = snap
		sess.mu.Unlock()

		view := s.buildView(d, &coord, snap)
		s.bus.Publish(feed.Event{
			Topic:   feed.DeliveryTopic(d.ID),
			Type:    feed.EventRoute,
			Payload: view,
		})
	}()
}

// View assembles the subscriber-facing snapshot for a delivery from its
// persisted state and the session's last computed route.
func (s *Stream) View(d *models.Delivery) models.TrackingView {
	sess := s.peekSession(d.ID)
	var snap *routing.RouteSnapshot
	if sess != nil {
		sess.mu.Lock()
		snap = sess.lastSnapshot
		sess.mu.Unlock()
	}
	return s.buildView(d, d.Current, snap)
}

func (s *Stream) buildView(d *models.Delivery, current *models.Coord, snap *routing.RouteSnapshot) models.TrackingView {
	view := models.TrackingView{
		DeliveryID: d.ID,
		Status:     d.Status,
		Current:    current,
	}
	if snap == nil {
		return view
	}

	remainingKm := snap.DistanceMeters / 1000.0
	view.DistanceMeters = snap.DistanceMeters
	view.ProgressPercent = routing.ProgressPercent(d.OriginalDistanceKm, remainingKm)
	view.Estimated = snap.Estimated
	if !snap.Estimated {
		view.DurationSeconds = snap.DurationSeconds
		view.TrafficDelaySeconds = routing.TrafficDelaySeconds(snap)
		view.Geometry = snap.Geometry
		if sess := s.peekSession(d.ID); sess != nil {
			view.ETA = sess.engine.ETA(snap)
		}
	}
	return view
}

// LastFix exposes the live store's latest fix for a delivery.
func (s *Stream) LastFix(ctx context.Context, deliveryID string) (models.Coord, time.Time, bool) {
	return s.live.LastFix(ctx, deliveryID)
}

// RouteDistanceKm resolves the driving distance between two points, falling
// back to straight-line when no provider is configured. Used once at delivery
// creation to capture the original distance.
func (s *Stream) RouteDistanceKm(ctx context.Context, from, to models.Coord) float64 {
	e := routing.NewEngine(s.provider, s.cfg.RouteCacheTTL, s.cfg.CoordPrecision)
	snap, _, err := e.Snapshot(ctx, from, to)
	if err != nil || snap == nil {
		return geo.HaversineKm(from, to)
	}
	return snap.DistanceMeters / 1000.0
}

// EndSession tears down tracking for a finished delivery. In-flight route
// computations are discarded, the live fix is dropped, and the route cache
// goes with the session.
func (s *Stream) EndSession(ctx context.Context, deliveryID string) {
	s.mu.Lock()
	sess, ok := s.sessions[deliveryID]
	delete(s.sessions, deliveryID)
	delete(s.revoked, deliveryID)
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.ended = true
	sess.engine.Invalidate()
	sess.mu.Unlock()

	if err := s.live.ClearFix(ctx, deliveryID); err != nil {
		s.logger.Warn("live fix clear failed", "delivery_id", deliveryID, "error", err)
	}
}

// ReportPermissionRevoked handles the device denying location access: fatal
// to the session, and the driver is forced offline so trackers never watch a
// stale dot.
func (s *Stream) ReportPermissionRevoked(ctx context.Context, deliveryID, driverID string) error {
	d, err := s.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if driverID != d.DriverID {
		return ErrNotDriver
	}

	if err := s.live.SetDriverOffline(ctx, driverID); err != nil {
		s.logger.Warn("driver offline write failed", "driver_id", driverID, "error", err)
	}
	if err := s.store.ClearCurrentPosition(ctx, deliveryID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("clear position failed", "delivery_id", deliveryID, "error", err)
	}
	s.EndSession(ctx, deliveryID)

	// Until the delivery itself finishes, further samples for it are rejected
	// with ErrPermissionRevoked rather than silently restarting a session.
	s.mu.Lock()
	s.revoked[deliveryID] = true
	s.mu.Unlock()

	s.bus.Publish(feed.Event{
		Topic:   feed.DeliveryTopic(deliveryID),
		Type:    feed.EventEnded,
		Payload: map[string]string{"reason": "location_permission_revoked"},
	})
	return nil
}

func (s *Stream) accepting(status models.DeliveryStatus) bool {
	if status == models.StatusInTransit {
		return true
	}
	if s.cfg.AcceptEarly {
		return status == models.StatusAccepted || status == models.StatusPickedUp
	}
	return false
}

func (s *Stream) session(deliveryID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[deliveryID]; ok {
		return sess
	}
	sess := &session{engine: routing.NewEngine(s.provider, s.cfg.RouteCacheTTL, s.cfg.CoordPrecision)}
	s.sessions[deliveryID] = sess
	return sess
}

func (s *Stream) isRevoked(deliveryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked[deliveryID]
}

func (s *Stream) peekSession(deliveryID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[deliveryID]
}
