package routing

import (
	"context"
	"errors"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/geo"
	"github.com/clintjeff2/seamless-deliveries/internal/models"
	"github.com/clintjeff2/seamless-deliveries/internal/observability"
)

// ErrProviderUnavailable marks a routing provider failure. Callers degrade to
// the straight-line estimate instead of blocking on it.
var ErrProviderUnavailable = errors.New("routing provider unavailable")

// RouteSnapshot is a computed route for one (origin, destination) pair. It is
// ephemeral, owned by the engine's cache, and read-only to everyone else.
type RouteSnapshot struct {
	Origin      models.Coord `json:"origin"`
	Destination models.Coord `json:"destination"`

	DistanceMeters           float64 `json:"distance_meters"`
	DurationSeconds          float64 `json:"duration_seconds"`
	DurationInTrafficSeconds float64 `json:"duration_in_traffic_seconds"`
	Geometry                 string  `json:"geometry,omitempty"` // encoded polyline
	Steps                    []Step  `json:"steps,omitempty"`

	// Estimated means the provider was unreachable and only the haversine
	// distance is real; duration and geometry are absent, not fabricated.
	Estimated  bool      `json:"estimated,omitempty"`
	ComputedAt time.Time `json:"computed_at"`
}

type Step struct {
	Instruction     string       `json:"instruction"`
	DistanceMeters  float64      `json:"distance_meters"`
	DurationSeconds float64      `json:"duration_seconds"`
	Start           models.Coord `json:"start"`
	End             models.Coord `json:"end"`
}

// Provider turns a coordinate pair into a full route. The only implementation
// shipping with the service wraps Google Directions; tests use fakes.
type Provider interface {
	Route(ctx context.Context, origin, destination models.Coord) (*RouteSnapshot, error)
}

// Engine computes and caches route snapshots. The cache key guard is the
// dedup point: two samples rounding to the same coordinate pair must not cost
// two provider calls.
type Engine struct {
	provider  Provider // nil means straight-line only
	cache     *Cache
	precision int
	now       func() time.Time
}

func NewEngine(provider Provider, cacheTTL time.Duration, precision int) *Engine {
	return &Engine{
		provider:  provider,
		cache:     NewCache(cacheTTL),
		precision: precision,
		now:       time.Now,
	}
}

// Key returns the rounded cache key for a coordinate pair. The location
// stream uses it to decide whether a sample moved materially.
func (e *Engine) Key(origin, destination models.Coord) string {
	return cacheKey(origin, destination, e.precision)
}

// Snapshot returns the route for (origin, destination), reusing the cached
// snapshot when the rounded key matches. The bool reports a cache hit.
func (e *Engine) Snapshot(ctx context.Context, origin, destination models.Coord) (*RouteSnapshot, bool, error) {
	k := e.Key(origin, destination)
	if s, ok := e.cache.Get(k); ok {
		observability.RouteCacheHits.Inc()
		return s, true, nil
	}

	if e.provider != nil {
		observability.RouteComputations.Inc()
		s, err := e.provider.Route(ctx, origin, destination)
		if err == nil {
			s.ComputedAt = e.now()
			e.cache.Set(k, s)
			return s, false, nil
		}
	}

	// Degraded path: distance only. Not cached, so the provider gets retried
	// on the next materially different sample.
	observability.RouteFallbacks.Inc()
	return &RouteSnapshot{
		Origin:         origin,
		Destination:    destination,
		DistanceMeters: geo.Haversine(origin.Lat, origin.Lon, destination.Lat, destination.Lon),
		Estimated:      true,
		ComputedAt:     e.now(),
	}, false, nil
}

// Invalidate drops the cached snapshot state for a finished session.
func (e *Engine) Invalidate() {
	e.cache.Clear()
}

// TrafficDelaySeconds reports traffic-adjusted minus nominal duration,
// floored at zero.
func TrafficDelaySeconds(s *RouteSnapshot) float64 {
	if s == nil || s.Estimated {
		return 0
	}
	d := s.DurationInTrafficSeconds - s.DurationSeconds
	if d < 0 {
		return 0
	}
	return d
}

// ProgressPercent derives how much of the original pickup-to-destination
// distance is covered, clamped to [0,100] so GPS noise never produces
// out-of-bound values.
func ProgressPercent(originalKm, remainingKm float64) float64 {
	if originalKm <= 0 {
		return 0
	}
	p := (originalKm - remainingKm) / originalKm * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ETA is now + traffic-adjusted duration; nil when the snapshot is a
// straight-line estimate and no duration exists.
func (e *Engine) ETA(s *RouteSnapshot) *time.Time {
	if s == nil || s.Estimated {
		return nil
	}
	dur := s.DurationInTrafficSeconds
	if dur == 0 {
		dur = s.DurationSeconds
	}
	t := e.now().Add(time.Duration(dur * float64(time.Second)))
	return &t
}
