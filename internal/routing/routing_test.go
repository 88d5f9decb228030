package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

type fakeProvider struct {
	calls int
	fail  bool
}

func (f *fakeProvider) Route(ctx context.Context, origin, destination models.Coord) (*RouteSnapshot, error) {
	f.calls++
	if f.fail {
		return nil, ErrProviderUnavailable
	}
	return &RouteSnapshot{
		Origin:                   origin,
		Destination:              destination,
		DistanceMeters:           5200,
		DurationSeconds:          600,
		DurationInTrafficSeconds: 780,
		Geometry:                 "abc123",
	}, nil
}

func TestSnapshotCacheDedup(t *testing.T) {
	p := &fakeProvider{}
	e := NewEngine(p, time.Minute, 4)

	dest := models.Coord{Lat: 4.0483, Lon: 9.7043}
	// Two samples within ~11m of each other round to the same key.
	a := models.Coord{Lat: 4.15560, Lon: 9.23850}
	b := models.Coord{Lat: 4.15562, Lon: 9.23851}

	if _, hit, err := e.Snapshot(context.Background(), a, dest); err != nil || hit {
		t.Fatalf("first snapshot: hit=%v err=%v", hit, err)
	}
	if _, hit, err := e.Snapshot(context.Background(), b, dest); err != nil || !hit {
		t.Fatalf("second snapshot should hit cache: hit=%v err=%v", hit, err)
	}
	if p.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", p.calls)
	}

	// A materially different position misses.
	c := models.Coord{Lat: 4.16, Lon: 9.24}
	if _, hit, _ := e.Snapshot(context.Background(), c, dest); hit {
		t.Fatal("expected cache miss for moved position")
	}
	if p.calls != 2 {
		t.Fatalf("expected 2 provider calls, got %d", p.calls)
	}
}

func TestSnapshotFallbackOnProviderFailure(t *testing.T) {
	p := &fakeProvider{fail: true}
	e := NewEngine(p, time.Minute, 4)

	origin := models.Coord{Lat: 4.1556, Lon: 9.2385}
	dest := models.Coord{Lat: 4.0483, Lon: 9.7043}
	s, _, err := e.Snapshot(context.Background(), origin, dest)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Estimated {
		t.Fatal("expected estimated snapshot")
	}
	if s.DistanceMeters < 67000 || s.DistanceMeters > 69000 {
		t.Fatalf("unexpected fallback distance: %f", s.DistanceMeters)
	}
	if s.DurationSeconds != 0 || s.Geometry != "" {
		t.Fatal("fallback must not fabricate duration or geometry")
	}
	if e.ETA(s) != nil {
		t.Fatal("fallback must not fabricate an ETA")
	}

	// Fallback snapshots are not cached: the provider is retried.
	_, hit, _ := e.Snapshot(context.Background(), origin, dest)
	if hit {
		t.Fatal("fallback snapshot must not be cached")
	}
	if p.calls != 2 {
		t.Fatalf("expected provider retry, got %d calls", p.calls)
	}
}

func TestSnapshotNoProvider(t *testing.T) {
	e := NewEngine(nil, time.Minute, 4)
	s, _, err := e.Snapshot(context.Background(), models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 1.1, Lon: 1.1})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Estimated || s.DistanceMeters == 0 {
		t.Fatalf("expected estimated snapshot with distance, got %+v", s)
	}
}

func TestProgressPercentClamped(t *testing.T) {
	cases := []struct {
		name       string
		originalKm float64
		remaining  float64
		want       float64
	}{
		{"halfway", 10, 5, 50},
		{"at destination", 10, 0, 100},
		{"moved away past original", 10, 12, 0},
		{"gps noise past destination", 10, -0.5, 100},
		{"zero original distance", 0, 3, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ProgressPercent(tc.originalKm, tc.remaining)
			if got != tc.want {
				t.Fatalf("ProgressPercent(%f, %f) = %f, want %f", tc.originalKm, tc.remaining, got, tc.want)
			}
			if got < 0 || got > 100 {
				t.Fatalf("progress out of range: %f", got)
			}
		})
	}
}

func TestTrafficDelayFloorsAtZero(t *testing.T) {
	s := &RouteSnapshot{DurationSeconds: 600, DurationInTrafficSeconds: 780}
	if d := TrafficDelaySeconds(s); d != 180 {
		t.Fatalf("expected 180, got %f", d)
	}
	s = &RouteSnapshot{DurationSeconds: 600, DurationInTrafficSeconds: 540}
	if d := TrafficDelaySeconds(s); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestETAUsesTrafficDuration(t *testing.T) {
	e := NewEngine(nil, time.Minute, 4)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	s := &RouteSnapshot{DurationSeconds: 600, DurationInTrafficSeconds: 780}
	eta := e.ETA(s)
	if eta == nil {
		t.Fatal("expected eta")
	}
	if want := base.Add(780 * time.Second); !eta.Equal(want) {
		t.Fatalf("eta = %v, want %v", eta, want)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Millisecond)
	c.Set("k", &RouteSnapshot{})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestProviderErrorIsTyped(t *testing.T) {
	p := &fakeProvider{fail: true}
	_, err := p.Route(context.Background(), models.Coord{}, models.Coord{})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}
