package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineBueaDouala(t *testing.T) {
	// Known straight-line distance is roughly 68 km; allow 1%.
	buea := models.Coord{Lat: 4.1556, Lon: 9.2385}
	douala := models.Coord{Lat: 4.0483, Lon: 9.7043}
	got := HaversineKm(buea, douala)
	const want = 68.0
	if math.Abs(got-want)/want > 0.01 {
		t.Fatalf("expected ~%f km, got %f km", want, got)
	}
}

func TestMemoryLiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	live := NewMemoryLive()

	if _, _, ok := live.LastFix(ctx, "d1"); ok {
		t.Fatal("expected no fix before SetFix")
	}

	at := time.Now()
	c := models.Coord{Lat: 4.1, Lon: 9.2}
	if err := live.SetFix(ctx, "d1", "driver-1", c, at); err != nil {
		t.Fatal(err)
	}

	got, gotAt, ok := live.LastFix(ctx, "d1")
	if !ok || got != c || !gotAt.Equal(at) {
		t.Fatalf("unexpected fix: %v %v %v", got, gotAt, ok)
	}

	if err := live.SetDriverOffline(ctx, "driver-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := live.LastFix(ctx, "d1"); ok {
		t.Fatal("expected fix cleared after driver went offline")
	}
}
