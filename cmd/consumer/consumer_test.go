package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastHKey string
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	f.lastHKey = key
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func testSample() models.LocationSample {
	return models.LocationSample{
		DeliveryID: "d1",
		DriverID:   "drv-1",
		Lat:        4.1556,
		Lon:        9.2385,
		RecordedAt: time.Now(),
	}
}

func TestApplyFixWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := applyFixWithRetry(ctx, f, "drivers_geo", testSample(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestApplyFixWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	if err := applyFixWithRetry(context.Background(), f, "drivers_geo", testSample(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestApplyFixWithRetry_KeyedByDelivery(t *testing.T) {
	f := &fakeUpdater{}
	if err := applyFixWithRetry(context.Background(), f, "drivers_geo", testSample(), 1, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if f.lastHKey != "delivery:fix:d1" {
		t.Fatalf("fix written under %q", f.lastHKey)
	}
}
