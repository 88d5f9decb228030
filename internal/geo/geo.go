package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// Live stores the latest accepted position fix per delivery. It is the fast
// path read by trackers; durable persistence happens in storage separately.
type Live interface {
	SetFix(ctx context.Context, deliveryID, driverID string, c models.Coord, at time.Time) error
	LastFix(ctx context.Context, deliveryID string) (models.Coord, time.Time, bool)
	ClearFix(ctx context.Context, deliveryID string) error
	// SetDriverOffline drops the driver from the live index. Used when the
	// device revokes location permission and stale fixes must not linger.
	SetDriverOffline(ctx context.Context, driverID string) error
}

type fix struct {
	driverID string
	coord    models.Coord
	at       time.Time
}

// MemoryLive is the in-process Live implementation used when Redis is not
// configured and in tests.
type MemoryLive struct {
	mu    sync.RWMutex
	fixes map[string]fix
}

func NewMemoryLive() *MemoryLive {
	return &MemoryLive{fixes: make(map[string]fix)}
}

func (m *MemoryLive) SetFix(_ context.Context, deliveryID, driverID string, c models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixes[deliveryID] = fix{driverID: driverID, coord: c, at: at}
	return nil
}

func (m *MemoryLive) LastFix(_ context.Context, deliveryID string) (models.Coord, time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fixes[deliveryID]
	if !ok {
		return models.Coord{}, time.Time{}, false
	}
	return f.coord, f.at, true
}

func (m *MemoryLive) ClearFix(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fixes, deliveryID)
	return nil
}

func (m *MemoryLive) SetDriverOffline(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.fixes {
		if f.driverID == driverID {
			delete(m.fixes, id)
		}
	}
	return nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// HaversineKm is Haversine in kilometers, the unit progress math works in.
func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000.0
}
