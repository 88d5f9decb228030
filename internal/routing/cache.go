package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// Cache is a tiny in-memory cache for route snapshots keyed by rounded
// coordinate pairs. One cache exists per engine, one engine per tracking
// session, so entries are never shared across deliveries.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  *RouteSnapshot
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func cacheKey(a, b models.Coord, precision int) string {
	return fmtCoord(a, precision) + "->" + fmtCoord(b, precision)
}

func fmtCoord(c models.Coord, precision int) string {
	return fmt.Sprintf("%.*f,%.*f", precision, c.Lat, precision, c.Lon)
}

// Get returns the cached snapshot and true if present and not expired.
func (c *Cache) Get(key string) (*RouteSnapshot, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.v, true
}

// Set stores a snapshot in the cache.
func (c *Cache) Set(key string, v *RouteSnapshot) {
	c.mu.Lock()
	c.store[key] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.store = make(map[string]cacheEntry)
	c.mu.Unlock()
}
