package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// RedisLive implements Live using Redis GEO commands plus a per-delivery hash
// for the latest fix. Shared across instances, so the consumer binary and the
// API server see the same live positions.
type RedisLive struct {
	client *redis.Client
	geoKey string
}

func NewRedisLive(client *redis.Client, geoKey string) *RedisLive {
	return &RedisLive{client: client, geoKey: geoKey}
}

func (r *RedisLive) SetFix(ctx context.Context, deliveryID, driverID string, c models.Coord, at time.Time) error {
	if _, err := r.client.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: driverID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, fixKey(deliveryID), map[string]interface{}{
		"driver": driverID,
		"lat":    strconv.FormatFloat(c.Lat, 'f', -1, 64),
		"lon":    strconv.FormatFloat(c.Lon, 'f', -1, 64),
		"at":     at.Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisLive) LastFix(ctx context.Context, deliveryID string) (models.Coord, time.Time, bool) {
	m, err := r.client.HGetAll(ctx, fixKey(deliveryID)).Result()
	if err != nil || len(m) == 0 {
		return models.Coord{}, time.Time{}, false
	}
	lat, err1 := strconv.ParseFloat(m["lat"], 64)
	lon, err2 := strconv.ParseFloat(m["lon"], 64)
	if err1 != nil || err2 != nil {
		return models.Coord{}, time.Time{}, false
	}
	at, _ := time.Parse(time.RFC3339Nano, m["at"])
	return models.Coord{Lat: lat, Lon: lon}, at, true
}

func (r *RedisLive) ClearFix(ctx context.Context, deliveryID string) error {
	return r.client.Del(ctx, fixKey(deliveryID)).Err()
}

func (r *RedisLive) SetDriverOffline(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.geoKey, driverID).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{"online": "false"}).Err()
}

func fixKey(deliveryID string) string { return "delivery:fix:" + deliveryID }
func metaKey(driverID string) string  { return "driver:meta:" + driverID }
