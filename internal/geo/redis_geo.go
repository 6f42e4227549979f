package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// RedisGeo mirrors partner positions into a Redis GEO set so other processes
// (and the location consumer) can run radius queries without this process.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

// NewRedisGeoWithClient is used when the caller already owns a client.
func NewRedisGeoWithClient(c *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) UpsertLocation(ctx context.Context, s models.LocationSample) error {
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: s.Lon, Latitude: s.Lat, Name: s.PartnerID}).Result(); err != nil {
		return fmt.Errorf("geoadd %s: %w", s.PartnerID, err)
	}
	return r.client.HSet(ctx, MetaKey(s.PartnerID), map[string]interface{}{
		"updated": s.Timestamp.UTC().Format(time.RFC3339Nano),
		"moving":  strconv.FormatBool(s.Moving()),
	}).Err()
}

func (r *RedisGeo) SetOnline(ctx context.Context, partnerID string, online bool) error {
	return r.client.HSet(ctx, MetaKey(partnerID), "online", strconv.FormatBool(online)).Err()
}

// Remove drops the partner from the GEO set; metadata is kept for audit.
func (r *RedisGeo) Remove(ctx context.Context, partnerID string) error {
	if err := r.client.ZRem(ctx, r.key, partnerID).Err(); err != nil {
		return err
	}
	return r.SetOnline(ctx, partnerID, false)
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func MetaKey(id string) string { return "partner:meta:" + id }
