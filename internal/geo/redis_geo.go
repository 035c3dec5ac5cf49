package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/pickup-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus a meta hash per driver
// holding the mirrored availability flag.
type RedisGeo struct {
	client   *redis.Client
	key      string
	radiusKm float64
	now      func() time.Time
}

func NewRedisGeo(client *redis.Client, key string, radiusKm float64) *RedisGeo {
	if radiusKm <= 0 {
		radiusKm = 10
	}
	return &RedisGeo{client: client, key: key, radiusKm: radiusKm, now: time.Now}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if d.Position == nil {
		return nil
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Position.Longitude, Latitude: d.Position.Latitude, Name: d.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", d.ID, err)
	}
	if err := r.client.HSet(ctx, MetaKey(d.ID), "available", strconv.FormatBool(d.Available), "updated", r.now().UTC().Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("hset meta %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) SetAvailable(ctx context.Context, driverID string, available bool) error {
	return r.client.HSet(ctx, MetaKey(driverID), "available", strconv.FormatBool(available)).Err()
}

// wholeEarthKm is half the equatorial circumference; a GEORADIUS this wide
// covers every member of the set.
const wholeEarthKm = 20040

// AvailableDrivers returns drivers inside the search radius around near whose
// meta hash marks them available. When nobody nearby is available the search
// widens to the whole set, so a sparse fleet still gets a candidate. A stale
// flag is tolerated: the store's compare-and-set decides the actual assignment.
func (r *RedisGeo) AvailableDrivers(ctx context.Context, near models.Coordinate) ([]models.DriverCandidate, error) {
	out, err := r.availableWithin(ctx, near, r.radiusKm)
	if err != nil || len(out) > 0 || r.radiusKm >= wholeEarthKm {
		return out, err
	}
	return r.availableWithin(ctx, near, wholeEarthKm)
}

func (r *RedisGeo) availableWithin(ctx context.Context, near models.Coordinate, radiusKm float64) ([]models.DriverCandidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, near.Longitude, near.Latitude, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, MetaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("hgetall meta: %w", err)
	}

	out := make([]models.DriverCandidate, 0, len(res))
	for i, g := range res {
		if metas[i].Val()["available"] != "true" {
			continue
		}
		out = append(out, models.DriverCandidate{
			DriverID:  g.Name,
			Position:  models.Coordinate{Latitude: g.Latitude, Longitude: g.Longitude},
			Available: true,
		})
	}
	return out, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// MetaKey is the hash holding per-driver metadata next to the GEO set.
func MetaKey(id string) string { return "driver:meta:" + id }
