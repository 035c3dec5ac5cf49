package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/pickup-dispatch/internal/geo"
	"github.com/example/pickup-dispatch/internal/models"
)

var errInvalidMessage = errors.New("invalid message")

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

type handler struct {
	updater        RedisUpdater
	geoKey         string
	locationsTopic string
	eventsTopic    string
	attempts       int
	delay          time.Duration
	logger         *slog.Logger
}

func (h *handler) handle(ctx context.Context, m kafka.Message) error {
	switch m.Topic {
	case h.locationsTopic:
		var d models.Driver
		if err := json.Unmarshal(m.Value, &d); err != nil {
			return fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
		if d.ID == "" || d.Position == nil {
			return fmt.Errorf("%w: location without driver id or position", errInvalidMessage)
		}
		if err := d.Position.Validate(); err != nil {
			return fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
		if err := updateRedisWithRetry(ctx, h.updater, h.geoKey, &d, h.attempts, h.delay); err != nil {
			return err
		}
	case h.eventsTopic:
		var ev models.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			return fmt.Errorf("%w: %v", errInvalidMessage, err)
		}
		available, ok := availabilityAfter(ev)
		if !ok {
			return nil
		}
		if err := setAvailableWithRetry(ctx, h.updater, ev.DriverID, available, ev.At, h.attempts, h.delay); err != nil {
			return err
		}
		h.logger.Debug("availability mirrored", "driver_id", ev.DriverID, "available", available, "event", ev.Type)
	default:
		return fmt.Errorf("%w: unexpected topic %q", errInvalidMessage, m.Topic)
	}
	redisUpdates.Inc()
	return nil
}

// availabilityAfter reports the driver availability a lifecycle event implies.
func availabilityAfter(ev models.Event) (available, ok bool) {
	if ev.DriverID == "" {
		return false, false
	}
	switch ev.Type {
	case models.EventAssigned:
		return false, true
	case models.EventCompleted, models.EventCancelled:
		return true, true
	}
	return false, false
}

// updateRedisWithRetry writes the driver's GEO position and meta hash with
// retry/backoff.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, d *models.Driver, attempts int, delay time.Duration) error {
	updated := d.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return retry(ctx, attempts, delay, func() error {
		if err := rc.GeoAdd(ctx, geoKey, &redis.GeoLocation{Longitude: d.Position.Longitude, Latitude: d.Position.Latitude, Name: d.ID}); err != nil {
			return err
		}
		return rc.HSet(ctx, geo.MetaKey(d.ID), map[string]interface{}{
			"available": strconv.FormatBool(d.Available),
			"updated":   updated.Format(time.RFC3339),
		})
	})
}

func setAvailableWithRetry(ctx context.Context, rc RedisUpdater, driverID string, available bool, at time.Time, attempts int, delay time.Duration) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return retry(ctx, attempts, delay, func() error {
		return rc.HSet(ctx, geo.MetaKey(driverID), map[string]interface{}{
			"available": strconv.FormatBool(available),
			"updated":   at.Format(time.RFC3339),
		})
	})
}

func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return err
}
