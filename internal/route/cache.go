package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/pickup-dispatch/internal/models"
)

// Cache wraps an Oracle with an in-memory TTL cache of successful lookups.
// Failures are never cached.
type Cache struct {
	next Oracle
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	v  Summary
	ts time.Time
}

func NewCache(next Oracle, ttl time.Duration) *Cache {
	return &Cache{next: next, ttl: ttl, now: time.Now, store: make(map[string]cacheEntry)}
}

func keyFor(a, b models.Coordinate, profile string) string {
	return fmtCoord(a) + "->" + fmtCoord(b) + "|" + profile
}

func fmtCoord(c models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

func (c *Cache) Route(ctx context.Context, from, to models.Coordinate, profile string) (Summary, error) {
	k := keyFor(from, to, profile)
	if v, ok := c.get(k); ok {
		return v, nil
	}
	v, err := c.next.Route(ctx, from, to, profile)
	if err != nil {
		return Summary{}, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
	return v, nil
}

func (c *Cache) get(k string) (Summary, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Summary{}, false
	}
	return e.v, true
}
