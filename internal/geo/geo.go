package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/pickup-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Geo is the positions index the dispatch path reads its driver pool from.
type Geo interface {
	Upsert(ctx context.Context, d models.Driver) error
	AvailableDrivers(ctx context.Context, near models.Coordinate) ([]models.DriverCandidate, error)
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

// Distance returns the great-circle distance in kilometres.
func Distance(a, b models.Coordinate) float64 {
	dLat := toRad(b.Latitude - a.Latitude)
	dLon := toRad(b.Longitude - a.Longitude)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func toRad(deg float64) float64 { return deg * math.Pi / 180.0 }

type entry struct {
	pos       models.Coordinate
	available bool
	updated   time.Time
}

// Index is the in-process positions index used when Redis is not configured.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	if d.Position == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[d.ID] = entry{pos: *d.Position, available: d.Available, updated: time.Now()}
	return nil
}

func (g *Index) SetAvailable(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.drivers[driverID]
	if !ok {
		return nil
	}
	e.available = available
	e.updated = time.Now()
	g.drivers[driverID] = e
	return nil
}

// AvailableDrivers returns every available driver. Ranking is the selector's
// job; the result is ordered by id so snapshots are reproducible.
func (g *Index) AvailableDrivers(_ context.Context, _ models.Coordinate) ([]models.DriverCandidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.DriverCandidate, 0, len(g.drivers))
	for id, e := range g.drivers {
		if !e.available {
			continue
		}
		out = append(out, models.DriverCandidate{DriverID: id, Position: e.pos, Available: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}
