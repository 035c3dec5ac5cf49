package matcher

import (
	"errors"
	"sort"

	"github.com/example/pickup-dispatch/internal/geo"
	"github.com/example/pickup-dispatch/internal/models"
)

const DefaultCandidateLimit = 10

var (
	ErrNoAvailableDrivers = errors.New("no available drivers")
	ErrNoRouteFound       = errors.New("no driver found with a valid route")
)

// SelectCandidates ranks pool by straight-line distance to pickup and keeps
// the nearest limit. Equal distances keep their input order.
func SelectCandidates(pickup models.Coordinate, pool []models.DriverCandidate, limit int) ([]models.DriverCandidate, error) {
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	type ranked struct {
		c    models.DriverCandidate
		dist float64
	}
	arr := make([]ranked, 0, len(pool))
	for _, c := range pool {
		if !c.Available {
			continue
		}
		arr = append(arr, ranked{c, geo.Distance(pickup, c.Position)})
	}
	if len(arr) == 0 {
		return nil, ErrNoAvailableDrivers
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].dist < arr[j].dist })
	if len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.DriverCandidate, len(arr))
	for i, r := range arr {
		out[i] = r.c
	}
	return out, nil
}
