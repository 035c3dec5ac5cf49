// Package route holds the routing oracle clients used to price a candidate
// driver by real travel distance and time.
package route

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/pickup-dispatch/internal/geo"
	"github.com/example/pickup-dispatch/internal/models"
)

// ErrRouteUnavailable covers every way a single routing lookup can fail:
// provider error, timeout, or an empty or malformed summary.
var ErrRouteUnavailable = errors.New("route unavailable")

// Summary is the raw provider answer, in provider units.
type Summary struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// Oracle returns the real route between two points for a travel profile.
type Oracle interface {
	Route(ctx context.Context, from, to models.Coordinate, profile string) (Summary, error)
}

// OracleFunc adapts a plain function to Oracle.
type OracleFunc func(ctx context.Context, from, to models.Coordinate, profile string) (Summary, error)

func (f OracleFunc) Route(ctx context.Context, from, to models.Coordinate, profile string) (Summary, error) {
	return f(ctx, from, to, profile)
}

func unavailable(err error) error {
	if errors.Is(err, ErrRouteUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRouteUnavailable, err)
}

// StraightLine prices a route as the haversine distance covered at a fixed
// speed. It never fails and is meant for local runs without a provider.
type StraightLine struct {
	SpeedMps float64
}

func (s StraightLine) Route(ctx context.Context, from, to models.Coordinate, _ string) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, unavailable(err)
	}
	speed := s.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h city speed
	}
	m := geo.Distance(from, to) * 1000
	return Summary{DistanceMeters: m, DurationSeconds: m / speed}, nil
}
