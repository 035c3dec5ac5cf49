package route

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/example/pickup-dispatch/internal/models"
)

// GoogleClient prices routes with the Google Directions API.
type GoogleClient struct {
	client *maps.Client
}

func NewGoogleClient(apiKey string, opts ...maps.ClientOption) (*GoogleClient, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	c, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleClient{client: c}, nil
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Coordinate, profile string) (Summary, error) {
	routes, _, err := g.client.Directions(ctx, &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        travelMode(profile),
	})
	if err != nil {
		return Summary{}, unavailable(fmt.Errorf("maps api error: %w", err))
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Summary{}, unavailable(errors.New("maps: no route found"))
	}
	var s Summary
	for _, leg := range routes[0].Legs {
		s.DistanceMeters += float64(leg.Distance.Meters)
		s.DurationSeconds += leg.Duration.Seconds()
	}
	return s, nil
}

func latLng(c models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

// travelMode maps an ORS-style profile onto a Directions travel mode.
func travelMode(profile string) maps.Mode {
	switch {
	case strings.HasPrefix(profile, "cycling"):
		return maps.TravelModeBicycling
	case strings.HasPrefix(profile, "foot"), strings.HasPrefix(profile, "walking"):
		return maps.TravelModeWalking
	default:
		return maps.TravelModeDriving
	}
}
