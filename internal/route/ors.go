package route

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/pickup-dispatch/internal/models"
)

const DefaultORSEndpoint = "https://api.openrouteservice.org"

// ORSClient performs directions lookups against OpenRouteService.
type ORSClient struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewORSClient(endpoint, apiKey string) *ORSClient {
	if endpoint == "" {
		endpoint = DefaultORSEndpoint
	}
	return &ORSClient{Endpoint: strings.TrimRight(endpoint, "/"), APIKey: apiKey, Client: &http.Client{Timeout: 10 * time.Second}}
}

type orsResponse struct {
	Features []struct {
		Properties struct {
			Summary *struct {
				Distance *float64 `json:"distance"`
				Duration *float64 `json:"duration"`
			} `json:"summary"`
		} `json:"properties"`
	} `json:"features"`
}

// Route queries POST /v2/directions/{profile}/geojson. ORS expects [lon, lat] pairs.
func (o *ORSClient) Route(ctx context.Context, from, to models.Coordinate, profile string) (Summary, error) {
	body, err := json.Marshal(map[string]any{
		"coordinates": [][2]float64{{from.Longitude, from.Latitude}, {to.Longitude, to.Latitude}},
	})
	if err != nil {
		return Summary{}, unavailable(err)
	}
	u := fmt.Sprintf("%s/v2/directions/%s/geojson", o.Endpoint, url.PathEscape(profile))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return Summary{}, unavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/geo+json")
	if o.APIKey != "" {
		req.Header.Set("Authorization", o.APIKey)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Summary{}, unavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Summary{}, unavailable(fmt.Errorf("ors status %d", resp.StatusCode))
	}
	var out orsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Summary{}, unavailable(fmt.Errorf("ors decode: %w", err))
	}
	if len(out.Features) == 0 {
		return Summary{}, unavailable(errors.New("ors: no route"))
	}
	s := out.Features[0].Properties.Summary
	if s == nil || s.Distance == nil || s.Duration == nil {
		return Summary{}, unavailable(errors.New("ors: empty route summary"))
	}
	if *s.Distance < 0 || *s.Duration < 0 {
		return Summary{}, unavailable(errors.New("ors: negative route summary"))
	}
	return Summary{DistanceMeters: *s.Distance, DurationSeconds: *s.Duration}, nil
}
