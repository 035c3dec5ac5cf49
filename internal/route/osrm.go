package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/pickup-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 10 * time.Second}}
}

// Route queries /route/v1/{profile}/{lon1},{lat1};{lon2},{lat2}?overview=false.
// OSRM profiles are plain names (driving, cycling, foot); an ORS-style suffix
// such as "cycling-road" is cut back to its base.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coordinate, profile string) (Summary, error) {
	if i := strings.IndexByte(profile, '-'); i > 0 {
		profile = profile[:i]
	}
	if profile == "" {
		profile = "driving"
	}
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, profile, from.Longitude, from.Latitude, to.Longitude, to.Latitude)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Summary{}, unavailable(err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Summary{}, unavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Summary{}, unavailable(fmt.Errorf("osrm status %d", resp.StatusCode))
	}
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Summary{}, unavailable(fmt.Errorf("osrm decode: %w", err))
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Summary{}, unavailable(fmt.Errorf("osrm no route: %v", out.Code))
	}
	r := out.Routes[0]
	return Summary{DistanceMeters: r.Distance, DurationSeconds: r.Duration}, nil
}
