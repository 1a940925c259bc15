// Package ipgeo implements adapters.IpGeo against a generic HTTP JSON
// geolocation API (spec §4.1: the RegionResolver's second layer, consulted
// only when the static zone table misses).
package ipgeo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client calls a JSON HTTP geolocation endpoint shaped like ip-api.com or
// ipinfo.io: GET {baseURL}/{ip}, response carries lat/lon fields.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a geolocation client against baseURL (e.g.
// "http://ip-api.com/json"). A dedicated http.Client with a bounded
// timeout is used rather than http.DefaultClient so a slow or hanging
// geolocation provider can never stall region resolution indefinitely.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type lookupResponse struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
}

// Lookup resolves ip to a coordinate pair. An empty ip queries the
// endpoint's own "self" route, matching how most IP-geolocation APIs treat
// a bare base URL request as "locate the caller".
func (c *Client) Lookup(ctx context.Context, ip string) (lat, lon float64, err error) {
	reqURL := c.baseURL
	if ip != "" {
		reqURL = fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(ip))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("ipgeo: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("ipgeo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("ipgeo: unexpected status %d", resp.StatusCode)
	}

	var out lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, fmt.Errorf("ipgeo: decode response: %w", err)
	}
	if out.Status == "fail" {
		return 0, 0, fmt.Errorf("ipgeo: lookup failed: %s", out.Message)
	}

	return out.Lat, out.Lon, nil
}
