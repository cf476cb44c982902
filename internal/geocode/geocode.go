package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"crew_tracker/internal/metrics"
)

const defaultBaseURL = "https://nominatim.openstreetmap.org"

// Client resolves coordinates to human-readable place names via Nominatim.
// Results are cached on coordinates rounded to ~10 m; Nominatim's usage
// policy requires an identifying User-Agent and tolerates only light
// traffic, so every avoided request matters.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string

	mu    sync.Mutex
	cache map[string]string
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    defaultBaseURL,
		userAgent:  "crew-tracker/1.0 (+https://github.com/crew-tracker)",
		cache:      make(map[string]string),
	}
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
}

// ReverseLookup returns a display name for the coordinates. Callers treat
// failures as cosmetic and fall back to a placeholder; position data never
// depends on this service being up.
func (c *Client) ReverseLookup(ctx context.Context, lat, lng float64) (string, error) {
	key := fmt.Sprintf("%.4f,%.4f", lat, lng)
	c.mu.Lock()
	if name, ok := c.cache[key]; ok {
		c.mu.Unlock()
		metrics.GeocodeCacheHits.Inc()
		return name, nil
	}
	c.mu.Unlock()

	metrics.GeocodeLookups.Inc()

	params := url.Values{}
	params.Set("format", "json")
	params.Set("lat", strconv.FormatFloat(lat, 'f', 6, 64))
	params.Set("lon", strconv.FormatFloat(lng, 'f', 6, 64))
	endpoint := fmt.Sprintf("%s/reverse?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("geocode: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("geocode: reverse lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocode: reverse lookup returned status %d", resp.StatusCode)
	}

	var result reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("geocode: decode response: %w", err)
	}
	if result.DisplayName == "" {
		return "", fmt.Errorf("geocode: no result for %.4f,%.4f", lat, lng)
	}

	c.mu.Lock()
	c.cache[key] = result.DisplayName
	c.mu.Unlock()
	return result.DisplayName, nil
}
