package geocoding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"landsat-timelapse/internal/geo"
)

// NominatimBaseURL is the public OpenStreetMap search endpoint.
const NominatimBaseURL = "https://nominatim.openstreetmap.org/search"

const defaultUserAgent = "landsat-timelapse/1.0 (+https://nominatim.org/release-docs/latest/api/Search/)"

// ErrNominatimInvalidCoords is returned when Nominatim answers with unparsable coordinates.
var ErrNominatimInvalidCoords = errors.New("nominatim API returned invalid coordinates")

// errNoResults marks one variation with no match so the next fallback is tried.
var errNoResults = errors.New("nominatim API returned empty response")

// NominatimProvider implements the Provider interface using OpenStreetMap's Nominatim API.
// The public instance allows at most 1 request per second.
type NominatimProvider struct {
	client    HTTPClient
	baseURL   string
	log       *slog.Logger
	limiter   *rate.Limiter
	userAgent string
}

type nominatimResponse struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// NewNominatimProvider creates a new Nominatim geocoding provider.
func NewNominatimProvider(log *slog.Logger) *NominatimProvider {
	const timeout = 10
	return NewNominatimProviderWithClient(&http.Client{Timeout: timeout * time.Second}, log)
}

// NewNominatimProviderWithClient creates a Nominatim provider with a custom HTTP client.
func NewNominatimProviderWithClient(client HTTPClient, log *slog.Logger) *NominatimProvider {
	if log == nil {
		log = slog.Default()
	}
	return &NominatimProvider{
		client:    client,
		baseURL:   NominatimBaseURL,
		log:       log,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		userAgent: defaultUserAgent,
	}
}

// WithBaseURL points the provider at another Nominatim instance.
func (np *NominatimProvider) WithBaseURL(baseURL string) *NominatimProvider {
	np.baseURL = baseURL
	return np
}

// WithLimiter replaces the request limiter.
func (np *NominatimProvider) WithLimiter(limiter *rate.Limiter) *NominatimProvider {
	np.limiter = limiter
	return np
}

// Geocode resolves a place name. "Springfield, Illinois, USA" is tried
// as-is, then with trailing components dropped, then as its first component.
func (np *NominatimProvider) Geocode(ctx context.Context, location string) (*geo.Coordinate, error) {
	np.log.DebugContext(ctx, "Geocoding using Nominatim", "location", location)

	variations := generateFallbacks(location)
	for idx, variation := range variations {
		coords, err := np.geocodeSingle(ctx, variation)
		if err == nil {
			if idx > 0 {
				np.log.InfoContext(ctx, "Geocoded using fallback",
					"original", location,
					"fallback", variation,
					"fallback_level", idx)
			}
			return coords, nil
		}
		if !errors.Is(err, errNoResults) {
			return nil, err
		}
		np.log.DebugContext(ctx, "Variation returned no results", "variation", variation, "fallback_level", idx)
	}

	return nil, fmt.Errorf("%w: %q", ErrLocationNotFound, location)
}

func generateFallbacks(location string) []string {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil
	}

	seen := make(map[string]bool)
	var variations []string
	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			variations = append(variations, v)
		}
	}

	add(location)

	parts := strings.Split(location, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	for n := len(parts) - 1; n >= 1; n-- {
		add(strings.Join(parts[:n], ", "))
	}
	return variations
}

func (np *NominatimProvider) geocodeSingle(ctx context.Context, location string) (*geo.Coordinate, error) {
	if err := np.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL, err := url.Parse(np.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	query := reqURL.Query()
	query.Set("q", location)
	query.Set("format", "json")
	query.Set("limit", "1")
	reqURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", np.userAgent)

	resp, err := np.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute geocoding request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		np.log.ErrorContext(ctx, "Nominatim API error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("nominatim API returned status %d: %s", resp.StatusCode, string(body))
	}

	var results []nominatimResponse
	if err = json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("failed to decode nominatim response: %w", err)
	}
	if len(results) == 0 {
		return nil, errNoResults
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid latitude: %s", ErrNominatimInvalidCoords, results[0].Lat)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid longitude: %s", ErrNominatimInvalidCoords, results[0].Lon)
	}

	np.log.DebugContext(ctx, "Nominatim found result", "name", results[0].DisplayName, "lat", lat, "lon", lon)
	return &geo.Coordinate{Latitude: lat, Longitude: lon}, nil
}
