package geocoding

import (
	"context"
	"errors"
	"net/http"

	"landsat-timelapse/internal/geo"
)

// ErrLocationNotFound is returned when a geocoder has no match for a location.
var ErrLocationNotFound = errors.New("location not found")

// Provider resolves a free-form location string to coordinates.
type Provider interface {
	Geocode(ctx context.Context, location string) (*geo.Coordinate, error)
}

// HTTPClient defines the interface for making HTTP requests.
// This allows for easy mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolve accepts either a "lat,lon" pair or a place name. Coordinates are
// returned directly; anything else goes through the provider.
func Resolve(ctx context.Context, p Provider, location string) (geo.Coordinate, error) {
	c, isPair, err := geo.ParseCoordinate(location)
	if isPair {
		return c, err
	}
	if p == nil {
		return geo.Coordinate{}, errors.New("no geocoding provider configured")
	}

	coords, err := p.Geocode(ctx, location)
	if err != nil {
		return geo.Coordinate{}, err
	}
	if err := coords.Validate(); err != nil {
		return geo.Coordinate{}, err
	}
	return *coords, nil
}
