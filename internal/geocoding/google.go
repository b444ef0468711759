package geocoding

import (
	"context"
	"fmt"
	"log/slog"

	"googlemaps.github.io/maps"

	"landsat-timelapse/internal/geo"
)

// GoogleAPIClient is the part of the Google Maps client the provider uses.
type GoogleAPIClient interface {
	Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error)
}

// GoogleProvider geocodes through the Google Maps Geocoding API.
type GoogleProvider struct {
	client GoogleAPIClient
	log    *slog.Logger
}

// NewGoogleProvider wraps a Google Maps client.
func NewGoogleProvider(client GoogleAPIClient, log *slog.Logger) *GoogleProvider {
	if log == nil {
		log = slog.Default()
	}
	return &GoogleProvider{client: client, log: log}
}

// Geocode returns the first match for location.
func (gp *GoogleProvider) Geocode(ctx context.Context, location string) (*geo.Coordinate, error) {
	gp.log.DebugContext(ctx, "Geocoding using Google Maps", "location", location)

	req := maps.GeocodingRequest{Address: location}
	results, err := gp.client.Geocode(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("failed to geocode location: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrLocationNotFound, location)
	}

	loc := results[0].Geometry.Location
	return &geo.Coordinate{Latitude: loc.Lat, Longitude: loc.Lng}, nil
}
