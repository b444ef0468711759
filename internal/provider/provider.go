// Package provider defines the scene provider contract and its two backends:
// Earth Engine (server-side raster compute, pixels fetched already on the
// output grid) and USGS M2M (catalog search plus scene file download).
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/image/tiff"

	"landsat-timelapse/internal/cache"
	"landsat-timelapse/internal/common"
	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/landsat"
	"landsat-timelapse/internal/ratelimit"
	"landsat-timelapse/internal/scenes"
	"landsat-timelapse/pkg/geotiff"
)

var (
	// ErrProviderAuth is returned when credentials are missing or rejected.
	ErrProviderAuth = errors.New("provider authentication failed")
	// ErrProviderQuery is returned when a search or download fails.
	ErrProviderQuery = errors.New("provider query failed")
)

// Searcher finds candidate scenes covering a region.
type Searcher interface {
	SearchScenes(ctx context.Context, region geo.Region, start, end time.Time, maxCloud float64) ([]scenes.Candidate, error)
}

// BandFetcher loads band rasters for a candidate, sampled on the
// candidate's region grid.
type BandFetcher interface {
	FetchBands(ctx context.Context, candidate scenes.Candidate, bands []landsat.Band) (landsat.BandSet, error)
}

// Provider is a complete scene source.
type Provider interface {
	Searcher
	BandFetcher
	Name() string
	Close() error
}

// RequestObserver receives timing for every provider round trip.
type RequestObserver interface {
	ObserveRequest(provider, operation string, duration time.Duration, err error)
}

// Type selects a backend.
type Type string

const (
	TypeEarthEngine Type = common.ProviderEarthEngine
	TypeM2M         Type = common.ProviderM2M
)

// Config holds everything needed to construct a provider.
type Config struct {
	Type        Type
	Collection  string // Earth Engine asset id, also selects band layout
	EarthEngine EarthEngineConfig
	M2M         M2MConfig

	Retry      *ratelimit.RetryStrategy
	Cache      *cache.DownloadCache
	Observer   RequestObserver
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Throttling notifications, forwarded from the retry handler.
	OnRateLimit func(ratelimit.RateLimitEvent)
	OnRecovered func(provider string)
}

func newHandler(cfg Config, retry *ratelimit.RetryStrategy) *ratelimit.Handler {
	h := ratelimit.NewHandler(retry, cfg.Logger)
	if cfg.OnRateLimit != nil {
		h.SetOnRateLimit(cfg.OnRateLimit)
	}
	if cfg.OnRecovered != nil {
		h.SetOnRecovered(cfg.OnRecovered)
	}
	return h
}

// New creates the provider selected by cfg.Type.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Collection == "" {
		cfg.Collection = landsat.DefaultCollectionID
	}

	switch cfg.Type {
	case TypeEarthEngine, "":
		return NewEarthEngine(ctx, cfg)
	case TypeM2M:
		return NewM2M(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
}

// Types lists the supported backends.
func Types() []Type {
	return []Type{TypeEarthEngine, TypeM2M}
}

func observe(o RequestObserver, provider, operation string, started time.Time, err error) {
	if o != nil {
		o.ObserveRequest(provider, operation, time.Since(started), err)
	}
}

// statusError maps a non-success response to a provider error kind.
func statusError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	kind := ErrProviderQuery
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = ErrProviderAuth
	}
	return fmt.Errorf("%w: %s returned HTTP %d: %s", kind, operation, resp.StatusCode, bytes.TrimSpace(body))
}

// decodeBand decodes a single-band TIFF. Float samples (TOA products) are
// read directly; anything else is decoded as digital numbers.
func decodeBand(r io.Reader, spec landsat.BandSpec) (*landsat.Raster, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read band %s: %v", ErrProviderQuery, spec.ID, err)
	}

	fimg, err := geotiff.DecodeFloat32(bytes.NewReader(data))
	switch {
	case err == nil:
		return landsat.FromFloat32(fimg.Width, fimg.Height, fimg.Pix, spec)
	case !errors.Is(err, geotiff.ErrNotFloat):
		return nil, fmt.Errorf("%w: failed to decode band %s: %v", ErrProviderQuery, spec.ID, err)
	}

	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode band %s: %v", ErrProviderQuery, spec.ID, err)
	}
	return landsat.FromImage(img, spec)
}

// supported drops bands the collection does not carry. The renderer reports
// the missing ones.
func supported(collection landsat.Collection, bands []landsat.Band) []landsat.Band {
	out := make([]landsat.Band, 0, len(bands))
	for _, b := range bands {
		if _, ok := collection.Spec(b); ok {
			out = append(out, b)
		}
	}
	return out
}
