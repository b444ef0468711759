package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"landsat-timelapse/internal/cache"
	"landsat-timelapse/internal/common"
	"landsat-timelapse/internal/config"
	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/geocoding"
	"landsat-timelapse/internal/metrics"
	"landsat-timelapse/internal/provider"
	"landsat-timelapse/internal/ratelimit"
	"landsat-timelapse/internal/scenes"
	"landsat-timelapse/internal/telemetry"
	"landsat-timelapse/internal/timelapse"
	"landsat-timelapse/internal/video"
	"landsat-timelapse/internal/visualize"
)

// AppVersion is set at build time with -ldflags.
var AppVersion = "0.0.0-dev"

// App wires settings, providers and ambient services into timelapse runs.
type App struct {
	settings  *config.Settings
	log       *slog.Logger
	out       io.Writer
	outMu     sync.Mutex
	metrics   *metrics.Metrics
	telemetry *telemetry.Client
	cache     *cache.DownloadCache
	geocoder  geocoding.Provider
	now       func() time.Time

	newSource func(ctx context.Context, cfg provider.Config) (provider.Provider, error)
}

// NewApp builds the long-lived services. The download cache is optional:
// if it cannot be opened the run continues without it.
func NewApp(settings *config.Settings, log *slog.Logger, out io.Writer) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	geoCfg := settings.GeocoderConfig()
	geoCfg.Logger = log
	geocoder, err := geocoding.NewProvider(geoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create geocoder: %w", err)
	}

	var downloads *cache.DownloadCache
	if settings.Cache.Enabled {
		cfg := settings.Cache.Config
		if cfg.Dir == "" {
			cfg.Dir = cache.GetCacheDir()
		}
		downloads, err = cache.NewDownloadCache(&cfg)
		if err != nil {
			log.Warn("Failed to initialize download cache, continuing without it", "dir", cfg.Dir, "error", err)
			downloads = nil
		} else {
			log.Debug("Download cache initialized", "dir", cfg.Dir, "max_mb", cfg.MaxSizeMB)
		}
	}

	return &App{
		settings: settings,
		log:      log,
		out:      out,
		metrics:  metrics.New(),
		telemetry: telemetry.New(telemetry.Config{
			APIKey: settings.Telemetry.APIKey,
			Host:   settings.Telemetry.Host,
		}, log),
		cache:     downloads,
		geocoder:  geocoder,
		now:       time.Now,
		newSource: provider.New,
	}, nil
}

// Close flushes telemetry.
func (a *App) Close() error {
	return a.telemetry.Close()
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

// Run generates one animation for location, a place name or "lat,lon".
func (a *App) Run(ctx context.Context, location string) (*timelapse.Result, error) {
	started := a.now()
	res, err := a.generate(ctx, location)
	a.finish(location, res, err, a.now().Sub(started))
	return res, err
}

func (a *App) generate(ctx context.Context, location string) (*timelapse.Result, error) {
	s := a.settings

	mode, err := visualize.ParseMode(s.Mode)
	if err != nil {
		return nil, err
	}
	dates, err := s.DateRange(a.now())
	if err != nil {
		return nil, err
	}

	center, err := geocoding.Resolve(ctx, a.geocoder, location)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %q: %w", location, err)
	}
	a.printf("Location: %s (%s)\n", location, center)

	src, err := a.newSource(ctx, provider.Config{
		Type:        provider.Type(s.Provider.Type),
		Collection:  s.Provider.Collection,
		EarthEngine: s.Provider.EarthEngine,
		M2M:         s.Provider.M2M,
		Retry:       s.RetryStrategy(),
		Cache:       a.cache,
		Observer:    a.metrics,
		Logger:      a.log,
		OnRateLimit: a.onRateLimit,
		OnRecovered: a.onRecovered,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.Close(); err != nil {
			a.log.Warn("Failed to close provider", "provider", src.Name(), "error", err)
		}
	}()

	a.printf("Provider: %s\n", common.DisplayName(src.Name()))
	a.printf("Visualization mode: %s - %s\n", mode, mode.Description())
	if src.Name() == string(provider.TypeM2M) {
		a.printf("Using dataset: %s\n", cmp.Or(s.Provider.M2M.Dataset, provider.DefaultM2MDataset))
	} else {
		a.printf("Using collection: %s\n", s.Provider.Collection)
	}
	a.printf("Date range: %s to %s, cloud cover <= %g%%\n",
		common.FormatISO8601(dates.Start), common.FormatISO8601(dates.End), s.MaxCloudCover)

	pipeline := timelapse.New(src, s.Workers, a.log)
	pipeline.SetRecorder(a.metrics)
	pipeline.SetClock(a.now)
	pipeline.SetOnProgress(a.printProgress)

	res, err := pipeline.Generate(ctx, timelapse.Request{
		Location:      location,
		Center:        center,
		Mode:          mode,
		MaxCloudCover: s.MaxCloudCover,
		Range:         dates,
		Region:        s.RegionOptions(),
		Stretch:       s.Stretch,
		Export:        s.ExportOptions(),
		OutputDir:     s.OutputDir,
		KeepFrames:    s.KeepFrames,
	})
	if err != nil {
		return res, err
	}

	a.printSummary(res)
	return res, nil
}

func (a *App) onRateLimit(e ratelimit.RateLimitEvent) {
	if e.RetryAttempt > 0 {
		return
	}
	msg := fmt.Sprintf("%s is throttling requests (HTTP %d), retrying with backoff", common.DisplayName(e.Provider), e.StatusCode)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (server asked to wait %s)", e.RetryAfter.Round(time.Second))
	}
	a.printf("\n%s\n", msg)
}

func (a *App) onRecovered(name string) {
	a.printf("%s is responding again\n", common.DisplayName(name))
}

func (a *App) printProgress(p timelapse.Progress) {
	switch p.Stage {
	case timelapse.StageSelect:
		a.printf("Found %d monthly images\n", p.Current)
	case timelapse.StageRender:
		a.printf("\rProcessing images  [%d/%d]", p.Current, p.Total)
		if p.Current == p.Total {
			a.printf("\n")
		}
	case timelapse.StageExport:
		if p.Current == 0 {
			a.printf("Creating animation...\n")
		}
	}
}

func (a *App) printSummary(res *timelapse.Result) {
	a.printf("\nAnimation created successfully: %s\n", res.OutputPath)
	a.printf("Number of frames: %d\n", res.Frames)
	a.printf("Frame rate: %g FPS\n", a.settings.FPS)
	if len(res.Gaps) > 0 {
		months := make([]string, len(res.Gaps))
		for i, g := range res.Gaps {
			months[i] = g.String()
		}
		a.printf("Months without a clear scene: %s\n", strings.Join(months, ", "))
	}
	if len(res.FramePaths) > 0 {
		a.printf("GeoTIFF frames written: %d\n", len(res.FramePaths))
	}
}

// finish records the run outcome in metrics and telemetry.
func (a *App) finish(location string, res *timelapse.Result, err error, elapsed time.Duration) {
	a.metrics.ObserveRun(elapsed, err)
	if path := a.settings.Metrics.Textfile; path != "" {
		if werr := a.metrics.WriteTextfile(path); werr != nil {
			a.log.Warn("Failed to write metrics textfile", "path", path, "error", werr)
		}
	}
	if a.cache != nil {
		stats := a.CacheStats()
		a.log.Debug("Download cache", "entries", stats.Entries, "size_mb", stats.SizeMB, "max_mb", stats.MaxMB)
	}

	props := map[string]any{
		"mode":       a.settings.Mode,
		"provider":   a.settings.Provider.Type,
		"format":     a.settings.Format,
		"fps":        a.settings.FPS,
		"duration_s": elapsed.Seconds(),
		"version":    AppVersion,
	}
	if err != nil {
		props["error_kind"] = errorKind(err)
		a.telemetry.Track(telemetry.EventAnimationFailed, props)
		a.log.Error("Timelapse failed", "location", location, "run_id", a.telemetry.RunID(), "error", err)
		return
	}
	props["frames"] = res.Frames
	props["gaps"] = len(res.Gaps)
	a.telemetry.Track(telemetry.EventAnimationGenerated, props)
	a.log.Info("Timelapse finished", "location", location, "run_id", a.telemetry.RunID(),
		"frames", res.Frames, "output", res.OutputPath, "duration", elapsed)
}

// errorKinds is checked in order; wrapped settings errors must come after
// the specific kinds they may carry.
var errorKinds = []struct {
	err  error
	kind string
	hint string
}{
	{geo.ErrInvalidCoordinate, "invalid_coordinate",
		"Coordinates must be latitude within [-90, 90] and longitude within [-180, 180], e.g. -l \"37.77,-122.42\"."},
	{geocoding.ErrLocationNotFound, "location_not_found",
		"Could not find the location. Try a more specific name or pass latitude,longitude."},
	{visualize.ErrUnknownVisualizationMode, "unknown_mode",
		"Available modes: " + strings.Join(visualize.Names(), ", ") + "."},
	{visualize.ErrMissingBand, "missing_band",
		"The collection does not provide a band this mode needs. Panchromatic requires Level 1 data: provider.collection LANDSAT/LC08/C02/T1_TOA with Earth Engine, or provider.m2m.dataset landsat_ot_c2_l1 with M2M."},
	{video.ErrEmptyFrameSequence, "no_images",
		"No images found matching criteria. Raise -cloud-cover or widen -start/-end."},
	{video.ErrInvalidFrameRate, "invalid_fps",
		"The frame rate must be a positive number, e.g. -fps 12."},
	{video.ErrUnsupportedFormat, "unsupported_format",
		"Supported output formats: gif, avi."},
	{geo.ErrInvalidScale, "invalid_scale",
		"Region scale and dimensions must be positive."},
	{scenes.ErrInvalidDateRange, "invalid_date_range",
		"Dates are YYYY-MM-DD or YYYY-MM and the end must not precede the start."},
	{provider.ErrProviderAuth, "provider_auth",
		"Authentication options:\n" +
			"  1. Service account: set EE_SERVICE_ACCOUNT and EE_PRIVATE_KEY\n" +
			"  2. Credentials file: set GOOGLE_APPLICATION_CREDENTIALS\n" +
			"  3. Default credentials: run 'gcloud auth application-default login'\n" +
			"  For -provider m2m set M2M_USERNAME and M2M_TOKEN."},
	{provider.ErrProviderQuery, "provider_query",
		"The imagery provider could not complete the request. Check the collection name and try again later."},
	{config.ErrInvalidSettings, "invalid_settings",
		"Check the config file and LANDSAT_* environment variables."},
	{context.Canceled, "canceled", "Interrupted."},
	{context.DeadlineExceeded, "timeout", "The run timed out."},
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "other"
}

// describeError renders err with one actionable hint per error kind.
func describeError(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return fmt.Sprintf("Error: %v\n%s", err, k.hint)
		}
	}
	return fmt.Sprintf("Error: %v", err)
}
