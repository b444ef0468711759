package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"landsat-timelapse/internal/cache"
	"landsat-timelapse/internal/common"
	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/geocoding"
	"landsat-timelapse/internal/landsat"
	"landsat-timelapse/internal/provider"
	"landsat-timelapse/internal/ratelimit"
	"landsat-timelapse/internal/scenes"
	"landsat-timelapse/internal/video"
	"landsat-timelapse/internal/visualize"
)

// EnvPrefix is prepended to every setting read from the environment, e.g.
// LANDSAT_CLOUD_COVER or LANDSAT_PROVIDER_TYPE.
const EnvPrefix = "LANDSAT"

// configName is the file searched for when no explicit path is given.
const configName = "landsat-timelapse"

// ErrInvalidSettings is returned when a loaded setting is out of range.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings is the merged configuration for one run.
type Settings struct {
	Env           string  `mapstructure:"env" json:"env"`
	OutputDir     string  `mapstructure:"output_dir" json:"output_dir"`
	Mode          string  `mapstructure:"mode" json:"mode"`
	MaxCloudCover float64 `mapstructure:"cloud_cover" json:"cloud_cover"`
	FPS           float64 `mapstructure:"fps" json:"fps"`
	Format        string  `mapstructure:"format" json:"format"`
	StartDate     string  `mapstructure:"start_date" json:"start_date"`
	EndDate       string  `mapstructure:"end_date" json:"end_date,omitempty"`
	Workers       int     `mapstructure:"workers" json:"workers"`
	KeepFrames    bool    `mapstructure:"keep_frames" json:"keep_frames"`

	Region    RegionSettings          `mapstructure:"region" json:"region"`
	Stretch   visualize.StretchBounds `mapstructure:"stretch" json:"stretch"`
	Label     LabelSettings           `mapstructure:"label" json:"label"`
	Provider  ProviderSettings        `mapstructure:"provider" json:"provider"`
	Geocoder  GeocoderSettings        `mapstructure:"geocoder" json:"geocoder"`
	Cache     CacheSettings           `mapstructure:"cache" json:"cache"`
	Retry     RetrySettings           `mapstructure:"retry" json:"retry"`
	Metrics   MetricsSettings         `mapstructure:"metrics" json:"metrics"`
	Telemetry TelemetrySettings       `mapstructure:"telemetry" json:"telemetry"`
}

// RegionSettings controls the ground footprint and raster size.
type RegionSettings struct {
	Scale  float64 `mapstructure:"scale" json:"scale"`
	Width  int     `mapstructure:"width" json:"width"`
	Height int     `mapstructure:"height" json:"height"`
}

// LabelSettings controls the month overlay drawn on each frame.
type LabelSettings struct {
	Show     bool    `mapstructure:"show" json:"show"`
	FontSize float64 `mapstructure:"font_size" json:"font_size"`
	Position string  `mapstructure:"position" json:"position"`
	Format   string  `mapstructure:"format" json:"format"`
	FontPath string  `mapstructure:"font_path" json:"font_path,omitempty"`
}

// ProviderSettings selects and configures the imagery backend.
type ProviderSettings struct {
	Type        string                     `mapstructure:"type" json:"type"`
	Collection  string                     `mapstructure:"collection" json:"collection"`
	EarthEngine provider.EarthEngineConfig `mapstructure:"earthengine" json:"earthengine"`
	M2M         provider.M2MConfig         `mapstructure:"m2m" json:"m2m"`
}

// GeocoderSettings configures place name resolution.
type GeocoderSettings struct {
	Type      string `mapstructure:"type" json:"type"`
	APIKey    string `mapstructure:"api_key" json:"-"`
	UserAgent string `mapstructure:"user_agent" json:"user_agent,omitempty"`
	RateLimit int    `mapstructure:"rate_limit" json:"rate_limit"`
}

// CacheSettings configures the on-disk download cache.
type CacheSettings struct {
	Enabled      bool `mapstructure:"enabled" json:"enabled"`
	cache.Config `mapstructure:",squash"`
}

// RetrySettings configures exponential backoff for provider calls.
type RetrySettings struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" json:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" json:"max_elapsed_time"`
	MaxRetries      uint64        `mapstructure:"max_retries" json:"max_retries"`
}

// MetricsSettings configures the Prometheus textfile written after a run.
type MetricsSettings struct {
	Textfile string `mapstructure:"textfile" json:"textfile,omitempty"`
}

// TelemetrySettings configures optional product analytics.
type TelemetrySettings struct {
	APIKey string `mapstructure:"api_key" json:"-"`
	Host   string `mapstructure:"host" json:"host,omitempty"`
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() *Settings {
	region := geo.DefaultRegionOptions()
	export := video.DefaultExportOptions()
	retry := ratelimit.DefaultRetryStrategy()
	cacheCfg := cache.DefaultConfig()

	return &Settings{
		Env:           "production",
		OutputDir:     ".",
		Mode:          string(visualize.RGB),
		MaxCloudCover: scenes.DefaultMaxCloudCover,
		FPS:           export.FrameRate,
		Format:        string(export.Format),
		StartDate:     fmt.Sprintf("%d-01-01", scenes.DefaultStartYear),
		Workers:       4,
		Region: RegionSettings{
			Scale:  region.Scale,
			Width:  region.Width,
			Height: region.Height,
		},
		Stretch: visualize.DefaultStretch(),
		Label: LabelSettings{
			Show:     export.ShowLabel,
			FontSize: export.LabelFontSize,
			Position: export.LabelPosition,
			Format:   export.LabelFormat,
		},
		Provider: ProviderSettings{
			Type:       string(provider.TypeEarthEngine),
			Collection: landsat.DefaultCollectionID,
			M2M: provider.M2MConfig{
				Dataset:           provider.DefaultM2MDataset,
				RequestsPerSecond: 5,
				MemoSize:          64,
				MaxDownloads:      2,
			},
		},
		Geocoder: GeocoderSettings{
			Type:      string(geocoding.ProviderTypeNominatim),
			RateLimit: 1,
		},
		Cache: CacheSettings{
			Enabled: true,
			Config:  *cacheCfg,
		},
		Retry: RetrySettings{
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
			MaxElapsedTime:  retry.MaxElapsedTime,
			MaxRetries:      retry.MaxRetries,
		},
	}
}

// legacyEnv maps setting keys to the unprefixed variables the tool has
// always honoured. The prefixed LANDSAT_* form is checked first.
var legacyEnv = map[string][]string{
	"provider.collection":                   {"LANDSAT_COLLECTION"},
	"provider.earthengine.service_account":  {"EE_SERVICE_ACCOUNT"},
	"provider.earthengine.private_key":      {"EE_PRIVATE_KEY"},
	"provider.earthengine.credentials_file": {"GOOGLE_APPLICATION_CREDENTIALS"},
	"provider.earthengine.project":          {"EE_PROJECT", "GOOGLE_CLOUD_PROJECT"},
	"provider.m2m.username":                 {"M2M_USERNAME"},
	"provider.m2m.token":                    {"M2M_TOKEN"},
	"geocoder.api_key":                      {"GOOGLE_MAPS_API_KEY"},
	"telemetry.api_key":                     {"POSTHOG_API_KEY"},
}

// LoadSettings merges defaults, a config file and the environment. A .env
// file in the working directory is loaded first when present. When path is
// empty, landsat-timelapse.{yaml,json,toml} is looked up in the working
// directory and the user config directory; a missing file is not an error.
func LoadSettings(path string) (*Settings, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultSettings())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		envKey := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, envKey}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, configName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	return &s, nil
}

// setDefaults registers every key so AutomaticEnv can see it during
// Unmarshal.
func setDefaults(v *viper.Viper, d *Settings) {
	defaults := map[string]any{
		"env":         d.Env,
		"output_dir":  d.OutputDir,
		"mode":        d.Mode,
		"cloud_cover": d.MaxCloudCover,
		"fps":         d.FPS,
		"format":      d.Format,
		"start_date":  d.StartDate,
		"end_date":    d.EndDate,
		"workers":     d.Workers,
		"keep_frames": d.KeepFrames,

		"region.scale":  d.Region.Scale,
		"region.width":  d.Region.Width,
		"region.height": d.Region.Height,

		"stretch.min": d.Stretch.Min,
		"stretch.max": d.Stretch.Max,

		"label.show":      d.Label.Show,
		"label.font_size": d.Label.FontSize,
		"label.position":  d.Label.Position,
		"label.format":    d.Label.Format,
		"label.font_path": d.Label.FontPath,

		"provider.type":                         d.Provider.Type,
		"provider.collection":                   d.Provider.Collection,
		"provider.earthengine.project":          d.Provider.EarthEngine.Project,
		"provider.earthengine.service_account":  d.Provider.EarthEngine.ServiceAccount,
		"provider.earthengine.private_key":      d.Provider.EarthEngine.PrivateKey,
		"provider.earthengine.credentials_file": d.Provider.EarthEngine.CredentialsFile,
		"provider.earthengine.base_url":         d.Provider.EarthEngine.BaseURL,
		"provider.m2m.username":                 d.Provider.M2M.Username,
		"provider.m2m.token":                    d.Provider.M2M.Token,
		"provider.m2m.base_url":                 d.Provider.M2M.BaseURL,
		"provider.m2m.dataset":                  d.Provider.M2M.Dataset,
		"provider.m2m.requests_per_second":      d.Provider.M2M.RequestsPerSecond,
		"provider.m2m.memo_size":                d.Provider.M2M.MemoSize,
		"provider.m2m.max_downloads":            d.Provider.M2M.MaxDownloads,

		"geocoder.type":       d.Geocoder.Type,
		"geocoder.api_key":    d.Geocoder.APIKey,
		"geocoder.user_agent": d.Geocoder.UserAgent,
		"geocoder.rate_limit": d.Geocoder.RateLimit,

		"cache.enabled":     d.Cache.Enabled,
		"cache.dir":         d.Cache.Dir,
		"cache.max_size_mb": d.Cache.MaxSizeMB,
		"cache.ttl_days":    d.Cache.TTLDays,

		"retry.initial_interval": d.Retry.InitialInterval,
		"retry.max_interval":     d.Retry.MaxInterval,
		"retry.max_elapsed_time": d.Retry.MaxElapsedTime,
		"retry.max_retries":      d.Retry.MaxRetries,

		"metrics.textfile": d.Metrics.Textfile,

		"telemetry.api_key": d.Telemetry.APIKey,
		"telemetry.host":    d.Telemetry.Host,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate checks ranges and enumerations that would otherwise fail deep
// inside a run.
func (s *Settings) Validate() error {
	if _, err := visualize.ParseMode(s.Mode); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if s.MaxCloudCover < 0 || s.MaxCloudCover > 100 {
		return fmt.Errorf("%w: cloud cover %v is outside 0-100", ErrInvalidSettings, s.MaxCloudCover)
	}
	if err := s.ExportOptions().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	if s.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", ErrInvalidSettings, s.Workers)
	}
	if s.Region.Scale <= 0 || s.Region.Width <= 0 || s.Region.Height <= 0 {
		return fmt.Errorf("%w: region scale and dimensions must be positive", ErrInvalidSettings)
	}
	if !s.Stretch.Valid() {
		return fmt.Errorf("%w: stretch max must exceed min", ErrInvalidSettings)
	}
	switch provider.Type(s.Provider.Type) {
	case provider.TypeEarthEngine, provider.TypeM2M:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidSettings, s.Provider.Type)
	}
	switch geocoding.ProviderType(s.Geocoder.Type) {
	case geocoding.ProviderTypeNominatim, geocoding.ProviderTypeGoogle:
	default:
		return fmt.Errorf("%w: unknown geocoder %q", ErrInvalidSettings, s.Geocoder.Type)
	}
	if _, err := s.DateRange(time.Now()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return nil
}

// DateRange resolves StartDate and EndDate. An empty end means now; an end
// given as YYYY-MM covers that whole month.
func (s *Settings) DateRange(now time.Time) (scenes.DateRange, error) {
	r := scenes.DefaultDateRange(now)
	if s.StartDate != "" {
		start, err := common.ParseDate(s.StartDate)
		if err != nil {
			return scenes.DateRange{}, fmt.Errorf("start date: %w", err)
		}
		r.Start = start
	}
	if s.EndDate != "" {
		end, err := common.ParseDate(s.EndDate)
		if err != nil {
			return scenes.DateRange{}, fmt.Errorf("end date: %w", err)
		}
		if len(strings.TrimSpace(s.EndDate)) == len(common.MonthDate) {
			end = end.AddDate(0, 1, -1)
		}
		r.End = end
	}
	if err := r.Validate(); err != nil {
		return scenes.DateRange{}, err
	}
	return r, nil
}

// RegionOptions returns the footprint settings.
func (s *Settings) RegionOptions() geo.RegionOptions {
	return geo.RegionOptions{Scale: s.Region.Scale, Width: s.Region.Width, Height: s.Region.Height}
}

// RetryStrategy returns the provider backoff settings.
func (s *Settings) RetryStrategy() *ratelimit.RetryStrategy {
	return &ratelimit.RetryStrategy{
		InitialInterval: s.Retry.InitialInterval,
		MaxInterval:     s.Retry.MaxInterval,
		MaxElapsedTime:  s.Retry.MaxElapsedTime,
		MaxRetries:      s.Retry.MaxRetries,
	}
}

// ExportOptions returns the animation encoder settings.
func (s *Settings) ExportOptions() *video.ExportOptions {
	opts := video.DefaultExportOptions()
	opts.Format = video.Format(strings.ToLower(s.Format))
	opts.FrameRate = s.FPS
	opts.ShowLabel = s.Label.Show
	if s.Label.FontSize > 0 {
		opts.LabelFontSize = s.Label.FontSize
	}
	if s.Label.Position != "" {
		opts.LabelPosition = s.Label.Position
	}
	if s.Label.Format != "" {
		opts.LabelFormat = s.Label.Format
	}
	opts.LabelFontPath = s.Label.FontPath
	opts.LabelColor = color.RGBA{255, 255, 255, 255}
	return opts
}

// GeocoderConfig returns the geocoding factory settings.
func (s *Settings) GeocoderConfig() geocoding.ProviderConfig {
	return geocoding.ProviderConfig{
		Type:      geocoding.ProviderType(s.Geocoder.Type),
		APIKey:    s.Geocoder.APIKey,
		RateLimit: s.Geocoder.RateLimit,
		UserAgent: s.Geocoder.UserAgent,
	}
}

// SaveSettings writes s to path as indented JSON. Secrets are omitted.
func SaveSettings(s *Settings, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}
