package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Flaque/filet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"landsat-timelapse/internal/config"
	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/geocoding"
	"landsat-timelapse/internal/landsat"
	"landsat-timelapse/internal/provider"
	"landsat-timelapse/internal/ratelimit"
	"landsat-timelapse/internal/scenes"
	"landsat-timelapse/internal/video"
	"landsat-timelapse/internal/visualize"
)

type fakeProvider struct {
	candidates []scenes.Candidate
	gotConfig  provider.Config
	closed     bool
}

func (f *fakeProvider) SearchScenes(_ context.Context, region geo.Region, _, _ time.Time, _ float64) ([]scenes.Candidate, error) {
	out := make([]scenes.Candidate, len(f.candidates))
	for i, c := range f.candidates {
		c.Region = region
		out[i] = c
	}
	return out, nil
}

func (f *fakeProvider) FetchBands(_ context.Context, c scenes.Candidate, bands []landsat.Band) (landsat.BandSet, error) {
	set := landsat.BandSet{}
	for _, b := range bands {
		r := landsat.NewRaster(c.Region.Width, c.Region.Height)
		for i := range r.Pix {
			r.Pix[i] = 0.15
		}
		set[b] = r
	}
	return set, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	s := config.DefaultSettings()
	s.OutputDir = t.TempDir()
	s.Cache.Enabled = false
	s.Region = config.RegionSettings{Scale: 60000, Width: 8, Height: 8}
	s.Label.Show = false
	s.StartDate = "2021-01-01"
	s.EndDate = "2021-03-31"
	s.Metrics.Textfile = filepath.Join(s.OutputDir, "metrics", "landsat.prom")
	return s
}

func newTestApp(t *testing.T, s *config.Settings, src *fakeProvider) (*App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	app, err := NewApp(s, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), &out)
	require.NoError(t, err)
	app.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC) }
	app.newSource = func(_ context.Context, cfg provider.Config) (provider.Provider, error) {
		src.gotConfig = cfg
		return src, nil
	}
	t.Cleanup(func() { _ = app.Close() })
	return app, &out
}

func at(day string, id string, cloud float64) scenes.Candidate {
	t, _ := time.Parse(time.DateOnly, day)
	return scenes.Candidate{ID: id, Acquired: t, CloudCover: cloud}
}

func TestApp_RunWithCoordinates(t *testing.T) {
	src := &fakeProvider{candidates: []scenes.Candidate{
		at("2021-01-10", "a", 5),
		at("2021-03-02", "b", 2),
		at("2021-03-18", "c", 1),
	}}
	s := testSettings(t)
	app, out := newTestApp(t, s, src)

	res, err := app.Run(context.Background(), "37.7749,-122.4194")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(s.OutputDir, "landsat_37.7749_-122.4194_rgb_20240506_070809.gif"), res.OutputPath)
	assert.FileExists(t, res.OutputPath)
	assert.Equal(t, 2, res.Frames)
	assert.Equal(t, "c", res.Selections[1].Scene.ID)
	assert.True(t, src.closed)
	assert.Equal(t, provider.TypeEarthEngine, src.gotConfig.Type)
	assert.NotNil(t, src.gotConfig.Observer)
	assert.NotNil(t, src.gotConfig.OnRateLimit)
	assert.NotNil(t, src.gotConfig.OnRecovered)

	text := out.String()
	assert.Contains(t, text, "Visualization mode: rgb - ")
	assert.Contains(t, text, "Found 2 monthly images")
	assert.Contains(t, text, "Number of frames: 2")
	assert.Contains(t, text, "Months without a clear scene: 2021-02")

	metrics, err := os.ReadFile(s.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "landsat_scene_candidates_total 3")
	assert.Contains(t, string(metrics), `landsat_run_duration_seconds_count{status="ok"} 1`)
}

func TestApp_RunNoImages(t *testing.T) {
	src := &fakeProvider{candidates: []scenes.Candidate{at("2021-02-10", "cloudy", 90)}}
	app, _ := newTestApp(t, testSettings(t), src)

	_, err := app.Run(context.Background(), "10,10")

	require.ErrorIs(t, err, video.ErrEmptyFrameSequence)
	assert.Equal(t, "no_images", errorKind(err))
}

func TestApp_RunInvalidCoordinate(t *testing.T) {
	src := &fakeProvider{}
	app, _ := newTestApp(t, testSettings(t), src)

	_, err := app.Run(context.Background(), "95,10")

	require.ErrorIs(t, err, geo.ErrInvalidCoordinate)
	assert.False(t, src.closed, "the provider is never opened")
}

func TestDescribeError(t *testing.T) {
	tests := []struct {
		err  error
		kind string
		hint string
	}{
		{fmt.Errorf("wrap: %w", geo.ErrInvalidCoordinate), "invalid_coordinate", "latitude within [-90, 90]"},
		{geocoding.ErrLocationNotFound, "location_not_found", "more specific name"},
		{visualize.ErrUnknownVisualizationMode, "unknown_mode", "false_color"},
		{video.ErrEmptyFrameSequence, "no_images", "No images found"},
		{provider.ErrProviderAuth, "provider_auth", "EE_SERVICE_ACCOUNT"},
		{provider.ErrProviderQuery, "provider_query", "could not complete"},
		{fmt.Errorf("%w: %w", config.ErrInvalidSettings, video.ErrInvalidFrameRate), "invalid_fps", "positive number"},
		{config.ErrInvalidSettings, "invalid_settings", "LANDSAT_*"},
		{context.Canceled, "canceled", "Interrupted"},
		{errors.New("disk on fire"), "other", ""},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			msg := describeError(tt.err)
			assert.True(t, strings.HasPrefix(msg, "Error: "+tt.err.Error()))
			assert.Contains(t, msg, tt.hint)
			assert.Equal(t, tt.kind, errorKind(tt.err))
		})
	}
}

func TestApplyFlags_OnlyExplicitFlags(t *testing.T) {
	fs, opts := newFlagSet(&bytes.Buffer{})
	require.NoError(t, fs.Parse([]string{"-m", "ndvi", "-c", "25", "-provider", "m2m", "-keep-frames", "-end", "2022-06"}))

	s := config.DefaultSettings()
	s.FPS = 5
	applyFlags(fs, opts, s)

	assert.Equal(t, "ndvi", s.Mode)
	assert.Equal(t, 25.0, s.MaxCloudCover)
	assert.Equal(t, "m2m", s.Provider.Type)
	assert.True(t, s.KeepFrames)
	assert.Equal(t, "2022-06", s.EndDate)
	assert.Equal(t, 5.0, s.FPS, "unset flags keep the loaded value")
}

func TestRun_ListModes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"-list-modes"}, strings.NewReader(""), &stdout, &stderr)

	assert.Equal(t, 0, code)
	for _, name := range visualize.Names() {
		assert.Contains(t, stdout.String(), "  - "+name+": ")
	}
}

func TestRun_InvalidSettings(t *testing.T) {
	defer filet.CleanUp(t)
	t.Setenv("XDG_CONFIG_HOME", filet.TmpDir(t, ""))

	var stdout, stderr bytes.Buffer
	code := run([]string{"-mode", "sepia", "-l", "Paris"}, strings.NewReader(""), &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "unknown visualization mode")
	assert.Contains(t, stderr.String(), "Available modes:")
}

func TestRun_WriteConfig(t *testing.T) {
	defer filet.CleanUp(t)
	dir := filet.TmpDir(t, "")
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("M2M_TOKEN", "very-secret")

	path := filepath.Join(dir, "effective.json")
	var stdout, stderr bytes.Buffer
	code := run([]string{"-write-config", path, "-fps", "8"}, strings.NewReader(""), &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"fps": 8`)
	assert.NotContains(t, string(data), "very-secret")
}

func TestRun_BadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, run([]string{"-nope"}, strings.NewReader(""), &stdout, &stderr))
}

func TestPrompt(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, "Lisbon, Portugal", prompt(strings.NewReader("  Lisbon, Portugal \n"), &out, "Where? "))
	assert.Equal(t, "Where? ", out.String())

	assert.Empty(t, prompt(strings.NewReader(""), &out, "Where? "))
}

func TestApp_RateLimitNotices(t *testing.T) {
	app, out := newTestApp(t, testSettings(t), &fakeProvider{})

	app.onRateLimit(ratelimit.RateLimitEvent{Provider: "earthengine", StatusCode: 429, RetryAfter: 30 * time.Second})
	app.onRateLimit(ratelimit.RateLimitEvent{Provider: "earthengine", StatusCode: 429, RetryAttempt: 1})
	app.onRecovered("earthengine")

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "throttling requests"), "only the first attempt is reported")
	assert.Contains(t, text, "HTTP 429")
	assert.Contains(t, text, "server asked to wait 30s")
	assert.Contains(t, text, "is responding again")
}
