package provider_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"
	"golang.org/x/oauth2"

	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/landsat"
	"landsat-timelapse/internal/provider"
	"landsat-timelapse/internal/ratelimit"
	"landsat-timelapse/internal/scenes"
	"landsat-timelapse/internal/visualize"
)

const collectionPath = "/projects/earthengine-public/assets/LANDSAT/LC08/C02/T1_L2"

func fastRetry() *ratelimit.RetryStrategy {
	return &ratelimit.RetryStrategy{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
		MaxRetries:      2,
	}
}

func testRegion(t *testing.T) geo.Region {
	t.Helper()
	region, err := geo.CalculateRegion(geo.Coordinate{Latitude: 37.7749, Longitude: -122.4194},
		geo.RegionOptions{Scale: 60000, Width: 4, Height: 4})
	require.NoError(t, err)
	return region
}

// tiffOf encodes a uniform 16-bit band.
func tiffOf(t *testing.T, w, h int, dn uint16) []byte {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: dn})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	return buf.Bytes()
}

// floatTIFFOf encodes a uniform float32 band like the TOA getPixels output,
// with the top-left pixel masked as NaN.
func floatTIFFOf(t *testing.T, w, h int, v float32) []byte {
	t.Helper()
	le := binary.LittleEndian
	dataLen := uint32(w * h * 4)

	out := []byte("II")
	out = le.AppendUint16(out, 42)
	out = le.AppendUint32(out, 8+dataLen)
	for i := 0; i < w*h; i++ {
		bits := math.Float32bits(v)
		if i == 0 {
			bits = math.Float32bits(float32(math.NaN()))
		}
		out = le.AppendUint32(out, bits)
	}

	type entry struct {
		tag, typ uint16
		value    uint32
	}
	entries := []entry{
		{256, 4, uint32(w)}, // ImageWidth
		{257, 4, uint32(h)}, // ImageLength
		{258, 3, 32},        // BitsPerSample
		{259, 3, 1},         // Compression: none
		{262, 3, 1},         // PhotometricInterpretation: black is zero
		{273, 4, 8},         // StripOffsets
		{277, 3, 1},         // SamplesPerPixel
		{278, 4, uint32(h)}, // RowsPerStrip
		{279, 4, dataLen},   // StripByteCounts
		{339, 3, 3},         // SampleFormat: IEEE float
	}
	out = le.AppendUint16(out, uint16(len(entries)))
	for _, e := range entries {
		out = le.AppendUint16(out, e.tag)
		out = le.AppendUint16(out, e.typ)
		out = le.AppendUint32(out, 1)
		if e.typ == 3 {
			out = le.AppendUint16(out, uint16(e.value))
			out = append(out, 0, 0)
		} else {
			out = le.AppendUint32(out, e.value)
		}
	}
	return le.AppendUint32(out, 0)
}

func newEarthEngine(t *testing.T, srv *httptest.Server, ts oauth2.TokenSource) *provider.EarthEngine {
	t.Helper()
	if ts == nil {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
	}
	ee, err := provider.NewEarthEngine(context.Background(), provider.Config{
		Collection: landsat.DefaultCollectionID,
		EarthEngine: provider.EarthEngineConfig{
			Project:     "my-project",
			BaseURL:     srv.URL,
			TokenSource: ts,
		},
		Retry: fastRetry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ee.Close() })
	return ee
}

func TestEarthEngine_SearchScenesFollowsPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, collectionPath+":listImages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "my-project", r.Header.Get("X-Goog-User-Project"))

		q := r.URL.Query()
		assert.Equal(t, "CLOUD_COVER <= 10", q.Get("filter"))
		assert.Equal(t, "2020-01-01T00:00:00Z", q.Get("startTime"))
		assert.Contains(t, q.Get("region"), `"Polygon"`)

		w.Header().Set("Content-Type", "application/json")
		if q.Get("pageToken") == "" {
			_, _ = w.Write([]byte(`{
				"images": [{
					"name": "projects/earthengine-public/assets/LANDSAT/LC08/C02/T1_L2/LC08_044034_20200115",
					"id": "LANDSAT/LC08/C02/T1_L2/LC08_044034_20200115",
					"startTime": "2020-01-15T18:40:00Z",
					"properties": {"CLOUD_COVER": 4.2},
					"bands": [{"id": "SR_B2"}, {"id": "SR_B3"}, {"id": "SR_B4"}]
				}],
				"nextPageToken": "page-2"
			}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"images": [{
				"name": "projects/earthengine-public/assets/LANDSAT/LC08/C02/T1_L2/LC08_044034_20200216",
				"startTime": "2020-02-16T18:40:00Z",
				"properties": {}
			}]
		}`))
	}))
	defer srv.Close()

	ee := newEarthEngine(t, srv, nil)
	region := testRegion(t)
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	cands, err := ee.SearchScenes(context.Background(), region, start, start.AddDate(0, 3, 0), 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, int32(2), calls.Load())

	first := cands[0]
	assert.Equal(t, "LANDSAT/LC08/C02/T1_L2/LC08_044034_20200115", first.ID)
	assert.Equal(t, 4.2, first.CloudCover)
	assert.True(t, strings.HasSuffix(first.Ref, "LC08_044034_20200115"))
	assert.Equal(t, []landsat.Band{landsat.Red, landsat.Green, landsat.Blue}, first.Bands)
	assert.Equal(t, region, first.Region)

	second := cands[1]
	assert.Equal(t, "LC08_044034_20200216", second.ID, "falls back to the asset name")
	assert.True(t, math.IsNaN(second.CloudCover))
	assert.Len(t, second.Bands, len(landsat.LookupCollection("").Available()))
}

func TestEarthEngine_FetchBandsOnRegionGrid(t *testing.T) {
	payload := tiffOf(t, 4, 4, 10000)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, collectionPath+"/LC08_044034_20200115:getPixels", r.URL.Path)

		var req struct {
			FileFormat string   `json:"fileFormat"`
			BandIDs    []string `json:"bandIds"`
			Grid       struct {
				Dimensions struct {
					Width  int `json:"width"`
					Height int `json:"height"`
				} `json:"dimensions"`
				AffineTransform struct {
					ScaleY float64 `json:"scaleY"`
				} `json:"affineTransform"`
				CrsCode string `json:"crsCode"`
			} `json:"grid"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "GEO_TIFF", req.FileFormat)
		assert.Equal(t, []string{"SR_B4"}, req.BandIDs)
		assert.Equal(t, 4, req.Grid.Dimensions.Width)
		assert.Equal(t, 4, req.Grid.Dimensions.Height)
		assert.Less(t, req.Grid.AffineTransform.ScaleY, 0.0, "rows run north to south")
		assert.Equal(t, "EPSG:4326", req.Grid.CrsCode)

		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	ee := newEarthEngine(t, srv, nil)
	cand := scenes.Candidate{
		ID:     "LC08_044034_20200115",
		Ref:    "projects/earthengine-public/assets/LANDSAT/LC08/C02/T1_L2/LC08_044034_20200115",
		Region: testRegion(t),
	}

	set, err := ee.FetchBands(context.Background(), cand, []landsat.Band{landsat.Red, landsat.Panchromatic})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "panchromatic is not in the L2 collection")
	assert.Equal(t, []landsat.Band{landsat.Panchromatic}, set.Missing(landsat.Red, landsat.Panchromatic))

	red := set[landsat.Red]
	require.NotNil(t, red)
	assert.Equal(t, 4, red.Width)
	assert.InDelta(t, 0.075, red.At(2, 2), 1e-6)
}

func TestEarthEngine_TOAPanchromaticRenders(t *testing.T) {
	const toaPath = "/projects/earthengine-public/assets/LANDSAT/LC08/C02/T1_TOA"
	payload := floatTIFFOf(t, 4, 4, 0.12)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, toaPath+"/LC08_044034_20200115:getPixels", r.URL.Path)
		var req struct {
			BandIDs []string `json:"bandIds"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"B8"}, req.BandIDs)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	ee, err := provider.NewEarthEngine(context.Background(), provider.Config{
		Collection: "LANDSAT/LC08/C02/T1_TOA",
		EarthEngine: provider.EarthEngineConfig{
			Project:     "my-project",
			BaseURL:     srv.URL,
			TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}),
		},
		Retry: fastRetry(),
	})
	require.NoError(t, err)
	defer ee.Close()

	cand := scenes.Candidate{
		ID:     "LC08_044034_20200115",
		Ref:    "projects/earthengine-public/assets/LANDSAT/LC08/C02/T1_TOA/LC08_044034_20200115",
		Region: testRegion(t),
	}
	set, err := ee.FetchBands(context.Background(), cand, []landsat.Band{landsat.Panchromatic})
	require.NoError(t, err)

	pan := set[landsat.Panchromatic]
	require.NotNil(t, pan)
	assert.True(t, math.IsNaN(float64(pan.At(0, 0))), "masked pixel stays no-data")
	assert.InDelta(t, 0.12, pan.At(3, 3), 1e-6)

	frame, err := visualize.NewMapper(visualize.DefaultStretch()).Render(visualize.Panchromatic, set)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), frame.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(102), frame.RGBAAt(3, 3).R, "0.12 in a 0-0.3 window")
}

func TestEarthEngine_ErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "forbidden", status: http.StatusForbidden, want: provider.ErrProviderAuth},
		{name: "unauthorized", status: http.StatusUnauthorized, want: provider.ErrProviderAuth},
		{name: "bad request", status: http.StatusBadRequest, want: provider.ErrProviderQuery},
		{name: "unavailable", status: http.StatusServiceUnavailable, want: provider.ErrProviderQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"error": {"message": "nope"}}`, tt.status)
			}))
			defer srv.Close()

			ee := newEarthEngine(t, srv, nil)
			_, err := ee.SearchScenes(context.Background(), testRegion(t), time.Now().AddDate(-1, 0, 0), time.Now(), 10)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

type failingTokenSource struct{}

func (failingTokenSource) Token() (*oauth2.Token, error) {
	return nil, errors.New("invalid_grant")
}

func TestEarthEngine_TokenFailureIsAuthError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	ee := newEarthEngine(t, srv, failingTokenSource{})
	_, err := ee.SearchScenes(context.Background(), testRegion(t), time.Now().AddDate(-1, 0, 0), time.Now(), 10)

	require.ErrorIs(t, err, provider.ErrProviderAuth)
	assert.Zero(t, calls.Load())
}

func TestNewEarthEngine_MissingCredentialsFile(t *testing.T) {
	_, err := provider.NewEarthEngine(context.Background(), provider.Config{
		EarthEngine: provider.EarthEngineConfig{CredentialsFile: t.TempDir() + "/missing.json"},
	})
	require.ErrorIs(t, err, provider.ErrProviderAuth)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := provider.New(context.Background(), provider.Config{Type: "sentinel"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported provider type")
	assert.Equal(t, []provider.Type{provider.TypeEarthEngine, provider.TypeM2M}, provider.Types())
}
