package geocoding_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/geocoding"
)

// mockHTTPClient is a mock implementation of HTTPClient for testing.
type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func newNominatim(client geocoding.HTTPClient) *geocoding.NominatimProvider {
	return geocoding.NewNominatimProviderWithClient(client, slog.Default()).
		WithLimiter(rate.NewLimiter(rate.Inf, 1))
}

func TestNominatimProvider_Geocode(t *testing.T) {
	ctx := context.Background()

	t.Run("successful geocoding", func(t *testing.T) {
		client := &mockHTTPClient{
			doFunc: func(req *http.Request) (*http.Response, error) {
				assert.Equal(t, http.MethodGet, req.Method)
				assert.Contains(t, req.URL.String(), "nominatim.openstreetmap.org")
				assert.Equal(t, "San Francisco", req.URL.Query().Get("q"))
				assert.Equal(t, "json", req.URL.Query().Get("format"))
				assert.Equal(t, "1", req.URL.Query().Get("limit"))
				assert.Contains(t, req.Header.Get("User-Agent"), "landsat-timelapse")
				return jsonResponse(http.StatusOK, `[{"lat":"37.7790262","lon":"-122.419906","display_name":"San Francisco"}]`), nil
			},
		}

		coords, err := newNominatim(client).Geocode(ctx, "San Francisco")

		require.NoError(t, err)
		require.NotNil(t, coords)
		assert.InEpsilon(t, 37.7790262, coords.Latitude, 0.0001)
		assert.InEpsilon(t, -122.419906, coords.Longitude, 0.0001)
	})

	t.Run("falls back to shorter names", func(t *testing.T) {
		var queries []string
		client := &mockHTTPClient{
			doFunc: func(req *http.Request) (*http.Response, error) {
				q := req.URL.Query().Get("q")
				queries = append(queries, q)
				if q == "Springfield" {
					return jsonResponse(http.StatusOK, `[{"lat":"39.78","lon":"-89.65"}]`), nil
				}
				return jsonResponse(http.StatusOK, `[]`), nil
			},
		}

		coords, err := newNominatim(client).Geocode(ctx, "Springfield, Sangamon County, Nowhere")

		require.NoError(t, err)
		assert.InDelta(t, 39.78, coords.Latitude, 1e-9)
		assert.Equal(t, []string{
			"Springfield, Sangamon County, Nowhere",
			"Springfield, Sangamon County",
			"Springfield",
		}, queries)
	})

	t.Run("no results is location not found", func(t *testing.T) {
		client := &mockHTTPClient{
			doFunc: func(_ *http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `[]`), nil
			},
		}

		coords, err := newNominatim(client).Geocode(ctx, "Atlantis")

		require.Nil(t, coords)
		require.ErrorIs(t, err, geocoding.ErrLocationNotFound)
	})

	t.Run("api error is not location not found", func(t *testing.T) {
		client := &mockHTTPClient{
			doFunc: func(_ *http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusForbidden, `blocked`), nil
			},
		}

		_, err := newNominatim(client).Geocode(ctx, "Paris")

		require.Error(t, err)
		assert.NotErrorIs(t, err, geocoding.ErrLocationNotFound)
		assert.Contains(t, err.Error(), "403")
	})

	t.Run("invalid coordinates", func(t *testing.T) {
		client := &mockHTTPClient{
			doFunc: func(_ *http.Request) (*http.Response, error) {
				return jsonResponse(http.StatusOK, `[{"lat":"north","lon":"1"}]`), nil
			},
		}

		_, err := newNominatim(client).Geocode(ctx, "Paris")

		require.ErrorIs(t, err, geocoding.ErrNominatimInvalidCoords)
	})

	t.Run("transport error", func(t *testing.T) {
		client := &mockHTTPClient{
			doFunc: func(_ *http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			},
		}

		_, err := newNominatim(client).Geocode(ctx, "Paris")

		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

// googleClientMock is a testify mock of GoogleAPIClient.
type googleClientMock struct {
	mock.Mock
}

func (m *googleClientMock) Geocode(ctx context.Context, r *maps.GeocodingRequest) ([]maps.GeocodingResult, error) {
	args := m.Called(ctx, r)
	results, _ := args.Get(0).([]maps.GeocodingResult)
	return results, args.Error(1)
}

func TestGoogleProvider_Geocode(t *testing.T) {
	ctx := t.Context()

	t.Run("api returns error", func(t *testing.T) {
		client := &googleClientMock{}
		client.On("Geocode", ctx, &maps.GeocodingRequest{Address: "Cairo"}).Return(nil, assert.AnError).Once()

		_, err := geocoding.NewGoogleProvider(client, slog.Default()).Geocode(ctx, "Cairo")

		require.ErrorIs(t, err, assert.AnError)
		client.AssertExpectations(t)
	})

	t.Run("empty response", func(t *testing.T) {
		client := &googleClientMock{}
		client.On("Geocode", ctx, &maps.GeocodingRequest{Address: "Atlantis"}).Return(nil, nil).Once()

		coords, err := geocoding.NewGoogleProvider(client, slog.Default()).Geocode(ctx, "Atlantis")

		require.Nil(t, coords)
		require.ErrorIs(t, err, geocoding.ErrLocationNotFound)
		client.AssertExpectations(t)
	})

	t.Run("successful geocoding", func(t *testing.T) {
		client := &googleClientMock{}
		client.On("Geocode", ctx, &maps.GeocodingRequest{Address: "Cairo"}).Return([]maps.GeocodingResult{
			{Geometry: maps.AddressGeometry{Location: maps.LatLng{Lat: 30.04, Lng: 31.23}}},
		}, nil).Once()

		coords, err := geocoding.NewGoogleProvider(client, slog.Default()).Geocode(ctx, "Cairo")

		require.NoError(t, err)
		assert.InEpsilon(t, 30.04, coords.Latitude, 0.001)
		assert.InEpsilon(t, 31.23, coords.Longitude, 0.001)
		client.AssertExpectations(t)
	})
}

type staticProvider struct {
	coords *geo.Coordinate
	err    error
	calls  int
}

func (s *staticProvider) Geocode(_ context.Context, _ string) (*geo.Coordinate, error) {
	s.calls++
	return s.coords, s.err
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("coordinate pair skips geocoder", func(t *testing.T) {
		p := &staticProvider{}
		c, err := geocoding.Resolve(ctx, p, "48.8566, 2.3522")
		require.NoError(t, err)
		assert.InDelta(t, 48.8566, c.Latitude, 1e-9)
		assert.Zero(t, p.calls)
	})

	t.Run("out of range pair", func(t *testing.T) {
		_, err := geocoding.Resolve(ctx, &staticProvider{}, "120,10")
		require.ErrorIs(t, err, geo.ErrInvalidCoordinate)
	})

	t.Run("place name", func(t *testing.T) {
		p := &staticProvider{coords: &geo.Coordinate{Latitude: 1, Longitude: 2}}
		c, err := geocoding.Resolve(ctx, p, "Somewhere")
		require.NoError(t, err)
		assert.Equal(t, geo.Coordinate{Latitude: 1, Longitude: 2}, c)
		assert.Equal(t, 1, p.calls)
	})

	t.Run("geocoder out of range result", func(t *testing.T) {
		p := &staticProvider{coords: &geo.Coordinate{Latitude: 100, Longitude: 2}}
		_, err := geocoding.Resolve(ctx, p, "Somewhere")
		require.ErrorIs(t, err, geo.ErrInvalidCoordinate)
	})

	t.Run("not found propagates", func(t *testing.T) {
		p := &staticProvider{err: geocoding.ErrLocationNotFound}
		_, err := geocoding.Resolve(ctx, p, "Nowhere")
		require.ErrorIs(t, err, geocoding.ErrLocationNotFound)
	})
}

func TestNewProvider(t *testing.T) {
	p, err := geocoding.NewProvider(geocoding.ProviderConfig{Type: geocoding.ProviderTypeNominatim})
	require.NoError(t, err)
	_, ok := p.(*geocoding.NominatimProvider)
	assert.True(t, ok)

	p, err = geocoding.NewProvider(geocoding.ProviderConfig{})
	require.NoError(t, err)
	_, ok = p.(*geocoding.NominatimProvider)
	assert.True(t, ok, "nominatim is the default")

	p, err = geocoding.NewProvider(geocoding.ProviderConfig{Type: geocoding.ProviderTypeGoogle, APIKey: "test-api-key", RateLimit: 10})
	require.NoError(t, err)
	_, ok = p.(*geocoding.GoogleProvider)
	assert.True(t, ok)

	_, err = geocoding.NewProvider(geocoding.ProviderConfig{Type: geocoding.ProviderTypeGoogle})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")

	_, err = geocoding.NewProvider(geocoding.ProviderConfig{Type: "mapquest"})
	require.Error(t, err)
}
