package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"

	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/landsat"
	"landsat-timelapse/internal/ratelimit"
	"landsat-timelapse/internal/scenes"
)

const (
	// EarthEngineBaseURL is the Earth Engine REST endpoint.
	EarthEngineBaseURL = "https://earthengine.googleapis.com/v1"
	// EarthEngineScope is the OAuth2 scope for Earth Engine.
	EarthEngineScope = "https://www.googleapis.com/auth/earthengine"

	earthEnginePublicProject = "projects/earthengine-public"
	earthEnginePageSize      = 1000
)

// EarthEngineConfig holds Earth Engine credentials. ServiceAccount plus
// PrivateKey take precedence, then CredentialsFile, then application default
// credentials.
type EarthEngineConfig struct {
	Project         string `mapstructure:"project" json:"project"`
	ServiceAccount  string `mapstructure:"service_account" json:"service_account"`
	PrivateKey      string `mapstructure:"private_key" json:"-"`
	CredentialsFile string `mapstructure:"credentials_file" json:"credentials_file"`
	BaseURL         string `mapstructure:"base_url" json:"base_url,omitempty"`

	TokenSource oauth2.TokenSource `mapstructure:"-" json:"-"`
}

// EarthEngine searches the Landsat image collection and asks the server to
// compute each band directly on the output grid.
type EarthEngine struct {
	baseURL    string
	project    string
	collection landsat.Collection
	client     *http.Client
	limiter    *ratelimit.Handler
	observer   RequestObserver
	log        *slog.Logger
}

// NewEarthEngine authenticates and returns an Earth Engine provider.
func NewEarthEngine(ctx context.Context, cfg Config) (*EarthEngine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ee := cfg.EarthEngine

	ts, err := earthEngineTokenSource(ctx, ee)
	if err != nil {
		return nil, err
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 2 * time.Minute}
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), authTokenSource{ts})
	client.Timeout = base.Timeout

	baseURL := ee.BaseURL
	if baseURL == "" {
		baseURL = EarthEngineBaseURL
	}

	return &EarthEngine{
		baseURL:    strings.TrimRight(baseURL, "/"),
		project:    ee.Project,
		collection: landsat.LookupCollection(cfg.Collection),
		client:     client,
		limiter:    newHandler(cfg, cfg.Retry),
		observer:   cfg.Observer,
		log:        cfg.Logger.With("component", "earthengine"),
	}, nil
}

func earthEngineTokenSource(ctx context.Context, cfg EarthEngineConfig) (oauth2.TokenSource, error) {
	switch {
	case cfg.TokenSource != nil:
		return cfg.TokenSource, nil

	case cfg.ServiceAccount != "" && cfg.PrivateKey != "":
		// Keys pasted into env files usually carry literal \n sequences.
		key := strings.ReplaceAll(cfg.PrivateKey, `\n`, "\n")
		jwtCfg := &jwt.Config{
			Email:      cfg.ServiceAccount,
			PrivateKey: []byte(key),
			Scopes:     []string{EarthEngineScope},
			TokenURL:   google.JWTTokenURL,
		}
		return jwtCfg.TokenSource(ctx), nil

	case cfg.CredentialsFile != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read credentials file: %v", ErrProviderAuth, err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, EarthEngineScope)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid credentials file: %v", ErrProviderAuth, err)
		}
		return creds.TokenSource, nil

	default:
		creds, err := google.FindDefaultCredentials(ctx, EarthEngineScope)
		if err != nil {
			return nil, fmt.Errorf("%w: no Earth Engine credentials configured: %v", ErrProviderAuth, err)
		}
		return creds.TokenSource, nil
	}
}

// authTokenSource tags token failures so they are not retried as transport
// errors.
type authTokenSource struct {
	ts oauth2.TokenSource
}

func (a authTokenSource) Token() (*oauth2.Token, error) {
	tok, err := a.ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderAuth, err)
	}
	return tok, nil
}

// Name implements Provider.
func (e *EarthEngine) Name() string { return string(TypeEarthEngine) }

// Close implements Provider.
func (e *EarthEngine) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

type eeImage struct {
	Name       string `json:"name"`
	ID         string `json:"id"`
	StartTime  string `json:"startTime"`
	Properties struct {
		CloudCover *float64 `json:"CLOUD_COVER"`
	} `json:"properties"`
	Bands []struct {
		ID string `json:"id"`
	} `json:"bands"`
}

type eeListResponse struct {
	Images        []eeImage `json:"images"`
	NextPageToken string    `json:"nextPageToken"`
}

// SearchScenes lists collection images intersecting the region within
// [start, end). Paging is followed to the end.
func (e *EarthEngine) SearchScenes(ctx context.Context, region geo.Region, start, end time.Time, maxCloud float64) ([]scenes.Candidate, error) {
	geometry, err := region.GeoJSON()
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "Searching Earth Engine collection",
		"collection", e.collection.ID,
		"region", region.String(),
		"start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly))

	var candidates []scenes.Candidate
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("startTime", start.UTC().Format(time.RFC3339))
		params.Set("endTime", end.UTC().Format(time.RFC3339))
		params.Set("region", string(geometry))
		params.Set("filter", fmt.Sprintf("CLOUD_COVER <= %g", maxCloud))
		params.Set("pageSize", fmt.Sprint(earthEnginePageSize))
		if pageToken != "" {
			params.Set("pageToken", pageToken)
		}
		endpoint := fmt.Sprintf("%s/%s/assets/%s:listImages?%s", e.baseURL, earthEnginePublicProject, e.collection.ID, params.Encode())

		var page eeListResponse
		if err := e.call(ctx, "listImages", http.MethodGet, endpoint, nil, func(resp *http.Response) error {
			return json.NewDecoder(resp.Body).Decode(&page)
		}); err != nil {
			return nil, err
		}

		for _, img := range page.Images {
			c, err := e.candidate(img, region)
			if err != nil {
				e.log.WarnContext(ctx, "Skipping image with unreadable metadata", "image", img.Name, "error", err)
				continue
			}
			candidates = append(candidates, c)
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	e.log.DebugContext(ctx, "Earth Engine search complete", "candidates", len(candidates))
	return candidates, nil
}

func (e *EarthEngine) candidate(img eeImage, region geo.Region) (scenes.Candidate, error) {
	acquired, err := time.Parse(time.RFC3339, img.StartTime)
	if err != nil {
		return scenes.Candidate{}, fmt.Errorf("invalid startTime %q: %w", img.StartTime, err)
	}

	cloud := math.NaN()
	if img.Properties.CloudCover != nil {
		cloud = *img.Properties.CloudCover
	}

	ids := make(map[string]bool, len(img.Bands))
	for _, b := range img.Bands {
		ids[b.ID] = true
	}
	var bands []landsat.Band
	for _, b := range e.collection.Available() {
		spec, _ := e.collection.Spec(b)
		if len(ids) == 0 || ids[spec.ID] {
			bands = append(bands, b)
		}
	}

	id := img.ID
	if id == "" {
		id = img.Name[strings.LastIndex(img.Name, "/")+1:]
	}

	return scenes.Candidate{
		ID:         id,
		Acquired:   acquired.UTC(),
		CloudCover: cloud,
		Ref:        img.Name,
		Bands:      bands,
		Region:     region,
	}, nil
}

type eeGrid struct {
	Dimensions struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"dimensions"`
	AffineTransform struct {
		ScaleX     float64 `json:"scaleX"`
		ShearX     float64 `json:"shearX"`
		TranslateX float64 `json:"translateX"`
		ShearY     float64 `json:"shearY"`
		ScaleY     float64 `json:"scaleY"`
		TranslateY float64 `json:"translateY"`
	} `json:"affineTransform"`
	CrsCode string `json:"crsCode"`
}

type eePixelsRequest struct {
	FileFormat string   `json:"fileFormat"`
	BandIDs    []string `json:"bandIds"`
	Grid       eeGrid   `json:"grid"`
}

func gridFor(region geo.Region) eeGrid {
	dx, dy := region.PixelSize()
	var g eeGrid
	g.Dimensions.Width = region.Width
	g.Dimensions.Height = region.Height
	g.AffineTransform.ScaleX = dx
	g.AffineTransform.TranslateX = region.West()
	g.AffineTransform.ScaleY = -dy
	g.AffineTransform.TranslateY = region.North()
	g.CrsCode = "EPSG:4326"
	return g
}

// FetchBands requests each band as a GeoTIFF already sampled on the
// candidate's region grid. Bands the collection does not carry are skipped.
func (e *EarthEngine) FetchBands(ctx context.Context, candidate scenes.Candidate, bands []landsat.Band) (landsat.BandSet, error) {
	set := make(landsat.BandSet, len(bands))
	grid := gridFor(candidate.Region)

	for _, b := range supported(e.collection, bands) {
		spec, _ := e.collection.Spec(b)
		body, err := json.Marshal(eePixelsRequest{
			FileFormat: "GEO_TIFF",
			BandIDs:    []string{spec.ID},
			Grid:       grid,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pixel request: %w", err)
		}

		endpoint := fmt.Sprintf("%s/%s:getPixels", e.baseURL, candidate.Ref)
		var raster *landsat.Raster
		if err := e.call(ctx, "getPixels", http.MethodPost, endpoint, body, func(resp *http.Response) error {
			r, err := decodeBand(resp.Body, spec)
			raster = r
			return err
		}); err != nil {
			return nil, fmt.Errorf("scene %s band %s: %w", candidate.ID, b, err)
		}
		set[b] = raster
	}

	e.log.DebugContext(ctx, "Fetched bands", "scene", candidate.ID, "bands", len(set))
	return set, nil
}

// call performs one Earth Engine request through the retry handler and hands
// a successful response to handle.
func (e *EarthEngine) call(ctx context.Context, operation, method, endpoint string, body []byte, handle func(*http.Response) error) (err error) {
	started := time.Now()
	defer func() { observe(e.observer, e.Name(), operation, started, err) }()

	resp, err := e.limiter.Do(ctx, e.Name(), func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, ratelimit.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if e.project != "" {
			req.Header.Set("X-Goog-User-Project", e.project)
		}
		resp, err := e.client.Do(req)
		if err != nil && errors.Is(err, ErrProviderAuth) {
			return nil, ratelimit.Permanent(err)
		}
		return resp, err
	})
	if err != nil {
		if errors.Is(err, ErrProviderAuth) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrProviderQuery, operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, operation)
	}
	if err := handle(resp); err != nil {
		if errors.Is(err, ErrProviderQuery) {
			return err
		}
		return fmt.Errorf("%w: failed to read %s response: %v", ErrProviderQuery, operation, err)
	}
	return nil
}
