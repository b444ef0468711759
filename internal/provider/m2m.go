package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"landsat-timelapse/internal/cache"
	"landsat-timelapse/internal/geo"
	"landsat-timelapse/internal/landsat"
	"landsat-timelapse/internal/ratelimit"
	"landsat-timelapse/internal/scenes"
)

const (
	// M2MBaseURL is the USGS machine-to-machine API.
	M2MBaseURL = "https://m2m.cr.usgs.gov/api/api/json/stable/"
	// DefaultM2MDataset is Landsat 8-9 Collection 2 Level 2.
	DefaultM2MDataset = "landsat_ot_c2_l2"

	m2mPageSize         = 100
	defaultMemoSize     = 64
	defaultMaxDownloads = 2
)

var errDownloadPreparing = errors.New("download is still being prepared")

// M2MConfig holds USGS M2M credentials and tuning.
type M2MConfig struct {
	Username          string  `mapstructure:"username" json:"username"`
	Token             string  `mapstructure:"token" json:"-"`
	BaseURL           string  `mapstructure:"base_url" json:"base_url,omitempty"`
	Dataset           string  `mapstructure:"dataset" json:"dataset"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
	MemoSize          int     `mapstructure:"memo_size" json:"memo_size"`
	// MaxDownloads caps concurrent scene file downloads. Band files are
	// tens of megabytes each.
	MaxDownloads int `mapstructure:"max_downloads" json:"max_downloads"`
}

// M2M searches the USGS EarthExplorer catalog and downloads whole-scene band
// files, which are then sampled onto the output grid locally.
type M2M struct {
	baseURL    string
	dataset    string
	collection landsat.Collection
	client     *http.Client
	handler    *ratelimit.Handler
	retry      *ratelimit.RetryStrategy
	limiter    *rate.Limiter
	downloads  *semaphore.Weighted
	cache      *cache.DownloadCache
	memo       *lru.Cache[string, *landsat.Raster]
	observer   RequestObserver
	log        *slog.Logger

	mu     sync.RWMutex
	apiKey string
}

// NewM2M logs in and returns an M2M provider.
func NewM2M(ctx context.Context, cfg Config) (*M2M, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	mc := cfg.M2M
	if mc.Username == "" || mc.Token == "" {
		return nil, fmt.Errorf("%w: M2M username and application token are required", ErrProviderAuth)
	}

	baseURL := mc.BaseURL
	if baseURL == "" {
		baseURL = M2MBaseURL
	}
	dataset := mc.Dataset
	if dataset == "" {
		dataset = DefaultM2MDataset
	}
	rps := mc.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	memoSize := mc.MemoSize
	if memoSize <= 0 {
		memoSize = defaultMemoSize
	}
	maxDownloads := mc.MaxDownloads
	if maxDownloads <= 0 {
		maxDownloads = defaultMaxDownloads
	}
	memo, err := lru.New[string, *landsat.Raster](memoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create raster memo: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	retry := cfg.Retry
	if retry == nil {
		retry = ratelimit.DefaultRetryStrategy()
	}

	m := &M2M{
		baseURL:    strings.TrimRight(baseURL, "/") + "/",
		dataset:    dataset,
		collection: landsat.ForM2MDataset(dataset),
		client:     client,
		handler:    newHandler(cfg, retry),
		retry:      retry,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		downloads:  semaphore.NewWeighted(int64(maxDownloads)),
		cache:      cfg.Cache,
		memo:       memo,
		observer:   cfg.Observer,
		log:        cfg.Logger.With("component", "m2m"),
	}

	if err := m.login(ctx, mc.Username, mc.Token); err != nil {
		return nil, err
	}
	return m, nil
}

// Name implements Provider.
func (m *M2M) Name() string { return string(TypeM2M) }

func (m *M2M) login(ctx context.Context, username, token string) error {
	var apiKey string
	err := m.call(ctx, "login-token", map[string]string{"username": username, "token": token}, &apiKey)
	if err != nil {
		if errors.Is(err, ErrProviderAuth) {
			return err
		}
		return fmt.Errorf("%w: login failed: %v", ErrProviderAuth, err)
	}
	if apiKey == "" {
		return fmt.Errorf("%w: login returned no API key", ErrProviderAuth)
	}

	m.mu.Lock()
	m.apiKey = apiKey
	m.mu.Unlock()
	m.log.InfoContext(ctx, "Logged in to USGS M2M", "user", username)
	return nil
}

// Close invalidates the API key.
func (m *M2M) Close() error {
	m.mu.RLock()
	loggedIn := m.apiKey != ""
	m.mu.RUnlock()
	if !loggedIn {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.call(ctx, "logout", nil, nil)

	m.mu.Lock()
	m.apiKey = ""
	m.mu.Unlock()
	m.client.CloseIdleConnections()
	return err
}

type m2mEnvelope struct {
	Data         json.RawMessage `json:"data"`
	ErrorCode    *string         `json:"errorCode"`
	ErrorMessage *string         `json:"errorMessage"`
}

// call posts payload to an M2M endpoint and decodes the envelope's data into
// out. API error codes starting with AUTH_ map to ErrProviderAuth.
func (m *M2M) call(ctx context.Context, endpoint string, payload, out any) (err error) {
	started := time.Now()
	defer func() { observe(m.observer, m.Name(), endpoint, started, err) }()

	if payload == nil {
		payload = struct{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	m.mu.RLock()
	apiKey := m.apiKey
	m.mu.RUnlock()

	resp, err := m.handler.Do(ctx, m.Name(), func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, ratelimit.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("X-Auth-Token", apiKey)
		}
		return m.client.Do(req)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrProviderQuery, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, endpoint)
	}

	var env m2mEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", ErrProviderQuery, endpoint, err)
	}
	if env.ErrorCode != nil && *env.ErrorCode != "" {
		msg := ""
		if env.ErrorMessage != nil {
			msg = *env.ErrorMessage
		}
		kind := ErrProviderQuery
		if strings.HasPrefix(*env.ErrorCode, "AUTH_") {
			kind = ErrProviderAuth
		}
		return fmt.Errorf("%w: %s: %s: %s", kind, endpoint, *env.ErrorCode, msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: unexpected %s payload: %v", ErrProviderQuery, endpoint, err)
	}
	return nil
}

type m2mPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type m2mSceneFilter struct {
	SpatialFilter struct {
		FilterType string   `json:"filterType"`
		LowerLeft  m2mPoint `json:"lowerLeft"`
		UpperRight m2mPoint `json:"upperRight"`
	} `json:"spatialFilter"`
	AcquisitionFilter struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"acquisitionFilter"`
	CloudCoverFilter struct {
		Min            float64 `json:"min"`
		Max            float64 `json:"max"`
		IncludeUnknown bool    `json:"includeUnknown"`
	} `json:"cloudCoverFilter"`
}

type m2mSearchRequest struct {
	DatasetName    string         `json:"datasetName"`
	MaxResults     int            `json:"maxResults"`
	StartingNumber int            `json:"startingNumber"`
	SceneFilter    m2mSceneFilter `json:"sceneFilter"`
}

// m2mNumber accepts both JSON numbers and numeric strings; the API uses
// either depending on the dataset.
type m2mNumber float64

func (n *m2mNumber) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = m2mNumber(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*n = m2mNumber(v)
	return nil
}

type m2mScene struct {
	EntityID         string    `json:"entityId"`
	DisplayID        string    `json:"displayId"`
	CloudCover       m2mNumber `json:"cloudCover"`
	TemporalCoverage struct {
		StartDate string `json:"startDate"`
	} `json:"temporalCoverage"`
}

type m2mSearchResponse struct {
	Results         []m2mScene `json:"results"`
	RecordsReturned int        `json:"recordsReturned"`
	TotalHits       int        `json:"totalHits"`
	NextRecord      int        `json:"nextRecord"`
}

// SearchScenes runs a paged scene-search over the region's bounding box.
// The acquisition filter is inclusive, so end is pulled back one day.
func (m *M2M) SearchScenes(ctx context.Context, region geo.Region, start, end time.Time, maxCloud float64) ([]scenes.Candidate, error) {
	var filter m2mSceneFilter
	filter.SpatialFilter.FilterType = "mbr"
	filter.SpatialFilter.LowerLeft = m2mPoint{Latitude: region.South(), Longitude: region.West()}
	filter.SpatialFilter.UpperRight = m2mPoint{Latitude: region.North(), Longitude: region.East()}
	filter.AcquisitionFilter.Start = start.UTC().Format(time.DateOnly)
	filter.AcquisitionFilter.End = end.UTC().AddDate(0, 0, -1).Format(time.DateOnly)
	filter.CloudCoverFilter.Max = maxCloud

	m.log.InfoContext(ctx, "Searching USGS M2M catalog",
		"dataset", m.dataset,
		"region", region.String(),
		"start", filter.AcquisitionFilter.Start,
		"end", filter.AcquisitionFilter.End)

	var candidates []scenes.Candidate
	next := 1
	for {
		var page m2mSearchResponse
		err := m.call(ctx, "scene-search", m2mSearchRequest{
			DatasetName:    m.dataset,
			MaxResults:     m2mPageSize,
			StartingNumber: next,
			SceneFilter:    filter,
		}, &page)
		if err != nil {
			return nil, err
		}

		for _, s := range page.Results {
			c, err := m.candidate(s, region)
			if err != nil {
				m.log.WarnContext(ctx, "Skipping scene with unreadable metadata", "scene", s.DisplayID, "error", err)
				continue
			}
			if c.Acquired.Before(start) || !c.Acquired.Before(end) {
				continue
			}
			candidates = append(candidates, c)
		}

		if page.RecordsReturned == 0 || page.NextRecord <= next || page.NextRecord > page.TotalHits {
			break
		}
		next = page.NextRecord
	}

	m.log.DebugContext(ctx, "M2M search complete", "candidates", len(candidates))
	return candidates, nil
}

func (m *M2M) candidate(s m2mScene, region geo.Region) (scenes.Candidate, error) {
	date := s.TemporalCoverage.StartDate
	if len(date) < len(time.DateOnly) {
		return scenes.Candidate{}, fmt.Errorf("invalid start date %q", date)
	}
	acquired, err := time.Parse(time.DateOnly, date[:len(time.DateOnly)])
	if err != nil {
		return scenes.Candidate{}, fmt.Errorf("invalid start date %q: %w", date, err)
	}
	return scenes.Candidate{
		ID:         s.DisplayID,
		Acquired:   acquired,
		CloudCover: float64(s.CloudCover),
		Ref:        s.EntityID,
		Bands:      m.collection.Available(),
		Region:     region,
	}, nil
}

func bandFileName(productID string, spec landsat.BandSpec) string {
	return productID + "_" + spec.ID + ".TIF"
}

func mtlFileName(productID string) string {
	return productID + "_MTL.json"
}

func memoKey(candidate scenes.Candidate, b landsat.Band) string {
	r := candidate.Region
	return fmt.Sprintf("%s|%s|%s|%dx%d", candidate.ID, b, r.String(), r.Width, r.Height)
}

// FetchBands downloads the scene's band files and MTL (through the download
// cache when configured) and samples each band onto the candidate's region.
func (m *M2M) FetchBands(ctx context.Context, candidate scenes.Candidate, bands []landsat.Band) (landsat.BandSet, error) {
	set := make(landsat.BandSet, len(bands))

	var pending []landsat.Band
	for _, b := range supported(m.collection, bands) {
		if r, ok := m.memo.Get(memoKey(candidate, b)); ok {
			set[b] = r
			continue
		}
		pending = append(pending, b)
	}
	if len(pending) == 0 {
		return set, nil
	}

	names := []string{mtlFileName(candidate.ID)}
	for _, b := range pending {
		spec, _ := m.collection.Spec(b)
		names = append(names, bandFileName(candidate.ID, spec))
	}

	files, err := m.resolveFiles(ctx, candidate, names)
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", candidate.ID, err)
	}

	mtl, err := m.openFile(ctx, candidate, files, mtlFileName(candidate.ID))
	if err != nil {
		return nil, fmt.Errorf("scene %s: %w", candidate.ID, err)
	}
	md, err := landsat.ParseMTL(mtl)
	mtl.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: scene %s: %v", ErrProviderQuery, candidate.ID, err)
	}

	for _, b := range pending {
		spec, _ := m.collection.Spec(b)
		rc, err := m.openFile(ctx, candidate, files, bandFileName(candidate.ID, spec))
		if err != nil {
			return nil, fmt.Errorf("scene %s band %s: %w", candidate.ID, b, err)
		}
		spec, err = md.Calibrate(spec)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("%w: scene %s: %v", ErrProviderQuery, candidate.ID, err)
		}
		full, err := decodeBand(rc, spec)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("scene %s band %s: %w", candidate.ID, b, err)
		}

		sampled := landsat.Resample(full, md.Corners, candidate.Region)
		m.memo.Add(memoKey(candidate, b), sampled)
		set[b] = sampled
	}

	m.log.DebugContext(ctx, "Fetched bands", "scene", candidate.ID, "bands", len(set))
	return set, nil
}

// sceneFiles maps file names to either a cached path or a download URL.
type sceneFiles struct {
	cached map[string]string
	urls   map[string]string
}

func (m *M2M) resolveFiles(ctx context.Context, candidate scenes.Candidate, names []string) (sceneFiles, error) {
	files := sceneFiles{cached: map[string]string{}, urls: map[string]string{}}

	var missing []string
	for _, name := range names {
		if m.cache != nil {
			if path, ok := m.cache.Path(m.Name(), candidate.ID, name); ok {
				files.cached[name] = path
				continue
			}
		}
		missing = append(missing, name)
	}
	if len(missing) == 0 {
		return files, nil
	}

	products, err := m.downloadProducts(ctx, candidate, missing)
	if err != nil {
		return files, err
	}
	for _, name := range missing {
		url, err := m.requestDownload(ctx, products[name])
		if err != nil {
			return files, fmt.Errorf("%s: %w", name, err)
		}
		files.urls[name] = url
	}
	return files, nil
}

type m2mProduct struct {
	EntityID string
	ID       string
}

type m2mDownloadOption struct {
	ID                 string              `json:"id"`
	EntityID           string              `json:"entityId"`
	DisplayID          string              `json:"displayId"`
	Available          bool                `json:"available"`
	SecondaryDownloads []m2mDownloadOption `json:"secondaryDownloads"`
}

// downloadProducts finds the product id of each named file among the
// scene's secondary downloads.
func (m *M2M) downloadProducts(ctx context.Context, candidate scenes.Candidate, names []string) (map[string]m2mProduct, error) {
	var options []m2mDownloadOption
	err := m.call(ctx, "download-options", map[string]any{
		"datasetName": m.dataset,
		"entityIds":   []string{candidate.Ref},
	}, &options)
	if err != nil {
		return nil, err
	}

	products := make(map[string]m2mProduct, len(names))
	for _, opt := range options {
		for _, sec := range opt.SecondaryDownloads {
			for _, name := range names {
				if strings.EqualFold(sec.DisplayID, name) || strings.HasSuffix(sec.DisplayID, strings.TrimPrefix(name, candidate.ID)) {
					if _, seen := products[name]; !seen && sec.Available {
						products[name] = m2mProduct{EntityID: sec.EntityID, ID: sec.ID}
					}
				}
			}
		}
	}

	for _, name := range names {
		if _, ok := products[name]; !ok {
			return nil, fmt.Errorf("%w: %s is not offered for download", ErrProviderQuery, name)
		}
	}
	return products, nil
}

type m2mDownload struct {
	DownloadID int    `json:"downloadId"`
	URL        string `json:"url"`
}

type m2mDownloadResponse struct {
	AvailableDownloads []m2mDownload `json:"availableDownloads"`
	PreparingDownloads []m2mDownload `json:"preparingDownloads"`
}

// requestDownload asks for a product URL, polling while the archive stages
// the file.
func (m *M2M) requestDownload(ctx context.Context, product m2mProduct) (string, error) {
	label := uuid.NewString()
	return ratelimit.Poll(ctx, m.retry, func() (string, error) {
		var resp m2mDownloadResponse
		err := m.call(ctx, "download-request", map[string]any{
			"downloads": []map[string]string{{"entityId": product.EntityID, "productId": product.ID}},
			"label":     label,
		}, &resp)
		if err != nil {
			return "", ratelimit.Permanent(err)
		}
		if len(resp.AvailableDownloads) > 0 && resp.AvailableDownloads[0].URL != "" {
			return resp.AvailableDownloads[0].URL, nil
		}
		if len(resp.PreparingDownloads) > 0 {
			m.log.DebugContext(ctx, "Download is being prepared", "product", product.ID)
			return "", errDownloadPreparing
		}
		return "", ratelimit.Permanent(fmt.Errorf("%w: download-request returned no URL for %s", ErrProviderQuery, product.ID))
	})
}

// openFile returns a reader for a scene file, downloading it into the cache
// first when needed.
func (m *M2M) openFile(ctx context.Context, candidate scenes.Candidate, files sceneFiles, name string) (io.ReadCloser, error) {
	if path, ok := files.cached[name]; ok {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
	}
	url, ok := files.urls[name]
	if !ok {
		return nil, fmt.Errorf("%w: no download URL for %s", ErrProviderQuery, name)
	}

	if err := m.acquireDownload(ctx); err != nil {
		return nil, err
	}
	streamed := false
	defer func() {
		if !streamed {
			m.releaseDownload()
		}
	}()

	started := time.Now()
	resp, err := m.handler.Do(ctx, m.Name(), func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, ratelimit.Permanent(err)
		}
		return m.client.Do(req)
	})
	if err != nil {
		observe(m.observer, m.Name(), "download", started, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: download %s: %v", ErrProviderQuery, name, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp, "download")
		resp.Body.Close()
		observe(m.observer, m.Name(), "download", started, err)
		return nil, err
	}

	if m.cache == nil {
		observe(m.observer, m.Name(), "download", started, nil)
		// The slot is held until the caller has read the body.
		streamed = true
		return &releasingBody{ReadCloser: resp.Body, release: sync.OnceFunc(m.releaseDownload)}, nil
	}

	path, err := m.cache.Put(m.Name(), candidate.ID, name, resp.Body)
	resp.Body.Close()
	observe(m.observer, m.Name(), "download", started, err)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %v", ErrProviderQuery, name, err)
	}
	m.log.DebugContext(ctx, "Cached scene file", "scene", candidate.ID, "file", name)
	return os.Open(path)
}

// acquireDownload acquires a download slot from the semaphore
func (m *M2M) acquireDownload(ctx context.Context) error {
	return m.downloads.Acquire(ctx, 1)
}

// releaseDownload releases a download slot back to the semaphore
func (m *M2M) releaseDownload() {
	m.downloads.Release(1)
}

type releasingBody struct {
	io.ReadCloser
	release func()
}

func (b *releasingBody) Close() error {
	defer b.release()
	return b.ReadCloser.Close()
}
