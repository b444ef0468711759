package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the counters of one timelapse run. A run is a short-lived
// batch job, so the registry is written to a node_exporter textfile at the
// end instead of being scraped.
type Metrics struct {
	gatherer prometheus.Gatherer

	Candidates     prometheus.Counter
	MonthsSelected prometheus.Counter
	Frames         *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	RequestSeconds *prometheus.HistogramVec
	RunSeconds     *prometheus.HistogramVec
}

// New returns metrics backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.gatherer = reg
	return m
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Candidates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "landsat_scene_candidates_total",
			Help: "Total number of candidate scenes returned by the provider.",
		}),
		MonthsSelected: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "landsat_months_selected_total",
			Help: "Total number of calendar months with a selected scene.",
		}),
		Frames: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "landsat_frames_rendered_total",
			Help: "Total number of rendered frames.",
		}, []string{"status"}),
		ProviderErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "landsat_provider_errors_total",
			Help: "Total number of failed scene provider requests.",
		}, []string{"provider", "operation"}),
		RequestSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "landsat_provider_request_duration_seconds",
			Help:    "Duration of requests to the scene provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
		RunSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "landsat_run_duration_seconds",
			Help:    "Duration of a complete timelapse run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
	}
}

// ObserveRequest records one provider round trip.
func (m *Metrics) ObserveRequest(provider, operation string, d time.Duration, err error) {
	m.RequestSeconds.WithLabelValues(provider, operation).Observe(d.Seconds())
	if err != nil {
		m.ProviderErrors.WithLabelValues(provider, operation).Inc()
	}
}

func (m *Metrics) RecordSearch(candidates int) {
	m.Candidates.Add(float64(candidates))
}

func (m *Metrics) RecordSelection(months int) {
	m.MonthsSelected.Add(float64(months))
}

func (m *Metrics) RecordFrame(err error) {
	m.Frames.WithLabelValues(status(err)).Inc()
}

// ObserveRun records the total run time.
func (m *Metrics) ObserveRun(d time.Duration, err error) {
	m.RunSeconds.WithLabelValues(status(err)).Observe(d.Seconds())
}

// WriteTextfile writes every collected metric to path in the text
// exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m.gatherer == nil {
		return fmt.Errorf("metrics were not created with their own registry")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
