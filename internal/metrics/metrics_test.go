package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recording(t *testing.T) {
	m := New()

	m.RecordSearch(12)
	m.RecordSearch(3)
	m.RecordSelection(7)
	m.RecordFrame(nil)
	m.RecordFrame(nil)
	m.RecordFrame(errors.New("boom"))
	m.ObserveRequest("m2m", "scene-search", 150*time.Millisecond, nil)
	m.ObserveRequest("m2m", "scene-search", 2*time.Second, errors.New("HTTP 503"))

	assert.Equal(t, 15.0, testutil.ToFloat64(m.Candidates))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.MonthsSelected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Frames.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Frames.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderErrors.WithLabelValues("m2m", "scene-search")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestSeconds))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.RecordSearch(4)
	m.ObserveRun(90*time.Second, nil)

	path := filepath.Join(t.TempDir(), "landsat.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "landsat_scene_candidates_total 4")
	assert.Contains(t, string(data), `landsat_run_duration_seconds_count{status="ok"} 1`)
}

func TestMetrics_SharedRegistererCannotWriteTextfile(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	assert.Error(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}
