package cache

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxSizeMB, ttlDays int) *DownloadCache {
	t.Helper()
	c, err := NewDownloadCache(&Config{Dir: t.TempDir(), MaxSizeMB: maxSizeMB, TTLDays: ttlDays})
	require.NoError(t, err)
	return c
}

func TestDownloadCache_PutAndPath(t *testing.T) {
	c := newTestCache(t, 10, 0)

	path, err := c.Put("m2m", "LC08_L2SP_044034_20200105", "SR_B4.TIF", strings.NewReader("band data"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "band data", string(data))

	got, ok := c.Path("m2m", "LC08_L2SP_044034_20200105", "SR_B4.TIF")
	require.True(t, ok)
	assert.Equal(t, path, got)

	_, ok = c.Path("m2m", "LC08_L2SP_044034_20200105", "SR_B5.TIF")
	assert.False(t, ok)

	entries, size, _ := c.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(len("band data")), size)
}

func TestDownloadCache_ReopenLoadsIndex(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDownloadCache(&Config{Dir: dir, MaxSizeMB: 10})
	require.NoError(t, err)
	_, err = c.Put("m2m", "scene", "MTL.json", strings.NewReader("{}"))
	require.NoError(t, err)

	reopened, err := NewDownloadCache(&Config{Dir: dir, MaxSizeMB: 10})
	require.NoError(t, err)
	_, ok := reopened.Path("m2m", "scene", "MTL.json")
	assert.True(t, ok)
}

func TestDownloadCache_RebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()
	c, err := NewDownloadCache(&Config{Dir: dir, MaxSizeMB: 10})
	require.NoError(t, err)
	_, err = c.Put("m2m", "scene", "SR_B3.TIF", strings.NewReader("abc"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, indexFile)))

	rebuilt, err := NewDownloadCache(&Config{Dir: dir, MaxSizeMB: 10})
	require.NoError(t, err)
	entries, size, _ := rebuilt.Stats()
	assert.Equal(t, 1, entries)
	assert.Equal(t, int64(3), size)
}

func TestDownloadCache_TTLExpires(t *testing.T) {
	c := newTestCache(t, 10, 1)
	path, err := c.Put("m2m", "scene", "SR_B2.TIF", strings.NewReader("x"))
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	_, ok := c.Path("m2m", "scene", "SR_B2.TIF")
	assert.False(t, ok)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 1, 0) // 1 MiB budget
	chunk := strings.Repeat("x", 400*1024)

	base := time.Now()
	tick := 0
	c.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, err := c.Put("m2m", "a", "band", strings.NewReader(chunk))
	require.NoError(t, err)
	_, err = c.Put("m2m", "b", "band", strings.NewReader(chunk))
	require.NoError(t, err)

	// touch a so b becomes the oldest
	_, ok := c.Path("m2m", "a", "band")
	require.True(t, ok)

	_, err = c.Put("m2m", "c", "band", strings.NewReader(chunk))
	require.NoError(t, err)

	_, ok = c.Path("m2m", "b", "band")
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Path("m2m", "c", "band")
	assert.True(t, ok, "new entry kept")

	_, size, maxSize := c.Stats()
	assert.LessOrEqual(t, size, maxSize)
}

func TestDownloadCache_Clear(t *testing.T) {
	c := newTestCache(t, 10, 0)
	path, err := c.Put("earthengine", "scene", "SR_B4.tif", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, c.Clear())
	entries, size, _ := c.Stats()
	assert.Zero(t, entries)
	assert.Zero(t, size)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
