package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const indexFile = "cache_index.json"

// DownloadCache keeps provider downloads (band rasters, metadata files) on
// disk across runs so repeated timelapses of one place skip the transfer.
// Layout: {baseDir}/{provider}/{scene}/{name}
type DownloadCache struct {
	baseDir  string
	maxSize  int64
	currSize int64
	ttl      time.Duration
	mu       sync.Mutex
	metadata map[string]*EntryMetadata
	now      func() time.Time
}

// EntryMetadata stores information about a cached file
type EntryMetadata struct {
	Key        string    `json:"key"`
	Provider   string    `json:"provider"`
	Scene      string    `json:"scene"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	AccessTime time.Time `json:"accessTime"`
	CreateTime time.Time `json:"createTime"`
}

// NewDownloadCache opens (or creates) a cache rooted at cfg.Dir.
func NewDownloadCache(cfg *Config) (*DownloadCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	baseDir := cfg.Dir
	if baseDir == "" {
		baseDir = GetCacheDir()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &DownloadCache{
		baseDir:  baseDir,
		maxSize:  int64(cfg.MaxSizeMB) * 1024 * 1024,
		ttl:      time.Duration(cfg.TTLDays) * 24 * time.Hour,
		metadata: make(map[string]*EntryMetadata),
		now:      time.Now,
	}

	if err := c.loadMetadata(); err != nil {
		if err := c.rebuildMetadata(); err != nil {
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
	}
	return c, nil
}

func buildKey(provider, scene, name string) string {
	return provider + ":" + scene + ":" + name
}

func sanitize(part string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	return r.Replace(part)
}

func (c *DownloadCache) buildFilePath(meta *EntryMetadata) string {
	return filepath.Join(c.baseDir, sanitize(meta.Provider), sanitize(meta.Scene), sanitize(meta.Name))
}

// Path returns the on-disk location of a cached file and refreshes its
// access time. Expired or missing entries are dropped.
func (c *DownloadCache) Path(provider, scene, name string) (string, bool) {
	key := buildKey(provider, scene, name)

	c.mu.Lock()
	defer c.mu.Unlock()

	meta, exists := c.metadata[key]
	if !exists {
		return "", false
	}
	if c.ttl > 0 && c.now().Sub(meta.CreateTime) > c.ttl {
		c.evictLocked(key, meta)
		c.saveMetadataLocked()
		return "", false
	}

	path := c.buildFilePath(meta)
	if _, err := os.Stat(path); err != nil {
		c.evictLocked(key, meta)
		c.saveMetadataLocked()
		return "", false
	}

	meta.AccessTime = c.now()
	c.saveMetadataLocked()
	return path, true
}

// Put streams r into the cache and returns the stored file's path. The file
// only becomes visible once fully written.
func (c *DownloadCache) Put(provider, scene, name string, r io.Reader) (string, error) {
	now := c.now()
	meta := &EntryMetadata{
		Key:        buildKey(provider, scene, name),
		Provider:   provider,
		Scene:      scene,
		Name:       name,
		AccessTime: now,
		CreateTime: now,
	}
	filePath := c.buildFilePath(meta)

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".partial-*")
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	size, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move cache file into place: %w", err)
	}
	meta.Size = size

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.metadata[meta.Key]; exists {
		c.currSize -= old.Size
	}
	c.metadata[meta.Key] = meta
	c.currSize += size

	if c.maxSize > 0 && c.currSize > c.maxSize {
		c.evictOldLocked(meta.Key)
	}
	if err := c.saveMetadataLocked(); err != nil {
		return "", err
	}
	return filePath, nil
}

func (c *DownloadCache) evictLocked(key string, meta *EntryMetadata) {
	os.Remove(c.buildFilePath(meta))
	delete(c.metadata, key)
	c.currSize -= meta.Size
}

// evictOldLocked removes least recently used entries until the cache is at
// 80% of its budget. keep is never evicted.
func (c *DownloadCache) evictOldLocked(keep string) {
	targetSize := c.maxSize * 8 / 10

	entries := make([]*EntryMetadata, 0, len(c.metadata))
	for _, meta := range c.metadata {
		entries = append(entries, meta)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AccessTime.Before(entries[j].AccessTime)
	})

	for _, meta := range entries {
		if c.currSize <= targetSize {
			break
		}
		if meta.Key == keep {
			continue
		}
		c.evictLocked(meta.Key, meta)
	}
}

func (c *DownloadCache) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(c.baseDir, indexFile))
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata map[string]*EntryMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	if metadata == nil {
		return errors.New("empty metadata index")
	}

	c.metadata = metadata
	c.currSize = 0
	for _, meta := range metadata {
		c.currSize += meta.Size
	}
	return nil
}

func (c *DownloadCache) saveMetadataLocked() error {
	metaPath := filepath.Join(c.baseDir, indexFile)

	data, err := json.MarshalIndent(c.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Write to temp file first, then rename
	tempPath := metaPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tempPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	return nil
}

// rebuildMetadata rebuilds the index by scanning {provider}/{scene}/{name}
func (c *DownloadCache) rebuildMetadata() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metadata = make(map[string]*EntryMetadata)
	c.currSize = 0

	err := filepath.Walk(c.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		relPath, _ := filepath.Rel(c.baseDir, path)
		parts := strings.Split(relPath, string(os.PathSeparator))
		if len(parts) != 3 || strings.HasPrefix(parts[2], ".partial-") {
			return nil
		}

		meta := &EntryMetadata{
			Key:        buildKey(parts[0], parts[1], parts[2]),
			Provider:   parts[0],
			Scene:      parts[1],
			Name:       parts[2],
			Size:       info.Size(),
			AccessTime: info.ModTime(),
			CreateTime: info.ModTime(),
		}
		c.metadata[meta.Key] = meta
		c.currSize += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	return c.saveMetadataLocked()
}

// Stats returns cache statistics
func (c *DownloadCache) Stats() (entries int, sizeBytes int64, maxBytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.metadata), c.currSize, c.maxSize
}

// Clear removes all cached files
func (c *DownloadCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, meta := range c.metadata {
		os.Remove(c.buildFilePath(meta))
	}
	c.metadata = make(map[string]*EntryMetadata)
	c.currSize = 0
	return c.saveMetadataLocked()
}

// GetCachePath returns the base directory of the cache
func (c *DownloadCache) GetCachePath() string {
	return c.baseDir
}
