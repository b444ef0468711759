package main

// CacheStats summarizes the download cache.
type CacheStats struct {
	Entries   int     `json:"entries"`
	SizeBytes int64   `json:"sizeBytes"`
	MaxBytes  int64   `json:"maxBytes"`
	SizeMB    float64 `json:"sizeMB"`
	MaxMB     float64 `json:"maxMB"`
	CachePath string  `json:"cachePath"`
}

// CacheStats returns current cache statistics.
func (a *App) CacheStats() CacheStats {
	if a.cache == nil {
		return CacheStats{}
	}

	entries, sizeBytes, maxBytes := a.cache.Stats()

	return CacheStats{
		Entries:   entries,
		SizeBytes: sizeBytes,
		MaxBytes:  maxBytes,
		SizeMB:    float64(sizeBytes) / 1024 / 1024,
		MaxMB:     float64(maxBytes) / 1024 / 1024,
		CachePath: a.cache.GetCachePath(),
	}
}

// ClearCache removes all downloaded scene files.
func (a *App) ClearCache() error {
	if a.cache != nil {
		return a.cache.Clear()
	}
	return nil
}
