package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"
)

// Config represents cache configuration
type Config struct {
	Dir       string `mapstructure:"dir" json:"dir"`
	MaxSizeMB int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	TTLDays   int    `mapstructure:"ttl_days" json:"ttl_days"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Dir:       GetCacheDir(),
		MaxSizeMB: 4096, // a handful of scenes' worth of bands
		TTLDays:   30,
	}
}

// GetCacheDir returns the OS-specific cache directory
func GetCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "landsat-timelapse", "downloads")
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "landsat-timelapse", "cache", "downloads")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "landsat-timelapse", "downloads")
	}
}
