package imago

import (
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/dustin/go-humanize"
)

// ByteSize is an int64 byte count that unmarshals human-readable strings
// such as "10GB", "500MB" or "100KB", matching the convention used across
// this codebase's sibling cache proxy for operator-facing size config.
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler so ByteSize can be
// populated directly from environment variables via caarlos0/env.
func (b *ByteSize) UnmarshalText(data []byte) error {
	value := strings.TrimSpace(strings.ToUpper(string(data)))
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(value, "GB"):
		multiplier = 1 << 30
		value = strings.TrimSuffix(value, "GB")
	case strings.HasSuffix(value, "MB"):
		multiplier = 1 << 20
		value = strings.TrimSuffix(value, "MB")
	case strings.HasSuffix(value, "KB"):
		multiplier = 1 << 10
		value = strings.TrimSuffix(value, "KB")
	case strings.HasSuffix(value, "B"):
		value = strings.TrimSuffix(value, "B")
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return err
	}
	*b = ByteSize(num * float64(multiplier))
	return nil
}

// CacheConfig is the environment/configuration surface named in
// the "Environment / configuration (CacheConfig)" table.
type CacheConfig struct {
	// ShouldDecompressImages, if true, force-decodes cached/downloaded
	// images so on-screen presentation needs no further CPU-side decode.
	ShouldDecompressImages bool `env:"IMAGO_DECOMPRESS_IMAGES" envDefault:"true"`

	// ShouldDisableICloud applies the do-not-back-up hint to written files.
	ShouldDisableICloud bool `env:"IMAGO_DISABLE_ICLOUD_BACKUP" envDefault:"true"`

	// ShouldCacheImagesInMemory, if false, decoded images are not
	// retained in the memory cache (disk-only caching).
	ShouldCacheImagesInMemory bool `env:"IMAGO_CACHE_IN_MEMORY" envDefault:"true"`

	// MaxCacheAge is the max age before expiration deletes a disk entry.
	MaxCacheAge time.Duration `env:"IMAGO_MAX_CACHE_AGE" envDefault:"168h"`

	// MaxCacheSize is the max total disk bytes; 0 means unbounded.
	MaxCacheSize ByteSize `env:"IMAGO_MAX_CACHE_SIZE" envDefault:"0"`

	// MaxMemoryCost is the max total pixel count across the memory cache.
	MaxMemoryCost uint64 `env:"IMAGO_MAX_MEMORY_COST" envDefault:"104857600"`

	// MaxMemoryCountLimit is the max number of memory-cache entries; 0
	// means no explicit count limit (cost limit still applies).
	MaxMemoryCountLimit int `env:"IMAGO_MAX_MEMORY_COUNT" envDefault:"0"`

	// Namespace is the disk cache's logical subdirectory.
	Namespace string `env:"IMAGO_CACHE_NAMESPACE" envDefault:"default"`

	// DiskRoot is the root directory under which Namespace is created.
	DiskRoot string `env:"IMAGO_CACHE_ROOT" envDefault:"imago-cache"`

	// CleanupInterval is how often the disk cache's expire() pass runs.
	CleanupInterval time.Duration `env:"IMAGO_CLEANUP_INTERVAL" envDefault:"30m"`

	// MaxConcurrentDownloads bounds the downloader's in-flight operations.
	MaxConcurrentDownloads int64 `env:"IMAGO_MAX_CONCURRENT_DOWNLOADS" envDefault:"8"`

	// RequestTimeout is the per-request HTTP timeout, overrideable per downloader.
	RequestTimeout time.Duration `env:"IMAGO_REQUEST_TIMEOUT" envDefault:"15s"`
}

// Print logs the resolved configuration at startup.
func (c *CacheConfig) Print() {
	log.Info("imago cache config:")
	log.Info("  ShouldDecompressImages: %t", c.ShouldDecompressImages)
	log.Info("  ShouldDisableICloud: %t", c.ShouldDisableICloud)
	log.Info("  ShouldCacheImagesInMemory: %t", c.ShouldCacheImagesInMemory)
	log.Info("  MaxCacheAge: %s", c.MaxCacheAge)
	log.Info("  MaxCacheSize: %s", humanize.IBytes(uint64(c.MaxCacheSize)))
	log.Info("  MaxMemoryCost: %s", humanize.IBytes(c.MaxMemoryCost))
	log.Info("  MaxMemoryCountLimit: %d", c.MaxMemoryCountLimit)
	log.Info("  Namespace: %s", c.Namespace)
	log.Info("  DiskRoot: %s", c.DiskRoot)
	log.Info("  CleanupInterval: %s", c.CleanupInterval)
	log.Info("  MaxConcurrentDownloads: %d", c.MaxConcurrentDownloads)
	log.Info("  RequestTimeout: %s", c.RequestTimeout)
}

// DefaultCacheConfig returns the zero-environment defaults, equivalent to
// what env.ParseAs[CacheConfig] would produce with no variables set.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		ShouldDecompressImages:    true,
		ShouldDisableICloud:       true,
		ShouldCacheImagesInMemory: true,
		MaxCacheAge:               7 * 24 * time.Hour,
		MaxCacheSize:              0,
		MaxMemoryCost:             100 * 1024 * 1024,
		MaxMemoryCountLimit:       0,
		Namespace:                 "default",
		DiskRoot:                  "imago-cache",
		CleanupInterval:           30 * time.Minute,
		MaxConcurrentDownloads:    8,
		RequestTimeout:            15 * time.Second,
	}
}
