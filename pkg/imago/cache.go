package imago

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Source identifies where a Query result was satisfied from.
type Source int

const (
	SourceNone Source = iota
	SourceMemory
	SourceDisk
)

func (s Source) String() string {
	switch s {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	default:
		return "none"
	}
}

// QueryResult is what Cache.Query delivers.
type QueryResult struct {
	Image  *DecodedImage
	Bytes  []byte
	Source Source
}

// Cache combines the memory and disk tiers behind a single Query/Store
// surface.
type Cache struct {
	memory  *MemoryCache
	disk    *DiskCache
	decoder Decoder
	config  *CacheConfig
	metrics *metrics
}

// NewCache wires a MemoryCache and DiskCache together per config.
func NewCache(config *CacheConfig, decoder Decoder, m *metrics) (*Cache, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	if m == nil {
		m = noopMetrics()
	}
	if decoder == nil {
		decoder = NewDecoder()
	}

	mem, err := NewMemoryCache(config.MaxMemoryCost, config.MaxMemoryCountLimit)
	if err != nil {
		return nil, err
	}
	disk, err := NewDiskCache(config.DiskRoot, config.Namespace, nil, config.ShouldDisableICloud, m)
	if err != nil {
		mem.Close()
		return nil, err
	}

	return &Cache{memory: mem, disk: disk, decoder: decoder, config: config, metrics: m}, nil
}

// NewCacheWithRegistry is NewCache with its metrics registered against reg
// instead of a private registry, for hosts that mount a shared /metrics
// endpoint.
func NewCacheWithRegistry(config *CacheConfig, decoder Decoder, reg prometheus.Registerer) (*Cache, error) {
	return NewCache(config, decoder, newMetrics(reg))
}

// AddFallbackPath registers an additional read-only directory searched
// after the primary disk cache path, in registration order.
func (c *Cache) AddFallbackPath(path string) {
	c.disk.fallbackPaths = append(c.disk.fallbackPaths, path)
}

// Close releases background resources (otter's eviction goroutines, the
// disk cache's I/O executor).
func (c *Cache) Close() {
	c.memory.Close()
	c.disk.Close()
}

// Query implements a two-step lookup: a synchronous memory hit, or a disk
// read dispatched to the I/O executor on a memory miss. The supplied
// context cancels the disk-read phase's result delivery (not the read
// itself, which is not undone once started); ctx.Err() is checked before
// the result is returned.
func (c *Cache) Query(ctx context.Context, key CacheKey) QueryResult {
	if cached, ok := c.memory.Get(key); ok {
		c.metrics.memHits.Inc()
		return QueryResult{Image: cached.Image, Bytes: cached.Bytes, Source: SourceMemory}
	}
	c.metrics.memMisses.Inc()

	data, ok := c.disk.Read(key)
	if ctx.Err() != nil {
		return QueryResult{Source: SourceNone}
	}
	if !ok {
		return QueryResult{Source: SourceNone}
	}

	img, err := c.decoder.Decode(data, false)
	if err != nil {
		return QueryResult{Source: SourceNone}
	}
	if c.config.ShouldDecompressImages {
		img, _ = c.decoder.ForceDecode(img)
	}
	img, _ = c.decoder.ScaleDownLarge(img)

	if c.config.ShouldCacheImagesInMemory {
		c.memory.Put(key, &CachedImage{Image: img, Bytes: data, Cost: img.Cost(), Format: img.Format})
	}

	return QueryResult{Image: img, Bytes: data, Source: SourceDisk}
}

// Store always updates memory; it writes to disk verbatim if bytes are
// supplied, else re-encodes (PNG if the image has an alpha channel, JPEG
// otherwise) before writing.
func (c *Cache) Store(key CacheKey, img *DecodedImage, data []byte, toDisk bool) error {
	if c.config.ShouldCacheImagesInMemory {
		c.memory.Put(key, &CachedImage{Image: img, Bytes: data, Cost: img.Cost(), Format: img.Format})
	}

	if !toDisk {
		return nil
	}

	format := img.Format
	payload := data
	if payload == nil {
		if img.HasAlpha() {
			format = FormatPNG
		} else {
			format = FormatJPEG
		}
		encoded, err := img.Encode(format, 85)
		if err != nil {
			return errDiskIO(err)
		}
		payload = encoded
	}

	// A disk write failure must not fail the enclosing load; Store still
	// returns the error so the caller can log it.
	return c.disk.Write(key, payload, format)
}

// Expire runs the disk cache's two-pass expiration using config's bounds.
func (c *Cache) Expire() {
	c.disk.Expire(c.config.MaxCacheAge, int64(c.config.MaxCacheSize))
}

// Remove evicts key from both tiers.
func (c *Cache) Remove(key CacheKey) {
	c.memory.Remove(key)
	c.disk.Remove(key)
}

// Clear empties both tiers.
func (c *Cache) Clear() {
	c.memory.Clear()
	c.disk.Clear()
}

// Memory exposes the memory tier, e.g. so a host runtime can wire
// OnPressure() to its own low-memory notification.
func (c *Cache) Memory() *MemoryCache { return c.memory }

// Disk exposes the disk tier for direct inspection (TotalSize, FileCount).
func (c *Cache) Disk() *DiskCache { return c.disk }
