package imago

import (
	"context"
	"testing"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cfg := DefaultCacheConfig()
	cfg.DiskRoot = t.TempDir()
	c, err := NewCache(cfg, fakeDecoder{}, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// TestCacheCoherence checks that after storing decode(B) under K with
// to_disk=true, Query(K) returns a pixel-equivalent image from either tier.
func TestCacheCoherence(t *testing.T) {
	c := newTestCache(t)
	key := CacheKey("https://example.com/a.jpg")
	data := []byte{0x89, 'P', 'N', 'G', 0, 0, 0, 0, 'x', 'y', 'z'}

	img, err := fakeDecoder{}.Decode(data, false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if err := c.Store(key, img, data, true); err != nil {
		t.Fatalf("Store: %v", err)
	}

	result := c.Query(context.Background(), key)
	if result.Source == SourceNone {
		t.Fatalf("expected a hit after Store, got SourceNone")
	}
	if result.Image.Width != img.Width || result.Image.Height != img.Height {
		t.Fatalf("queried image dimensions %dx%d != stored %dx%d",
			result.Image.Width, result.Image.Height, img.Width, img.Height)
	}
}

func TestCacheQueryMemoryHit(t *testing.T) {
	c := newTestCache(t)
	key := CacheKey("k")
	data := []byte("some-bytes")
	img, _ := fakeDecoder{}.Decode(data, false)

	if err := c.Store(key, img, data, false); err != nil {
		t.Fatalf("Store: %v", err)
	}

	result := c.Query(context.Background(), key)
	if result.Source != SourceMemory {
		t.Fatalf("expected SourceMemory, got %v", result.Source)
	}
}

func TestCacheQueryDiskHitRepopulatesMemory(t *testing.T) {
	c := newTestCache(t)
	key := CacheKey("k")
	data := []byte("some-bytes")
	img, _ := fakeDecoder{}.Decode(data, false)

	if err := c.Store(key, img, data, true); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Evict from memory so the next Query must fall through to disk.
	c.Memory().Clear()

	result := c.Query(context.Background(), key)
	if result.Source != SourceDisk {
		t.Fatalf("expected SourceDisk, got %v", result.Source)
	}

	if _, ok := c.Memory().Get(key); !ok {
		t.Fatalf("expected disk hit to repopulate the memory tier")
	}
}

func TestCacheQueryMiss(t *testing.T) {
	c := newTestCache(t)
	result := c.Query(context.Background(), CacheKey("missing"))
	if result.Source != SourceNone {
		t.Fatalf("expected SourceNone on a total miss, got %v", result.Source)
	}
}

func TestCacheStoreMemoryOnlyDoesNotWriteDisk(t *testing.T) {
	c := newTestCache(t)
	key := CacheKey("mem-only")
	data := []byte("bytes")
	img, _ := fakeDecoder{}.Decode(data, false)

	if err := c.Store(key, img, data, false); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if c.Disk().Contains(key) {
		t.Fatalf("CacheMemoryOnly store must not write to disk")
	}
	if _, ok := c.Memory().Get(key); !ok {
		t.Fatalf("expected the memory tier to still hold the image")
	}
}

func TestCacheRemoveAndClear(t *testing.T) {
	c := newTestCache(t)
	key := CacheKey("k")
	data := []byte("bytes")
	img, _ := fakeDecoder{}.Decode(data, false)
	c.Store(key, img, data, true)

	c.Remove(key)
	result := c.Query(context.Background(), key)
	if result.Source != SourceNone {
		t.Fatalf("expected miss after Remove, got %v", result.Source)
	}

	c.Store(key, img, data, true)
	c.Clear()
	result = c.Query(context.Background(), key)
	if result.Source != SourceNone {
		t.Fatalf("expected miss after Clear, got %v", result.Source)
	}
}

func TestCacheExpireBoundsDiskSize(t *testing.T) {
	// After expire() completes, total_size() must be <= maxCacheSize.
	cfg := DefaultCacheConfig()
	cfg.DiskRoot = t.TempDir()
	cfg.MaxCacheSize = 20
	c, err := NewCache(cfg, fakeDecoder{}, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer c.Close()

	for i := 0; i < 4; i++ {
		key := CacheKey(string(rune('a' + i)))
		data := []byte("0123456789")
		img, _ := fakeDecoder{}.Decode(data, false)
		if err := c.Store(key, img, data, true); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}

	c.Expire()

	if got := c.Disk().TotalSize(); got > int64(cfg.MaxCacheSize) {
		t.Fatalf("TotalSize = %d, want <= %d", got, cfg.MaxCacheSize)
	}
}
