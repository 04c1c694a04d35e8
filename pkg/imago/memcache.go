package imago

import (
	"container/list"
	"sync"

	"github.com/maypok86/otter"
)

// MemoryCache is the bounded in-memory tier of the two-tier cache. It is
// backed by maypok86/otter for concurrent, cost-aware storage and
// eviction. otter bounds a single cost metric (configured below as pixel
// count against maxMemoryCost); enforcing an independent entry-count
// bound needs a small auxiliary LRU index on top of otter's cost
// eviction to also cap maxMemoryCountLimit.
type MemoryCache struct {
	cache otter.Cache[CacheKey, *CachedImage]

	mu       sync.Mutex
	order    *list.List
	index    map[CacheKey]*list.Element
	maxCount int
}

// CachedImage is the in-memory cache's value type.
type CachedImage struct {
	Image  *DecodedImage
	Bytes  []byte
	Cost   int
	Format Format
}

// NewMemoryCache builds a MemoryCache bounded by maxCost (pixel budget)
// and maxCount (entry count; 0 means no explicit count limit).
func NewMemoryCache(maxCost uint64, maxCount int) (*MemoryCache, error) {
	mc := &MemoryCache{
		order:    list.New(),
		index:    make(map[CacheKey]*list.Element),
		maxCount: maxCount,
	}

	capacity := int(maxCost)
	if capacity <= 0 {
		capacity = 1
	}

	builder := otter.MustBuilder[CacheKey, *CachedImage](capacity)

	c, err := builder.
		Cost(func(key CacheKey, value *CachedImage) uint32 {
			if value == nil || value.Cost <= 0 {
				return 1
			}
			return uint32(value.Cost)
		}).
		DeletionListener(func(key CacheKey, value *CachedImage, cause otter.DeletionCause) {
			mc.forget(key)
			if value != nil && value.Image != nil {
				value.Image.Close()
			}
		}).
		Build()
	if err != nil {
		return nil, err
	}

	mc.cache = c
	return mc, nil
}

// Get returns the cached image for key, if present.
func (mc *MemoryCache) Get(key CacheKey) (*CachedImage, bool) {
	v, ok := mc.cache.Get(key)
	if !ok {
		return nil, false
	}
	mc.touch(key)
	return v, true
}

// Put stores an image under key with the given cost (pixel count).
func (mc *MemoryCache) Put(key CacheKey, img *CachedImage) {
	mc.cache.Set(key, img)
	mc.touch(key)
	mc.enforceCountLimit()
}

// Remove evicts key from the cache, closing its native image if present.
func (mc *MemoryCache) Remove(key CacheKey) {
	if v, ok := mc.cache.Get(key); ok && v != nil && v.Image != nil {
		v.Image.Close()
	}
	mc.cache.Delete(key)
	mc.forget(key)
}

// Clear empties the cache. Used both for explicit Clear() calls and as
// the handler for a host-runtime memory-pressure signal.
func (mc *MemoryCache) Clear() {
	mc.cache.Range(func(key CacheKey, value *CachedImage) bool {
		if value != nil && value.Image != nil {
			value.Image.Close()
		}
		return true
	})
	mc.cache.Clear()

	mc.mu.Lock()
	mc.order = list.New()
	mc.index = make(map[CacheKey]*list.Element)
	mc.mu.Unlock()
}

// OnPressure is the hook the host runtime is expected to invoke on a
// system-wide memory-pressure notification.
func (mc *MemoryCache) OnPressure() {
	mc.Clear()
}

// Close stops otter's background eviction goroutines.
func (mc *MemoryCache) Close() {
	mc.cache.Close()
}

func (mc *MemoryCache) touch(key CacheKey) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if el, ok := mc.index[key]; ok {
		mc.order.MoveToBack(el)
		return
	}
	mc.index[key] = mc.order.PushBack(key)
}

func (mc *MemoryCache) forget(key CacheKey) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if el, ok := mc.index[key]; ok {
		mc.order.Remove(el)
		delete(mc.index, key)
	}
}

// enforceCountLimit evicts the least-recently-touched entries until the
// tracked entry count is within maxCount. It runs synchronously inside the
// Put that triggered it; otter's cost-based eviction runs independently.
func (mc *MemoryCache) enforceCountLimit() {
	if mc.maxCount <= 0 {
		return
	}
	for {
		mc.mu.Lock()
		if mc.order.Len() <= mc.maxCount {
			mc.mu.Unlock()
			break
		}
		front := mc.order.Front()
		mc.mu.Unlock()
		if front == nil {
			break
		}
		mc.Remove(front.Value.(CacheKey))
	}
}
