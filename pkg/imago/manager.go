package imago

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LoadProgressFunc reports download progress for one Load call. Always
// delivered off the calling goroutine.
type LoadProgressFunc func(received, expected int64, url string)

// LoadCompletionFunc delivers a Load result. A partial (progressive)
// delivery has err == nil, source == SourceNone and is not terminal —
// more callbacks follow. A terminal delivery never carries both an image
// and an err; when ShouldDownload vetoes the download after a cache miss,
// both are nil. With ManagerRefreshCached a cache hit is delivered first
// and the download's result follows as a second delivery.
type LoadCompletionFunc func(img *DecodedImage, data []byte, source Source, err error)

// ShouldDownloadFunc is the Manager delegate hook consulted before a
// cache miss proceeds to download. A nil hook behaves as always-true.
type ShouldDownloadFunc func(url string) bool

// DiskIOLogger receives a disk write failure that must be logged but
// must not fail the enclosing Load. Defaults to a no-op.
type DiskIOLogger func(url string, err error)

// Manager is the orchestrator: cache lookup → conditional download →
// decode/transform → cache store → deliver, composed behind a single
// cancellable Load call. It exclusively owns its Cache and Downloader.
type Manager struct {
	cache      *Cache
	downloader *Downloader
	failed     *FailedUrlSet
	metrics    *metrics

	KeyFilter      KeyFilter
	ShouldDownload ShouldDownloadFunc
	Transform      TransformFunc
	OnDiskIOError  DiskIOLogger

	mu   sync.Mutex
	live map[*LoadHandle]struct{}

	mainCh  chan func()
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewManager wires a Manager around an existing Cache and Downloader. The
// package has no process-wide default Cache, Downloader or Manager; every
// instance is built explicitly through these constructors.
func NewManager(cache *Cache, downloader *Downloader, m *metrics) *Manager {
	if m == nil {
		m = noopMetrics()
	}
	mgr := &Manager{
		cache:      cache,
		downloader: downloader,
		failed:     NewFailedUrlSet(m),
		metrics:    m,
		KeyFilter:  DefaultKeyFilter,
		live:       make(map[*LoadHandle]struct{}),
		mainCh:     make(chan func(), 64),
		closeCh:    make(chan struct{}),
	}
	mgr.wg.Add(1)
	go mgr.mainLoop()
	return mgr
}

// NewManagerWithRegistry is NewManager with its metrics registered
// against reg instead of a private registry.
func NewManagerWithRegistry(cache *Cache, downloader *Downloader, reg prometheus.Registerer) *Manager {
	return NewManager(cache, downloader, newMetrics(reg))
}

// mainLoop is the single dedicated dispatcher goroutine that delivers
// every completion callback, success or failure. Callers may treat this as "the main executor" by
// running their own work synchronously inside the completion callback,
// since only one goroutine ever drains mainCh.
func (m *Manager) mainLoop() {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.mainCh:
			fn()
		case <-m.closeCh:
			return
		}
	}
}

func (m *Manager) dispatchMain(fn func()) {
	select {
	case m.mainCh <- fn:
	case <-m.closeCh:
	}
}

// Close stops the Manager's dispatcher and its owned Downloader and
// Cache. Use only once no further Load calls will be made.
func (m *Manager) Close() {
	close(m.closeCh)
	m.wg.Wait()
	m.downloader.Close()
	m.cache.Close()
}

func (m *Manager) register(h *LoadHandle) {
	m.mu.Lock()
	m.live[h] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) unregister(h *LoadHandle) {
	m.mu.Lock()
	delete(m.live, h)
	m.mu.Unlock()
}

// Load implements the algorithm verbatim.
func (m *Manager) Load(ctx context.Context, rawURL string, options ManagerOptions, progress LoadProgressFunc, completion LoadCompletionFunc) *LoadHandle {
	// Step 1.
	if rawURL == "" {
		if completion != nil {
			m.dispatchMain(func() { completion(nil, nil, SourceNone, errInvalidURL(rawURL)) })
		}
		return nil
	}

	// Step 2.
	keyFilter := m.KeyFilter
	if keyFilter == nil {
		keyFilter = DefaultKeyFilter
	}
	key := keyFilter(rawURL)

	// Step 3.
	if m.failed.Contains(rawURL) && !options.has(ManagerRetryFailed) {
		if completion != nil {
			m.dispatchMain(func() { completion(nil, nil, SourceNone, errBlacklisted(rawURL)) })
		}
		return nil
	}

	// Step 4.
	handle := newLoadHandle()
	m.register(handle)

	// Step 5. The cache lookup (and everything after it) runs on its own
	// goroutine so Load returns handle immediately: a memory-cache miss
	// blocks on the disk cache's single-goroutine I/O executor, and the
	// caller must never be blocked on that round trip (query schedules
	// onto an executor and yields a cancellable task; it does not run
	// inline on the caller).
	queryCtx, queryCancel := context.WithCancel(ctx)
	handle.setQueryCancel(queryCancel)

	go m.continueLoad(queryCtx, handle, key, rawURL, options, progress, completion)

	return handle
}

func (m *Manager) continueLoad(queryCtx context.Context, handle *LoadHandle, key CacheKey, rawURL string, options ManagerOptions, progress LoadProgressFunc, completion LoadCompletionFunc) {
	result := m.cache.Query(queryCtx, key)

	if result.Source != SourceNone {
		if !options.has(ManagerRefreshCached) {
			if completion != nil {
				m.dispatchMain(func() { completion(result.Image, result.Bytes, result.Source, nil) })
			}
			m.unregister(handle)
			return
		}
		// RefreshCached: deliver the cached image now, then fall through
		// to issue the download anyway (the transport layer honors
		// revalidation when DownloaderUseTransportCache is set).
		if completion != nil {
			cachedResult := result
			m.dispatchMain(func() { completion(cachedResult.Image, cachedResult.Bytes, cachedResult.Source, nil) })
		}
	}

	// Step 6.
	if m.ShouldDownload != nil && !m.ShouldDownload(rawURL) {
		if completion != nil {
			img, data := result.Image, result.Bytes
			m.dispatchMain(func() { completion(img, data, result.Source, nil) })
		}
		m.unregister(handle)
		return
	}

	// Step 7.
	downloaderOpts := options.downloaderOptions()

	// Step 8.
	progressWrapper := func(received, expected int64, url string) {
		if progress != nil {
			progress(received, expected, url)
		}
	}

	completionWrapper := func(img *DecodedImage, data []byte, err error, finished bool) {
		if err != nil {
			if derr, ok := err.(*Error); ok && !derr.IsTransient() {
				m.failed.Add(rawURL)
			}
			if completion != nil {
				m.dispatchMain(func() { completion(nil, nil, SourceNone, err) })
			}
			m.unregister(handle)
			return
		}

		if !finished {
			if completion != nil {
				m.dispatchMain(func() { completion(img, nil, SourceNone, nil) })
			}
			return
		}

		finalImg := img
		finalBytes := data
		if m.Transform != nil {
			transformed, terr := m.Transform(img, rawURL)
			if terr == nil {
				finalImg = transformed
				format := finalImg.Format
				if finalImg.HasAlpha() {
					format = FormatPNG
				} else if format == FormatUndefined {
					format = FormatJPEG
				}
				if encoded, encErr := finalImg.Encode(format, 85); encErr == nil {
					finalBytes = encoded
				}
			}
		}

		toDisk := !options.has(ManagerCacheMemoryOnly)
		if storeErr := m.cache.Store(key, finalImg, finalBytes, toDisk); storeErr != nil && m.OnDiskIOError != nil {
			m.OnDiskIOError(rawURL, storeErr)
		}
		m.failed.Remove(rawURL)

		if completion != nil {
			m.dispatchMain(func() { completion(finalImg, finalBytes, SourceNone, nil) })
		}
		m.unregister(handle)
	}

	token := m.downloader.Subscribe(rawURL, downloaderOpts, progressWrapper, completionWrapper)
	handle.setToken(token)
}
