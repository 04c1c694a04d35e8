package imago

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

// testStack bundles a Manager wired around fakes so the seed
// scenarios can be exercised without libvips or real sockets.
type testStack struct {
	manager *Manager
	cache   *Cache
	rt      *fakeRoundTripper
}

func newTestStack(t *testing.T, handler func(req *http.Request) (*http.Response, error)) *testStack {
	t.Helper()
	cfg := DefaultCacheConfig()
	cfg.DiskRoot = t.TempDir()
	cache, err := NewCache(cfg, fakeDecoder{}, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(cache.Close)

	rt := &fakeRoundTripper{handler: handler}
	downloader := NewDownloader(DownloaderConfig{
		MaxConcurrentDownloads: 8,
		RequestTimeout:         5 * time.Second,
		Client:                 rt,
		Decoder:                fakeDecoder{},
	})

	mgr := NewManager(cache, downloader, nil)
	t.Cleanup(mgr.Close)

	return &testStack{manager: mgr, cache: cache, rt: rt}
}

type loadResult struct {
	img    *DecodedImage
	data   []byte
	source Source
	err    error
}

func syncLoad(mgr *Manager, url string, opts ManagerOptions) (*LoadHandle, <-chan loadResult) {
	ch := make(chan loadResult, 2)
	h := mgr.Load(context.Background(), url, opts, nil, func(img *DecodedImage, data []byte, source Source, err error) {
		ch <- loadResult{img, data, source, err}
	})
	return h, ch
}

func recvWithin(t *testing.T, ch <-chan loadResult, d time.Duration) loadResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(d):
		t.Fatalf("timed out waiting for a Load completion")
		return loadResult{}
	}
}

// TestManagerScenarioS1CacheMissSingleFetch is the S1.
func TestManagerScenarioS1CacheMissSingleFetch(t *testing.T) {
	body := []byte("0123456789")
	stack := newTestStack(t, func(req *http.Request) (*http.Response, error) {
		return staticResponse(body), nil
	})

	const url = "https://ex/a.jpg"
	_, ch := syncLoad(stack.manager, url, 0)
	r := recvWithin(t, ch, 2*time.Second)

	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.img == nil {
		t.Fatalf("expected a non-nil image")
	}
	if len(r.data) != 10 {
		t.Fatalf("expected 10 bytes, got %d", len(r.data))
	}
	if r.source != SourceNone {
		t.Fatalf("a freshly downloaded image should report SourceNone, got %v", r.source)
	}

	result := stack.cache.Query(context.Background(), DefaultKeyFilter(url))
	if result.Source != SourceMemory {
		t.Fatalf("expected a synchronous memory hit after S1, got %v", result.Source)
	}
}

// TestManagerLoadReturnsImmediatelyDespiteSlowDiskIO is the regression
// test for Manager.Load no longer blocking its caller on a disk-cache
// miss: with the disk cache's single-goroutine I/O executor occupied by a
// slow job, Load must still return a handle well before that job clears,
// because the cache query now runs on its own goroutine.
func TestManagerLoadReturnsImmediatelyDespiteSlowDiskIO(t *testing.T) {
	stack := newTestStack(t, func(req *http.Request) (*http.Response, error) {
		return staticResponse([]byte("0123456789")), nil
	})

	occupyReleased := make(chan struct{})
	occupyStarted := make(chan struct{})
	go stack.cache.Disk().run(func() {
		close(occupyStarted)
		<-occupyReleased
	})
	<-occupyStarted

	start := time.Now()
	h := stack.manager.Load(context.Background(), "https://ex/slow-disk.jpg", 0, nil, func(img *DecodedImage, data []byte, source Source, err error) {})
	elapsed := time.Since(start)

	close(occupyReleased)

	if h == nil {
		t.Fatalf("expected a non-nil handle")
	}
	if elapsed > 20*time.Millisecond {
		t.Fatalf("Load blocked its caller for %v while the disk cache's I/O executor was occupied", elapsed)
	}
}

// TestManagerScenarioS2CacheHitMemory is the S2.
func TestManagerScenarioS2CacheHitMemory(t *testing.T) {
	body := []byte("0123456789")
	stack := newTestStack(t, func(req *http.Request) (*http.Response, error) {
		return staticResponse(body), nil
	})

	const url = "https://ex/a.jpg"
	_, ch1 := syncLoad(stack.manager, url, 0)
	recvWithin(t, ch1, 2*time.Second)

	_, ch2 := syncLoad(stack.manager, url, 0)
	r2 := recvWithin(t, ch2, 2*time.Second)

	if r2.source != SourceMemory {
		t.Fatalf("expected SourceMemory on the second load, got %v", r2.source)
	}
	if got := stack.rt.callCount(); got != 1 {
		t.Fatalf("expected no additional network request, call count = %d", got)
	}
}

// TestManagerScenarioS3CacheHitDisk is the S3.
func TestManagerScenarioS3CacheHitDisk(t *testing.T) {
	body := []byte("0123456789")
	stack := newTestStack(t, func(req *http.Request) (*http.Response, error) {
		return staticResponse(body), nil
	})

	const url = "https://ex/a.jpg"
	_, ch1 := syncLoad(stack.manager, url, 0)
	recvWithin(t, ch1, 2*time.Second)

	stack.cache.Memory().Clear()

	_, ch2 := syncLoad(stack.manager, url, 0)
	r2 := recvWithin(t, ch2, 2*time.Second)

	if r2.source != SourceDisk {
		t.Fatalf("expected SourceDisk, got %v", r2.source)
	}
	if _, ok := stack.cache.Memory().Get(DefaultKeyFilter(url)); !ok {
		t.Fatalf("expected the memory tier to be repopulated after a disk hit")
	}
}

// TestManagerScenarioS4Coalescing is the S4.
func TestManagerScenarioS4Coalescing(t *testing.T) {
	gate := newGatedRoundTripper([]byte("0123456789"), http.StatusOK)
	stack := newTestStack(t, gate.rt.handler)

	const url = "https://ex/coalesce.jpg"
	const n = 5
	chans := make([]<-chan loadResult, n)
	for i := 0; i < n; i++ {
		_, ch := syncLoad(stack.manager, url, 0)
		chans[i] = ch
	}
	gate.open()

	var wg sync.WaitGroup
	wg.Add(n)
	errs := make(chan error, n)
	for _, ch := range chans {
		ch := ch
		go func() {
			defer wg.Done()
			select {
			case r := <-ch:
				errs <- r.err
			case <-time.After(2 * time.Second):
				errs <- context.DeadlineExceeded
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error from a coalesced load: %v", err)
		}
	}

	if got := gate.rt.callCount(); got != 1 {
		t.Fatalf("expected exactly 1 transport request, got %d", got)
	}
}

// TestManagerScenarioS5CancellationOfLastSubscriber is the S5.
func TestManagerScenarioS5CancellationOfLastSubscriber(t *testing.T) {
	gate := newGatedRoundTripper([]byte("0123456789"), http.StatusOK)
	stack := newTestStack(t, gate.rt.handler)

	var called bool
	var mu sync.Mutex
	h := stack.manager.Load(context.Background(), "https://ex/cancel-me.jpg", 0, nil, func(img *DecodedImage, data []byte, source Source, err error) {
		mu.Lock()
		called = true
		mu.Unlock()
	})

	time.Sleep(20 * time.Millisecond)
	h.Cancel()
	gate.open()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if called {
		t.Fatalf("a cancelled handle's completion must never fire")
	}
}

// TestManagerScenarioS6Blacklist is the S6.
func TestManagerScenarioS6Blacklist(t *testing.T) {
	stack := newTestStack(t, func(req *http.Request) (*http.Response, error) {
		return statusResponse(http.StatusNotFound), nil
	})

	const url = "https://ex/missing.jpg"
	_, ch1 := syncLoad(stack.manager, url, 0)
	r1 := recvWithin(t, ch1, 2*time.Second)
	if r1.err == nil {
		t.Fatalf("expected the first load to fail")
	}

	_, ch2 := syncLoad(stack.manager, url, 0)
	r2 := recvWithin(t, ch2, 2*time.Second)
	imgErr, ok := r2.err.(*Error)
	if !ok || imgErr.Kind != KindBlacklisted {
		t.Fatalf("expected Blacklisted without RetryFailed, got %+v", r2.err)
	}
	if got := stack.rt.callCount(); got != 1 {
		t.Fatalf("blacklisted load must not issue a network request, call count = %d", got)
	}

	_, ch3 := syncLoad(stack.manager, url, ManagerRetryFailed)
	recvWithin(t, ch3, 2*time.Second)
	if got := stack.rt.callCount(); got != 2 {
		t.Fatalf("RetryFailed must re-issue the network request, call count = %d", got)
	}
}

func TestManagerEmptyURLIsInvalid(t *testing.T) {
	stack := newTestStack(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no network request should be issued for an empty URL")
		return nil, nil
	})

	ch := make(chan *Error, 1)
	h := stack.manager.Load(context.Background(), "", 0, nil, func(img *DecodedImage, data []byte, source Source, err error) {
		e, _ := err.(*Error)
		ch <- e
	})
	if h != nil {
		t.Fatalf("expected a nil handle for an empty URL")
	}

	select {
	case e := <-ch:
		if e == nil || e.Kind != KindInvalidURL {
			t.Fatalf("expected InvalidURL, got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("completion never fired")
	}
}

func TestManagerShouldDownloadHookSkipsFetch(t *testing.T) {
	stack := newTestStack(t, func(req *http.Request) (*http.Response, error) {
		t.Fatalf("ShouldDownload returning false must prevent any network request")
		return nil, nil
	})
	stack.manager.ShouldDownload = func(url string) bool { return false }

	_, ch := syncLoad(stack.manager, "https://ex/skip.jpg", 0)
	r := recvWithin(t, ch, time.Second)
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.img != nil {
		t.Fatalf("expected a nil image on a cache miss that ShouldDownload vetoed")
	}
}

func TestManagerCacheMemoryOnlyDoesNotWriteDisk(t *testing.T) {
	stack := newTestStack(t, func(req *http.Request) (*http.Response, error) {
		return staticResponse([]byte("0123456789")), nil
	})

	const url = "https://ex/mem-only.jpg"
	_, ch := syncLoad(stack.manager, url, ManagerCacheMemoryOnly)
	r := recvWithin(t, ch, 2*time.Second)
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}

	if stack.cache.Disk().Contains(DefaultKeyFilter(url)) {
		t.Fatalf("CacheMemoryOnly must not write through to disk")
	}
}
