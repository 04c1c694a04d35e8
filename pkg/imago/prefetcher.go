package imago

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// PrefetchProgressFunc reports prefetch progress across a whole URL list
// (finishedCount/totalCount), mirroring SDWebImagePrefetcher's delegate
// callback.
type PrefetchProgressFunc func(finishedCount, totalCount int)

// PrefetchCompletionFunc is called once per Prefetch call, after every URL
// has been attempted or the run was cancelled. finishedCount is the number
// of URLs whose Load completed (below the list length after a
// cancellation); skippedCount is how many of those failed.
type PrefetchCompletionFunc func(finishedCount, skippedCount int)

// Prefetcher drives a Manager over a list of URLs at low priority, one
// call to Prefetch superseding any prefetch already in progress
// (grounded in SDWebImagePrefetcher: "Any previously-running prefetch
// operations are canceled").
type Prefetcher struct {
	manager *Manager

	// MaxConcurrentDownloads bounds how many URLs are in flight at once.
	// Defaults to 3, matching SDWebImagePrefetcher.
	MaxConcurrentDownloads int
	Options                ManagerOptions

	mu      sync.Mutex
	cancel  context.CancelFunc
	handles map[*LoadHandle]struct{}
}

// NewPrefetcher wraps manager with low-priority bulk prefetching.
func NewPrefetcher(manager *Manager) *Prefetcher {
	return &Prefetcher{
		manager:                manager,
		MaxConcurrentDownloads: 3,
		Options:                ManagerLowPriority,
	}
}

// CancelPrefetching cancels any in-progress Prefetch call. Cancelling the
// context alone only stops URLs not yet dispatched — Manager.Load never
// threads that context into the Downloader, so an already-subscribed
// download would otherwise run to completion regardless. Every LoadHandle
// handed back by Load is tracked for exactly this reason and cancelled
// here too, so that starting a new Prefetch run cancels any previously
// running one.
func (p *Prefetcher) CancelPrefetching() {
	p.mu.Lock()
	cancel := p.cancel
	handles := p.handles
	p.cancel = nil
	p.handles = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for h := range handles {
		h.Cancel()
	}
}

// trackHandle records h so a later CancelPrefetching can cancel it. If
// cancellation has already happened by the time Load returns, h is
// cancelled immediately instead — Cancel is idempotent even before a
// handle's query/token phase has been attached (handle.go).
func (p *Prefetcher) trackHandle(h *LoadHandle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if p.handles == nil {
		p.mu.Unlock()
		h.Cancel()
		return
	}
	p.handles[h] = struct{}{}
	p.mu.Unlock()
}

func (p *Prefetcher) untrackHandle(h *LoadHandle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if p.handles != nil {
		delete(p.handles, h)
	}
	p.mu.Unlock()
}

// Prefetch queues every url for a low-priority Load, skipping images that
// are already cached only insofar as Manager.Load itself short-circuits
// on a cache hit. Failed downloads are skipped and do not stop the rest
// of the list. progress is called after every URL is attempted (success
// or failure); completion is called once after the whole list finishes
// or is cancelled.
func (p *Prefetcher) Prefetch(ctx context.Context, urls []string, progress PrefetchProgressFunc, completion PrefetchCompletionFunc) {
	p.CancelPrefetching()

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.handles = make(map[*LoadHandle]struct{})
	p.mu.Unlock()

	total := len(urls)
	if total == 0 {
		if completion != nil {
			completion(0, 0)
		}
		return
	}

	concurrency := p.MaxConcurrentDownloads
	if concurrency <= 0 {
		concurrency = 3
	}

	var finished atomic.Int64
	var skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, url := range urls {
		if gctx.Err() != nil {
			break
		}
		url := url
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			done := make(chan struct{})
			handle := p.manager.Load(ctx, url, p.Options, nil, func(img *DecodedImage, data []byte, source Source, err error) {
				select {
				case <-done:
					return
				default:
				}
				close(done)
				if err != nil {
					skipped.Add(1)
				}
				n := finished.Add(1)
				if progress != nil {
					progress(int(n), total)
				}
			})
			p.trackHandle(handle)
			select {
			case <-done:
			case <-gctx.Done():
				// Once the context is gone, don't wait on done: cancelling
				// a subscriber's token removes it from the operation before
				// op.run() wakes up and calls emitCompletion (operation.go),
				// so this URL's completion callback is guaranteed never to
				// fire from here on. Cancel the handle directly instead so
				// the in-flight download is actually aborted either way.
				handle.Cancel()
			}
			p.untrackHandle(handle)
			return nil
		})
	}

	g.Wait()
	if completion != nil {
		completion(int(finished.Load()), int(skipped.Load()))
	}
}
