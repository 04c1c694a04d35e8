package imago

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// ExecutionOrder controls the order operations are popped off a priority
// queue once they are eligible to run.
type ExecutionOrder int

const (
	FIFO ExecutionOrder = iota
	LIFO
)

// Downloader is the bounded-concurrency, coalescing fetch engine.
// Concurrency is bounded with golang.org/x/sync/semaphore: a weighted
// semaphore a single admission-ordering dispatcher goroutine acquires, so
// that high-priority operations are always admitted ahead of low-priority
// ones queued at the same time.
type Downloader struct {
	client             HTTPClient
	usingDefaultClient bool
	baseClientConfig   HTTPClientConfig
	decoder            Decoder
	notify             *Notifier
	metrics            *metrics

	headers        map[string]string
	headerFilter   HeaderFilter
	credential     *Credential
	requestTimeout time.Duration
	order          ExecutionOrder

	sem *semaphore.Weighted

	mu         sync.Mutex
	operations map[operationKey]*operation
	highQueue  []*operation
	lowQueue   []*operation

	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// DownloaderConfig configures a Downloader.
type DownloaderConfig struct {
	MaxConcurrentDownloads int64
	RequestTimeout         time.Duration
	Order                  ExecutionOrder
	Headers                map[string]string
	HeaderFilter           HeaderFilter
	Credential             *Credential
	Client                 HTTPClient
	Decoder                Decoder
	Notifier               *Notifier
	Metrics                *metrics
}

// NewDownloader builds a Downloader and starts its dispatcher goroutine.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.MaxConcurrentDownloads <= 0 {
		cfg.MaxConcurrentDownloads = 8
	}
	usingDefaultClient := cfg.Client == nil
	baseClientConfig := HTTPClientConfig{
		Headers:      cfg.Headers,
		HeaderFilter: cfg.HeaderFilter,
		Credential:   cfg.Credential,
		Timeout:      cfg.RequestTimeout,
	}
	if usingDefaultClient {
		cfg.Client = NewHTTPClient(baseClientConfig)
	}
	if cfg.Decoder == nil {
		cfg.Decoder = NewDecoder()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NewNotifier()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Downloader{
		client:             cfg.Client,
		usingDefaultClient: usingDefaultClient,
		baseClientConfig:   baseClientConfig,
		decoder:            cfg.Decoder,
		notify:             cfg.Notifier,
		metrics:            cfg.Metrics,
		headers:            cfg.Headers,
		headerFilter:       cfg.HeaderFilter,
		credential:         cfg.Credential,
		requestTimeout:     cfg.RequestTimeout,
		order:              cfg.Order,
		sem:                semaphore.NewWeighted(cfg.MaxConcurrentDownloads),
		operations:         make(map[operationKey]*operation),
		wake:               make(chan struct{}, 1),
		ctx:                ctx,
		cancel:             cancel,
		closeCh:            make(chan struct{}),
	}
	d.wg.Add(1)
	go d.dispatchLoop()
	return d
}

// NewDownloaderWithRegistry is NewDownloader with its metrics registered
// against reg instead of a private registry.
func NewDownloaderWithRegistry(cfg DownloaderConfig, reg prometheus.Registerer) *Downloader {
	cfg.Metrics = newMetrics(reg)
	return NewDownloader(cfg)
}

// clientFor returns the HTTPClient an operation with the given effective
// options should use. DownloaderHandleCookies and
// DownloaderAllowInvalidSSLCertificates only have an effect
// when the Downloader built its own default client: a caller-supplied
// Client is trusted as-is and reused for every operation, since there is no
// way to know how to rebuild it with different cookie/TLS settings. When
// using the default client, an operation whose options ask for cookies or
// relaxed TLS — not the Downloader-wide default — gets its own client built
// the same way, with just that toggle changed.
func (d *Downloader) clientFor(options DownloaderOptions) HTTPClient {
	if !d.usingDefaultClient {
		return d.client
	}
	wantCookies := options.has(DownloaderHandleCookies)
	wantInsecure := options.has(DownloaderAllowInvalidSSLCertificates)
	if wantCookies == d.baseClientConfig.HandleCookies && wantInsecure == d.baseClientConfig.AllowInvalidSSLCertificates {
		return d.client
	}
	cfg := d.baseClientConfig
	cfg.HandleCookies = wantCookies
	cfg.AllowInvalidSSLCertificates = wantInsecure
	return NewHTTPClient(cfg)
}

// Subscribe coalesces a new subscription into an existing operation for
// (url, compatible options) if one is in flight or queued, else starts a
// new one and returns a token identifying this subscriber's callback
// pair.
func (d *Downloader) Subscribe(url string, options DownloaderOptions, progress ProgressFunc, completion CompletionFunc) *DownloadToken {
	key := operationKey{url: url, options: compatibleOptions(options)}

	d.mu.Lock()
	if op, ok := d.operations[key]; ok && !op.state.terminal() {
		tok := op.addSubscriber(progress, completion)
		if options.has(DownloaderHighPriority) {
			for i, queued := range d.lowQueue {
				if queued == op {
					d.lowQueue = append(d.lowQueue[:i], d.lowQueue[i+1:]...)
					d.highQueue = append(d.highQueue, op)
					break
				}
			}
		}
		d.mu.Unlock()
		return tok
	}

	op := newOperation(url, options, d.headers, d.headerFilter, d.credential, d.clientFor(options), d.decoder, d.notify, d.metrics)
	tok := op.addSubscriber(progress, completion)
	d.operations[key] = op
	if options.has(DownloaderHighPriority) {
		d.highQueue = append(d.highQueue, op)
	} else {
		d.lowQueue = append(d.lowQueue, op)
	}
	d.metrics.downloadsIn.Set(float64(len(d.operations)))
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return tok
}

// dispatchLoop is the single goroutine that admits queued operations in
// priority order: it acquires one semaphore permit, then — only once
// holding that permit — decides which queued operation gets it, always
// preferring the high-priority queue. This keeps priority ordering exact
// even though the semaphore itself has no notion of priority.
func (d *Downloader) dispatchLoop() {
	defer d.wg.Done()
	for {
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return
		}

		op := d.popNext()
		if op == nil {
			d.sem.Release(1)
			select {
			case <-d.wake:
			case <-d.closeCh:
				return
			case <-d.ctx.Done():
				return
			}
			continue
		}

		d.wg.Add(1)
		go func(op *operation) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			op.run(d.ctx, d.requestTimeout)
			d.forget(op)
		}(op)
	}
}

func (d *Downloader) popNext() *operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	if op := d.popFromLocked(&d.highQueue); op != nil {
		return op
	}
	return d.popFromLocked(&d.lowQueue)
}

func (d *Downloader) popFromLocked(q *[]*operation) *operation {
	if len(*q) == 0 {
		return nil
	}
	var op *operation
	if d.order == LIFO {
		op = (*q)[len(*q)-1]
		*q = (*q)[:len(*q)-1]
	} else {
		op = (*q)[0]
		*q = (*q)[1:]
	}
	return op
}

func (d *Downloader) forget(op *operation) {
	d.mu.Lock()
	key := operationKey{url: op.url, options: compatibleOptions(op.options)}
	if cur, ok := d.operations[key]; ok && cur == op {
		delete(d.operations, key)
	}
	d.metrics.downloadsIn.Set(float64(len(d.operations)))
	switch op.state {
	case OpCompleted:
		d.metrics.downloadsOK.Inc()
	case OpFailed:
		d.metrics.downloadsErr.Inc()
	}
	d.mu.Unlock()
}

// Close cancels every in-flight operation and stops the dispatcher.
func (d *Downloader) Close() {
	close(d.closeCh)
	d.cancel()
	d.wg.Wait()
}
