package imago

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"
)

// OpState is a DownloadOperation's state in its fetch state machine.
type OpState int32

const (
	OpCreated OpState = iota
	OpRunning
	OpReceiving
	OpCompleted
	OpFailed
	OpCancelled
)

func (s OpState) String() string {
	switch s {
	case OpCreated:
		return "created"
	case OpRunning:
		return "running"
	case OpReceiving:
		return "receiving"
	case OpCompleted:
		return "completed"
	case OpFailed:
		return "failed"
	case OpCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s OpState) terminal() bool {
	return s == OpCompleted || s == OpFailed || s == OpCancelled
}

// ProgressFunc reports download progress. Always invoked off the calling
// goroutine: progress callbacks are always delivered on a background
// executor.
type ProgressFunc func(received, expected int64, url string)

// CompletionFunc delivers a download result. finished=false marks a
// progressive partial decode; finished=true marks the terminal result
// (img/data nil and err set on failure or cancellation).
type CompletionFunc func(img *DecodedImage, data []byte, err error, finished bool)

// subscriber is one (progress, completion) pair bound to a DownloadToken.
type subscriber struct {
	id         int64
	progress   ProgressFunc
	completion CompletionFunc
}

// DownloadToken is an opaque handle identifying one subscriber to one URL
// fetch. Cancelling a token removes its callback pair; cancelling the
// last token for a URL cancels the underlying fetch.
type DownloadToken struct {
	id int64
	op *operation
}

// Cancel removes this token's callbacks from its operation. If it was the
// last remaining token, the underlying transport task is cancelled.
func (t *DownloadToken) Cancel() {
	if t == nil || t.op == nil {
		return
	}
	t.op.cancelToken(t.id)
}

// operationKey coalesces subscriptions: two requests share an operation
// when their URL and their compatible option set match. Priority flags
// are not part of compatibility (a high-priority subscriber can ride
// along with a low-priority one already in flight; the queue just treats
// the operation as high-priority from then on).
type operationKey struct {
	url     string
	options DownloaderOptions
}

func compatibleOptions(o DownloaderOptions) DownloaderOptions {
	const priorityBits = DownloaderLowPriority | DownloaderHighPriority
	return o &^ priorityBits
}

// operation is a DownloadOperation: one in-flight (or queued) fetch bound
// to one (url, options) tuple, shared by every coalesced subscriber.
type operation struct {
	url          string
	options      DownloaderOptions
	headers      map[string]string
	headerFilter HeaderFilter
	credential   *Credential

	client  HTTPClient
	decoder Decoder

	mu       sync.Mutex
	state    OpState
	subs     map[int64]*subscriber
	nextSub  int64
	buf      []byte
	expected int64

	cancel  context.CancelFunc
	done    chan struct{}
	notify  *Notifier
	metrics *metrics
}

func newOperation(url string, options DownloaderOptions, headers map[string]string, filter HeaderFilter, cred *Credential, client HTTPClient, decoder Decoder, notifier *Notifier, m *metrics) *operation {
	return &operation{
		url:          url,
		options:      options,
		headers:      headers,
		headerFilter: filter,
		credential:   cred,
		client:       client,
		decoder:      decoder,
		subs:         make(map[int64]*subscriber),
		state:        OpCreated,
		done:         make(chan struct{}),
		notify:       notifier,
		metrics:      m,
	}
}

// addSubscriber appends a (progress, completion) callback pair and
// returns a token identifying it.
func (op *operation) addSubscriber(progress ProgressFunc, completion CompletionFunc) *DownloadToken {
	op.mu.Lock()
	defer op.mu.Unlock()
	id := op.nextSub
	op.nextSub++
	op.subs[id] = &subscriber{id: id, progress: progress, completion: completion}
	return &DownloadToken{id: id, op: op}
}

// cancelToken removes one subscriber. If none remain and the operation
// has not reached a terminal state, the operation is cancelled.
func (op *operation) cancelToken(id int64) {
	op.mu.Lock()
	delete(op.subs, id)
	empty := len(op.subs) == 0
	alreadyTerminal := op.state.terminal()
	cancel := op.cancel
	op.mu.Unlock()

	if empty && !alreadyTerminal && cancel != nil {
		cancel()
	}
}

func (op *operation) setState(s OpState) {
	op.mu.Lock()
	op.state = s
	op.mu.Unlock()
}

func (op *operation) subscriberSnapshot() []*subscriber {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]*subscriber, 0, len(op.subs))
	for _, s := range op.subs {
		out = append(out, s)
	}
	return out
}

func (op *operation) emitProgress(received, expected int64) {
	for _, s := range op.subscriberSnapshot() {
		if s.progress != nil {
			s.progress(received, expected, op.url)
		}
	}
}

func (op *operation) emitCompletion(img *DecodedImage, data []byte, err error, finished bool) {
	for _, s := range op.subscriberSnapshot() {
		if s.completion != nil {
			s.completion(img, data, err, finished)
		}
	}
}

// run executes the fetch. It is invoked by the downloader's worker once a
// concurrency slot is available: header construction and the credential
// (cookie/TLS settings come from the client the Downloader picked), chunked
// reads with progressive decode, background-window timeout, and the
// terminal state transition.
func (op *operation) run(parent context.Context, requestTimeout time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	if op.options.has(DownloaderContinueInBackground) {
		// Grant extra time for an OS-level background execution window;
		// the operation is still cancelled if this deadline is reached.
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, requestTimeout*3)
		prevCancel := cancel
		cancel = func() {
			cancelTimeout()
			prevCancel()
		}
	} else if requestTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, requestTimeout)
		prevCancel := cancel
		cancel = func() {
			cancelTimeout()
			prevCancel()
		}
	}

	op.mu.Lock()
	op.cancel = cancel
	alreadyEmpty := len(op.subs) == 0
	op.mu.Unlock()
	defer close(op.done)
	defer cancel()

	if alreadyEmpty {
		op.setState(OpCancelled)
		op.notify.Publish(Event{Kind: EventDownloadStop, URL: op.url})
		op.emitCompletion(nil, nil, errCancelled(op.url), true)
		return
	}

	op.setState(OpRunning)
	op.notify.Publish(Event{Kind: EventDownloadStart, URL: op.url})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, op.url, nil)
	if err != nil {
		op.fail(errTransport(op.url, TransportGeneric, 0, err))
		return
	}
	if !op.options.has(DownloaderUseTransportCache) {
		req.Header.Set("Cache-Control", "no-cache")
	}

	// Construct the request with the global header map plus the
	// per-request header filter hook's rewrite, then the operation-scoped
	// credential if one was set.
	headers := make(map[string]string, len(op.headers))
	for k, v := range op.headers {
		headers[k] = v
	}
	if op.headerFilter != nil {
		headers = op.headerFilter(op.url, headers)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if op.credential != nil {
		req.SetBasicAuth(op.credential.Username, op.credential.Password)
	}

	resp, err := op.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			op.setState(OpCancelled)
			op.notify.Publish(Event{Kind: EventDownloadStop, URL: op.url})
			op.emitCompletion(nil, nil, errCancelled(op.url), true)
			return
		}
		sub := ClassifyTransportError(err, 0)
		if ctx.Err() == context.DeadlineExceeded {
			sub = TransportTimeout
		}
		op.fail(errTransport(op.url, sub, 0, err))
		return
	}
	defer resp.Body.Close()

	op.notify.Publish(Event{Kind: EventDownloadReceiveResponse, URL: op.url})

	if resp.StatusCode != http.StatusOK {
		op.fail(errTransport(op.url, TransportBadResponseStatus, resp.StatusCode, nil))
		return
	}

	op.expected = resp.ContentLength
	op.setState(OpReceiving)

	progressive := op.options.has(DownloaderProgressiveDownload)
	chunk := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			op.mu.Lock()
			op.buf = append(op.buf, chunk[:n]...)
			received := int64(len(op.buf))
			op.mu.Unlock()

			op.emitProgress(received, op.expected)

			if progressive {
				if img, ok := op.decoder.DecodeProgressive(op.buf, int(op.expected)); ok {
					op.emitCompletion(img, nil, nil, false)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() == context.Canceled {
				op.setState(OpCancelled)
				op.notify.Publish(Event{Kind: EventDownloadStop, URL: op.url})
				op.emitCompletion(nil, nil, errCancelled(op.url), true)
				return
			}
			sub := ClassifyTransportError(readErr, 0)
			if ctx.Err() == context.DeadlineExceeded {
				sub = TransportTimeout
			}
			op.fail(errTransport(op.url, sub, 0, readErr))
			return
		}
	}

	op.mu.Lock()
	finalBytes := make([]byte, len(op.buf))
	copy(finalBytes, op.buf)
	op.mu.Unlock()

	scaleDown := op.options.has(DownloaderScaleDownLargeImages) && !progressive
	img, decErr := op.decoder.Decode(finalBytes, scaleDown)
	if decErr != nil {
		op.fail(errDecode(op.url, decErr))
		return
	}

	op.setState(OpCompleted)
	op.notify.Publish(Event{Kind: EventDownloadFinish, URL: op.url})
	op.emitCompletion(img, finalBytes, nil, true)
}

func (op *operation) fail(err *Error) {
	op.setState(OpFailed)
	op.notify.Publish(Event{Kind: EventDownloadStop, URL: op.url})
	op.emitCompletion(nil, nil, err, true)
}
