package imago

import (
	"context"
	"sync"
)

// LoadHandle is returned by Manager.Load immediately; all callbacks fire
// later. It wraps whichever phase is currently active —
// the cache-lookup task or the DownloadToken — so Cancel() always
// addresses the right one. Cancellation is idempotent.
type LoadHandle struct {
	mu          sync.Mutex
	cancelled   bool
	queryCancel context.CancelFunc
	token       *DownloadToken
}

func newLoadHandle() *LoadHandle {
	return &LoadHandle{}
}

func (h *LoadHandle) setQueryCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		cancel()
		return
	}
	h.queryCancel = cancel
}

func (h *LoadHandle) setToken(tok *DownloadToken) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		tok.Cancel()
		return
	}
	h.token = tok
}

// Cancel cancels whichever phase of the load is currently active. Safe to
// call more than once and from any goroutine.
func (h *LoadHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	if h.queryCancel != nil {
		h.queryCancel()
	}
	if h.token != nil {
		h.token.Cancel()
	}
}
