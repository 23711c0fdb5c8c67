package remote

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/syncerr"
)

// Holder hands out the current remote client. It is empty until a client
// is set, e.g. before the session is authenticated.
type Holder struct {
	mu  sync.RWMutex
	svc Service
}

// NewHolder returns a Holder holding svc, which may be nil.
func NewHolder(svc Service) *Holder {
	return &Holder{svc: svc}
}

// Set replaces the current client. nil makes the holder empty.
func (h *Holder) Set(svc Service) {
	h.mu.Lock()
	h.svc = svc
	h.mu.Unlock()
}

// Client returns the current client or syncerr.ErrNoClient.
func (h *Holder) Client() (Service, error) {
	if h == nil {
		return nil, syncerr.ErrNoClient
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.svc == nil {
		return nil, syncerr.ErrNoClient
	}
	return h.svc, nil
}
