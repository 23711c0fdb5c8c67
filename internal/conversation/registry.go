package conversation

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/status"
)

// Registry holds the open controllers of a session.
type Registry struct {
	deps Deps

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry creates an empty registry sharing deps between controllers.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, controllers: make(map[string]*Controller)}
}

// Key identifies the screen opened for in: the conversation id when
// known, otherwise the target user.
func Key(in status.Inputs) string {
	if in.ConversationID != "" {
		return in.ConversationID
	}
	return in.TargetUserID
}

// Open returns the controller for in, creating it on first use.
func (r *Registry) Open(in status.Inputs) *Controller {
	key := Key(in)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[key]; ok {
		return c
	}
	c := New(in, r.deps)
	r.controllers[key] = c
	return c
}

// Get finds an open controller by key or by bound conversation id.
func (r *Registry) Get(key string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[key]; ok {
		return c, true
	}
	for _, c := range r.controllers {
		if c.ConversationID() == key {
			return c, true
		}
	}
	return nil, false
}

// Close closes and forgets the controller found by key.
func (r *Registry) Close(key string) bool {
	r.mu.Lock()
	var found *Controller
	for k, c := range r.controllers {
		if k == key || c.ConversationID() == key {
			found = c
			delete(r.controllers, k)
			break
		}
	}
	r.mu.Unlock()
	if found == nil {
		return false
	}
	found.Close()
	return true
}

// CloseAll closes every open controller.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := r.controllers
	r.controllers = make(map[string]*Controller)
	r.mu.Unlock()
	for _, c := range open {
		c.Close()
	}
}
