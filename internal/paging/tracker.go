package paging

import (
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// Tracker routes cache invalidations to the pagers watching a conversation
// and announces them on the bus.
type Tracker struct {
	mu       sync.Mutex
	watchers map[string]map[int]func()
	next     int
	bus      *bus.Bus
}

// NewTracker creates a tracker. b may be nil.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{watchers: make(map[string]map[int]func()), bus: b}
}

// Register calls fn on every invalidation of conversationID until the
// returned function is called.
func (t *Tracker) Register(conversationID string, fn func()) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	if t.watchers[conversationID] == nil {
		t.watchers[conversationID] = make(map[int]func())
	}
	t.watchers[conversationID][id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.watchers[conversationID], id)
			if len(t.watchers[conversationID]) == 0 {
				delete(t.watchers, conversationID)
			}
			t.mu.Unlock()
		})
	}
}

// Invalidate marks every watcher of conversationID stale. A nil tracker
// does nothing.
func (t *Tracker) Invalidate(conversationID, reason string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	fns := make([]func(), 0, len(t.watchers[conversationID]))
	for _, fn := range t.watchers[conversationID] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	t.bus.Emit(bus.KindTimelineInvalidated, bus.TimelineInvalidated{
		ConversationID: conversationID,
		Reason:         reason,
	})
}
