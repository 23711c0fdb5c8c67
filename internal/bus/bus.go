package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Every subscriber registered at publish time receives the event, in
// publish order. Nothing is replayed to late subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

// subscription buffers events without bound so a slow reader never makes
// Publish block or lose events.
type subscription struct {
	namespace string
	out       chan Event

	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			sub.push(evt)
		}
	}
}

// Emit publishes kind with payload, stamped with the current time.
func (b *Bus) Emit(kind string, payload any) {
	b.Publish(Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize sizes the channel; events beyond it wait in the subscription's
// queue. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	sub := &subscription{
		namespace: namespace,
		out:       make(chan Event, bufSize),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go sub.pump()

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

func (s *subscription) push(evt Event) {
	s.mu.Lock()
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// Listen calls fn for every event matching namespace until the returned
// function is called. fn runs on a dedicated goroutine, in publish order.
func (b *Bus) Listen(namespace string, fn func(Event)) func() {
	ch, unsub := b.Subscribe(namespace, 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				fn(evt)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			close(done)
		})
	}
}
