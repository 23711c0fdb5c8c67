// Package observable provides a publish-on-change value that any number of
// consumers can watch. Each subscriber gets every update in order; a slow
// subscriber never blocks Set or other subscribers.
package observable

import "sync"

// Value holds the latest T and fans updates out to subscribers.
type Value[T any] struct {
	mu    sync.Mutex
	cur   T
	subs  map[int]*queue[T]
	next  int
	equal func(a, b T) bool
}

// New creates a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[int]*queue[T])}
}

// NewComparable creates a Value that skips Set calls which do not change
// the held value.
func NewComparable[T comparable](initial T) *Value[T] {
	v := New(initial)
	v.equal = func(a, b T) bool { return a == b }
	return v
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set stores val and queues it for every subscriber.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.equal != nil && v.equal(v.cur, val) {
		return
	}
	v.cur = val
	for _, q := range v.subs {
		q.push(val)
	}
}

// Subscribe returns a channel that first yields the current value and then
// every later update. The channel is closed by the returned cancel func.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	q := newQueue[T]()
	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = q
	q.push(v.cur)
	v.mu.Unlock()

	var once sync.Once
	return q.out, func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
			q.close()
		})
	}
}

// queue is an unbounded FIFO drained into out by a pump goroutine.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
	done  chan struct{}
	out   chan T
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan T),
	}
	go q.pump()
	return q
}

func (q *queue[T]) push(val T) {
	q.mu.Lock()
	q.items = append(q.items, val)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) close() {
	close(q.done)
}

func (q *queue[T]) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}
		next := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-q.done:
			return
		}
	}
}
