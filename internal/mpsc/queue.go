// Package mpsc provides the multi-producer, single-consumer queue and the
// wake-up signal used by the upload worker.
//
// Producers never block: Push appends under a short mutex and then raises
// the Signal. The consumer either drains with TryPop/DrainInto or waits on
// Signal.C() until something changes. The signal coalesces: any number of
// raises before the consumer wakes produce exactly one wake-up, so it can
// never be lost and never piles up.
package mpsc

import "sync"

// Signal is a coalescing wake-up primitive with a channel receive side.
//
// The zero value is not usable; create signals with NewSignal.
type Signal struct {
	ch chan struct{}
}

// NewSignal creates a signal in the lowered state.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Raise wakes the waiter, if any. It never blocks.
func (s *Signal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
		// Already raised.
	}
}

// C returns the channel that receives once per batch of raises.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}

// Queue is an unbounded FIFO that many goroutines may push into while one
// goroutine consumes. Every push raises the queue's signal.
//
// Queue is safe for concurrent use.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	signal *Signal
}

// New creates an empty queue that raises signal on every push.
// If signal is nil a private one is created.
func New[T any](signal *Signal) *Queue[T] {
	if signal == nil {
		signal = NewSignal()
	}
	return &Queue[T]{signal: signal}
}

// Push appends v and wakes the consumer.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal.Raise()
}

// TryPop removes and returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	if q.head == len(q.items) {
		// Reuse the backing array once fully consumed.
		q.items = q.items[:0]
		q.head = 0
	}
	return v, true
}

// DrainInto appends every queued item to dst in FIFO order and empties the
// queue. It returns the extended slice.
func (q *Queue[T]) DrainInto(dst []T) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	dst = append(dst, q.items[q.head:]...)
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return dst
}

// Len returns the number of queued items. The value may be stale by the
// time the caller looks at it.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Signal returns the signal raised by Push.
func (q *Queue[T]) Signal() *Signal {
	return q.signal
}
