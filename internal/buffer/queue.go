// Package buffer provides the queue between synchronous producers (store
// callbacks) and batch consumers such as the history writer.
package buffer

import (
	"context"
	"sync"
)

// Queue is a thread-safe FIFO ring that doubles its capacity when it reaches
// 70% full, up to a maximum. A full queue at maximum capacity drops its
// oldest item so producers never block.
type Queue[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int // read position
	count  int
	max    int
	closed bool

	// ready is closed and replaced whenever an item arrives or the queue
	// closes, waking Pop callers.
	ready chan struct{}

	stats Stats
}

// Stats contains queue statistics.
type Stats struct {
	Len     int
	Cap     int
	Pushed  int64
	Popped  int64
	Dropped int64
	Resizes int
}

// New creates a queue with the given initial capacity. max <= 0 means
// unbounded.
func New[T any](initial, max int) *Queue[T] {
	if initial < 1 {
		initial = 1
	}
	if max > 0 && max < initial {
		max = initial
	}
	return &Queue[T]{
		buf:   make([]T, initial),
		max:   max,
		ready: make(chan struct{}),
	}
}

// Push appends item. It reports false if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (len(q.buf) * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && (q.max <= 0 || len(q.buf) < q.max) {
		q.grow()
	}

	if q.count == len(q.buf) {
		// At max capacity: overwrite the oldest.
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.stats.Dropped++
	}

	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.stats.Pushed++
	q.wakeLocked()
	return true
}

// Pop removes the oldest item, waiting until one is available. It returns
// false once the queue is closed and drained or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			item := q.popLocked()
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			var zero T
			return zero, false
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// TryPop removes the oldest item without waiting.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Drain removes up to n items (all when n <= 0) in FIFO order.
func (q *Queue[T]) Drain(n int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	if n <= 0 || n > q.count {
		n = q.count
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.popLocked()
	}
	return out
}

// Ready returns a channel closed when the queue next changes.
func (q *Queue[T]) Ready() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count > 0 || q.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return q.ready
}

// Close stops accepting items. Remaining items can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wakeLocked()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Len = q.count
	s.Cap = len(q.buf)
	return s
}

func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // release reference
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.stats.Popped++
	return item
}

func (q *Queue[T]) wakeLocked() {
	close(q.ready)
	q.ready = make(chan struct{})
}

// grow doubles the capacity, bounded by max. Must be called with lock held.
func (q *Queue[T]) grow() {
	size := len(q.buf) * 2
	if q.max > 0 && size > q.max {
		size = q.max
	}
	if size == len(q.buf) {
		return
	}

	next := make([]T, size)
	for i := 0; i < q.count; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}

	q.buf = next
	q.head = 0
	q.stats.Resizes++
}
