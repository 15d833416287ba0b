// Package queue provides a bounded FIFO with a drop-oldest overflow policy.
// It backs the per-subscriber broadcast buffers and the degraded-mode pending
// queues in the monitor and notifier.
package queue

import "sync"

// Bounded is a fixed-capacity FIFO. When a push would exceed the capacity the
// oldest element is discarded and the push succeeds. Safe for concurrent use.
//
// The zero value is not usable — create instances with NewBounded.
type Bounded[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int
	count int

	// dropped counts elements discarded since the last TakeDropped call.
	// Used to emit a single overflow warning per episode rather than one
	// per discarded element.
	dropped int
}

// NewBounded creates a bounded queue with the given capacity.
// Capacity must be at least 1.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{buf: make([]T, capacity)}
}

// Push appends v. If the queue is full the oldest element is dropped first.
// Returns true when an element was dropped to make room.
func (q *Bounded[T]) Push(v T) (overflowed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.buf) {
		// Drop-oldest: advance head over the stale element.
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
		overflowed = true
	}

	q.buf[(q.head+q.count)%len(q.buf)] = v
	q.count++
	return overflowed
}

// Pop removes and returns the oldest element. ok is false when empty.
func (q *Bounded[T]) Pop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return v, false
	}
	v = q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return v, true
}

// Drain removes and returns all queued elements in FIFO order.
func (q *Bounded[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	out := make([]T, 0, q.count)
	for q.count > 0 {
		out = append(out, q.buf[q.head])
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	return out
}

// Len returns the number of queued elements.
func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the fixed capacity.
func (q *Bounded[T]) Cap() int { return len(q.buf) }

// TakeDropped returns the number of elements dropped since the previous call
// and resets the counter. A non-zero return marks the end of an overflow
// episode for warning purposes.
func (q *Bounded[T]) TakeDropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.dropped
	q.dropped = 0
	return n
}
