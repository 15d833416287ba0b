// Package retry provides a time-ordered retry queue and the exponential
// backoff calculation shared by the notification pipeline and the recovery
// supervisor.
//
// The queue is a min-heap keyed by next-attempt time with ties broken by
// insertion order, so retries scheduled for the same instant drain in the
// order they were deferred.
package retry

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes exponential delays with an optional jitter fraction.
// Zero fields take the defaults below.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Multiplier scales the delay per attempt.
	Multiplier float64
	// JitterFrac, in [0,1], is the fraction of the delay randomised
	// up or down to avoid thundering herds. Zero disables jitter.
	JitterFrac float64
}

const (
	DefaultBase       = 1 * time.Second
	DefaultMax        = 5 * time.Minute
	DefaultMultiplier = 2.0
)

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBase
	}
	if b.Max <= 0 {
		b.Max = DefaultMax
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	return b
}

// Delay returns the backoff for the given attempt number:
// min(Max, Base * Multiplier^(attempt-1)), with attempt <= 1 yielding Base.
// Jitter, when configured, spreads the result by ±JitterFrac.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()

	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}
	// Cap the exponent so the float math cannot overflow.
	if exp > 30 {
		exp = 30
	}

	d := time.Duration(float64(b.Base) * math.Pow(b.Multiplier, float64(exp)))
	if d > b.Max || d <= 0 {
		d = b.Max
	}

	if b.JitterFrac > 0 {
		span := float64(d) * b.JitterFrac
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// item pairs a queued value with its due time and a monotonic sequence
// number used to break ties deterministically.
type item[T any] struct {
	value T
	due   time.Time
	seq   uint64
}

type itemHeap[T any] []item[T]

func (h itemHeap[T]) Len() int { return len(h) }
func (h itemHeap[T]) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h itemHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap[T]) Push(x any) { *h = append(*h, x.(item[T])) }
func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe min-heap of values keyed by their next-attempt time.
// The zero value is not usable — create instances with NewQueue.
type Queue[T any] struct {
	mu   sync.Mutex
	heap itemHeap[T]
	seq  uint64
}

// NewQueue creates an empty retry queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	heap.Init(&q.heap)
	return q
}

// PushAt schedules v to become ready at due.
func (q *Queue[T]) PushAt(v T, due time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.heap, item[T]{value: v, due: due, seq: q.seq})
}

// PopReady removes and returns all values whose due time is at or before now,
// in due-time order.
func (q *Queue[T]) PopReady(now time.Time) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ready []T
	for len(q.heap) > 0 && !q.heap[0].due.After(now) {
		it := heap.Pop(&q.heap).(item[T])
		ready = append(ready, it.value)
	}
	return ready
}

// NextDue returns the due time of the earliest queued value.
// ok is false when the queue is empty.
func (q *Queue[T]) NextDue() (due time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].due, true
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
