// Package queue provides an unbounded-by-default FIFO ring buffer that
// never blocks producers. The socket read loop hands events to consumers
// through it.
package queue

import (
	"sync"

	"github.com/rickgao/realtime-bridge/internal/metrics"
)

// growPercent is the fill level at which the ring doubles.
const growPercent = 70

// Config configures a Queue.
type Config struct {
	Name            string // metrics label; empty disables metrics
	InitialCapacity int
	MaxCapacity     int // 0 = unbounded; when full the oldest item is dropped
}

// Queue is a thread-safe ring buffer that doubles its capacity when it
// reaches 70% full, up to MaxCapacity.
type Queue[T any] struct {
	name string
	max  int

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	closed   bool

	// Stats
	totalIn     int64
	totalOut    int64
	dropped     int64
	resizeCount int
}

// New creates a queue.
func New[T any](cfg Config) *Queue[T] {
	initial := cfg.InitialCapacity
	if initial < 1 {
		initial = 1
	}
	if cfg.MaxCapacity > 0 && initial > cfg.MaxCapacity {
		initial = cfg.MaxCapacity
	}
	q := &Queue[T]{
		name:     cfg.Name,
		max:      cfg.MaxCapacity,
		buf:      make([]T, initial),
		capacity: initial,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. It never blocks; at MaxCapacity the oldest item is
// discarded. Returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (q.capacity * growPercent) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && (q.max == 0 || q.capacity < q.max) {
		q.grow()
	}

	if q.count == q.capacity {
		q.popLocked()
		q.dropped++
		if q.name != "" {
			metrics.EventsDropped.WithLabelValues(q.name).Inc()
		}
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalIn++
	q.observe()

	q.cond.Signal()
	return true
}

// Pop removes and returns the oldest item, blocking until one is
// available or the queue is closed and empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	if q.count == 0 {
		var zero T
		return zero, false
	}

	item := q.popLocked()
	q.totalOut++
	q.observe()
	return item, true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}

	item := q.popLocked()
	q.totalOut++
	q.observe()
	return item, true
}

// Drain removes up to max items (0 = all) without blocking, oldest first.
func (q *Queue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(max)
}

// PopBatch blocks until at least one item is queued, then drains up to max.
// Returns false once the queue is closed and empty.
func (q *Queue[T]) PopBatch(max int) ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		return nil, false
	}
	return q.drainLocked(max), true
}

// Close stops accepting items and wakes blocked consumers. Queued items
// remain readable.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:       q.count,
		Capacity:    q.capacity,
		TotalIn:     q.totalIn,
		TotalOut:    q.totalOut,
		Dropped:     q.dropped,
		ResizeCount: q.resizeCount,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count       int
	Capacity    int
	TotalIn     int64
	TotalOut    int64
	Dropped     int64
	ResizeCount int
}

func (q *Queue[T]) drainLocked(max int) []T {
	if q.count == 0 {
		return nil
	}

	n := q.count
	if max > 0 && max < n {
		n = max
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.popLocked()
	}
	q.totalOut += int64(n)
	q.observe()
	return out
}

// popLocked must be called with the lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.count--
	return item
}

func (q *Queue[T]) observe() {
	if q.name != "" {
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(q.count))
	}
}

// grow doubles the capacity, capped at max. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	if q.max > 0 && newCapacity > q.max {
		newCapacity = q.max
	}
	if newCapacity == q.capacity {
		return
	}
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
