// Package queue provides the delivery queues of the context: bounded
// drop-oldest rings for notifications and indications, and an unbounded FIFO
// for pairing events.
package queue

import (
	"sync"
	"sync/atomic"
	"time"
)

// Ring is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. Consumers either poll with TryReceive or wait with Receive.
//
//	r := queue.NewRing[device.Message](64)
//	r.Send(msg)
//	msg, ok := r.Receive(time.Second)
type Ring[T any] struct {
	mu      sync.Mutex // serializes producers so drop+push is atomic
	ch      chan T
	metrics Metrics
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("queue: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// Send inserts an item, discarding the oldest one if the buffer is full.
// Returns true if an element was dropped.
func (r *Ring[T]) Send(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := false
	select {
	case r.ch <- v:
	default:
		select {
		case <-r.ch: // drop oldest
			r.metrics.addOverwritten(1)
			dropped = true
		default:
		}
		r.ch <- v
	}
	r.metrics.addWritten(1)
	return dropped
}

// Receive waits up to timeout for a value.
// A non-positive timeout makes it equivalent to TryReceive.
func (r *Ring[T]) Receive(timeout time.Duration) (v T, ok bool) {
	if timeout <= 0 {
		return r.TryReceive()
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case v = <-r.ch:
		r.metrics.addProcessed(1)
		return v, true
	case <-t.C:
		var zero T
		return zero, false
	}
}

// TryReceive attempts a non-blocking receive.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v = <-r.ch:
		r.metrics.addProcessed(1)
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return cap(r.ch)
}

// GetMetrics returns a snapshot of current metrics values.
func (r *Ring[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&r.metrics.Processed),
		Written:     atomic.LoadInt64(&r.metrics.Written),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
	}
}

// Metrics provides lock-free counters for a Ring.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}
