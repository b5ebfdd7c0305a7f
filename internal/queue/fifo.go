package queue

import (
	"sync"
	"time"
)

// FIFO is an unbounded first-in first-out queue. Send never blocks and never
// discards, Receive waits for the next element.
type FIFO[T any] struct {
	mu      sync.Mutex
	items   []T
	changed chan struct{} // closed and replaced on every Send
}

// NewFIFO creates an empty FIFO
func NewFIFO[T any]() *FIFO[T] {
	return &FIFO[T]{changed: make(chan struct{})}
}

// Send appends v and wakes up every waiting receiver
func (f *FIFO[T]) Send(v T) {
	f.mu.Lock()
	f.items = append(f.items, v)
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// Receive removes the oldest element, waiting up to timeout for one.
// A non-positive timeout makes it equivalent to TryReceive.
func (f *FIFO[T]) Receive(timeout time.Duration) (T, bool) {
	if timeout <= 0 {
		return f.TryReceive()
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			v := f.pop()
			f.mu.Unlock()
			return v, true
		}
		changed := f.changed
		f.mu.Unlock()

		select {
		case <-changed:
		case <-t.C:
			var zero T
			return zero, false
		}
	}
}

// TryReceive removes the oldest element without waiting
func (f *FIFO[T]) TryReceive() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		var zero T
		return zero, false
	}
	return f.pop(), true
}

func (f *FIFO[T]) pop() T {
	var zero T
	v := f.items[0]
	f.items[0] = zero
	f.items = f.items[1:]
	if len(f.items) == 0 {
		f.items = nil
	}
	return v
}

// Len returns the number of queued elements
func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
