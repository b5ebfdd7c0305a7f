package gateway

import (
	"sync"
	"time"
)

// Ticket is a pending request waiting for its response
type Ticket struct {
	ID   uint64
	Kind RequestKind
	ch   chan *Response
}

// Correlator matches responses to the requests that produced them.
//
// A request sent with a ticket gets its response on that ticket. A response
// with no ticket (fire-and-forget, or a waiter that gave up) is parked per
// request kind until Poll collects it; a newer one replaces an older one.
type Correlator struct {
	mu      sync.Mutex
	seq     uint64
	waiters map[uint64]*Ticket
	parked  map[RequestKind]*Response
	changed chan struct{}
}

func NewCorrelator() *Correlator {
	return &Correlator{
		waiters: make(map[uint64]*Ticket),
		parked:  make(map[RequestKind]*Response),
		changed: make(chan struct{}),
	}
}

// Next allocates a request id without registering a waiter
func (c *Correlator) Next() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Register allocates a request id and a waiter for its response
func (c *Correlator) Register(kind RequestKind) *Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &Ticket{ID: c.seq, Kind: kind, ch: make(chan *Response, 1)}
	c.waiters[t.ID] = t
	return t
}

// Deliver routes resp to the waiter of request id, or parks it
func (c *Correlator) Deliver(id uint64, resp *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.waiters[id]; ok {
		delete(c.waiters, id)
		t.ch <- resp
		return
	}
	c.parked[resp.Request] = resp
	close(c.changed)
	c.changed = make(chan struct{})
}

// Wait blocks up to timeout for the ticket's response
func (c *Correlator) Wait(t *Ticket, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-t.ch:
		return resp, nil
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// the response may have raced the timer
	select {
	case resp := <-t.ch:
		return resp, nil
	default:
	}
	delete(c.waiters, t.ID)
	return nil, ErrTimeout
}

// Poll waits up to timeout for a parked response of the given kind and claims it
func (c *Correlator) Poll(kind RequestKind, timeout time.Duration) (*Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if resp, ok := c.parked[kind]; ok {
			delete(c.parked, kind)
			c.mu.Unlock()
			return resp, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

// Forget drops a parked response of the given kind
func (c *Correlator) Forget(kind RequestKind) {
	c.mu.Lock()
	delete(c.parked, kind)
	c.mu.Unlock()
}

// Reset drops every waiter and parked response
func (c *Correlator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters = make(map[uint64]*Ticket)
	c.parked = make(map[RequestKind]*Response)
}
