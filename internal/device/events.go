package device

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// EventKind tags the typed events published on a device event queue
type EventKind int

const (
	EventConnection EventKind = iota
	EventDisconnection
	EventPairingResult
	EventParameterUpdate
	EventParameterUpdateRequest
	EventParameterUpdateRequestResult
	EventDisplayPasskey
	EventConnectionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventConnection:
		return "connection"
	case EventDisconnection:
		return "disconnection"
	case EventPairingResult:
		return "pairing-result"
	case EventParameterUpdate:
		return "parameter-update"
	case EventParameterUpdateRequest:
		return "parameter-update-request"
	case EventParameterUpdateRequestResult:
		return "parameter-update-request-result"
	case EventDisplayPasskey:
		return "display-passkey"
	case EventConnectionFailed:
		return "connection-failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Parameter update request results
const (
	RequestAccepted = "ACCEPTED"
	RequestRejected = "REJECTED"
)

// Event is a typed per-device context event.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Timestamp  time.Time
	Address    string
	Parameters *ConnectionParameters
	Reason     uint8  // disconnection reason or connection failure status
	Result     string // RequestAccepted / RequestRejected
	Passkey    uint32
	Bonding    BondingState
}

// EventQueue is an unbounded FIFO of events that supports blocking retrieval by kind
type EventQueue struct {
	mu      sync.Mutex
	events  []Event
	changed chan struct{} // closed and replaced on every push
}

// NewEventQueue creates an empty event queue
func NewEventQueue() *EventQueue {
	return &EventQueue{changed: make(chan struct{})}
}

// Push appends an event and wakes up every waiter
func (q *EventQueue) Push(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	q.mu.Lock()
	q.events = append(q.events, e)
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()
}

// FirstOfType removes and returns the oldest event of the given kind, waiting up
// to timeout for one to arrive. A non-positive timeout makes it non-blocking.
func (q *EventQueue) FirstOfType(kind EventKind, timeout time.Duration) (Event, bool) {
	return q.FirstOf(timeout, kind)
}

// FirstOf is FirstOfType for any of several kinds
func (q *EventQueue) FirstOf(timeout time.Duration, kinds ...EventKind) (Event, bool) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		q.mu.Lock()
		for i, e := range q.events {
			if slices.Contains(kinds, e.Kind) {
				q.events = append(q.events[:i], q.events[i+1:]...)
				q.mu.Unlock()
				return e, true
			}
		}
		changed := q.changed
		q.mu.Unlock()

		if timer == nil {
			return Event{}, false
		}
		select {
		case <-changed:
		case <-timer:
			return Event{}, false
		}
	}
}

// ClearType drains every queued event of the given kind and returns them
func (q *EventQueue) ClearType(kind EventKind) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stale []Event
	kept := q.events[:0]
	for _, e := range q.events {
		if e.Kind == kind {
			stale = append(stale, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.events = kept
	return stale
}

// Len returns the number of queued events
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Clear drops every queued event
func (q *EventQueue) Clear() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}

// Flag is a level-triggered signal that can be waited on
type Flag struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewFlag creates a cleared flag
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Set raises the flag and releases every waiter
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		f.set = true
		close(f.ch)
	}
}

// Reset lowers the flag
func (f *Flag) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		f.set = false
		f.ch = make(chan struct{})
	}
}

// IsSet reports the current level
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Wait blocks until the flag is set or timeout elapses
func (f *Flag) Wait(timeout time.Duration) bool {
	f.mu.Lock()
	ch := f.ch
	set := f.set
	f.mu.Unlock()
	if set {
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Message is one notification or indication delivered to a queue or transfer callback
type Message struct {
	Address         string
	AttributeHandle uint16
	Value           []byte
	Indication      bool
	Timestamp       time.Time
}

// PairingEventKind tags the entries of a pairing-event queue
type PairingEventKind int

const (
	PairingEventStarted PairingEventKind = iota
	PairingEventKeypress
	PairingEventPasskeyDisplay
	PairingEventComplete
)

func (k PairingEventKind) String() string {
	switch k {
	case PairingEventStarted:
		return "pairing-started"
	case PairingEventKeypress:
		return "keypress"
	case PairingEventPasskeyDisplay:
		return "passkey-display"
	case PairingEventComplete:
		return "pairing-complete"
	default:
		return fmt.Sprintf("PairingEventKind(%d)", int(k))
	}
}

// PairingEvent is the action pushed on a device pairing-event queue
type PairingEvent struct {
	Kind      PairingEventKind
	Address   string
	Keypress  KeypressType
	Passkey   uint32
	Status    PairingStatus
	State     BondingState // bonding state after this event was folded
	Timestamp time.Time
}
