package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/blectx/internal/gateway"
	"github.com/stretchr/testify/mock"
)

// MockGateway is a gateway.Gateway driven by testify expectations.
//
// Requests go through mock.Mock; lifecycle is plain state so a context can be
// opened and closed repeatedly. Events are injected with Emit, typically from
// a Run hook so they follow the request that caused them:
//
//	testutils.ExpectRequest(gw, func(r gateway.ConnectRequest) bool { return true }).
//	    Return(gateway.OK(gateway.KindConnect, nil), nil).
//	    Run(func(mock.Arguments) { gw.Emit(gateway.ConnectionComplete{...}) })
type MockGateway struct {
	mock.Mock

	// StartErr, when set, is returned by the next Start
	StartErr error

	mu      sync.Mutex
	running bool
	starts  int
	events  chan gateway.Event
	sent    []gateway.Request
}

// MockEventBuffer is the capacity of the injected event queue
const MockEventBuffer = 256

func NewMockGateway() *MockGateway {
	return &MockGateway{events: make(chan gateway.Event, MockEventBuffer)}
}

func (g *MockGateway) Start(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return fmt.Errorf("gateway already running")
	}
	if err := g.StartErr; err != nil {
		g.StartErr = nil
		return err
	}
	g.events = make(chan gateway.Event, MockEventBuffer)
	g.running = true
	g.starts++
	return nil
}

// Stop pushes the stop sentinel like a real gateway does
func (g *MockGateway) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return nil
	}
	g.running = false
	select {
	case g.events <- nil:
	default:
	}
	return nil
}

func (g *MockGateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Starts returns how many times the gateway was started
func (g *MockGateway) Starts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.starts
}

func (g *MockGateway) record(req gateway.Request) {
	g.mu.Lock()
	g.sent = append(g.sent, req)
	g.mu.Unlock()
}

func (g *MockGateway) Send(req gateway.Request) error {
	g.record(req)
	args := g.Called(req)
	return args.Error(0)
}

func (g *MockGateway) SendAndWait(req gateway.Request, timeout time.Duration) (*gateway.Response, error) {
	g.record(req)
	args := g.Called(req, timeout)
	resp, _ := args.Get(0).(*gateway.Response)
	return resp, args.Error(1)
}

func (g *MockGateway) Response(kind gateway.RequestKind, timeout time.Duration) (*gateway.Response, error) {
	args := g.Called(kind, timeout)
	resp, _ := args.Get(0).(*gateway.Response)
	return resp, args.Error(1)
}

func (g *MockGateway) Events() <-chan gateway.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.events
}

// Emit injects an adapter event
func (g *MockGateway) Emit(events ...gateway.Event) {
	g.mu.Lock()
	ch := g.events
	g.mu.Unlock()

	for _, ev := range events {
		ch <- ev
	}
}

// ExpectRequest sets up a SendAndWait expectation for requests of type R.
// A nil match accepts every request of that type.
func ExpectRequest[R gateway.Request](g *MockGateway, match func(R) bool) *mock.Call {
	return g.On("SendAndWait", mock.MatchedBy(func(req R) bool {
		return match == nil || match(req)
	}), mock.Anything)
}

// ExpectSend sets up a Send expectation for requests of type R
func ExpectSend[R gateway.Request](g *MockGateway, match func(R) bool) *mock.Call {
	return g.On("Send", mock.MatchedBy(func(req R) bool {
		return match == nil || match(req)
	}))
}

// SentRequests returns every request of type R received by Send or SendAndWait, in order
func SentRequests[R gateway.Request](g *MockGateway) []R {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []R
	for _, req := range g.sent {
		if r, ok := req.(R); ok {
			out = append(out, r)
		}
	}
	return out
}
