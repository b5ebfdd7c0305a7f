package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
	"time"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Worker is a handle to a named goroutine started by Go
type Worker struct {
	name string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Go starts a goroutine with a name and an optional parent context.
// Example usage:
//
//	w := groutine.Go(ctx, "dispatch-loop", func(ctx context.Context) error {
//	    // work
//	    return nil
//	})
//	w.Join(time.Second)
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context) error) *Worker {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	w := &Worker{name: name, done: make(chan struct{})}
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer close(w.done)
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		err := fn(ctx)
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
	})

	return w
}

// Name returns the goroutine name
func (w *Worker) Name() string {
	return w.name
}

// Done is closed once the goroutine returned
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Running reports whether the goroutine has not returned yet
func (w *Worker) Running() bool {
	if w == nil {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Join waits up to timeout for the goroutine to return.
// Returns false if it is still running.
func (w *Worker) Join(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-w.done:
		return true
	case <-t.C:
		return false
	}
}

// Err returns the error the goroutine returned, nil while it is running
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
