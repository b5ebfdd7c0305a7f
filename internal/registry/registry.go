// Package registry holds the lock-guarded tables shared between the public
// context API and its event dispatch loop.
//
// Lock order, when more than one registry must be held at once:
//
//	connecting -> connected -> disconnecting -> notification -> indication -> pairing
package registry

import "sync"

// Map is a mutex-guarded map.
// Compound read-modify-write sequences must go through Do.
type Map[K comparable, V any] struct {
	name string
	mu   sync.Mutex
	m    map[K]V
}

// New creates an empty named registry
func New[K comparable, V any](name string) *Map[K, V] {
	return &Map[K, V]{name: name, m: make(map[K]V)}
}

// Name returns the registry name used in log fields
func (r *Map[K, V]) Name() string {
	return r.name
}

func (r *Map[K, V]) Get(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[k]
	return v, ok
}

func (r *Map[K, V]) Has(k K) bool {
	_, ok := r.Get(k)
	return ok
}

// Put stores v under k and returns the previous value, if any
func (r *Map[K, V]) Put(k K, v V) (prev V, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, replaced = r.m[k]
	r.m[k] = v
	return prev, replaced
}

// PutIfAbsent stores v only when k is free and returns the value now stored
func (r *Map[K, V]) PutIfAbsent(k K, v V) (actual V, stored bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[k]; ok {
		return cur, false
	}
	r.m[k] = v
	return v, true
}

// Pop removes k and returns its value
func (r *Map[K, V]) Pop(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[k]
	if ok {
		delete(r.m, k)
	}
	return v, ok
}

func (r *Map[K, V]) Delete(k K) {
	r.mu.Lock()
	delete(r.m, k)
	r.mu.Unlock()
}

func (r *Map[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Values returns a snapshot of the values, in no particular order
func (r *Map[K, V]) Values() []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	values := make([]V, 0, len(r.m))
	for _, v := range r.m {
		values = append(values, v)
	}
	return values
}

// Clear drops every entry and returns what was removed
func (r *Map[K, V]) Clear() map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.m
	r.m = make(map[K]V)
	return old
}

// Do runs fn with exclusive access to the underlying map.
// fn must not call back into the same registry.
func (r *Map[K, V]) Do(fn func(m map[K]V)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.m)
}

// DeleteFunc removes every entry for which fn returns true and returns them
func (r *Map[K, V]) DeleteFunc(fn func(k K, v V) bool) map[K]V {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make(map[K]V)
	for k, v := range r.m {
		if fn(k, v) {
			removed[k] = v
			delete(r.m, k)
		}
	}
	return removed
}
