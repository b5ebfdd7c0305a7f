package blecontext

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"github.com/srg/blectx/pkg/config"
)

// AdapterCache lists the serial ports that may host a BLE adapter.
// The list is built on first use and rebuilt only on request.
type AdapterCache struct {
	mu       sync.Mutex
	patterns []string
	ports    []string
	loaded   bool

	glob func(pattern string) ([]string, error)
}

// Adapters is the process-wide adapter cache
var Adapters = NewAdapterCache(config.DefaultAdapterPortPatterns)

// NewAdapterCache creates an empty cache over glob patterns
func NewAdapterCache(patterns []string) *AdapterCache {
	return &AdapterCache{
		patterns: append([]string(nil), patterns...),
		glob:     filepath.Glob,
	}
}

// SetPatterns replaces the patterns and invalidates the cache
func (a *AdapterCache) SetPatterns(patterns []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.patterns = append([]string(nil), patterns...)
	a.ports = nil
	a.loaded = false
}

// Ports returns the matching ports, sorted. force rebuilds the list.
func (a *AdapterCache) Ports(force bool) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loaded && !force {
		return slices.Clone(a.ports), nil
	}

	var ports []string
	for _, pattern := range a.patterns {
		matches, err := a.glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad adapter port pattern %q: %w", pattern, err)
		}
		ports = append(ports, matches...)
	}
	slices.Sort(ports)
	ports = slices.Compact(ports)

	a.ports = ports
	a.loaded = true
	return slices.Clone(ports), nil
}

// Invalidate drops the cached list; the next Ports call rebuilds it
func (a *AdapterCache) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ports = nil
	a.loaded = false
}
