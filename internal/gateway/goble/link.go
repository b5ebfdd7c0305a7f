package goble

import (
	"sync"

	"github.com/go-ble/ble"
)

// link is one dialed peripheral, addressed by a gateway-assigned handle
type link struct {
	handle  uint16
	address string
	client  ble.Client

	mu        sync.Mutex
	profile   *ble.Profile
	cccd      map[uint16]uint16 // value handle -> CCCD bits currently subscribed
	closing   bool
	monitored bool
}

func newLink(handle uint16, address string, client ble.Client) *link {
	return &link{
		handle:  handle,
		address: address,
		client:  client,
		cccd:    make(map[uint16]uint16),
	}
}

func (l *link) setProfile(p *ble.Profile) {
	l.mu.Lock()
	l.profile = p
	l.mu.Unlock()
}

// characteristic finds a characteristic by value handle in the discovered profile
func (l *link) characteristic(valueHandle uint16) *ble.Characteristic {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.profile == nil {
		return nil
	}
	for _, s := range l.profile.Services {
		for _, c := range s.Characteristics {
			if c.ValueHandle == valueHandle {
				return c
			}
		}
	}
	return nil
}

// descriptor finds a descriptor and its owning characteristic by handle
func (l *link) descriptor(handle uint16) (*ble.Descriptor, *ble.Characteristic) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.profile == nil {
		return nil, nil
	}
	for _, s := range l.profile.Services {
		for _, c := range s.Characteristics {
			for _, d := range c.Descriptors {
				if d.Handle == handle {
					return d, c
				}
			}
		}
	}
	return nil, nil
}

func (l *link) clientConfig(valueHandle uint16) uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cccd[valueHandle]
}

func (l *link) setClientConfig(valueHandle, bits uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bits == 0 {
		delete(l.cccd, valueHandle)
		return
	}
	l.cccd[valueHandle] = bits
}

func (l *link) markClosing() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
}

func (l *link) isClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

// assignHandles numbers every attribute of a profile in declaration order.
// Some backends (CoreBluetooth) do not expose ATT handles; the profile is left
// untouched when every characteristic and descriptor already has one.
func assignHandles(p *ble.Profile) bool {
	if p == nil || !missingHandles(p) {
		return false
	}

	next := uint16(1)
	alloc := func() uint16 {
		h := next
		next++
		return h
	}

	for _, s := range p.Services {
		s.Handle = alloc()
		for _, c := range s.Characteristics {
			c.Handle = alloc()
			c.ValueHandle = alloc()
			for _, d := range c.Descriptors {
				d.Handle = alloc()
			}
			c.EndHandle = next - 1
		}
		s.EndHandle = next - 1
	}
	return true
}

func missingHandles(p *ble.Profile) bool {
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			if c.ValueHandle == 0 {
				return true
			}
			for _, d := range c.Descriptors {
				if d.Handle == 0 {
					return true
				}
			}
		}
	}
	return false
}
