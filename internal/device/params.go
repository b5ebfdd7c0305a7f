package device

import (
	"fmt"
	"time"
)

const (
	// IntervalUnit is the HCI unit for connection intervals
	IntervalUnit = 1250 * time.Microsecond
	// SupervisionTimeoutUnit is the HCI unit for supervision timeouts
	SupervisionTimeoutUnit = 10 * time.Millisecond
)

// ConnectionParameters describes a negotiated or requested link configuration
type ConnectionParameters struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	Latency            uint16 // peripheral latency, in connection events
	SupervisionTimeout time.Duration
}

func (p ConnectionParameters) String() string {
	return fmt.Sprintf("interval=[%s..%s] latency=%d timeout=%s", p.MinInterval, p.MaxInterval, p.Latency, p.SupervisionTimeout)
}

// Validate checks the parameters against the ranges HCI accepts
func (p ConnectionParameters) Validate() error {
	if p.MinInterval > p.MaxInterval {
		return fmt.Errorf("min interval %s greater than max interval %s", p.MinInterval, p.MaxInterval)
	}
	if p.MinInterval < 6*IntervalUnit || p.MaxInterval > 3200*IntervalUnit {
		return fmt.Errorf("connection interval out of range [7.5ms..4s]")
	}
	if p.Latency > 499 {
		return fmt.Errorf("latency %d out of range [0..499]", p.Latency)
	}
	if p.SupervisionTimeout < 10*SupervisionTimeoutUnit || p.SupervisionTimeout > 3200*SupervisionTimeoutUnit {
		return fmt.Errorf("supervision timeout out of range [100ms..32s]")
	}
	return nil
}

// ToUnits converts a duration into HCI units, rounding down
func ToUnits(d, unit time.Duration) uint16 {
	return uint16(d / unit)
}

// FromUnits converts HCI units into a duration
func FromUnits(units uint16, unit time.Duration) time.Duration {
	return time.Duration(units) * unit
}

// SecurityParameters describes the security established on the current link
type SecurityParameters struct {
	Bonded        bool
	Authenticated bool
	Method        string // bonding reason, e.g. "Passkey"
	EstablishedAt time.Time
}
