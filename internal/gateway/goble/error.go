package goble

import (
	"strings"

	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
)

// NormalizeError maps known go-ble error strings to context errors.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if device.CauseOf(err) != "" {
		return err
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return device.WrapError(device.CauseContextInternal, err, "bluetooth is turned off")
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return device.WrapError(device.CauseContextInternal, err, "bluetooth is turned off")
	case containsIgnoreCase(msg, "device not connected"):
		return device.WrapError(device.CauseDeviceNotConnected, err, "device not connected")
	case containsIgnoreCase(msg, "disconnected"):
		return device.WrapError(device.CauseDeviceNotConnected, err, "device disconnected")
	case containsIgnoreCase(msg, "device already connected"):
		return device.WrapError(device.CauseActionAlreadyDone, err, "device already connected")
	default:
		return err
	}
}

// failure builds an error response, keeping the context cause when err carries one
func failure(kind gateway.RequestKind, err error) *gateway.Response {
	err = NormalizeError(err)
	return &gateway.Response{
		Request: kind,
		Type:    gateway.ResponseError,
		Failure: &gateway.Failure{Cause: device.CauseOf(err), Message: err.Error()},
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
