package main

import (
	"errors"
	"fmt"

	"github.com/srg/blectx/internal/device"
)

// ErrNotConnected is returned when a connect attempt ended without a link
var ErrNotConnected = errors.New("device did not connect")

var causeHints = map[device.Cause]string{
	device.CauseContextNotOpen:      "the BLE adapter is not available",
	device.CauseDeviceNotConnected:  "the device is not connected",
	device.CauseDeviceNotFound:      "no matching device was found; is it advertising?",
	device.CauseDeviceUnknown:       "the device is unknown to this session",
	device.CauseActionAlreadyDone:   "nothing to do, already done",
	device.CauseAuthFailed:          "authentication failed; remove the bond on both sides and retry",
	device.CauseParameterError:      "invalid argument",
	device.CauseContextInvalidState: "another operation on this device is in progress",
}

// FormatUserError turns an error into a one line message for the terminal.
// Context errors get a hint in front of the raw message.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if hint, ok := causeHints[device.CauseOf(err)]; ok {
		return fmt.Sprintf("%s (%v)", hint, err)
	}
	return err.Error()
}
