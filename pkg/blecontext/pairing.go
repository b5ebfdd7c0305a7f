package blecontext

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
)

// AuthenticateJustWorks pairs with dev without user interaction and returns
// once the adapter acknowledged the handshake
func (c *Context) AuthenticateJustWorks(dev *device.Device) error {
	h, err := c.requireHandle(dev)
	if err != nil {
		return err
	}
	c.pairingQueue(dev.Address())

	if _, err := c.request(gateway.AuthenticateJustWorksRequest{Handle: h}, 0); err != nil {
		return err
	}
	c.logger.WithField("address", dev.Address()).Info("Just Works authentication completed")
	return nil
}

// AuthenticateKeypressStart starts a passkey entry pairing with dev and returns
// once the peer reports that passkey entry started.
// Follow the rest of the procedure with PairingEvent.
func (c *Context) AuthenticateKeypressStart(dev *device.Device, timeout time.Duration) error {
	h, err := c.requireHandle(dev)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultResponseTimeout
	}
	q := c.pairingQueue(dev.Address())

	if _, err := c.request(gateway.AuthenticateKeypressRequest{Handle: h}, 0); err != nil {
		return err
	}

	log := c.logger.WithField("address", dev.Address())
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return device.WrapError(device.CauseContextInternal, device.ErrTimeout,
				"passkey entry did not start within %s", timeout)
		}
		ev, ok := q.Receive(remaining)
		if !ok {
			continue
		}

		switch {
		case ev.Kind == device.PairingEventKeypress && ev.Keypress == device.KeypressEntryStarted:
			log.Debug("Passkey entry started")
			return nil
		case ev.Kind == device.PairingEventStarted:
			log.Debug("Pairing started")
		default:
			// pairing goes on, the caller only waits for the entry to start
			log.WithFields(logrus.Fields{
				"event": ev.Kind,
				"state": ev.State.String(),
			}).Error("Unexpected pairing event while waiting for passkey entry")
		}
	}
}

// PairingEvent returns the next pairing action observed for dev
func (c *Context) PairingEvent(dev *device.Device, timeout time.Duration) (device.PairingEvent, error) {
	if err := c.requireOpen(); err != nil {
		return device.PairingEvent{}, err
	}
	if dev == nil {
		return device.PairingEvent{}, device.NewError(device.CauseParameterError, "device is nil")
	}

	q, ok := c.pairing.Get(dev.Address())
	if !ok {
		return device.PairingEvent{}, device.NewError(device.CauseDeviceUnknown, "no pairing queue for %s", dev)
	}
	ev, ok := q.Receive(timeout)
	if !ok {
		return device.PairingEvent{}, device.WrapError(device.CauseDeviceNotFound, device.ErrTimeout,
			"no pairing event from %s within %s", dev, timeout)
	}
	return ev, nil
}
