package blecontext

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
)

// ConnectOptions configures Connect
type ConnectOptions struct {
	// Parameters requested for the link; nil lets the adapter choose
	Parameters *device.ConnectionParameters
	// Timeout bounds the wait for the connection event.
	// A non-positive value returns as soon as the request is accepted.
	Timeout time.Duration
	// ServiceDiscovery runs service discovery once connected
	ServiceDiscovery bool
	// ConfirmConnect treats a disconnection right after connecting as a failed connect
	ConfirmConnect bool
}

// DefaultConnectOptions returns the options Connect uses when given nil
func (c *Context) DefaultConnectOptions() *ConnectOptions {
	return &ConnectOptions{
		Timeout:          c.cfg.DefaultConnectTimeout,
		ServiceDiscovery: true,
	}
}

// Connect connects dev.
//
// It returns false with a nil error when no connection event arrived within the
// timeout, when the adapter reported a failed connection, or when the link
// dropped within the confirmation window. A failed connection also ends a
// connect started without a timeout.
func (c *Context) Connect(dev *device.Device, opts *ConnectOptions) (bool, error) {
	if err := c.requireOpen(); err != nil {
		return false, err
	}
	if dev == nil {
		return false, device.NewError(device.CauseParameterError, "device is nil")
	}
	if opts == nil {
		opts = c.DefaultConnectOptions()
	}
	if _, connected := dev.Handle(); connected {
		return false, device.NewError(device.CauseActionAlreadyDone, "%s is already connected", dev)
	}

	req := gateway.ConnectRequest{Address: dev.Address(), Timeout: opts.Timeout}
	if opts.Parameters != nil {
		if err := opts.Parameters.Validate(); err != nil {
			return false, device.WrapError(device.CauseParameterError, err, "invalid connection parameters")
		}
		link := gateway.LinkParametersFrom(*opts.Parameters)
		req.Parameters = &link
	}

	log := c.logger.WithField("address", dev.Address())
	address := dev.Address()
	if _, stored := c.connecting.PutIfAbsent(address, dev); !stored {
		return false, device.NewError(device.CauseContextInvalidState, "a connect to %s is already in progress", dev)
	}
	pending := false
	defer func() {
		if pending {
			return
		}
		c.connecting.DeleteFunc(func(k string, v *device.Device) bool { return k == address && v == dev })
	}()
	c.devices.Put(address, dev)

	stale := dev.Events().ClearType(device.EventConnection)
	stale = append(stale, dev.Events().ClearType(device.EventConnectionFailed)...)
	stale = append(stale, dev.Events().ClearType(device.EventDisconnection)...)
	if len(stale) > 0 {
		log.WithField("count", len(stale)).Warn("Dropped stale connection events from a previous session")
	}
	dev.ConnectionFlag().Reset()
	dev.DisconnectionFlag().Reset()

	log.WithField("timeout", opts.Timeout).Debug("Connecting")
	if _, err := c.request(req, 0); err != nil {
		return false, err
	}

	if opts.Timeout <= 0 {
		// the dispatch loop promotes the device once the adapter reports the connection
		pending = true
		c.pairingQueue(address)
		return true, nil
	}

	ev, ok := dev.Events().FirstOf(opts.Timeout, device.EventConnection, device.EventConnectionFailed)
	if !ok {
		log.WithField("timeout", opts.Timeout).Warn("Connection timed out")
		return false, nil
	}
	if ev.Kind == device.EventConnectionFailed {
		log.WithField("status", fmt.Sprintf("0x%02x", ev.Reason)).Warn("Connection failed")
		return false, nil
	}

	if opts.ConfirmConnect {
		if ev, dropped := dev.Events().FirstOfType(device.EventDisconnection, c.cfg.ConfirmConnectWindow); dropped {
			log.WithField("reason", ev.Reason).Warn("Device disconnected right after connecting")
			return false, nil
		}
	}

	c.pairingQueue(address)

	if opts.ServiceDiscovery {
		if err := c.PerformServiceDiscovery(dev); err != nil {
			return false, err
		}
	}

	log.Info("Connected")
	return true, nil
}

// Disconnect disconnects dev.
// It returns false with a nil error when no disconnection event arrived within timeout.
func (c *Context) Disconnect(dev *device.Device, timeout time.Duration) (bool, error) {
	h, err := c.requireHandle(dev)
	if err != nil {
		return false, err
	}

	if _, stored := c.disconnecting.PutIfAbsent(h, dev); !stored {
		return false, device.NewError(device.CauseContextInvalidState, "a disconnect of %s is already in progress", dev)
	}
	defer c.disconnecting.DeleteFunc(func(k uint16, v *device.Device) bool { return k == h && v == dev })

	log := c.logger.WithFields(logrus.Fields{
		"address": dev.Address(),
		"handle":  h,
	})
	if stale := dev.Events().ClearType(device.EventDisconnection); len(stale) > 0 {
		log.WithField("count", len(stale)).Warn("Dropped stale disconnection events from a previous session")
	}
	dev.DisconnectionFlag().Reset()

	log.Debug("Disconnecting")
	if _, err := c.request(gateway.DisconnectRequest{Handle: h}, 0); err != nil {
		return false, err
	}
	if timeout <= 0 {
		return true, nil
	}

	if _, ok := dev.Events().FirstOfType(device.EventDisconnection, timeout); !ok {
		log.WithField("timeout", timeout).Warn("Disconnection timed out")
		return false, nil
	}
	log.Info("Disconnected")
	return true, nil
}

// PerformServiceDiscovery discovers the GATT table of dev and makes it the
// device table and the context table
func (c *Context) PerformServiceDiscovery(dev *device.Device) error {
	h, err := c.requireHandle(dev)
	if err != nil {
		return err
	}

	resp, err := c.request(gateway.DiscoverServicesRequest{Handle: h}, 0)
	if err != nil {
		return err
	}
	table, ok := resp.Payload.([]*device.Service)
	if !ok {
		return unexpectedPayload(resp)
	}

	dev.SetGattTable(table)
	c.setGattTable(table)

	c.logger.WithFields(logrus.Fields{
		"address":  dev.Address(),
		"services": len(table),
	}).Debug("Service discovery completed")
	return nil
}

// UpdateConnectionParameters asks the adapter to renegotiate the link of dev.
// The outcome arrives later as a parameter-update event on the device queue.
func (c *Context) UpdateConnectionParameters(dev *device.Device, params device.ConnectionParameters) error {
	h, err := c.requireHandle(dev)
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return device.WrapError(device.CauseParameterError, err, "invalid connection parameters")
	}

	_, err = c.request(gateway.UpdateConnectionParametersRequest{
		Handle:     h,
		Parameters: gateway.LinkParametersFrom(params),
	}, 0)
	return err
}

// ConnectionSecurityParameters returns the security established on the link of dev, or nil
func (c *Context) ConnectionSecurityParameters(dev *device.Device) (*device.SecurityParameters, error) {
	if _, err := c.requireHandle(dev); err != nil {
		return nil, err
	}
	return dev.SecurityParameters(), nil
}

// DeleteBond removes the bond with dev, disconnecting it first if needed.
// No request is sent for a device that never bonded.
func (c *Context) DeleteBond(dev *device.Device) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if dev == nil {
		return device.NewError(device.CauseParameterError, "device is nil")
	}

	if _, connected := dev.Handle(); connected {
		ok, err := c.Disconnect(dev, c.cfg.DefaultConnectTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return device.WrapError(device.CauseContextInternal, device.ErrTimeout, "%s did not disconnect before bond deletion", dev)
		}
	}

	dev.SetSecurityParameters(nil)
	if !dev.Bonded() {
		c.logger.WithField("address", dev.Address()).Debug("Device never bonded, nothing to delete")
		return nil
	}

	if _, err := c.request(gateway.DeleteBondRequest{Address: dev.Address()}, 0); err != nil {
		return err
	}

	dev.SetBonded(false)
	dev.SetBondingState(device.BondingState{Phase: device.BondingNone})
	c.dropQueues(dev.Address())
	c.logger.WithField("address", dev.Address()).Info("Bond deleted")
	return nil
}
