package blecontext

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/groutine"
	"github.com/srg/blectx/internal/queue"
)

// dispatch drains the gateway event queue until the context is cancelled, the
// stop sentinel arrives, or too many consecutive events fail.
func (c *Context) dispatch(ctx context.Context, id string, events <-chan gateway.Event) error {
	log := entryFor(id, c.logger).WithField("goroutine", groutine.GetName(ctx))
	log.Debug("Dispatch loop started")
	defer log.Debug("Dispatch loop stopped")

	failures := 0
	for {
		var ev gateway.Event
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case ev, ok = <-events:
		}
		if !ok || ev == nil {
			return nil
		}

		if crit, isCritical := ev.(gateway.CriticalError); isCritical {
			if cbErr := c.invokeCallback(ev); cbErr != nil {
				log.WithError(cbErr).Warn("Critical error callback failed")
			}
			err := fmt.Errorf("critical gateway error: %w", crit.Err)
			c.fail(id, err)
			return err
		}

		if err := c.handleEvent(id, ev); err != nil {
			failures++
			log.WithFields(logrus.Fields{
				"event":    ev.Kind(),
				"error":    err,
				"failures": failures,
			}).Warn("Failed to handle gateway event")

			if failures > c.cfg.MaxConsecutiveErrors {
				err = fmt.Errorf("%d consecutive event failures, last: %w", failures, err)
				c.fail(id, err)
				return err
			}
			continue
		}
		failures = 0
	}
}

// handleEvent runs the registered callback, then folds ev into registry state.
// A panic in either pass is turned into an error.
func (c *Context) handleEvent(id string, ev gateway.Event) error {
	cbErr := c.invokeCallback(ev)

	applyErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic while handling %s: %v", ev.Kind(), r)
			}
		}()
		return c.apply(id, ev)
	}()

	return errors.Join(cbErr, applyErr)
}

func (c *Context) invokeCallback(ev gateway.Event) (err error) {
	cb, ok := c.callbacks.Get(ev.Kind())
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s callback panicked: %v", ev.Kind(), r)
		}
	}()
	cb(ev)
	return nil
}

// fail closes the context from inside the dispatch loop
func (c *Context) fail(id string, cause error) {
	entryFor(id, c.logger).WithError(cause).Error("Dispatch loop failed, closing context")

	c.mu.Lock()
	c.err = cause
	c.open = false
	c.mu.Unlock()

	if err := c.gw.Stop(); err != nil {
		entryFor(id, c.logger).WithError(err).Warn("Failed to stop gateway")
	}

	c.connected.Do(func(connected map[uint16]*device.Device) {
		for h, dev := range connected {
			dev.ClearConnection()
			delete(connected, h)
		}
	})
}

func (c *Context) apply(id string, ev gateway.Event) error {
	switch e := ev.(type) {
	case gateway.ConnectionComplete:
		return c.onConnectionComplete(id, e)
	case gateway.DisconnectionComplete:
		return c.onDisconnectionComplete(id, e)
	case gateway.CommandComplete:
		return c.onCommandComplete(id, e)
	case gateway.ConnectionUpdateComplete:
		return c.onConnectionUpdate(id, e)
	case gateway.L2CAPParameterUpdateRequest:
		return c.onParameterUpdateRequest(id, e)
	case gateway.Notification:
		return c.onData(id, e.Handle, e.AttributeHandle, e.Value, false)
	case gateway.Indication:
		return c.onData(id, e.Handle, e.AttributeHandle, e.Value, true)
	case gateway.PairingStarted:
		return c.onPairing(id, e.Handle, e.Address, device.PairingStartedNote{}, device.PairingEvent{Kind: device.PairingEventStarted})
	case gateway.Keypress:
		return c.onPairing(id, e.Handle, e.Address, device.KeypressNote{Type: e.Type}, device.PairingEvent{Kind: device.PairingEventKeypress, Keypress: e.Type})
	case gateway.PasskeyDisplay:
		return c.onPasskeyDisplay(id, e)
	case gateway.PairingComplete:
		return c.onPairing(id, e.Handle, e.Address, device.PairingCompleteNote{Status: e.Status}, device.PairingEvent{Kind: device.PairingEventComplete, Status: e.Status})
	case gateway.CriticalError:
		// handled by the loop before apply
		return e.Err
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

func (c *Context) onConnectionComplete(id string, e gateway.ConnectionComplete) error {
	log := entryFor(id, c.logger).WithFields(logrus.Fields{
		"address": e.Address,
		"handle":  e.Handle,
	})
	if e.Status != gateway.StatusSuccess {
		log.WithField("status", fmt.Sprintf("0x%02x", e.Status)).Warn("Connection failed")
		// no connect is left waiting once the attempt is known to have failed
		if dev, pending := c.connecting.Pop(device.NormalizeAddress(e.Address)); pending {
			dev.Events().Push(device.Event{
				Kind:    device.EventConnectionFailed,
				Address: dev.Address(),
				Reason:  e.Status,
			})
		}
		return nil
	}

	var params *device.ConnectionParameters
	if e.Parameters != nil {
		params = e.Parameters.ConnectionParameters()
	}

	address := device.NormalizeAddress(e.Address)
	var dev, displaced *device.Device
	c.connecting.Do(func(connecting map[string]*device.Device) {
		var ok bool
		if dev, ok = connecting[address]; !ok {
			return
		}
		delete(connecting, address)
		c.connected.Do(func(connected map[uint16]*device.Device) {
			if prev, taken := connected[e.Handle]; taken && prev != dev {
				// the adapter reused the handle, so its disconnection was missed
				displaced = prev
				c.disconnecting.Do(func(disconnecting map[uint16]*device.Device) {
					if disconnecting[e.Handle] == prev {
						delete(disconnecting, e.Handle)
					}
				})
				prev.ClearConnection()
				if !prev.Bonded() {
					c.dropQueues(prev.Address())
				}
			}
			dev.SetConnection(e.Handle, params)
			connected[e.Handle] = dev
		})
	})

	if displaced != nil {
		log.WithField("displaced", displaced.Address()).Warn("Handle reused before its disconnection was reported")
		displaced.Events().Push(device.Event{
			Kind:    device.EventDisconnection,
			Address: displaced.Address(),
		})
		displaced.DisconnectionFlag().Set()
	}

	if dev == nil {
		// a connect attempt that was given up on completed late
		log.Warn("Connection completed for a device nobody is connecting, dropping it")
		if err := c.gw.Send(gateway.DisconnectRequest{Handle: e.Handle}); err != nil {
			return fmt.Errorf("failed to drop unexpected connection: %w", err)
		}
		return nil
	}

	dev.Events().Push(device.Event{
		Kind:       device.EventConnection,
		Address:    dev.Address(),
		Parameters: params,
	})
	dev.ConnectionFlag().Set()
	log.Info("Device connected")
	return nil
}

func (c *Context) onDisconnectionComplete(id string, e gateway.DisconnectionComplete) error {
	log := entryFor(id, c.logger).WithFields(logrus.Fields{
		"handle": e.Handle,
		"reason": fmt.Sprintf("0x%02x", e.Reason),
	})
	if e.Status != gateway.StatusSuccess {
		log.WithField("status", e.Status).Warn("Disconnection failed")
		return nil
	}

	var dev *device.Device
	solicited := false
	c.connected.Do(func(connected map[uint16]*device.Device) {
		c.disconnecting.Do(func(disconnecting map[uint16]*device.Device) {
			if dev, solicited = disconnecting[e.Handle]; solicited {
				delete(disconnecting, e.Handle)
			}
			if d, ok := connected[e.Handle]; ok {
				dev = d
				delete(connected, e.Handle)
			}
		})
		if dev == nil {
			return
		}

		dev.ClearConnection()
		if !dev.Bonded() {
			c.dropQueues(dev.Address())
		}
	})

	if dev == nil {
		log.Warn("Disconnection for an unknown handle")
		return nil
	}

	dev.Events().Push(device.Event{
		Kind:    device.EventDisconnection,
		Address: dev.Address(),
		Reason:  e.Reason,
	})
	dev.DisconnectionFlag().Set()
	log.WithFields(logrus.Fields{
		"address":   dev.Address(),
		"solicited": solicited,
	}).Info("Device disconnected")
	return nil
}

// dropQueues removes the notification and indication queues of address.
// Callers holding registry locks must hold only those before notification in the lock order.
func (c *Context) dropQueues(address string) {
	match := func(k queueKey, _ *MessageQueue) bool { return k.address == address }
	c.notifications.DeleteFunc(match)
	c.indications.DeleteFunc(match)
}

func (c *Context) deviceByHandle(handle uint16) (*device.Device, error) {
	dev, ok := c.connected.Get(handle)
	if !ok {
		return nil, device.NewError(device.CauseDeviceUnknown, "no connected device with handle 0x%04x", handle)
	}
	return dev, nil
}

func (c *Context) onCommandComplete(id string, e gateway.CommandComplete) error {
	var result string
	switch e.Opcode {
	case gateway.OpcodeConnParamRequestReply:
		result = device.RequestAccepted
	case gateway.OpcodeConnParamRequestNegativeReply:
		result = device.RequestRejected
	default:
		entryFor(id, c.logger).WithField("opcode", fmt.Sprintf("0x%04x", e.Opcode)).Debug("Ignoring command complete")
		return nil
	}
	if e.Status != gateway.StatusSuccess {
		result = device.RequestRejected
	}

	dev, err := c.deviceByHandle(e.Handle)
	if err != nil {
		return err
	}
	dev.Events().Push(device.Event{
		Kind:    device.EventParameterUpdateRequestResult,
		Address: dev.Address(),
		Result:  result,
	})
	return nil
}

func (c *Context) onConnectionUpdate(id string, e gateway.ConnectionUpdateComplete) error {
	dev, err := c.deviceByHandle(e.Handle)
	if err != nil {
		return err
	}
	if e.Status != gateway.StatusSuccess {
		entryFor(id, c.logger).WithFields(logrus.Fields{
			"address": dev.Address(),
			"status":  e.Status,
		}).Warn("Connection update failed")
		return nil
	}

	params := e.Parameters.ConnectionParameters()
	dev.SetConnectionParameters(params)
	dev.Events().Push(device.Event{
		Kind:       device.EventParameterUpdate,
		Address:    dev.Address(),
		Parameters: params,
	})
	return nil
}

func (c *Context) onParameterUpdateRequest(id string, e gateway.L2CAPParameterUpdateRequest) error {
	dev, err := c.deviceByHandle(e.Handle)
	if err != nil {
		return err
	}
	entryFor(id, c.logger).WithFields(logrus.Fields{
		"address":    dev.Address(),
		"parameters": e.Parameters,
	}).Debug("Peripheral requested new connection parameters")

	dev.Events().Push(device.Event{
		Kind:       device.EventParameterUpdateRequest,
		Address:    dev.Address(),
		Parameters: e.Parameters.ConnectionParameters(),
	})
	return nil
}

// onData delivers a notification or indication to its queue and to the
// transfer callback of the characteristic; either may be absent
func (c *Context) onData(id string, handle, attr uint16, value []byte, indication bool) error {
	dev, err := c.deviceByHandle(handle)
	if err != nil {
		return err
	}

	msg := device.Message{
		Address:         dev.Address(),
		AttributeHandle: attr,
		Value:           value,
		Indication:      indication,
		Timestamp:       time.Now(),
	}

	queues := c.notifications
	if indication {
		queues = c.indications
	}
	if q, ok := queues.Get(queueKey{address: dev.Address(), handle: attr}); ok {
		if q.Send(msg) {
			entryFor(id, c.logger).WithFields(logrus.Fields{
				"address":     dev.Address(),
				"handle":      attr,
				"overwritten": q.GetMetrics().Overwritten,
			}).Warn("Delivery queue full, oldest value dropped")
		}
	}

	if cb, ok := dev.TransferCallback(attr); ok {
		cb(msg)
	}
	return nil
}

// pairingDevice resolves the record a pairing event refers to. An event from
// an unknown device creates its record.
func (c *Context) pairingDevice(handle uint16, address string) *device.Device {
	if dev, ok := c.connected.Get(handle); ok {
		return dev
	}
	address = device.NormalizeAddress(address)
	dev, _ := c.devices.PutIfAbsent(address, device.New(address))
	return dev
}

func (c *Context) pairingQueue(address string) *PairingQueue {
	q, _ := c.pairing.PutIfAbsent(address, queue.NewFIFO[device.PairingEvent]())
	return q
}

func (c *Context) onPairing(id string, handle uint16, address string, note device.PairingNotification, action device.PairingEvent) error {
	dev := c.pairingDevice(handle, address)
	prev, next := dev.ApplyPairingNotification(note)

	log := entryFor(id, c.logger).WithFields(logrus.Fields{
		"address": dev.Address(),
		"from":    prev.String(),
		"to":      next.String(),
	})
	if next.Phase == device.BondingError && prev.Phase != device.BondingError {
		log.Warn("Out of sequence pairing notification")
	} else {
		log.Debug("Bonding state changed")
	}

	if _, isComplete := note.(device.PairingCompleteNote); isComplete {
		bonded := next.Phase == device.BondingBonded
		dev.SetBonded(bonded)
		if bonded {
			dev.SetSecurityParameters(&device.SecurityParameters{
				Bonded:        true,
				Authenticated: next.Reason == device.ReasonPasskey,
				Method:        next.Reason,
				EstablishedAt: time.Now(),
			})
		}
		dev.Events().Push(device.Event{
			Kind:    device.EventPairingResult,
			Address: dev.Address(),
			Bonding: next,
		})
	}

	action.Address = dev.Address()
	action.State = next
	action.Timestamp = time.Now()
	c.pairingQueue(dev.Address()).Send(action)
	return nil
}

func (c *Context) onPasskeyDisplay(id string, e gateway.PasskeyDisplay) error {
	dev := c.pairingDevice(e.Handle, e.Address)
	entryFor(id, c.logger).WithField("address", dev.Address()).Info("Passkey display requested")

	dev.Events().Push(device.Event{
		Kind:    device.EventDisplayPasskey,
		Address: dev.Address(),
		Passkey: e.Passkey,
	})
	c.pairingQueue(dev.Address()).Send(device.PairingEvent{
		Kind:      device.PairingEventPasskeyDisplay,
		Address:   dev.Address(),
		Passkey:   e.Passkey,
		State:     dev.BondingState(),
		Timestamp: time.Now(),
	})
	return nil
}
