package blecontext

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/queue"
	"github.com/srg/blectx/internal/registry"
)

// EnableNotification turns notifications on for char and delivers them to q.
// A nil q gets a queue of the configured capacity. The queue in use is returned.
func (c *Context) EnableNotification(dev *device.Device, char *device.Characteristic, q *MessageQueue) (*MessageQueue, error) {
	return c.enableClientConfig(dev, char, device.CCCDNotify, q)
}

// EnableIndication turns indications on for char and delivers them to q
func (c *Context) EnableIndication(dev *device.Device, char *device.Characteristic, q *MessageQueue) (*MessageQueue, error) {
	return c.enableClientConfig(dev, char, device.CCCDIndicate, q)
}

// DisableNotification turns notifications off for char and drops its queue
func (c *Context) DisableNotification(dev *device.Device, char *device.Characteristic) error {
	return c.disableClientConfig(dev, char, device.CCCDNotify)
}

// DisableIndication turns indications off for char and drops its queue
func (c *Context) DisableIndication(dev *device.Device, char *device.Characteristic) error {
	return c.disableClientConfig(dev, char, device.CCCDIndicate)
}

// NotificationStatus reads whether notifications are enabled for char
func (c *Context) NotificationStatus(dev *device.Device, char *device.Characteristic) (bool, error) {
	return c.clientConfigStatus(dev, char, device.CCCDNotify)
}

// IndicationStatus reads whether indications are enabled for char
func (c *Context) IndicationStatus(dev *device.Device, char *device.Characteristic) (bool, error) {
	return c.clientConfigStatus(dev, char, device.CCCDIndicate)
}

// UpdateNotificationQueue swaps the queue notifications of char are delivered to
func (c *Context) UpdateNotificationQueue(dev *device.Device, char *device.Characteristic, q *MessageQueue) error {
	return c.updateQueue(dev, char, device.CCCDNotify, q)
}

// UpdateIndicationQueue swaps the queue indications of char are delivered to
func (c *Context) UpdateIndicationQueue(dev *device.Device, char *device.Characteristic, q *MessageQueue) error {
	return c.updateQueue(dev, char, device.CCCDIndicate, q)
}

// NotificationQueue returns the queue registered for notifications of char
func (c *Context) NotificationQueue(dev *device.Device, char *device.Characteristic) (*MessageQueue, bool) {
	return c.notifications.Get(queueKey{address: dev.Address(), handle: char.ValueHandle})
}

// IndicationQueue returns the queue registered for indications of char
func (c *Context) IndicationQueue(dev *device.Device, char *device.Characteristic) (*MessageQueue, bool) {
	return c.indications.Get(queueKey{address: dev.Address(), handle: char.ValueHandle})
}

func (c *Context) queuesFor(bit uint16) *registry.Map[queueKey, *MessageQueue] {
	if bit == device.CCCDIndicate {
		return c.indications
	}
	return c.notifications
}

func kindOf(bit uint16) string {
	if bit == device.CCCDIndicate {
		return "indication"
	}
	return "notification"
}

// clientConfig checks the preconditions of a CCCD operation and reads the current bits
func (c *Context) clientConfig(dev *device.Device, char *device.Characteristic, bit uint16) (uint16, *device.Descriptor, uint16, error) {
	h, err := c.requireHandle(dev)
	if err != nil {
		return 0, nil, 0, err
	}
	if char == nil {
		return 0, nil, 0, device.NewError(device.CauseParameterError, "characteristic is nil")
	}
	if bit == device.CCCDNotify && !char.CanNotify() {
		return 0, nil, 0, device.NewError(device.CauseParameterError, "%s does not support notifications", char)
	}
	if bit == device.CCCDIndicate && !char.CanIndicate() {
		return 0, nil, 0, device.NewError(device.CauseParameterError, "%s does not support indications", char)
	}
	cccd := char.CCCD()
	if cccd == nil {
		return 0, nil, 0, device.NewError(device.CauseParameterError, "%s has no client configuration descriptor", char)
	}

	resp, err := c.request(gateway.ReadDescriptorRequest{Handle: h, AttributeHandle: cccd.Handle}, 0)
	if err != nil {
		return 0, nil, 0, err
	}
	data, ok := resp.Payload.([]byte)
	if !ok {
		return 0, nil, 0, unexpectedPayload(resp)
	}
	bits, err := device.ParseClientConfig(data)
	if err != nil {
		return 0, nil, 0, device.WrapError(device.CauseContextInternal, err, "bad client configuration of %s", char)
	}
	return h, cccd, bits, nil
}

func (c *Context) writeClientConfig(h uint16, cccd *device.Descriptor, bits uint16) error {
	_, err := c.request(gateway.WriteDescriptorRequest{
		Handle:          h,
		AttributeHandle: cccd.Handle,
		Value:           device.EncodeClientConfig(bits),
	}, 0)
	return err
}

func (c *Context) enableClientConfig(dev *device.Device, char *device.Characteristic, bit uint16, q *MessageQueue) (*MessageQueue, error) {
	h, cccd, bits, err := c.clientConfig(dev, char, bit)
	if err != nil {
		return nil, err
	}
	if bits&bit != 0 {
		return nil, device.NewError(device.CauseActionAlreadyDone, "%s already enabled on %s", kindOf(bit), char)
	}
	if q == nil {
		q = queue.NewRing[device.Message](c.cfg.QueueCapacity)
	}

	// the queue is in place before the peripheral can send anything
	key := queueKey{address: dev.Address(), handle: char.ValueHandle}
	queues := c.queuesFor(bit)
	prev, replaced := queues.Put(key, q)

	if err := c.writeClientConfig(h, cccd, bits|bit); err != nil {
		queues.Do(func(m map[queueKey]*MessageQueue) {
			if m[key] != q {
				return
			}
			if replaced {
				m[key] = prev
			} else {
				delete(m, key)
			}
		})
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"address": dev.Address(),
		"handle":  char.ValueHandle,
	}).Debugf("Enabled %s", kindOf(bit))
	return q, nil
}

func (c *Context) disableClientConfig(dev *device.Device, char *device.Characteristic, bit uint16) error {
	h, cccd, bits, err := c.clientConfig(dev, char, bit)
	if err != nil {
		return err
	}
	if bits&bit == 0 {
		return device.NewError(device.CauseActionAlreadyDone, "%s already disabled on %s", kindOf(bit), char)
	}
	if err := c.writeClientConfig(h, cccd, bits&^bit); err != nil {
		return err
	}

	c.queuesFor(bit).Delete(queueKey{address: dev.Address(), handle: char.ValueHandle})
	c.logger.WithFields(logrus.Fields{
		"address": dev.Address(),
		"handle":  char.ValueHandle,
	}).Debugf("Disabled %s", kindOf(bit))
	return nil
}

func (c *Context) clientConfigStatus(dev *device.Device, char *device.Characteristic, bit uint16) (bool, error) {
	_, _, bits, err := c.clientConfig(dev, char, bit)
	if err != nil {
		return false, err
	}
	return bits&bit != 0, nil
}

func (c *Context) updateQueue(dev *device.Device, char *device.Characteristic, bit uint16, q *MessageQueue) error {
	if q == nil {
		return device.NewError(device.CauseParameterError, "queue is nil")
	}
	enabled, err := c.clientConfigStatus(dev, char, bit)
	if err != nil {
		return err
	}
	if !enabled {
		return device.NewError(device.CauseContextInvalidState, "%s not enabled on %s", kindOf(bit), char)
	}
	c.queuesFor(bit).Put(queueKey{address: dev.Address(), handle: char.ValueHandle}, q)
	return nil
}

// CharacteristicWrite writes value with a write request
func (c *Context) CharacteristicWrite(dev *device.Device, char *device.Characteristic, value []byte) error {
	return c.write(dev, char, value, gateway.WriteWithResponse)
}

// CharacteristicWriteWithoutResponse writes value with a write command
func (c *Context) CharacteristicWriteWithoutResponse(dev *device.Device, char *device.Characteristic, value []byte) error {
	return c.write(dev, char, value, gateway.WriteWithoutResponse)
}

// CharacteristicLongWriteWithoutResponse writes a value longer than one ATT payload with write commands
func (c *Context) CharacteristicLongWriteWithoutResponse(dev *device.Device, char *device.Characteristic, value []byte) error {
	return c.write(dev, char, value, gateway.WriteLongWithoutResponse)
}

func (c *Context) write(dev *device.Device, char *device.Characteristic, value []byte, wt gateway.WriteType) error {
	h, err := c.requireHandle(dev)
	if err != nil {
		return err
	}
	if char == nil {
		return device.NewError(device.CauseParameterError, "characteristic is nil")
	}

	_, err = c.request(gateway.WriteCharacteristicRequest{
		Handle:          h,
		AttributeHandle: char.ValueHandle,
		Value:           value,
		Type:            wt,
	}, 0)
	return err
}

// AttributeRead reads a characteristic value or a descriptor
func (c *Context) AttributeRead(dev *device.Device, attr device.Attribute) ([]byte, error) {
	h, err := c.requireHandle(dev)
	if err != nil {
		return nil, err
	}

	var req gateway.Request
	switch a := attr.(type) {
	case *device.Characteristic:
		if a != nil {
			req = gateway.ReadCharacteristicRequest{Handle: h, AttributeHandle: a.ValueHandle}
		}
	case *device.Descriptor:
		if a != nil {
			req = gateway.ReadDescriptorRequest{Handle: h, AttributeHandle: a.Handle}
		}
	}
	if req == nil {
		return nil, device.NewError(device.CauseParameterError, "cannot read attribute of type %T", attr)
	}

	resp, err := c.request(req, 0)
	if err != nil {
		return nil, err
	}
	data, ok := resp.Payload.([]byte)
	if !ok {
		return nil, unexpectedPayload(resp)
	}
	return data, nil
}

// SetTransferCallback invokes cb on every notification or indication of char.
// A nil cb removes the callback.
func (c *Context) SetTransferCallback(dev *device.Device, char *device.Characteristic, cb device.TransferCallback) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if dev == nil || char == nil {
		return device.NewError(device.CauseParameterError, "device and characteristic are required")
	}
	if cb == nil {
		dev.ClearTransferCallback(char.ValueHandle)
		return nil
	}
	dev.SetTransferCallback(char.ValueHandle, cb)
	return nil
}
