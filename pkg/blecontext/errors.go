package blecontext

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
)

// ResponseError carries a gateway error response that named no known cause
type ResponseError struct {
	Response *gateway.Response
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s request answered with %s: %s", e.Response.Request, e.Response.Type, e.Response.Failure)
}

// responseError translates an error response into a context error.
// A known cause in the payload is re-raised as is; anything else is internal.
func responseError(resp *gateway.Response) error {
	if resp == nil {
		return device.NewError(device.CauseContextInternal, "empty response")
	}
	if !resp.IsError() {
		return nil
	}
	if f := resp.Failure; f != nil && f.Cause.Known() {
		return device.NewError(f.Cause, "%s", f.Message)
	}
	return device.WrapError(device.CauseContextInternal, &ResponseError{Response: resp}, "%s failed", resp.Request)
}

func unexpectedPayload(resp *gateway.Response) error {
	return device.NewError(device.CauseContextInternal, "unexpected %s payload %T", resp.Request, resp.Payload)
}

// request sends req and waits for its response.
// A non-positive timeout uses the configured default.
func (c *Context) request(req gateway.Request, timeout time.Duration) (*gateway.Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultResponseTimeout
	}

	resp, err := c.gw.SendAndWait(req, timeout)
	if err != nil {
		if errors.Is(err, gateway.ErrTimeout) {
			return nil, device.WrapError(device.CauseContextInternal, err, "no %s response within %s", req.Kind(), timeout)
		}
		return nil, device.WrapError(device.CauseContextInternal, err, "%s request failed", req.Kind())
	}
	if err := responseError(resp); err != nil {
		c.logger.WithFields(logrus.Fields{
			"request": req.Kind(),
			"error":   err,
		}).Debug("Gateway answered with an error")
		return nil, err
	}
	return resp, nil
}

func (c *Context) requireOpen() error {
	if !c.IsOpen() {
		return device.NewError(device.CauseContextNotOpen, "context is not open")
	}
	return nil
}

// requireHandle checks the context is open and dev is connected, then returns its handle
func (c *Context) requireHandle(dev *device.Device) (uint16, error) {
	if err := c.requireOpen(); err != nil {
		return 0, err
	}
	if dev == nil {
		return 0, device.NewError(device.CauseParameterError, "device is nil")
	}
	h, ok := dev.Handle()
	if !ok {
		return 0, device.NewError(device.CauseDeviceNotConnected, "%s is not connected", dev)
	}
	return h, nil
}
