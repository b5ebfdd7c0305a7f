// Package blecontext turns the asynchronous event stream of a BLE adapter into a
// synchronous, thread-safe central API.
//
// A Context owns one gateway and one dispatch loop. Public calls send requests
// through the gateway and, where an outcome is reported asynchronously, block on
// the per-device event queue that the dispatch loop feeds.
//
//	ctx := blecontext.New(gw, cfg, logger)
//	if err := ctx.Open(); err != nil { ... }
//	defer ctx.Close()
//
//	dev := device.New("AA:BB:CC:DD:EE:FF")
//	ok, err := ctx.Connect(dev, nil)
package blecontext

import (
	"context"
	"errors"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/groutine"
	"github.com/srg/blectx/internal/queue"
	"github.com/srg/blectx/internal/registry"
	"github.com/srg/blectx/pkg/config"
)

// EventCallback observes raw gateway events before they are folded into registry state
type EventCallback func(ev gateway.Event)

// queueKey identifies a delivery queue: one per device and characteristic value handle
type queueKey struct {
	address string
	handle  uint16
}

// MessageQueue delivers notifications or indications for one characteristic
type MessageQueue = queue.Ring[device.Message]

// PairingQueue delivers the pairing actions observed for one device
type PairingQueue = queue.FIFO[device.PairingEvent]

// liveContexts maps the id of every open context to its log entry.
// The dispatch worker only holds the id and degrades to a plain entry once the
// context is closed.
var liveContexts = hashmap.New[string, *logrus.Entry]()

// Context is a BLE central context
type Context struct {
	gw     gateway.Gateway
	cfg    *config.Config
	logger *logrus.Logger

	mu        sync.RWMutex
	open      bool
	id        string
	cancel    context.CancelFunc
	worker    *groutine.Worker
	err       error
	gattTable []*device.Service
	scan      *pendingScan

	callbacks *hashmap.Map[gateway.EventKind, EventCallback]

	// Lock order: connecting -> connected -> disconnecting -> notification -> indication -> pairing
	connecting    *registry.Map[string, *device.Device]
	connected     *registry.Map[uint16, *device.Device]
	disconnecting *registry.Map[uint16, *device.Device]
	notifications *registry.Map[queueKey, *MessageQueue]
	indications   *registry.Map[queueKey, *MessageQueue]
	pairing       *registry.Map[string, *PairingQueue]

	// devices remembers every record seen by this context, by address
	devices *registry.Map[string, *device.Device]
}

// New creates a closed context over gw.
// A nil cfg uses the defaults, a nil logger a fresh logrus logger.
func New(gw gateway.Gateway, cfg *config.Config, logger *logrus.Logger) *Context {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	return &Context{
		gw:            gw,
		cfg:           cfg,
		logger:        logger,
		callbacks:     hashmap.New[gateway.EventKind, EventCallback](),
		connecting:    registry.New[string, *device.Device]("connecting"),
		connected:     registry.New[uint16, *device.Device]("connected"),
		disconnecting: registry.New[uint16, *device.Device]("disconnecting"),
		notifications: registry.New[queueKey, *MessageQueue]("notification"),
		indications:   registry.New[queueKey, *MessageQueue]("indication"),
		pairing:       registry.New[string, *PairingQueue]("pairing"),
		devices:       registry.New[string, *device.Device]("devices"),
	}
}

// Open starts the gateway and the dispatch loop.
// Opening an open context is a no-op.
func (c *Context) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open {
		return nil
	}
	if c.worker.Running() {
		return device.NewError(device.CauseContextInternal, "dispatch loop already running")
	}
	if c.gw.Running() {
		return device.NewError(device.CauseContextInternal, "gateway already running")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := c.gw.Start(runCtx); err != nil {
		cancel()
		return device.WrapError(device.CauseContextInternal, err, "failed to start gateway")
	}

	if c.id != "" {
		liveContexts.Del(c.id)
	}
	id := ulid.Make().String()
	entry := c.logger.WithField("context_id", id)
	liveContexts.Set(id, entry)

	events := c.gw.Events()
	c.id = id
	c.cancel = cancel
	c.err = nil
	c.gattTable = []*device.Service{}
	c.scan = nil
	c.open = true
	c.worker = groutine.Go(runCtx, "blectx-dispatch-"+id, func(ctx context.Context) error {
		return c.dispatch(ctx, id, events)
	})

	entry.Info("BLE context opened")
	return nil
}

// Close stops the dispatch loop and the gateway, then clears every registry.
// Registries are cleared even when stopping fails. Closing a closed context is a no-op.
func (c *Context) Close() error {
	c.mu.Lock()
	cancel, worker, id := c.cancel, c.worker, c.id
	c.open = false
	c.cancel = nil
	c.mu.Unlock()

	defer c.cleanup()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if worker != nil && !worker.Join(c.cfg.StopJoinTimeout) {
		errs = append(errs, device.NewError(device.CauseContextInternal,
			"dispatch loop did not stop within %s", c.cfg.StopJoinTimeout))
	}
	if c.gw.Running() {
		if err := c.gw.Stop(); err != nil {
			errs = append(errs, device.WrapError(device.CauseContextInternal, err, "failed to stop gateway"))
		}
	}
	if id != "" {
		liveContexts.Del(id)
	}

	if err := errors.Join(errs...); err != nil {
		c.logger.WithError(err).Warn("BLE context closed with errors")
		return err
	}
	if cancel != nil {
		c.logger.WithField("context_id", id).Info("BLE context closed")
	}
	return nil
}

// cleanup empties every registry and drops connection state from the records
func (c *Context) cleanup() {
	for _, dev := range c.connected.Clear() {
		dev.ClearConnection()
	}
	clearRegistry(c.logger, c.connecting)
	clearRegistry(c.logger, c.disconnecting)
	clearRegistry(c.logger, c.notifications)
	clearRegistry(c.logger, c.indications)
	clearRegistry(c.logger, c.pairing)
	c.devices.Clear()

	c.mu.Lock()
	c.gattTable = nil
	c.scan = nil
	c.mu.Unlock()
}

func clearRegistry[K comparable, V any](logger *logrus.Logger, r *registry.Map[K, V]) {
	if dropped := len(r.Clear()); dropped > 0 {
		logger.WithFields(logrus.Fields{
			"registry": r.Name(),
			"entries":  dropped,
		}).Debug("Dropped registry entries on close")
	}
}

// IsOpen reports whether the context accepts operations
func (c *Context) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// ID returns the id of the current session, empty before the first Open
func (c *Context) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Err returns the error that made the dispatch loop close the context, if any
func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Config returns the configuration the context was created with
func (c *Context) Config() *config.Config {
	return c.cfg
}

// GattTable returns the table of the most recent service discovery
func (c *Context) GattTable() []*device.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gattTable == nil {
		return nil
	}
	out := make([]*device.Service, len(c.gattTable))
	copy(out, c.gattTable)
	return out
}

func (c *Context) setGattTable(table []*device.Service) {
	c.mu.Lock()
	c.gattTable = table
	c.mu.Unlock()
}

// RegisterEventCallback installs cb for every raw event of the given kind, replacing any previous one
func (c *Context) RegisterEventCallback(kind gateway.EventKind, cb EventCallback) {
	if cb == nil {
		c.callbacks.Del(kind)
		return
	}
	c.callbacks.Set(kind, cb)
}

// ClearEventCallback removes the callback of the given kind
func (c *Context) ClearEventCallback(kind gateway.EventKind) {
	c.callbacks.Del(kind)
}

// CentralAddress returns the adapter address
func (c *Context) CentralAddress() (string, error) {
	if err := c.requireOpen(); err != nil {
		return "", err
	}
	resp, err := c.request(gateway.CentralAddressRequest{}, 0)
	if err != nil {
		return "", err
	}
	addr, ok := resp.Payload.(string)
	if !ok {
		return "", unexpectedPayload(resp)
	}
	return addr, nil
}

// ConnectedDevices returns a snapshot of the connected records
func (c *Context) ConnectedDevices() []*device.Device {
	return c.connected.Values()
}

// Device returns the record known for address, if any
func (c *Context) Device(address string) (*device.Device, bool) {
	return c.devices.Get(device.NormalizeAddress(address))
}

// entryFor resolves the log entry of a context id
func entryFor(id string, fallback *logrus.Logger) *logrus.Entry {
	if entry, ok := liveContexts.Get(id); ok {
		return entry
	}
	return fallback.WithFields(logrus.Fields{
		"context_id": id,
		"closed":     true,
	})
}
