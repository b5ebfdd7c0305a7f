// Package goble implements gateway.Gateway on top of github.com/go-ble/ble.
//
// Requests run on named workers and are answered through a response
// correlator; dialed links, subscriptions and disconnections surface as
// gateway events. go-ble exposes no SMP or connection-parameter control, so
// pairing, bond and parameter requests are answered with error responses.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blectx/internal/device"
	"github.com/srg/blectx/internal/gateway"
	"github.com/srg/blectx/internal/groutine"
)

const (
	// DefaultDialTimeout bounds a connect request that carries no timeout
	DefaultDialTimeout = 30 * time.Second

	// DefaultWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay is the delay between consecutive write chunks
	DefaultWriteDelay = 10 * time.Millisecond

	// DefaultEventBuffer is the capacity of the inbound event channel
	DefaultEventBuffer = 256

	firstHandle uint16 = 0x0040
)

var errNotRunning = errors.New("gateway is not running")

// Gateway talks to the local adapter through go-ble
type Gateway struct {
	logger *logrus.Logger

	mu         sync.Mutex
	dev        ble.Device
	running    bool
	ctx        context.Context
	cancel     context.CancelFunc
	scanCancel context.CancelFunc
	links      map[uint16]*link
	nextHandle uint16
	events     chan gateway.Event

	responses *gateway.Correlator
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a stopped gateway
func New(logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gateway{
		logger:     logger,
		links:      make(map[uint16]*link),
		nextHandle: firstHandle,
		events:     make(chan gateway.Event, DefaultEventBuffer),
		responses:  gateway.NewCorrelator(),
	}
}

// Start opens the adapter
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return fmt.Errorf("gateway already running")
	}

	dev, err := DeviceFactory()
	if err != nil {
		g.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}

	g.dev = dev
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.links = make(map[uint16]*link)
	g.events = make(chan gateway.Event, DefaultEventBuffer)
	g.responses.Reset()
	g.running = true

	g.logger.Info("go-ble gateway started")
	return nil
}

// Stop cancels every link and closes the adapter.
// A nil event is queued as the stop sentinel.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil
	}
	g.running = false
	g.cancel()
	links := g.links
	g.links = make(map[uint16]*link)
	dev := g.dev
	g.dev = nil
	events := g.events
	g.mu.Unlock()

	for _, l := range links {
		l.markClosing()
		if err := l.client.CancelConnection(); err != nil {
			g.logger.WithFields(logrus.Fields{
				"address": l.address,
				"error":   err,
			}).Warn("Failed to cancel connection during stop")
		}
	}

	err := dev.Stop()

	select {
	case events <- nil:
	default:
		g.logger.Warn("Event queue full, stop sentinel dropped")
	}

	if err != nil {
		g.logger.WithField("error", err).Warn("go-ble gateway stopped with errors")
		return NormalizeError(err)
	}
	g.logger.Info("go-ble gateway stopped")
	return nil
}

func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *Gateway) Events() <-chan gateway.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.events
}

func (g *Gateway) Send(req gateway.Request) error {
	ctx, ok := g.context()
	if !ok {
		return errNotRunning
	}
	g.responses.Forget(req.Kind())
	g.dispatch(ctx, g.responses.Next(), req)
	return nil
}

func (g *Gateway) SendAndWait(req gateway.Request, timeout time.Duration) (*gateway.Response, error) {
	ctx, ok := g.context()
	if !ok {
		return nil, errNotRunning
	}
	t := g.responses.Register(req.Kind())
	g.dispatch(ctx, t.ID, req)
	return g.responses.Wait(t, timeout)
}

func (g *Gateway) Response(kind gateway.RequestKind, timeout time.Duration) (*gateway.Response, error) {
	return g.responses.Poll(kind, timeout)
}

func (g *Gateway) context() (context.Context, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx, g.running
}

func (g *Gateway) device() ble.Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dev
}

func (g *Gateway) dispatch(ctx context.Context, id uint64, req gateway.Request) {
	groutine.Go(ctx, "goble-"+req.Kind().String(), func(ctx context.Context) error {
		resp := g.handle(ctx, req)
		g.logger.WithFields(logrus.Fields{
			"request":  req.Kind(),
			"response": resp.Type,
		}).Debug("Request handled")
		g.responses.Deliver(id, resp)
		return nil
	})
}

func (g *Gateway) handle(ctx context.Context, req gateway.Request) *gateway.Response {
	switch r := req.(type) {
	case gateway.StartScanRequest:
		return g.scan(ctx, r)
	case gateway.StopScanRequest:
		g.stopScan()
		return gateway.OK(r.Kind(), nil)
	case gateway.ConnectRequest:
		return g.connect(ctx, r)
	case gateway.DisconnectRequest:
		return g.disconnect(r)
	case gateway.DiscoverServicesRequest:
		return g.discover(r)
	case gateway.ReadCharacteristicRequest:
		return g.readCharacteristic(r)
	case gateway.ReadDescriptorRequest:
		return g.readDescriptor(r)
	case gateway.WriteCharacteristicRequest:
		return g.writeCharacteristic(ctx, r)
	case gateway.WriteDescriptorRequest:
		return g.writeDescriptor(ctx, r)
	case gateway.AuthenticateJustWorksRequest, gateway.AuthenticateKeypressRequest:
		return gateway.Fail(r.Kind(), device.CauseAuthFailed, "pairing is not supported by the go-ble adapter")
	case gateway.DeleteBondRequest:
		return gateway.Fail(r.Kind(), "", "bond management is not supported by the go-ble adapter")
	case gateway.UpdateConnectionParametersRequest:
		return gateway.Fail(r.Kind(), "", "connection parameter update is not supported by the go-ble adapter")
	case gateway.CentralAddressRequest:
		return g.centralAddress()
	default:
		return gateway.Fail(req.Kind(), device.CauseParameterError, "unsupported request %T", req)
	}
}

func (g *Gateway) emit(ctx context.Context, ev gateway.Event) {
	g.mu.Lock()
	ch := g.events
	g.mu.Unlock()

	select {
	case ch <- ev:
	case <-ctx.Done():
		g.logger.WithField("event", ev.Kind()).Debug("Gateway stopped, event dropped")
	}
}

// ----------------------------
// Scanning
// ----------------------------

func (g *Gateway) scan(ctx context.Context, req gateway.StartScanRequest) *gateway.Response {
	kind := req.Kind()
	scanCtx, cancel := context.WithTimeout(ctx, req.ScanTime)
	defer cancel()

	g.mu.Lock()
	dev := g.dev
	if dev == nil {
		g.mu.Unlock()
		return failure(kind, errNotRunning)
	}
	if g.scanCancel != nil {
		g.mu.Unlock()
		return gateway.Fail(kind, device.CauseContextInvalidState, "scan already in progress")
	}
	g.scanCancel = cancel
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.scanCancel = nil
		g.mu.Unlock()
	}()

	g.logger.WithField("duration", req.ScanTime).Debug("Scanning...")

	var mu sync.Mutex
	found := make([]gateway.Advertisement, 0)
	err := dev.Scan(scanCtx, req.AllowDuplicates, func(a ble.Advertisement) {
		adv := toAdvertisement(a, time.Now())
		mu.Lock()
		found = append(found, adv)
		mu.Unlock()
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		g.logger.WithField("error", err).Error("Scan failed")
		return failure(kind, err)
	}

	mu.Lock()
	defer mu.Unlock()
	g.logger.WithField("advertisements", len(found)).Debug("Scan finished")
	return gateway.OK(kind, found)
}

func (g *Gateway) stopScan() {
	g.mu.Lock()
	cancel := g.scanCancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func toAdvertisement(a ble.Advertisement, seen time.Time) gateway.Advertisement {
	adv := gateway.Advertisement{
		Address:          device.NormalizeAddress(a.Addr().String()),
		RSSI:             a.RSSI(),
		LocalName:        a.LocalName(),
		Services:         a.Services(),
		ManufacturerData: a.ManufacturerData(),
		Connectable:      a.Connectable(),
		Timestamp:        seen,
	}
	if tx := int(a.TxPowerLevel()); tx != 127 { // 127 means TX power not available
		adv.TxPower = &tx
	}
	return adv
}

// ----------------------------
// Links
// ----------------------------

func (g *Gateway) connect(ctx context.Context, req gateway.ConnectRequest) *gateway.Response {
	kind := req.Kind()
	dev := g.device()
	if dev == nil {
		return failure(kind, errNotRunning)
	}

	address := device.NormalizeAddress(req.Address)
	if g.linkByAddress(address) != nil {
		return gateway.Fail(kind, device.CauseActionAlreadyDone, "device %s already connected", address)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	groutine.Go(ctx, "goble-dial", func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		g.logger.WithField("address", address).Debug("Dialing BLE device...")
		client, err := dev.Dial(dialCtx, ble.NewAddr(address))
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   err,
			}).Error("Failed to dial BLE device")
			g.emit(ctx, gateway.ConnectionComplete{Status: gateway.StatusConnectionFailed, Address: address})
			return NormalizeError(err)
		}

		l := g.addLink(address, client)
		g.logger.WithFields(logrus.Fields{
			"address": address,
			"handle":  l.handle,
		}).Info("BLE device connected")

		g.emit(ctx, gateway.ConnectionComplete{
			Status:     gateway.StatusSuccess,
			Address:    address,
			Handle:     l.handle,
			Parameters: req.Parameters,
		})
		g.monitor(ctx, l)
		return nil
	})

	return gateway.OK(kind, nil)
}

// monitor emits a disconnection event when the backend reports the link gone
func (g *Gateway) monitor(ctx context.Context, l *link) {
	dc, ok := l.client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		g.logger.Debug("Client does not support Disconnected() channel")
		return
	}

	l.mu.Lock()
	l.monitored = true
	l.mu.Unlock()

	groutine.Go(ctx, "goble-link-monitor", func(ctx context.Context) error {
		select {
		case <-dc.Disconnected():
		case <-ctx.Done():
			return nil
		}

		reason := gateway.StatusRemoteUserTerminated
		if l.isClosing() {
			reason = gateway.StatusLocalHostTerminated
		} else {
			g.logger.WithField("address", l.address).Warn("Peripheral dropped the connection")
		}
		g.removeLink(l.handle)
		g.emit(ctx, gateway.DisconnectionComplete{Status: gateway.StatusSuccess, Handle: l.handle, Reason: reason})
		return nil
	})
}

func (g *Gateway) disconnect(req gateway.DisconnectRequest) *gateway.Response {
	kind := req.Kind()
	l := g.link(req.Handle)
	if l == nil {
		return gateway.Fail(kind, device.CauseDeviceNotConnected, "no link with handle 0x%04x", req.Handle)
	}

	l.markClosing()
	if err := l.client.CancelConnection(); err != nil {
		return failure(kind, err)
	}

	l.mu.Lock()
	monitored := l.monitored
	l.mu.Unlock()
	if !monitored {
		ctx, _ := g.context()
		g.removeLink(l.handle)
		groutine.Go(ctx, "goble-disconnect", func(ctx context.Context) error {
			g.emit(ctx, gateway.DisconnectionComplete{Status: gateway.StatusSuccess, Handle: l.handle, Reason: gateway.StatusLocalHostTerminated})
			return nil
		})
	}
	return gateway.OK(kind, nil)
}

func (g *Gateway) addLink(address string, client ble.Client) *link {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		h := g.nextHandle
		g.nextHandle++
		if g.nextHandle == 0 {
			g.nextHandle = firstHandle
		}
		if _, used := g.links[h]; !used && h != 0 {
			l := newLink(h, address, client)
			g.links[h] = l
			return l
		}
	}
}

func (g *Gateway) removeLink(handle uint16) {
	g.mu.Lock()
	delete(g.links, handle)
	g.mu.Unlock()
}

func (g *Gateway) link(handle uint16) *link {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.links[handle]
}

func (g *Gateway) linkByAddress(address string) *link {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.links {
		if l.address == address {
			return l
		}
	}
	return nil
}

func (g *Gateway) centralAddress() *gateway.Response {
	dev := g.device()
	if a, ok := dev.(interface{ Address() ble.Addr }); ok {
		return gateway.OK(gateway.KindCentralAddress, a.Address().String())
	}
	return gateway.Fail(gateway.KindCentralAddress, "", "adapter does not expose its address")
}

// ----------------------------
// GATT
// ----------------------------

func (g *Gateway) discover(req gateway.DiscoverServicesRequest) *gateway.Response {
	kind := req.Kind()
	l := g.link(req.Handle)
	if l == nil {
		return gateway.Fail(kind, device.CauseDeviceNotConnected, "no link with handle 0x%04x", req.Handle)
	}

	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"address": l.address,
			"error":   err,
		}).Error("Failed to discover profile")
		return failure(kind, err)
	}
	if assignHandles(profile) {
		g.logger.WithField("address", l.address).Debug("Backend reported no ATT handles, assigned synthetic ones")
	}
	l.setProfile(profile)

	table := device.ServicesFromProfile(profile)
	g.logger.WithFields(logrus.Fields{
		"address":  l.address,
		"services": len(table),
	}).Debug("Profile discovered successfully")
	return gateway.OK(kind, table)
}

func (g *Gateway) readCharacteristic(req gateway.ReadCharacteristicRequest) *gateway.Response {
	kind := req.Kind()
	l, c, resp := g.resolveCharacteristic(kind, req.Handle, req.AttributeHandle)
	if resp != nil {
		return resp
	}

	data, err := l.client.ReadCharacteristic(c)
	if err != nil {
		return failure(kind, err)
	}
	return gateway.OK(kind, data)
}

func (g *Gateway) readDescriptor(req gateway.ReadDescriptorRequest) *gateway.Response {
	kind := req.Kind()
	l, d, owner, resp := g.resolveDescriptor(kind, req.Handle, req.AttributeHandle)
	if resp != nil {
		return resp
	}

	// subscriptions are tracked locally; CoreBluetooth cannot read a CCCD
	if d.UUID.Equal(ble.ClientCharacteristicConfigUUID) {
		return gateway.OK(kind, device.EncodeClientConfig(l.clientConfig(owner.ValueHandle)))
	}

	data, err := l.client.ReadDescriptor(d)
	if err != nil {
		return failure(kind, err)
	}
	return gateway.OK(kind, data)
}

func (g *Gateway) writeCharacteristic(ctx context.Context, req gateway.WriteCharacteristicRequest) *gateway.Response {
	kind := req.Kind()
	l, c, resp := g.resolveCharacteristic(kind, req.Handle, req.AttributeHandle)
	if resp != nil {
		return resp
	}

	var err error
	switch req.Type {
	case gateway.WriteWithResponse:
		err = l.client.WriteCharacteristic(c, req.Value, false)
	case gateway.WriteWithoutResponse:
		err = l.client.WriteCharacteristic(c, req.Value, true)
	case gateway.WriteLongWithoutResponse:
		err = writeChunked(ctx, l.client, c, req.Value)
	default:
		return gateway.Fail(kind, device.CauseParameterError, "unknown write type %s", req.Type)
	}
	if err != nil {
		return failure(kind, err)
	}
	return gateway.OK(kind, nil)
}

// writeChunked splits data into DefaultWriteChunkSize writes without response
func writeChunked(ctx context.Context, client ble.Client, c *ble.Characteristic, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > DefaultWriteChunkSize {
			n = DefaultWriteChunkSize
		}
		if err := client.WriteCharacteristic(c, data[:n], true); err != nil {
			return err
		}
		data = data[n:]
		if len(data) == 0 {
			break
		}
		select {
		case <-time.After(DefaultWriteDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *Gateway) writeDescriptor(ctx context.Context, req gateway.WriteDescriptorRequest) *gateway.Response {
	kind := req.Kind()
	l, d, owner, resp := g.resolveDescriptor(kind, req.Handle, req.AttributeHandle)
	if resp != nil {
		return resp
	}

	if !d.UUID.Equal(ble.ClientCharacteristicConfigUUID) {
		if err := l.client.WriteDescriptor(d, req.Value); err != nil {
			return failure(kind, err)
		}
		return gateway.OK(kind, nil)
	}

	bits, err := device.ParseClientConfig(req.Value)
	if err != nil {
		return gateway.Fail(kind, device.CauseParameterError, "%v", err)
	}
	if err := g.applyClientConfig(ctx, l, owner, bits); err != nil {
		return failure(kind, err)
	}
	return gateway.OK(kind, nil)
}

// applyClientConfig translates a CCCD write into go-ble subscriptions
func (g *Gateway) applyClientConfig(ctx context.Context, l *link, c *ble.Characteristic, bits uint16) error {
	current := l.clientConfig(c.ValueHandle)

	for _, mode := range []struct {
		bit        uint16
		indication bool
	}{
		{device.CCCDNotify, false},
		{device.CCCDIndicate, true},
	} {
		want := bits&mode.bit != 0
		have := current&mode.bit != 0
		switch {
		case want && !have:
			if err := l.client.Subscribe(c, mode.indication, g.valueHandler(ctx, l, c, mode.indication)); err != nil {
				return err
			}
		case !want && have:
			if err := l.client.Unsubscribe(c, mode.indication); err != nil {
				return err
			}
		}
	}

	l.setClientConfig(c.ValueHandle, bits)
	g.logger.WithFields(logrus.Fields{
		"address":      l.address,
		"value_handle": fmt.Sprintf("0x%04x", c.ValueHandle),
		"cccd":         bits,
	}).Debug("Client configuration applied")
	return nil
}

func (g *Gateway) valueHandler(ctx context.Context, l *link, c *ble.Characteristic, indication bool) ble.NotificationHandler {
	return func(data []byte) {
		value := append([]byte(nil), data...)
		if indication {
			g.emit(ctx, gateway.Indication{Handle: l.handle, AttributeHandle: c.ValueHandle, Value: value})
			return
		}
		g.emit(ctx, gateway.Notification{Handle: l.handle, AttributeHandle: c.ValueHandle, Value: value})
	}
}

func (g *Gateway) resolveCharacteristic(kind gateway.RequestKind, handle, attr uint16) (*link, *ble.Characteristic, *gateway.Response) {
	l := g.link(handle)
	if l == nil {
		return nil, nil, gateway.Fail(kind, device.CauseDeviceNotConnected, "no link with handle 0x%04x", handle)
	}
	c := l.characteristic(attr)
	if c == nil {
		return nil, nil, gateway.Fail(kind, device.CauseParameterError, "no characteristic with value handle 0x%04x", attr)
	}
	return l, c, nil
}

func (g *Gateway) resolveDescriptor(kind gateway.RequestKind, handle, attr uint16) (*link, *ble.Descriptor, *ble.Characteristic, *gateway.Response) {
	l := g.link(handle)
	if l == nil {
		return nil, nil, nil, gateway.Fail(kind, device.CauseDeviceNotConnected, "no link with handle 0x%04x", handle)
	}
	d, owner := l.descriptor(attr)
	if d == nil {
		return nil, nil, nil, gateway.Fail(kind, device.CauseParameterError, "no descriptor with handle 0x%04x", attr)
	}
	return l, d, owner, nil
}
