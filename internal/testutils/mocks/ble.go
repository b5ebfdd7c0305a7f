// Package mocks provides testify mocks for the go-ble interfaces.
//
// Each mock embeds the go-ble interface it stands in for, so only the methods
// the gateway calls are implemented; calling any other method panics.
package mocks

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockDevice mocks ble.Device
type MockDevice struct {
	ble.Device
	mock.Mock
}

func (m *MockDevice) Stop() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	args := m.Called(ctx, allowDup, h)
	return args.Error(0)
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	client, _ := args.Get(0).(ble.Client)
	return client, args.Error(1)
}

// MockClient mocks ble.Client.
// DisconnectedCh backs Disconnected(); close it to simulate a dropped link.
type MockClient struct {
	ble.Client
	mock.Mock
	DisconnectedCh chan struct{}
}

// NewMockClient creates a client whose link stays up until DisconnectedCh is closed
func NewMockClient() *MockClient {
	return &MockClient{DisconnectedCh: make(chan struct{})}
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.DisconnectedCh
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	args := m.Called(d)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	args := m.Called(c, value, noRsp)
	return args.Error(0)
}

func (m *MockClient) WriteDescriptor(d *ble.Descriptor, value []byte) error {
	args := m.Called(d, value)
	return args.Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

// MockAdvertisement implements ble.Advertisement with fixed values
type MockAdvertisement struct {
	Name          string
	Address       string
	Rssi          int
	ServiceUUIDs  []ble.UUID
	Manufacturer  []byte
	TxPower       int
	IsConnectable bool
}

func (a *MockAdvertisement) LocalName() string              { return a.Name }
func (a *MockAdvertisement) ManufacturerData() []byte       { return a.Manufacturer }
func (a *MockAdvertisement) ServiceData() []ble.ServiceData { return nil }
func (a *MockAdvertisement) Services() []ble.UUID           { return a.ServiceUUIDs }
func (a *MockAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *MockAdvertisement) TxPowerLevel() int              { return a.TxPower }
func (a *MockAdvertisement) Connectable() bool              { return a.IsConnectable }
func (a *MockAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *MockAdvertisement) RSSI() int                      { return a.Rssi }
func (a *MockAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.Address) }
