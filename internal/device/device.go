package device

import (
	"strings"
	"sync"

	"github.com/go-ble/ble"
)

// TransferCallback receives every notification/indication for one characteristic
type TransferCallback func(Message)

// NormalizeAddress returns the canonical registry key for a BLE address
func NormalizeAddress(address string) string {
	return ble.NewAddr(strings.TrimSpace(address)).String()
}

// Device is the record of one remote peripheral known to a context.
// The connection handle is written only by the event dispatch loop; every other
// field may be read from any goroutine.
type Device struct {
	address string

	mu                sync.RWMutex
	handle            *uint16
	connected         bool
	bonded            bool
	bondingState      BondingState
	connectionParams  *ConnectionParameters
	securityParams    *SecurityParameters
	gattTable         []*Service
	transferCallbacks map[uint16]TransferCallback
	events            *EventQueue
	connectionFlag    *Flag
	disconnectionFlag *Flag
}

// New creates a record for the peripheral with the given address
func New(address string) *Device {
	return &Device{
		address:           NormalizeAddress(address),
		bondingState:      BondingState{Phase: BondingNone},
		transferCallbacks: make(map[uint16]TransferCallback),
		events:            NewEventQueue(),
		connectionFlag:    NewFlag(),
		disconnectionFlag: NewFlag(),
	}
}

// Address returns the immutable normalized address
func (d *Device) Address() string {
	return d.address
}

func (d *Device) String() string {
	return d.address
}

// Handle returns the connection handle and whether one is present
func (d *Device) Handle() (uint16, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.handle == nil {
		return 0, false
	}
	return *d.handle, true
}

// SetConnection records a completed connection.
// Must be called while holding the connected registry lock.
func (d *Device) SetConnection(handle uint16, params *ConnectionParameters) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := handle
	d.handle = &h
	d.connected = true
	d.connectionParams = params
}

// ClearConnection drops every link-scoped field after a disconnection.
// A non-bonded device also returns to NO_BONDING.
func (d *Device) ClearConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handle = nil
	d.connected = false
	d.connectionParams = nil
	d.securityParams = nil
	if d.bondingState.Phase != BondingBonded {
		d.bondingState = BondingState{Phase: BondingNone}
	}
}

func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

func (d *Device) Bonded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bonded
}

func (d *Device) SetBonded(bonded bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bonded = bonded
}

func (d *Device) BondingState() BondingState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.bondingState
}

func (d *Device) SetBondingState(s BondingState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bondingState = s
}

// ApplyPairingNotification folds n into the bonding state atomically and
// returns the previous and the new state
func (d *Device) ApplyPairingNotification(n PairingNotification) (prev, next BondingState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev = d.bondingState
	next = NextBondingState(prev, n)
	d.bondingState = next
	return prev, next
}

// ConnectionParameters returns a copy of the current parameters, or nil
func (d *Device) ConnectionParameters() *ConnectionParameters {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.connectionParams == nil {
		return nil
	}
	p := *d.connectionParams
	return &p
}

func (d *Device) SetConnectionParameters(p *ConnectionParameters) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectionParams = p
}

// SecurityParameters returns a copy of the current security parameters, or nil
func (d *Device) SecurityParameters() *SecurityParameters {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.securityParams == nil {
		return nil
	}
	p := *d.securityParams
	return &p
}

func (d *Device) SetSecurityParameters(p *SecurityParameters) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.securityParams = p
}

// GattTable returns the discovered GATT table, nil until discovery ran.
// IMPORTANT: the returned slice is READ-ONLY; replace it with SetGattTable.
func (d *Device) GattTable() []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.gattTable
}

// SetGattTable replaces the GATT table wholesale
func (d *Device) SetGattTable(table []*Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gattTable = table
}

// SetTransferCallback registers cb for every notification/indication on handle
func (d *Device) SetTransferCallback(handle uint16, cb TransferCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transferCallbacks[handle] = cb
}

// ClearTransferCallback removes the callback registered for handle
func (d *Device) ClearTransferCallback(handle uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.transferCallbacks, handle)
}

// TransferCallback returns the callback registered for handle
func (d *Device) TransferCallback(handle uint16) (TransferCallback, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cb, ok := d.transferCallbacks[handle]
	return cb, ok
}

// Events returns the per-device event queue
func (d *Device) Events() *EventQueue {
	return d.events
}

// ConnectionFlag is raised by the dispatch loop on every connection event
func (d *Device) ConnectionFlag() *Flag {
	return d.connectionFlag
}

// DisconnectionFlag is raised by the dispatch loop on every disconnection event
func (d *Device) DisconnectionFlag() *Flag {
	return d.disconnectionFlag
}
