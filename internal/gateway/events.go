package gateway

import (
	"fmt"

	"github.com/srg/blectx/internal/device"
)

// EventKind tags the members of the Event union
type EventKind int

const (
	EventConnectionComplete EventKind = iota
	EventDisconnectionComplete
	EventCommandComplete
	EventConnectionUpdateComplete
	EventL2CAPParameterUpdateRequest
	EventNotification
	EventIndication
	EventPairingStarted
	EventKeypress
	EventPasskeyDisplay
	EventPairingComplete
	EventCriticalError
)

var eventKindNames = map[EventKind]string{
	EventConnectionComplete:          "connection-complete",
	EventDisconnectionComplete:       "disconnection-complete",
	EventCommandComplete:             "command-complete",
	EventConnectionUpdateComplete:    "connection-update-complete",
	EventL2CAPParameterUpdateRequest: "l2cap-parameter-update-request",
	EventNotification:                "notification",
	EventIndication:                  "indication",
	EventPairingStarted:              "pairing-started",
	EventKeypress:                    "keypress",
	EventPasskeyDisplay:              "passkey-display",
	EventPairingComplete:             "pairing-complete",
	EventCriticalError:               "critical-error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a raw adapter event. The set of implementations is closed.
type Event interface {
	Kind() EventKind
	sealed()
}

// HCI status codes used by the gateways
const (
	StatusSuccess               uint8 = 0x00
	StatusRemoteUserTerminated  uint8 = 0x13
	StatusLocalHostTerminated   uint8 = 0x16
	StatusConnectionFailed      uint8 = 0x3E
	StatusUnacceptableParameter uint8 = 0x3B
)

// HCI opcodes carried by CommandComplete
const (
	OpcodeConnParamRequestReply         uint16 = 0x2020
	OpcodeConnParamRequestNegativeReply uint16 = 0x2021
)

// ConnectionComplete reports the outcome of a connect request.
// Parameters is nil when the adapter does not report them.
type ConnectionComplete struct {
	Status     uint8
	Address    string
	Handle     uint16
	Parameters *LinkParameters
}

type DisconnectionComplete struct {
	Status uint8
	Handle uint16
	Reason uint8
}

// CommandComplete answers a connection parameter request reply or negative reply
type CommandComplete struct {
	Opcode uint16
	Status uint8
	Handle uint16
}

type ConnectionUpdateComplete struct {
	Status     uint8
	Handle     uint16
	Parameters LinkParameters
}

// L2CAPParameterUpdateRequest is a peripheral asking for new connection parameters
type L2CAPParameterUpdateRequest struct {
	Handle     uint16
	Parameters LinkParameters
}

type Notification struct {
	Handle          uint16
	AttributeHandle uint16
	Value           []byte
}

type Indication struct {
	Handle          uint16
	AttributeHandle uint16
	Value           []byte
}

type PairingStarted struct {
	Handle  uint16
	Address string
}

type Keypress struct {
	Handle  uint16
	Address string
	Type    device.KeypressType
}

type PasskeyDisplay struct {
	Handle  uint16
	Address string
	Passkey uint32
}

type PairingComplete struct {
	Handle  uint16
	Address string
	Status  device.PairingStatus
}

// CriticalError reports the adapter process is no longer usable
type CriticalError struct {
	Err error
}

func (ConnectionComplete) Kind() EventKind          { return EventConnectionComplete }
func (DisconnectionComplete) Kind() EventKind       { return EventDisconnectionComplete }
func (CommandComplete) Kind() EventKind             { return EventCommandComplete }
func (ConnectionUpdateComplete) Kind() EventKind    { return EventConnectionUpdateComplete }
func (L2CAPParameterUpdateRequest) Kind() EventKind { return EventL2CAPParameterUpdateRequest }
func (Notification) Kind() EventKind                { return EventNotification }
func (Indication) Kind() EventKind                  { return EventIndication }
func (PairingStarted) Kind() EventKind              { return EventPairingStarted }
func (Keypress) Kind() EventKind                    { return EventKeypress }
func (PasskeyDisplay) Kind() EventKind              { return EventPasskeyDisplay }
func (PairingComplete) Kind() EventKind             { return EventPairingComplete }
func (CriticalError) Kind() EventKind               { return EventCriticalError }

func (ConnectionComplete) sealed()          {}
func (DisconnectionComplete) sealed()       {}
func (CommandComplete) sealed()             {}
func (ConnectionUpdateComplete) sealed()    {}
func (L2CAPParameterUpdateRequest) sealed() {}
func (Notification) sealed()                {}
func (Indication) sealed()                  {}
func (PairingStarted) sealed()              {}
func (Keypress) sealed()                    {}
func (PasskeyDisplay) sealed()              {}
func (PairingComplete) sealed()             {}
func (CriticalError) sealed()               {}
