// Package gateway defines the boundary between a BLE central context and the
// adapter that talks to the radio.
//
// A Gateway accepts typed requests, answers each with a Response, and publishes
// adapter events on a single inbound channel. Events form a closed union that
// is decoded once here, so consumers dispatch with an exhaustive type switch.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blectx/internal/device"
)

// ErrTimeout is returned by SendAndWait and Response when no response arrived in time
var ErrTimeout = device.ErrTimeout

// Gateway is the request/response channel to the adapter plus its raw event queue
type Gateway interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool

	// Send fires a request; its response is later collected with Response
	Send(req Request) error
	// SendAndWait sends a request and blocks for its correlated response
	SendAndWait(req Request, timeout time.Duration) (*Response, error)
	// Response polls the response of a request previously fired with Send
	Response(kind RequestKind, timeout time.Duration) (*Response, error)

	// Events is drained exclusively by the context dispatch loop.
	// A nil event is the stop sentinel.
	Events() <-chan Event
}

// RequestKind tags a request and the response correlated with it
type RequestKind int

const (
	KindStartScan RequestKind = iota
	KindStopScan
	KindConnect
	KindDisconnect
	KindDiscoverServices
	KindReadCharacteristic
	KindReadDescriptor
	KindWriteCharacteristic
	KindWriteDescriptor
	KindAuthenticateJustWorks
	KindAuthenticateKeypress
	KindDeleteBond
	KindUpdateConnectionParameters
	KindCentralAddress
)

var requestKindNames = map[RequestKind]string{
	KindStartScan:                  "start-scan",
	KindStopScan:                   "stop-scan",
	KindConnect:                    "connect",
	KindDisconnect:                 "disconnect",
	KindDiscoverServices:           "discover-services",
	KindReadCharacteristic:         "read-characteristic",
	KindReadDescriptor:             "read-descriptor",
	KindWriteCharacteristic:        "write-characteristic",
	KindWriteDescriptor:            "write-descriptor",
	KindAuthenticateJustWorks:      "authenticate-just-works",
	KindAuthenticateKeypress:       "authenticate-keypress",
	KindDeleteBond:                 "delete-bond",
	KindUpdateConnectionParameters: "update-connection-parameters",
	KindCentralAddress:             "central-address",
}

func (k RequestKind) String() string {
	if name, ok := requestKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("RequestKind(%d)", int(k))
}

// Request is implemented by every request type below
type Request interface {
	Kind() RequestKind
}

// StartScanRequest scans for ScanTime and answers with []Advertisement
type StartScanRequest struct {
	ScanTime        time.Duration
	AllowDuplicates bool
}

type StopScanRequest struct{}

// ConnectRequest is acknowledged immediately; the outcome arrives as a ConnectionComplete event
type ConnectRequest struct {
	Address    string
	Parameters *LinkParameters
	Timeout    time.Duration
}

// DisconnectRequest is acknowledged immediately; the outcome arrives as a DisconnectionComplete event
type DisconnectRequest struct {
	Handle uint16
}

// DiscoverServicesRequest answers with []*device.Service
type DiscoverServicesRequest struct {
	Handle uint16
}

// ReadCharacteristicRequest answers with the value bytes
type ReadCharacteristicRequest struct {
	Handle          uint16
	AttributeHandle uint16
}

// ReadDescriptorRequest answers with the descriptor bytes
type ReadDescriptorRequest struct {
	Handle          uint16
	AttributeHandle uint16
}

// WriteType selects the ATT write procedure
type WriteType int

const (
	WriteWithResponse WriteType = iota
	WriteWithoutResponse
	WriteLongWithoutResponse
)

func (t WriteType) String() string {
	switch t {
	case WriteWithResponse:
		return "write"
	case WriteWithoutResponse:
		return "write-without-response"
	case WriteLongWithoutResponse:
		return "long-write-without-response"
	default:
		return fmt.Sprintf("WriteType(%d)", int(t))
	}
}

type WriteCharacteristicRequest struct {
	Handle          uint16
	AttributeHandle uint16
	Value           []byte
	Type            WriteType
}

type WriteDescriptorRequest struct {
	Handle          uint16
	AttributeHandle uint16
	Value           []byte
}

type AuthenticateJustWorksRequest struct {
	Handle uint16
}

type AuthenticateKeypressRequest struct {
	Handle uint16
}

type DeleteBondRequest struct {
	Address string
}

type UpdateConnectionParametersRequest struct {
	Handle     uint16
	Parameters LinkParameters
}

// CentralAddressRequest answers with the adapter address as a string
type CentralAddressRequest struct{}

func (StartScanRequest) Kind() RequestKind                  { return KindStartScan }
func (StopScanRequest) Kind() RequestKind                   { return KindStopScan }
func (ConnectRequest) Kind() RequestKind                    { return KindConnect }
func (DisconnectRequest) Kind() RequestKind                 { return KindDisconnect }
func (DiscoverServicesRequest) Kind() RequestKind           { return KindDiscoverServices }
func (ReadCharacteristicRequest) Kind() RequestKind         { return KindReadCharacteristic }
func (ReadDescriptorRequest) Kind() RequestKind             { return KindReadDescriptor }
func (WriteCharacteristicRequest) Kind() RequestKind        { return KindWriteCharacteristic }
func (WriteDescriptorRequest) Kind() RequestKind            { return KindWriteDescriptor }
func (AuthenticateJustWorksRequest) Kind() RequestKind      { return KindAuthenticateJustWorks }
func (AuthenticateKeypressRequest) Kind() RequestKind       { return KindAuthenticateKeypress }
func (DeleteBondRequest) Kind() RequestKind                 { return KindDeleteBond }
func (UpdateConnectionParametersRequest) Kind() RequestKind { return KindUpdateConnectionParameters }
func (CentralAddressRequest) Kind() RequestKind             { return KindCentralAddress }

// ResponseType classifies a response
type ResponseType int

const (
	ResponseOK ResponseType = iota
	ResponseError
	ResponseTimeout
	ResponseRejected
)

func (t ResponseType) String() string {
	switch t {
	case ResponseOK:
		return "ok"
	case ResponseError:
		return "error"
	case ResponseTimeout:
		return "timeout"
	case ResponseRejected:
		return "rejected"
	default:
		return fmt.Sprintf("ResponseType(%d)", int(t))
	}
}

// Failure is the payload of an error response.
// Cause is set when the adapter reports one of the context error causes.
type Failure struct {
	Cause   device.Cause
	Message string
	Status  uint8
}

func (f *Failure) String() string {
	if f == nil {
		return "<nil>"
	}
	if f.Cause != "" {
		return fmt.Sprintf("%s: %s (status 0x%02x)", f.Cause, f.Message, f.Status)
	}
	return fmt.Sprintf("%s (status 0x%02x)", f.Message, f.Status)
}

// Response answers exactly one request
type Response struct {
	Request RequestKind
	Type    ResponseType
	Payload any
	Failure *Failure
}

// IsError reports whether the response type belongs to the error set
func (r *Response) IsError() bool {
	switch r.Type {
	case ResponseError, ResponseTimeout, ResponseRejected:
		return true
	}
	return false
}

// OK builds a successful response
func OK(kind RequestKind, payload any) *Response {
	return &Response{Request: kind, Type: ResponseOK, Payload: payload}
}

// Fail builds an error response
func Fail(kind RequestKind, cause device.Cause, format string, args ...any) *Response {
	return &Response{
		Request: kind,
		Type:    ResponseError,
		Failure: &Failure{Cause: cause, Message: fmt.Sprintf(format, args...)},
	}
}

// Advertisement is one advertising or scan-response payload seen during a scan
type Advertisement struct {
	Address          string
	RSSI             int
	LocalName        string
	Services         []ble.UUID
	ManufacturerData []byte
	TxPower          *int
	Connectable      bool
	Timestamp        time.Time
}
