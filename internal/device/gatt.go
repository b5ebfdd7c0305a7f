package device

import (
	"encoding/binary"
	"fmt"

	"github.com/go-ble/ble"
)

// CCCD bits (Client Characteristic Configuration Descriptor, 0x2902)
const (
	CCCDNotify   uint16 = 0x0001
	CCCDIndicate uint16 = 0x0002
)

// Attribute is anything addressable by an ATT handle in a GATT table
type Attribute interface {
	AttributeHandle() uint16
	AttributeUUID() ble.UUID
}

// Service represents a discovered GATT service and its characteristics
type Service struct {
	Handle          uint16
	EndHandle       uint16
	UUID            ble.UUID
	Characteristics []*Characteristic
}

// Characteristic represents a discovered GATT characteristic
type Characteristic struct {
	Handle      uint16 // declaration handle
	ValueHandle uint16
	UUID        ble.UUID
	Properties  ble.Property
	Descriptors []*Descriptor
}

// Descriptor represents a discovered GATT descriptor
type Descriptor struct {
	Handle uint16
	UUID   ble.UUID
}

func (c *Characteristic) AttributeHandle() uint16 { return c.ValueHandle }
func (c *Characteristic) AttributeUUID() ble.UUID { return c.UUID }
func (d *Descriptor) AttributeHandle() uint16     { return d.Handle }
func (d *Descriptor) AttributeUUID() ble.UUID     { return d.UUID }

// Readable reports whether the characteristic value can be read
func (c *Characteristic) Readable() bool {
	return c.Properties&ble.CharRead != 0
}

// CanNotify reports whether the characteristic supports notifications
func (c *Characteristic) CanNotify() bool {
	return c.Properties&ble.CharNotify != 0
}

// CanIndicate reports whether the characteristic supports indications
func (c *Characteristic) CanIndicate() bool {
	return c.Properties&ble.CharIndicate != 0
}

// CCCD returns the Client Characteristic Configuration Descriptor, or nil
func (c *Characteristic) CCCD() *Descriptor {
	for _, d := range c.Descriptors {
		if d.UUID.Equal(ble.ClientCharacteristicConfigUUID) {
			return d
		}
	}
	return nil
}

func (c *Characteristic) String() string {
	return fmt.Sprintf("characteristic %s (value handle 0x%04x)", c.UUID, c.ValueHandle)
}

// ClientConfig represents a decoded CCCD value
type ClientConfig struct {
	Notifications bool
	Indications   bool
}

// ParseClientConfig parses a CCCD value. The descriptor is 2 bytes, little endian:
// bit 0 = Notifications, bit 1 = Indications.
func ParseClientConfig(data []byte) (uint16, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("invalid length for client config: expected 2, got %d", len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}

// EncodeClientConfig encodes CCCD bits into the 2-byte wire value
func EncodeClientConfig(bits uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, bits)
	return out
}

// DecodeClientConfig splits raw CCCD bits into flags
func DecodeClientConfig(bits uint16) ClientConfig {
	return ClientConfig{
		Notifications: bits&CCCDNotify != 0,
		Indications:   bits&CCCDIndicate != 0,
	}
}

// FindCharacteristic looks up a characteristic by UUID, optionally restricted to a service.
// Returns nil if not found.
func FindCharacteristic(table []*Service, service, char ble.UUID) *Characteristic {
	for _, svc := range table {
		if service != nil && !svc.UUID.Equal(service) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(char) {
				return c
			}
		}
	}
	return nil
}

// FindByValueHandle looks up a characteristic by its value handle
func FindByValueHandle(table []*Service, handle uint16) *Characteristic {
	for _, svc := range table {
		for _, c := range svc.Characteristics {
			if c.ValueHandle == handle {
				return c
			}
		}
	}
	return nil
}

// ServicesFromProfile converts a go-ble profile into a GATT table.
// Attribute handles are taken from the profile as-is.
func ServicesFromProfile(p *ble.Profile) []*Service {
	if p == nil {
		return nil
	}
	table := make([]*Service, 0, len(p.Services))
	for _, s := range p.Services {
		svc := &Service{
			Handle:          s.Handle,
			EndHandle:       s.EndHandle,
			UUID:            s.UUID,
			Characteristics: make([]*Characteristic, 0, len(s.Characteristics)),
		}
		for _, c := range s.Characteristics {
			char := &Characteristic{
				Handle:      c.Handle,
				ValueHandle: c.ValueHandle,
				UUID:        c.UUID,
				Properties:  c.Property,
				Descriptors: make([]*Descriptor, 0, len(c.Descriptors)),
			}
			for _, d := range c.Descriptors {
				char.Descriptors = append(char.Descriptors, &Descriptor{Handle: d.Handle, UUID: d.UUID})
			}
			svc.Characteristics = append(svc.Characteristics, char)
		}
		table = append(table, svc)
	}
	return table
}
