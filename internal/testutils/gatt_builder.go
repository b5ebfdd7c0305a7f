package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blectx/internal/device"
)

// CharacteristicConfig represents a GATT characteristic for test tables
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "read,write,notify"
}

// ServiceConfig represents a GATT service for test tables
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// GattTableConfig is the complete table layout
type GattTableConfig struct {
	Services []ServiceConfig `json:"services"`
}

// GattTableBuilder builds discovered GATT tables with sequential ATT handles.
//
// Each service takes one handle, each characteristic a declaration and a value
// handle, and a CCCD follows every characteristic that can notify or indicate.
//
//	table := testutils.NewGattTableBuilder().
//	    WithService("180D").
//	    WithCharacteristic("2A37", "read,notify").
//	    Build()
type GattTableBuilder struct {
	config GattTableConfig
}

// NewGattTableBuilder creates an empty table builder
func NewGattTableBuilder() *GattTableBuilder {
	return &GattTableBuilder{config: GattTableConfig{Services: []ServiceConfig{}}}
}

// WithService adds a service to the table
func (b *GattTableBuilder) WithService(uuid string) *GattTableBuilder {
	b.config.Services = append(b.config.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *GattTableBuilder) WithCharacteristic(uuid, properties string) *GattTableBuilder {
	if len(b.config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.config.Services) - 1
	b.config.Services[last].Characteristics = append(b.config.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
	})
	return b
}

// FromJSON fills the table layout from JSON
func (b *GattTableBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *GattTableBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config GattTableConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("GattTableBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.config = config
	return b
}

// ParseProperties converts a comma separated property list into ble.Property flags.
// An empty list means read,write,notify.
func ParseProperties(props string) ble.Property {
	if strings.TrimSpace(props) == "" {
		return ble.CharRead | ble.CharWrite | ble.CharNotify
	}

	var property ble.Property
	for _, p := range strings.Split(props, ",") {
		switch strings.TrimSpace(strings.ToLower(p)) {
		case "broadcast":
			property |= ble.CharBroadcast
		case "read":
			property |= ble.CharRead
		case "write-without-response", "writenr":
			property |= ble.CharWriteNR
		case "write":
			property |= ble.CharWrite
		case "notify":
			property |= ble.CharNotify
		case "indicate":
			property |= ble.CharIndicate
		default:
			panic(fmt.Sprintf("ParseProperties: unknown property %q", p))
		}
	}
	return property
}

// Build creates the GATT table
func (b *GattTableBuilder) Build() []*device.Service {
	handle := uint16(0x0001)
	next := func() uint16 {
		h := handle
		handle++
		return h
	}

	services := make([]*device.Service, 0, len(b.config.Services))
	for _, svcConfig := range b.config.Services {
		svc := &device.Service{
			Handle: next(),
			UUID:   ble.MustParse(svcConfig.UUID),
		}

		for _, charConfig := range svcConfig.Characteristics {
			props := ParseProperties(charConfig.Properties)
			char := &device.Characteristic{
				Handle:      next(),
				ValueHandle: next(),
				UUID:        ble.MustParse(charConfig.UUID),
				Properties:  props,
			}
			if props&(ble.CharNotify|ble.CharIndicate) != 0 {
				char.Descriptors = append(char.Descriptors, &device.Descriptor{
					Handle: next(),
					UUID:   ble.ClientCharacteristicConfigUUID,
				})
			}
			svc.Characteristics = append(svc.Characteristics, char)
		}

		svc.EndHandle = handle - 1
		services = append(services, svc)
	}
	return services
}

// GetServices returns the configured layout
func (b *GattTableBuilder) GetServices() []ServiceConfig {
	return b.config.Services
}

// MustFindCharacteristic looks up a characteristic by UUID and panics if it is missing
func MustFindCharacteristic(table []*device.Service, uuid string) *device.Characteristic {
	char := device.FindCharacteristic(table, nil, ble.MustParse(uuid))
	if char == nil {
		panic(fmt.Sprintf("characteristic %s not found", uuid))
	}
	return char
}
