package main

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blectx/internal/device"
)

// parseUUID accepts 16-bit and 128-bit UUIDs, with or without dashes and 0x prefix
func parseUUID(s string) (ble.UUID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	u, err := ble.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

// resolveCharacteristic finds a characteristic in a discovered table.
// Without a service the UUID must be unique across the table.
func resolveCharacteristic(table []*device.Service, serviceUUID, charUUID string) (*device.Characteristic, error) {
	charID, err := parseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	var serviceID ble.UUID
	if serviceUUID != "" {
		if serviceID, err = parseUUID(serviceUUID); err != nil {
			return nil, err
		}
	}

	var found []*device.Characteristic
	var services []string
	for _, svc := range table {
		if serviceID != nil && !svc.UUID.Equal(serviceID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(charID) {
				found = append(found, c)
				services = append(services, svc.UUID.String())
			}
		}
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("characteristic %s not found", charID)
	case 1:
		return found[0], nil
	default:
		return nil, fmt.Errorf("characteristic %s is ambiguous, found in services %s; use --service",
			charID, strings.Join(services, ", "))
	}
}

// resolveDescriptor finds a descriptor of char by UUID
func resolveDescriptor(char *device.Characteristic, descUUID string) (*device.Descriptor, error) {
	descID, err := parseUUID(descUUID)
	if err != nil {
		return nil, err
	}
	for _, d := range char.Descriptors {
		if d.UUID.Equal(descID) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("descriptor %s not found on %s", descID, char)
}
