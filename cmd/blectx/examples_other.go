//go:build !darwin

package main

const (
	exampleDeviceAddress = "AA:BB:CC:DD:EE:FF"
	deviceAddressNote    = "Device address format: six colon separated hex bytes, any case\n  Use 'blectx scan' to discover devices"
)
