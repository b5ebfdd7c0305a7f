// Package device models the remote peripherals a BLE central context talks to.
//
// This package provides:
//   - The Device record: address, connection handle, bonding state, negotiated
//     connection parameters, cached GATT table and per-characteristic callbacks
//   - The GATT table model (services, characteristics, descriptors, CCCD helpers)
//   - The pairing state machine folding SMP notifications into a bonding state
//   - The per-device typed event queue consumed by blocking context calls
//   - The context error taxonomy shared by every layer
package device
