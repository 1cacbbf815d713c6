// Package device defines the domain model of a BLE central session and the
// contract of the link layer it runs on.
//
// The package contains:
//   - Peer addressing, advertisement reports and UUID normalization
//   - Connection parameters, GATT property flags and subscription modes
//   - The discovered attribute tree (services, characteristics, descriptors)
//   - The Link interface implemented by the go-ble adapter and the simulator
//   - Sentinel errors shared by the link implementations
package device
