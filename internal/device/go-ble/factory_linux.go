//go:build linux

package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/srg/blecentral/internal/device"
)

// NewDevice opens the default HCI adapter. Scan and connection parameters
// are fixed for the lifetime of the device.
func NewDevice(scan device.ScanParams, initial device.ConnParams) (ble.Device, error) {
	var opts []ble.Option
	if scan.Interval > 0 {
		scanType := uint8(0x00)
		if scan.Active {
			scanType = 0x01
		}
		opts = append(opts, ble.OptScanParams(cmd.LESetScanParameters{
			LEScanType:           scanType,
			LEScanInterval:       scanUnits(scan.Interval),
			LEScanWindow:         scanUnits(scan.Window),
			OwnAddressType:       0x00,
			ScanningFilterPolicy: 0x00,
		}))
	}
	if !initial.IsZero() {
		opts = append(opts, ble.OptConnParams(cmd.LECreateConnection{
			LEScanInterval:        scanUnits(scan.Interval),
			LEScanWindow:          scanUnits(scan.Window),
			InitiatorFilterPolicy: 0x00,
			OwnAddressType:        0x00,
			ConnIntervalMin:       uint16(initial.IntervalMin / (1250 * time.Microsecond)),
			ConnIntervalMax:       uint16(initial.IntervalMax / (1250 * time.Microsecond)),
			ConnLatency:           initial.Latency,
			SupervisionTimeout:    uint16(initial.SupervisionTimeout / (10 * time.Millisecond)),
			MinimumCELength:       0x0000,
			MaximumCELength:       0x0000,
		}))
	}
	dev, err := linux.NewDevice(opts...)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// scanUnits converts to 0.625 ms controller units, clamped to the HCI range.
func scanUnits(d time.Duration) uint16 {
	u := d / (625 * time.Microsecond)
	switch {
	case u < 0x0004:
		return 0x0004
	case u > 0x4000:
		return 0x4000
	default:
		return uint16(u)
	}
}
