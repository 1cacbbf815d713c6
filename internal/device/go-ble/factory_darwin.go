//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/srg/blecentral/internal/device"
)

// NewDevice opens the CoreBluetooth central. CoreBluetooth picks scan and
// connection parameters itself.
func NewDevice(device.ScanParams, device.ConnParams) (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		return nil, err
	}
	return dev, nil
}
