//go:build !linux && !darwin

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

func NewDevice(device.ScanParams, device.ConnParams) (ble.Device, error) {
	return nil, fmt.Errorf("no BLE stack for %s: %w", runtime.GOOS, device.ErrUnsupported)
}
