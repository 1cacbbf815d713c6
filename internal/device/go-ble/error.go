package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

// NormalizeError maps known go-ble errors to the link sentinels.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return &device.LinkError{State: device.LinkWriteRejected, Msg: attErr.Error()}
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return &device.LinkError{State: device.LinkClosed, Msg: msg}
	case containsIgnoreCase(msg, "connection limit"),
		containsIgnoreCase(msg, "memory capacity exceeded"):
		return &device.LinkError{State: device.LinkBusy, Msg: msg}
	case containsIgnoreCase(msg, "device already connected"),
		containsIgnoreCase(msg, "connection refused"),
		containsIgnoreCase(msg, "connection failed"):
		return &device.LinkError{State: device.LinkRejected, Msg: msg}
	case containsIgnoreCase(msg, "not permitted"),
		containsIgnoreCase(msg, "insufficient"):
		return &device.LinkError{State: device.LinkWriteRejected, Msg: msg}
	default:
		return err
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
