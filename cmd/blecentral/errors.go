package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecentral/internal/connmgr"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/discovery"
	"github.com/srg/blecentral/internal/lua"
)

// userHints pairs error classes with the message shown to the user. The
// first match wins.
var userHints = []struct {
	target error
	hint   string
}{
	{device.ErrBluetoothOff, "Bluetooth is turned off or no adapter is available"},
	{connmgr.ErrTimeout, "the device did not answer in time; is it advertising and in range?"},
	{connmgr.ErrLinkRejected, "the device refused the connection"},
	{connmgr.ErrResourceExhausted, "no free connection slot on the adapter"},
	{discovery.ErrTruncated, "the device attribute database could only be read partially"},
	{discovery.ErrTimeout, "service discovery timed out"},
	{discovery.ErrNotConnected, "the device disconnected"},
	{lua.ErrSyntax, "the script does not compile"},
	{lua.ErrNoFunction, "the script does not define on_notification"},
}

// FormatUserError turns an error chain into a one-line message with a hint
// for the well-known failure classes.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	for _, h := range userHints {
		if errors.Is(err, h.target) {
			return fmt.Sprintf("%s (%v)", h.hint, err)
		}
	}
	return err.Error()
}
