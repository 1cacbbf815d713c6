package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

var propertyBits = []struct {
	ble ble.Property
	dev device.Property
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropSignedWrite},
	{ble.CharExtended, device.PropExtended},
}

// convertProperties maps go-ble characteristic flags to device.Property.
func convertProperties(p ble.Property) device.Property {
	var out device.Property
	for _, b := range propertyBits {
		if p&b.ble != 0 {
			out |= b.dev
		}
	}
	return out
}

// normalizeBLEUUID renders a go-ble UUID in the normalized device form.
func normalizeBLEUUID(u ble.UUID) string {
	return device.NormalizeUUID(u.String())
}
