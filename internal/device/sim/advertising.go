package sim

import (
	"encoding/hex"

	"github.com/srg/blecentral/internal/device"
)

// AD structure types used in simulated advertisements.
const (
	adFlags             = 0x01
	adComplete16        = 0x03
	adComplete128       = 0x07
	adCompleteLocalName = 0x09
	adFlagsLEGeneral    = 0x06
)

// encodeAdvertisement builds the raw AD payload of a peripheral: flags,
// complete service UUID lists and the local name. Entries that would overflow
// the 31-byte legacy limit are dropped.
func encodeAdvertisement(name string, services []string) []byte {
	payload := []byte{2, adFlags, adFlagsLEGeneral}

	var uuid16, uuid128 []byte
	for _, s := range device.NormalizeUUIDs(services) {
		raw, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		// AD fields carry UUIDs little-endian
		reverse(raw)
		switch len(raw) {
		case 2:
			uuid16 = append(uuid16, raw...)
		case 16:
			uuid128 = append(uuid128, raw...)
		}
	}

	payload = appendAD(payload, adComplete16, uuid16)
	payload = appendAD(payload, adComplete128, uuid128)
	payload = appendAD(payload, adCompleteLocalName, []byte(name))
	return payload
}

func appendAD(payload []byte, typ byte, data []byte) []byte {
	if len(data) == 0 || len(payload)+2+len(data) > 31 {
		return payload
	}
	payload = append(payload, byte(len(data)+1), typ)
	return append(payload, data...)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
