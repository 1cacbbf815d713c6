package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/device"
)

// rawAdvertisement is implemented by platform advertisements that keep the
// undecoded payload.
type rawAdvertisement interface {
	Data() []byte
}

// newReport converts a go-ble advertisement. Advertised, overflow and
// service-data UUIDs all count as advertised services.
func newReport(adv ble.Advertisement) device.AdvertisementReport {
	platformID := adv.Addr().String()

	var services []string
	seen := make(map[string]struct{})
	add := func(u ble.UUID) {
		n := normalizeBLEUUID(u)
		if n == "" {
			return
		}
		if _, dup := seen[n]; !dup {
			seen[n] = struct{}{}
			services = append(services, n)
		}
	}
	for _, u := range adv.Services() {
		add(u)
	}
	for _, u := range adv.OverflowService() {
		add(u)
	}
	for _, sd := range adv.ServiceData() {
		add(sd.UUID)
	}

	r := device.AdvertisementReport{
		Peer:             device.ResolvePeerAddress(platformID),
		PlatformID:       platformID,
		LocalName:        adv.LocalName(),
		Services:         services,
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		ManufacturerData: adv.ManufacturerData(),
	}
	if raw, ok := adv.(rawAdvertisement); ok {
		r.Payload = append([]byte(nil), raw.Data()...)
	}
	return r
}
