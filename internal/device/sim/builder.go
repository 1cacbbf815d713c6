package sim

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// PeripheralBuilder builds a PeripheralProfile fluently.
//
//	p := sim.NewPeripheral("24:0a:c4:12:34:56").
//	    WithName("ESP32").
//	    Advertising("180a").
//	    WithService("180a").
//	    WithCharacteristic("beb5483e-36e1-4688-b7f5-ea07361b26a8", "read,notify", "").
//	    Build()
type PeripheralBuilder struct {
	profile PeripheralProfile
}

// NewPeripheral starts a builder for the peripheral at address.
func NewPeripheral(address string) *PeripheralBuilder {
	return &PeripheralBuilder{profile: PeripheralProfile{Address: address, RSSI: -50}}
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.profile.Name = name
	return b
}

func (b *PeripheralBuilder) WithRSSI(rssi int) *PeripheralBuilder {
	b.profile.RSSI = rssi
	return b
}

// Advertising sets the service UUIDs carried in advertisements.
func (b *PeripheralBuilder) Advertising(uuids ...string) *PeripheralBuilder {
	b.profile.Advertise = append(b.profile.Advertise, uuids...)
	return b
}

// WithService adds a service; following WithCharacteristic calls attach to it.
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.profile.Services = append(b.profile.Services, ServiceProfile{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties, value string) *PeripheralBuilder {
	return b.WithCharacteristicProfile(CharacteristicProfile{UUID: uuid, Properties: properties, Value: value})
}

// WithCharacteristicProfile adds a fully specified characteristic to the last added service.
func (b *PeripheralBuilder) WithCharacteristicProfile(c CharacteristicProfile) *PeripheralBuilder {
	if len(b.profile.Services) == 0 {
		panic(fmt.Sprintf("WithCharacteristic: must call WithService() before adding characteristic %q", c.UUID))
	}
	last := &b.profile.Services[len(b.profile.Services)-1]
	last.Characteristics = append(last.Characteristics, c)
	return b
}

func (b *PeripheralBuilder) RejectingConnections() *PeripheralBuilder {
	b.profile.RejectConnect = true
	return b
}

func (b *PeripheralBuilder) WithConnectDelay(d time.Duration) *PeripheralBuilder {
	b.profile.ConnectDelay = d
	return b
}

func (b *PeripheralBuilder) WithDiscoveryDelay(d time.Duration) *PeripheralBuilder {
	b.profile.DiscoveryDelay = d
	return b
}

// WithEncryption makes the first service discovery of each link run pairing
// ending with the given encryption outcome.
func (b *PeripheralBuilder) WithEncryption(encrypted bool) *PeripheralBuilder {
	b.profile.Encrypt = &encrypted
	return b
}

func (b *PeripheralBuilder) TruncatingAfter(services int) *PeripheralBuilder {
	b.profile.TruncateAfter = services
	return b
}

// FromYAML replaces the profile with the given YAML (or JSON) document.
func (b *PeripheralBuilder) FromYAML(docFmt string, args ...interface{}) *PeripheralBuilder {
	doc := docFmt
	if len(args) > 0 {
		doc = fmt.Sprintf(docFmt, args...)
	}
	var p PeripheralProfile
	if err := yaml.Unmarshal([]byte(doc), &p); err != nil {
		panic(fmt.Sprintf("FromYAML: invalid peripheral profile: %v", err))
	}
	b.profile = p
	return b
}

// Build returns the profile.
func (b *PeripheralBuilder) Build() PeripheralProfile {
	return b.profile
}
