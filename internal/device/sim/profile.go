// Package sim is an in-process link layer that simulates BLE peripherals
// described by a profile. It backs the test suites and the --simulate mode
// of the command line tool.
package sim

import (
	"fmt"
	"os"
	"time"

	"github.com/srg/blecentral/internal/device"
	"gopkg.in/yaml.v3"
)

// Profile lists the simulated peripherals. JSON profiles are accepted too.
type Profile struct {
	Peripherals []PeripheralProfile `yaml:"peripherals"`
}

// PeripheralProfile describes one simulated peripheral.
type PeripheralProfile struct {
	Address   string           `yaml:"address"`
	Name      string           `yaml:"name"`
	RSSI      int              `yaml:"rssi"`
	Advertise []string         `yaml:"advertise"`
	Services  []ServiceProfile `yaml:"services"`

	// RejectConnect makes every link open fail with ErrLinkRejected.
	RejectConnect bool `yaml:"reject_connect"`
	// ConnectDelay delays link establishment.
	ConnectDelay time.Duration `yaml:"connect_delay"`
	// DiscoveryDelay delays every discovery request.
	DiscoveryDelay time.Duration `yaml:"discovery_delay"`
	// Encrypt, when set, runs a pairing sequence on the first service
	// discovery of each link and reports this encryption outcome.
	Encrypt *bool `yaml:"encrypt"`
	// TruncateAfter fails characteristic discovery for every service past the
	// first N. Zero disables truncation.
	TruncateAfter int `yaml:"truncate_after"`
}

// ServiceProfile describes one primary service.
type ServiceProfile struct {
	UUID            string                  `yaml:"uuid"`
	Characteristics []CharacteristicProfile `yaml:"characteristics"`
}

// CharacteristicProfile describes one characteristic.
type CharacteristicProfile struct {
	UUID       string `yaml:"uuid"`
	Properties string `yaml:"properties"`
	Value      string `yaml:"value"`
	// Descriptors lists extra descriptor UUIDs. The configuration descriptor
	// is added automatically for notify and indicate characteristics.
	Descriptors []string `yaml:"descriptors"`
	// NotifyEvery emits a notification with an incrementing counter at this
	// period while subscribed.
	NotifyEvery time.Duration `yaml:"notify_every"`
	// RejectSubscribe makes configuration descriptor writes fail.
	RejectSubscribe bool `yaml:"reject_subscribe"`
}

// LoadProfile reads a YAML or JSON profile from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulation profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses a YAML or JSON profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse simulation profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks addresses, UUIDs and property lists.
func (p *Profile) Validate() error {
	seen := make(map[device.PeerAddress]bool)
	for i, per := range p.Peripherals {
		addr, err := device.ParsePeerAddress(per.Address)
		if err != nil {
			return fmt.Errorf("peripheral %d: %w", i, err)
		}
		if seen[addr] {
			return fmt.Errorf("peripheral %d: duplicate address %s", i, addr)
		}
		seen[addr] = true

		if len(per.Advertise) > 0 {
			if _, err := device.ValidateUUID(per.Advertise...); err != nil {
				return fmt.Errorf("peripheral %s: advertised services: %w", addr, err)
			}
		}
		for _, svc := range per.Services {
			if _, err := device.ValidateUUID(svc.UUID); err != nil {
				return fmt.Errorf("peripheral %s: service: %w", addr, err)
			}
			for _, chr := range svc.Characteristics {
				if _, err := device.ValidateUUID(chr.UUID); err != nil {
					return fmt.Errorf("peripheral %s: service %s: characteristic: %w", addr, svc.UUID, err)
				}
				if _, err := device.ParseProperties(chr.Properties); err != nil {
					return fmt.Errorf("peripheral %s: characteristic %s: %w", addr, chr.UUID, err)
				}
				if len(chr.Descriptors) > 0 {
					if _, err := device.ValidateUUID(chr.Descriptors...); err != nil {
						return fmt.Errorf("peripheral %s: characteristic %s: descriptors: %w", addr, chr.UUID, err)
					}
				}
			}
		}
	}
	return nil
}
