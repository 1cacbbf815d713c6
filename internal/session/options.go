package session

import (
	"fmt"
	"time"

	"github.com/srg/blecentral/internal/device"
)

// InitialRead names a characteristic read once after every successful connect.
type InitialRead struct {
	Service        string
	Characteristic string
}

// Backoff is the delay policy applied between failed connection attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Options configure a Controller.
type Options struct {
	// Targets are the advertised service UUIDs that select a device.
	Targets []string
	// Ignored peers are never selected.
	Ignored []device.PeerAddress
	// MinRSSI rejects weaker advertisements when non-zero.
	MinRSSI int

	Scan             device.ScanParams
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	// ConnParams are requested right after connect; zero skips the request.
	ConnParams     device.ConnParams
	MaxConnections int

	// AutoRescan restarts scanning after a disconnect. When false, Run
	// returns once the first session ends.
	AutoRescan bool
	// FreshDiscovery disables reuse of attribute trees across re-links.
	FreshDiscovery bool
	// PreferNotify picks notify over indicate when both are supported.
	PreferNotify bool
	Passkey      uint32

	// Subscribe limits subscriptions to these characteristic UUIDs; empty
	// subscribes to every characteristic that can notify or indicate.
	Subscribe    []string
	InitialReads []InitialRead

	Backoff Backoff
	// DisconnectQueue is the capacity of the disconnect event queue.
	DisconnectQueue int
}

// DefaultOptions selects HID peripherals (service 1812) with fast
// scan and connection settings.
func DefaultOptions() Options {
	return Options{
		Targets: []string{"1812"},
		Scan: device.ScanParams{
			Active:   true,
			Interval: 100 * time.Millisecond,
			Window:   99 * time.Millisecond,
		},
		ConnectTimeout:   10 * time.Second,
		DiscoveryTimeout: 10 * time.Second,
		ConnParams:       device.ConnParamsFromUnits(6, 6, 0, 15),
		MaxConnections:   3,
		AutoRescan:       true,
		PreferNotify:     true,
		Passkey:          123456,
		InitialReads:     []InitialRead{{Service: "1812", Characteristic: "2a4d"}},
		Backoff:          Backoff{Initial: time.Second, Max: 30 * time.Second},
		DisconnectQueue:  8,
	}
}

// Validate checks the option values.
func (o Options) Validate() error {
	if len(o.Targets) == 0 {
		return fmt.Errorf("at least one target service UUID is required")
	}
	if _, err := device.ValidateUUID(o.Targets...); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if len(o.Subscribe) > 0 {
		if _, err := device.ValidateUUID(o.Subscribe...); err != nil {
			return fmt.Errorf("invalid subscribe filter: %w", err)
		}
	}
	for _, p := range o.InitialReads {
		if _, err := device.ValidateUUID(p.Service, p.Characteristic); err != nil {
			return fmt.Errorf("invalid initial read: %w", err)
		}
	}
	if !o.ConnParams.IsZero() {
		if err := o.ConnParams.Validate(); err != nil {
			return fmt.Errorf("invalid connection parameters: %w", err)
		}
	}
	if o.Scan.Window > o.Scan.Interval && o.Scan.Interval > 0 {
		return fmt.Errorf("scan window %s exceeds interval %s", o.Scan.Window, o.Scan.Interval)
	}
	if o.Backoff.Max > 0 && o.Backoff.Initial > o.Backoff.Max {
		return fmt.Errorf("backoff initial delay %s exceeds max %s", o.Backoff.Initial, o.Backoff.Max)
	}
	return nil
}
