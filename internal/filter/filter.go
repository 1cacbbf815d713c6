// Package filter decides which advertisements identify a device of interest.
package filter

import (
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// Filter matches advertisement reports against a set of target service UUIDs.
// It holds no mutable state after construction and is safe for concurrent use.
type Filter struct {
	targets map[string]struct{}
	ignored map[device.PeerAddress]struct{}
	minRSSI int
	useRSSI bool
}

// Option configures a Filter.
type Option func(*Filter)

// WithIgnored rejects reports from the given peers regardless of their services.
func WithIgnored(peers ...device.PeerAddress) Option {
	return func(f *Filter) {
		for _, p := range peers {
			f.ignored[p] = struct{}{}
		}
	}
}

// WithMinRSSI rejects reports weaker than dbm.
func WithMinRSSI(dbm int) Option {
	return func(f *Filter) {
		f.minRSSI = dbm
		f.useRSSI = true
	}
}

// New creates a Filter for the given service UUIDs, accepting any 16, 32 or
// 128-bit spelling.
func New(targets []string, opts ...Option) (*Filter, error) {
	normalized, err := device.ValidateUUID(targets...)
	if err != nil {
		return nil, fmt.Errorf("invalid filter target: %w", err)
	}

	f := &Filter{
		targets: make(map[string]struct{}, len(normalized)),
		ignored: make(map[device.PeerAddress]struct{}),
	}
	for _, u := range normalized {
		f.targets[u] = struct{}{}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Evaluate returns true iff the report advertises one of the target services
// and is not excluded by the ignore list or the RSSI floor.
func (f *Filter) Evaluate(report device.AdvertisementReport) bool {
	if _, ignored := f.ignored[report.Peer]; ignored {
		return false
	}
	if f.useRSSI && report.RSSI < f.minRSSI {
		return false
	}
	for _, s := range report.Services {
		if _, ok := f.targets[device.NormalizeUUID(s)]; ok {
			return true
		}
	}
	return false
}

// Targets returns the normalized target UUIDs.
func (f *Filter) Targets() []string {
	out := make([]string, 0, len(f.targets))
	for u := range f.targets {
		out = append(out, u)
	}
	return out
}
