// Package scanner collects advertisement reports into a device list.
package scanner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/filter"
	"github.com/srg/blecentral/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultEventCapacity is the size of the device event ring.
const DefaultEventCapacity = 100

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

func (t DeviceEventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// DeviceEvent is emitted for every accepted advertisement.
type DeviceEvent struct {
	Type   DeviceEventType
	Device DeviceInfo
}

// DeviceInfo is the accumulated view of one advertiser.
type DeviceInfo struct {
	Address          device.PeerAddress
	PlatformID       string
	Name             string
	RSSI             int
	Services         []string
	Connectable      bool
	ManufacturerData []byte
	// Matched is true when the device advertises one of the target services.
	Matched   bool
	FirstSeen time.Time
	LastSeen  time.Time
	Seen      int
}

// MarshalJSON keeps a stable field order.
func (d DeviceInfo) MarshalJSON() ([]byte, error) {
	om := orderedmap.New[string, any]()
	om.Set("address", d.Address.String())
	om.Set("name", d.Name)
	om.Set("rssi", d.RSSI)
	om.Set("connectable", d.Connectable)
	services := d.Services
	if services == nil {
		services = []string{}
	}
	om.Set("services", services)
	if len(d.ManufacturerData) > 0 {
		om.Set("manufacturer_data", hex.EncodeToString(d.ManufacturerData))
	}
	om.Set("matched", d.Matched)
	om.Set("seen", d.Seen)
	return json.Marshal(om)
}

// merge folds a later report into d. Fields missing from the report keep
// their previous values, since scan responses carry the name separately.
func (d *DeviceInfo) merge(r device.AdvertisementReport, now time.Time) {
	if r.LocalName != "" {
		d.Name = r.LocalName
	}
	if r.PlatformID != "" {
		d.PlatformID = r.PlatformID
	}
	if len(r.ManufacturerData) > 0 {
		d.ManufacturerData = append([]byte(nil), r.ManufacturerData...)
	}
	for _, s := range r.Services {
		if !contains(d.Services, s) {
			d.Services = append(d.Services, s)
		}
	}
	d.RSSI = r.RSSI
	d.Connectable = r.Connectable
	d.LastSeen = now
	d.Seen++
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	Active          bool
	AllowDuplicates bool

	// Targets mark devices as Matched; empty matches nothing.
	Targets []string
	// OnlyMatches drops devices that do not match Targets.
	OnlyMatches bool
	Ignored     []device.PeerAddress
	MinRSSI     int
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
		Active:   true,
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	link device.Link

	// mu serializes report merges with snapshots
	mu      sync.Mutex
	devices *hashmap.Map[string, *DeviceInfo]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger
	now     func() time.Time
}

// NewScanner creates a scanner on top of link.
func NewScanner(link device.Link, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		link:    link,
		devices: hashmap.New[string, *DeviceInfo](),
		events:  ringchan.New[DeviceEvent](DefaultEventCapacity),
		logger:  logger,
		now:     time.Now,
	}
}

// Scan runs one scan and returns the devices seen, strongest signal first.
// Cancelling ctx ends the scan early and still returns what was collected.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]DeviceInfo, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	match, exclude, err := buildFilters(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.devices = hashmap.New[string, *DeviceInfo]()
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"targets":  opts.Targets,
	}).Info("Starting BLE scan...")
	progressCallback("Scanning")

	params := device.ScanParams{
		Duration:        opts.Duration,
		Active:          opts.Active,
		AllowDuplicates: opts.AllowDuplicates,
	}
	err = s.link.StartScan(ctx, params, func(r device.AdvertisementReport) {
		s.handleReport(r, match, exclude, opts.OnlyMatches)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		progressCallback("Failed")
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	devices := s.Devices()
	s.logger.WithField("device_count", len(devices)).Info("BLE scan completed")
	progressCallback("Processing results")
	return devices, nil
}

// buildFilters returns the target matcher (nil without targets) and the
// exclusion predicate for ignored peers and the RSSI floor.
func buildFilters(opts *ScanOptions) (*filter.Filter, func(device.AdvertisementReport) bool, error) {
	var match *filter.Filter
	if len(opts.Targets) > 0 {
		f, err := filter.New(opts.Targets, filter.WithIgnored(opts.Ignored...))
		if err != nil {
			return nil, nil, err
		}
		match = f
	}

	ignored := make(map[device.PeerAddress]struct{}, len(opts.Ignored))
	for _, p := range opts.Ignored {
		ignored[p] = struct{}{}
	}
	exclude := func(r device.AdvertisementReport) bool {
		if _, ok := ignored[r.Peer]; ok {
			return true
		}
		return opts.MinRSSI != 0 && r.RSSI < opts.MinRSSI
	}
	return match, exclude, nil
}

func (s *Scanner) handleReport(r device.AdvertisementReport, match *filter.Filter, exclude func(device.AdvertisementReport) bool, onlyMatches bool) {
	if exclude(r) {
		return
	}
	matched := match != nil && match.Evaluate(r)
	key := r.Peer.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	info, existing := s.devices.Get(key)
	if !existing {
		if onlyMatches && !matched {
			return
		}
		now := s.now()
		info, existing = s.devices.GetOrInsert(key, &DeviceInfo{Address: r.Peer, FirstSeen: now})
	}

	info.merge(r, s.now())
	info.Matched = info.Matched || matched

	event := DeviceEvent{Type: EventUpdated, Device: info.clone()}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  info.Name,
			"address": key,
			"rssi":    info.RSSI,
			"matched": info.Matched,
		}).Info("Discovered new device")
	}
	s.events.ForceSend(event)
}

func (d *DeviceInfo) clone() DeviceInfo {
	c := *d
	c.Services = append([]string(nil), d.Services...)
	c.ManufacturerData = append([]byte(nil), d.ManufacturerData...)
	return c
}

// Devices returns a snapshot of the devices seen by the last scan, strongest
// signal first.
func (s *Scanner) Devices() []DeviceInfo {
	s.mu.Lock()
	devs := make([]DeviceInfo, 0, s.devices.Len())
	s.devices.Range(func(_ string, d *DeviceInfo) bool {
		devs = append(devs, d.clone())
		return true
	})
	s.mu.Unlock()

	sort.SliceStable(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].Address.String() < devs[j].Address.String()
	})
	return devs
}

// Events returns a read-only channel of device events. The oldest events are
// dropped when the consumer falls behind.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
