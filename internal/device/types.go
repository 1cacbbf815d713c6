package device

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// ConnectionHandle is the opaque link identifier assigned by the link layer.
type ConnectionHandle uint16

// AttributeHandle identifies an attribute in the peer's database. It doubles
// as the stable ID of services, characteristics and descriptors.
type AttributeHandle uint16

// AdvertisementReport is one advertisement received while scanning.
type AdvertisementReport struct {
	Peer             PeerAddress
	PlatformID       string
	LocalName        string
	Services         []string // normalized UUIDs
	RSSI             int
	Connectable      bool
	ManufacturerData []byte
	Payload          []byte
}

// HasService reports whether the report advertises the given service UUID.
func (r AdvertisementReport) HasService(uuid string) bool {
	n := NormalizeUUID(uuid)
	if n == "" {
		return false
	}
	for _, s := range r.Services {
		if NormalizeUUID(s) == n {
			return true
		}
	}
	return false
}

// ScanParams configures one scan run. Duration 0 scans until the context is done.
type ScanParams struct {
	Duration        time.Duration
	Active          bool
	Interval        time.Duration
	Window          time.Duration
	AllowDuplicates bool
}

// Connection parameter limits of Bluetooth LE.
const (
	MinConnInterval       = 7500 * time.Microsecond
	MaxConnInterval       = 4 * time.Second
	MaxPeripheralLatency  = 499
	MinSupervisionTimeout = 100 * time.Millisecond
	MaxSupervisionTimeout = 32 * time.Second
)

// ConnParams are the negotiable link parameters.
type ConnParams struct {
	IntervalMin        time.Duration
	IntervalMax        time.Duration
	Latency            uint16
	SupervisionTimeout time.Duration
}

// ConnParamsFromUnits builds ConnParams from controller units:
// intervals in 1.25 ms, supervision timeout in 10 ms.
func ConnParamsFromUnits(minInterval, maxInterval, latency, timeout uint16) ConnParams {
	return ConnParams{
		IntervalMin:        time.Duration(minInterval) * 1250 * time.Microsecond,
		IntervalMax:        time.Duration(maxInterval) * 1250 * time.Microsecond,
		Latency:            latency,
		SupervisionTimeout: time.Duration(timeout) * 10 * time.Millisecond,
	}
}

// IsZero reports whether no parameters were set.
func (p ConnParams) IsZero() bool {
	return p == ConnParams{}
}

// Validate checks the parameters against the ranges the link layer accepts.
func (p ConnParams) Validate() error {
	switch {
	case p.IntervalMin < MinConnInterval || p.IntervalMax > MaxConnInterval:
		return fmt.Errorf("connection interval must be within %s..%s", MinConnInterval, MaxConnInterval)
	case p.IntervalMin > p.IntervalMax:
		return fmt.Errorf("minimum interval %s exceeds maximum %s", p.IntervalMin, p.IntervalMax)
	case p.Latency > MaxPeripheralLatency:
		return fmt.Errorf("peripheral latency %d exceeds %d", p.Latency, MaxPeripheralLatency)
	case p.SupervisionTimeout < MinSupervisionTimeout || p.SupervisionTimeout > MaxSupervisionTimeout:
		return fmt.Errorf("supervision timeout must be within %s..%s", MinSupervisionTimeout, MaxSupervisionTimeout)
	}

	// The link must survive (1+latency) skipped events at the maximum interval, twice.
	if minTimeout := time.Duration(1+int(p.Latency)) * p.IntervalMax * 2; p.SupervisionTimeout <= minTimeout {
		return fmt.Errorf("supervision timeout %s must exceed %s for latency %d", p.SupervisionTimeout, minTimeout, p.Latency)
	}
	return nil
}

func (p ConnParams) String() string {
	return fmt.Sprintf("interval=%s..%s latency=%d timeout=%s", p.IntervalMin, p.IntervalMax, p.Latency, p.SupervisionTimeout)
}

// Property is the GATT characteristic property bit set.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropSignedWrite
	PropExtended
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "signed-write"},
	{PropExtended, "extended"},
}

func (p Property) CanRead() bool     { return p&PropRead != 0 }
func (p Property) CanWrite() bool    { return p&(PropWrite|PropWriteWithoutResponse) != 0 }
func (p Property) CanNotify() bool   { return p&PropNotify != 0 }
func (p Property) CanIndicate() bool { return p&PropIndicate != 0 }

// String returns the comma separated property names.
func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.p != 0 {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseProperties parses a comma separated property list such as "read,notify".
func ParseProperties(s string) (Property, error) {
	var p Property
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		found := false
		for _, pn := range propertyNames {
			if pn.name == part {
				p |= pn.p
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}

// SubscriptionMode is the value-change delivery mode of a characteristic.
type SubscriptionMode uint8

const (
	SubscriptionNone SubscriptionMode = iota
	SubscriptionNotify
	SubscriptionIndicate
)

func (m SubscriptionMode) String() string {
	switch m {
	case SubscriptionNotify:
		return "notify"
	case SubscriptionIndicate:
		return "indicate"
	default:
		return "none"
	}
}

// CCCDValue returns the little-endian Client Characteristic Configuration value for the mode.
func (m SubscriptionMode) CCCDValue() []byte {
	v := make([]byte, 2)
	switch m {
	case SubscriptionNotify:
		binary.LittleEndian.PutUint16(v, 0x0001)
	case SubscriptionIndicate:
		binary.LittleEndian.PutUint16(v, 0x0002)
	}
	return v
}

// ParseCCCDValue decodes a Client Characteristic Configuration value.
func ParseCCCDValue(v []byte) (SubscriptionMode, error) {
	if len(v) != 2 {
		return SubscriptionNone, fmt.Errorf("invalid configuration descriptor value length %d", len(v))
	}
	switch binary.LittleEndian.Uint16(v) {
	case 0x0000:
		return SubscriptionNone, nil
	case 0x0001:
		return SubscriptionNotify, nil
	case 0x0002:
		return SubscriptionIndicate, nil
	default:
		return SubscriptionNone, fmt.Errorf("unsupported configuration descriptor value %#04x", binary.LittleEndian.Uint16(v))
	}
}

// DisconnectReason tells why a link was torn down.
type DisconnectReason uint8

const (
	ReasonLocalHost DisconnectReason = iota
	ReasonRemoteUser
	ReasonLinkLoss
	ReasonAuthFailure
	ReasonShutdown
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLocalHost:
		return "local host"
	case ReasonRemoteUser:
		return "remote user"
	case ReasonLinkLoss:
		return "link loss"
	case ReasonAuthFailure:
		return "authentication failure"
	case ReasonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}
