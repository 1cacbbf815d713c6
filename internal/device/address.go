package device

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
)

// AddressType tags how a PeerAddress was obtained.
type AddressType uint8

const (
	AddressPublic AddressType = iota
	AddressRandom
	// AddressPlatform marks an address derived from an opaque platform
	// identifier (CoreBluetooth exposes per-host UUIDs instead of MACs).
	AddressPlatform
)

func (t AddressType) String() string {
	switch t {
	case AddressPublic:
		return "public"
	case AddressRandom:
		return "random"
	case AddressPlatform:
		return "platform"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// PeerAddress identifies a peer: a 6-byte address plus its type tag.
// It is comparable and used as the key of the connection table.
type PeerAddress struct {
	Addr [6]byte
	Type AddressType
}

// ParsePeerAddress parses "aa:bb:cc:dd:ee:ff", "aa-bb-cc-dd-ee-ff" or "aabbccddeeff".
// The address type is public unless the most significant two bits mark a
// static random address.
func ParsePeerAddress(s string) (PeerAddress, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.NewReplacer(":", "", "-", "").Replace(raw)
	if len(raw) != 12 {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: expected 6 bytes", s)
	}

	var pa PeerAddress
	if _, err := hex.Decode(pa.Addr[:], []byte(raw)); err != nil {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: %w", s, err)
	}
	if pa.Addr[0]&0xc0 == 0xc0 {
		pa.Type = AddressRandom
	}
	return pa, nil
}

// MustParsePeerAddress is ParsePeerAddress that panics on error. For tests and constants.
func MustParsePeerAddress(s string) PeerAddress {
	pa, err := ParsePeerAddress(s)
	if err != nil {
		panic(err)
	}
	return pa
}

// PlatformAddress derives a stable PeerAddress from an opaque platform identifier.
func PlatformAddress(id string) PeerAddress {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(id)))
	sum := h.Sum(nil)

	pa := PeerAddress{Type: AddressPlatform}
	copy(pa.Addr[:], sum[:6])
	return pa
}

// ResolvePeerAddress parses a MAC address and falls back to PlatformAddress
// for anything else.
func ResolvePeerAddress(s string) PeerAddress {
	if pa, err := ParsePeerAddress(s); err == nil {
		return pa
	}
	return PlatformAddress(s)
}

// String returns the lower-case colon separated form.
func (a PeerAddress) String() string {
	var b strings.Builder
	for i, octet := range a.Addr {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex.EncodeToString([]byte{octet}))
	}
	return b.String()
}

// IsZero reports whether the address is unset.
func (a PeerAddress) IsZero() bool {
	return a == PeerAddress{}
}
