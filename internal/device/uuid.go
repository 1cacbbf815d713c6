package device

import (
	"fmt"

	"github.com/srg/blecentral/internal/bledb"
)

// Well-known attribute UUIDs, normalized.
const (
	UUIDClientCharConfig = "2902"
	UUIDServiceChanged   = "2a05"
)

// NormalizeUUID is re-exported from bledb for convenience.
// It converts a UUID string to the comparable form (lowercase, no dashes).
// Full 128-bit UUIDs in Bluetooth SIG base format (0000xxxx-0000-1000-8000-00805f9b34fb)
// collapse to the 16-bit short form (xxxx).
func NormalizeUUID(uuid string) string {
	return bledb.NormalizeUUID(uuid)
}

// NormalizeUUIDs is re-exported from bledb for convenience.
func NormalizeUUIDs(uuids []string) []string {
	return bledb.NormalizeUUIDs(uuids)
}

// SameUUID reports whether two UUID strings name the same attribute type.
func SameUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// DisplayName returns "<uuid> (<assigned name>)" when the UUID has an assigned name.
func DisplayName(uuid string, lookup func(string) string) string {
	if name := lookup(uuid); name != "" {
		return fmt.Sprintf("%s (%s)", uuid, name)
	}
	return uuid
}
