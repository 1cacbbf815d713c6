package bledb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNormalizeUUID verifies that NormalizeUUID correctly handles various UUID formats
func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit short form",
			input:    "180a",
			expected: "180a",
		},
		{
			name:     "16-bit upper case",
			input:    "180A",
			expected: "180a",
		},
		{
			name:     "16-bit with 0x prefix",
			input:    "0x180d",
			expected: "180d",
		},
		{
			name:     "32-bit SIG alias",
			input:    "0000180d",
			expected: "180d",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "0000180d-0000-1000-8000-00805f9b34fb",
			expected: "180d",
		},
		{
			name:     "Full Bluetooth SIG UUID without dashes",
			input:    "0000180d00001000800000805f9b34fb",
			expected: "180d",
		},
		{
			name:     "Custom 128-bit UUID (not SIG base)",
			input:    "beb5483e-36e1-4688-b7f5-ea07361b26a8",
			expected: "beb5483e36e14688b7f5ea07361b26a8",
		},
		{
			name:     "UUID with braces",
			input:    "{0000180d-0000-1000-8000-00805f9b34fb}",
			expected: "180d",
		},
		{
			name:     "non-hex input",
			input:    "zz0a",
			expected: "",
		},
		{
			name:     "wrong length",
			input:    "180",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	got := NormalizeUUIDs([]string{"180A", "bogus", "00002A4D-0000-1000-8000-00805F9B34FB"})
	assert.Equal(t, []string{"180a", "2a4d"}, got, "invalid entries MUST be dropped")
}

// TestLookupWithFullUUID verifies that lookups work with both short and full UUIDs
func TestLookupWithFullUUID(t *testing.T) {
	assert.Equal(t, "Device Information", LookupService("180A"))
	assert.Equal(t, "Device Information", LookupService("0000180a-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "Report", LookupCharacteristic("0x2a4d"))
	assert.Equal(t, "Service Changed", LookupCharacteristic("00002a05-0000-1000-8000-00805f9b34fb"))
	assert.Equal(t, "Client Characteristic Configuration", LookupDescriptor("2902"))
	assert.Equal(t, "", LookupService("ffff"), "unknown UUID MUST resolve to empty name")
}
