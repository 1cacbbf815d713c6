package filter

import (
	"math/rand"
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var peer = device.MustParsePeerAddress("24:0a:c4:12:34:56")

func TestEvaluate(t *testing.T) {
	f, err := New([]string{"180A"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		services []string
		expected bool
	}{
		{name: "exact short form", services: []string{"180a"}, expected: true},
		{name: "upper case", services: []string{"180A"}, expected: true},
		{name: "full SIG form", services: []string{"0000180a-0000-1000-8000-00805f9b34fb"}, expected: true},
		{name: "among others", services: []string{"180d", "180f", "180a"}, expected: true},
		{name: "different service", services: []string{"180d"}, expected: false},
		{name: "no services", services: nil, expected: false},
		{name: "prefix is not a match", services: []string{"180a0000"}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := device.AdvertisementReport{Peer: peer, Services: tt.services}
			assert.Equal(t, tt.expected, f.Evaluate(report))
		})
	}
}

func TestEvaluateMatchesIffTargetAdvertised(t *testing.T) {
	// GOAL: For arbitrary report sequences the filter result equals set membership of the target
	//
	// TEST SCENARIO: Generate random service sets → compare Evaluate with a direct membership check

	f, err := New([]string{"beb5483e-36e1-4688-b7f5-ea07361b26a8"})
	require.NoError(t, err)

	pool := []string{
		"180a", "180d", "180f", "1812",
		"BEB5483E-36E1-4688-B7F5-EA07361B26A8",
		"beb5483e36e14688b7f5ea07361b26a8",
		"6e400001-b5a3-f393-e0a9-e50e24dcca9e",
	}
	target := device.NormalizeUUID("beb5483e-36e1-4688-b7f5-ea07361b26a8")

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		var services []string
		for n := rng.Intn(4); n > 0; n-- {
			services = append(services, pool[rng.Intn(len(pool))])
		}

		want := false
		for _, s := range services {
			if device.NormalizeUUID(s) == target {
				want = true
			}
		}

		got := f.Evaluate(device.AdvertisementReport{Peer: peer, Services: services})
		require.Equal(t, want, got, "services %v", services)
	}
}

func TestIgnoredPeer(t *testing.T) {
	f, err := New([]string{"180a"}, WithIgnored(peer))
	require.NoError(t, err)

	assert.False(t, f.Evaluate(device.AdvertisementReport{Peer: peer, Services: []string{"180a"}}),
		"ignored peer MUST NOT match")

	other := device.MustParsePeerAddress("24:0a:c4:00:00:01")
	assert.True(t, f.Evaluate(device.AdvertisementReport{Peer: other, Services: []string{"180a"}}))
}

func TestMinRSSI(t *testing.T) {
	f, err := New([]string{"180a"}, WithMinRSSI(-70))
	require.NoError(t, err)

	assert.True(t, f.Evaluate(device.AdvertisementReport{Peer: peer, RSSI: -60, Services: []string{"180a"}}))
	assert.False(t, f.Evaluate(device.AdvertisementReport{Peer: peer, RSSI: -90, Services: []string{"180a"}}))
}

func TestNewRejectsInvalidTargets(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err, "empty target set MUST be rejected")

	_, err = New([]string{"180a", "xyz"})
	assert.ErrorContains(t, err, "xyz")
}

func TestTargetsAreNormalized(t *testing.T) {
	f, err := New([]string{"0x180A", "0000180d-0000-1000-8000-00805f9b34fb"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"180a", "180d"}, f.Targets())
}
