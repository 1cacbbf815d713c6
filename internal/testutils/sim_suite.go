package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/device/sim"
	"github.com/stretchr/testify/suite"
)

// Default fixture peer.
const (
	DefaultPeerAddress = "aa:bb:cc:dd:ee:01"
	DefaultPeerName    = "Sensor"
)

// SimulatedLinkSuite provides a testify suite backed by a simulated link
// layer with configurable peripherals.
//
// Basic usage (default peripheral with a battery service):
//
//	type ManagerSuite struct {
//	    testutils.SimulatedLinkSuite
//	}
//
// Custom peripherals are configured before calling the parent SetupTest:
//
//	func (s *ManagerSuite) SetupTest() {
//	    s.WithPeripheral(sim.NewPeripheral("aa:bb:cc:dd:ee:02").
//	        WithService("180d").
//	        WithCharacteristic("2a37", "read,notify", "P"))
//
//	    s.SimulatedLinkSuite.SetupTest()
//	}
type SimulatedLinkSuite struct {
	suite.Suite

	Logger  *logrus.Logger
	LogHook *logtest.Hook
	Link    *sim.Link

	// Options for the simulated controller, applied in SetupTest
	LinkOptions sim.Options
	TestTimeout time.Duration

	peripherals []*sim.PeripheralBuilder
}

// WithPeripheral queues a peripheral for the next SetupTest.
func (s *SimulatedLinkSuite) WithPeripheral(b *sim.PeripheralBuilder) *SimulatedLinkSuite {
	s.peripherals = append(s.peripherals, b)
	return s
}

// SetupTest creates a fresh simulated link with the queued peripherals.
func (s *SimulatedLinkSuite) SetupTest() {
	s.Logger, s.LogHook = NewCapturingLogger()
	if s.TestTimeout == 0 {
		s.TestTimeout = 2 * time.Second
	}

	if len(s.peripherals) == 0 {
		s.peripherals = append(s.peripherals, DefaultPeripheral())
	}

	profile := &sim.Profile{}
	for _, b := range s.peripherals {
		profile.Peripherals = append(profile.Peripherals, b.Build())
	}

	link, err := sim.New(s.Logger, profile, s.LinkOptions)
	s.Require().NoError(err, "simulated link MUST start")
	s.Link = link
}

// TearDownTest stops the simulated link and resets the peripheral queue.
func (s *SimulatedLinkSuite) TearDownTest() {
	if s.Link != nil {
		s.Link.Close()
		s.Link = nil
	}
	s.peripherals = nil
	s.LinkOptions = sim.Options{}
}

// Peer returns the address of the default peripheral.
func (s *SimulatedLinkSuite) Peer() device.PeerAddress {
	return device.MustParsePeerAddress(DefaultPeerAddress)
}

// WaitUntil waits for cond within the suite timeout.
func (s *SimulatedLinkSuite) WaitUntil(cond func() bool, msg string) {
	s.Require().True(WaitFor(s.TestTimeout, cond), msg)
}

// DefaultPeripheral advertises battery and device information services.
func DefaultPeripheral() *sim.PeripheralBuilder {
	return sim.NewPeripheral(DefaultPeerAddress).
		WithName(DefaultPeerName).
		Advertising("180f").
		WithService("180a").
		WithCharacteristic("2a29", "read", "Acme").
		WithService("180f").
		WithCharacteristic("2a19", "read,notify", "d")
}
