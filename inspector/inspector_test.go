package inspector_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/srg/blecentral/inspector"
	"github.com/srg/blecentral/internal/connmgr"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/device/sim"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const rejectingAddress = "aa:bb:cc:dd:ee:09"

type InspectorTestSuite struct {
	testutils.SimulatedLinkSuite

	mu     sync.Mutex
	phases []string
}

func (s *InspectorTestSuite) SetupTest() {
	s.WithPeripheral(testutils.DefaultPeripheral())
	s.WithPeripheral(sim.NewPeripheral(rejectingAddress).RejectingConnections())
	s.SimulatedLinkSuite.SetupTest()

	s.mu.Lock()
	s.phases = nil
	s.mu.Unlock()
}

func (s *InspectorTestSuite) progress(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
}

func (s *InspectorTestSuite) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.phases...)
}

func (s *InspectorTestSuite) TestInspectReportsTreeAndValues() {
	// GOAL: Inspection connects, discovers, reads values and disconnects afterwards
	//
	// TEST SCENARIO: inspect default peripheral with value reads → JSON report → link closed
	opts := inspector.DefaultInspectOptions()
	opts.ReadValues = true

	report, err := inspector.InspectDevice(context.Background(), s.Link, s.Peer(), opts, s.Logger, s.progress,
		func(ctx context.Context, in *inspector.Inspection) (string, error) {
			s.True(in.Conn.IsConnected(), "link MUST be up while the callback runs")
			data, err := json.Marshal(inspector.Report(ctx, in))
			return string(data), err
		})
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(report, `{
		"address": "aa:bb:cc:dd:ee:01",
		"complete": true,
		"services": [
			{
				"uuid": "180a",
				"name": "Device Information",
				"characteristics": [
					{"uuid": "2a29", "properties": "read", "value": "41636d65"}
				]
			},
			{
				"uuid": "180f",
				"name": "Battery Service",
				"characteristics": [
					{"uuid": "2a19", "properties": "read,notify", "value": "64", "descriptors": ["2902"]}
				]
			}
		]
	}`)

	s.Equal([]string{"Connecting", "Connected", "Discovering", "Processing results"}, s.recorded())
	s.WaitUntil(func() bool {
		_, open := s.Link.Handle(s.Peer())
		return !open
	}, "link MUST be closed after inspection")
}

func (s *InspectorTestSuite) TestCallbackErrorIsReturned() {
	boom := errors.New("boom")
	_, err := inspector.InspectDevice(context.Background(), s.Link, s.Peer(), nil, s.Logger, nil,
		func(context.Context, *inspector.Inspection) (int, error) { return 0, boom })
	s.ErrorIs(err, boom)
}

func (s *InspectorTestSuite) TestRejectedConnection() {
	peer := device.MustParsePeerAddress(rejectingAddress)
	called := false
	_, err := inspector.InspectDevice(context.Background(), s.Link, peer, nil, s.Logger, s.progress,
		func(context.Context, *inspector.Inspection) (struct{}, error) {
			called = true
			return struct{}{}, nil
		})

	s.ErrorIs(err, connmgr.ErrLinkRejected)
	s.False(called, "callback MUST NOT run without a link")
	s.Equal([]string{"Connecting", "Failed"}, s.recorded())
}

func TestInspectorTestSuite(t *testing.T) {
	suite.Run(t, new(InspectorTestSuite))
}
