package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/connmgr"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/device/sim"
	"github.com/srg/blecentral/internal/discovery"
	"github.com/srg/blecentral/internal/filter"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

const (
	sensorAddress   = "24:0a:c4:12:34:56"
	sensorCharUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	controlCharUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a9"
	alertCharUUID   = "beb5483e-36e1-4688-b7f5-ea07361b26aa"
)

// collector records delivered notifications.
type collector struct {
	mu    sync.Mutex
	items []Notification
}

func (c *collector) handle(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, n)
}

func (c *collector) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.items...)
}

type SubscriptionTestSuite struct {
	testutils.SimulatedLinkSuite

	sensor     device.PeerAddress
	conns      *connmgr.Manager
	discoverer *discovery.Discoverer
	subs       *Manager
}

func (s *SubscriptionTestSuite) SetupTest() {
	s.WithPeripheral(sim.NewPeripheral(sensorAddress).
		WithName("ESP32").
		Advertising("180A").
		WithService("180a").
		WithCharacteristic(sensorCharUUID, "read,notify", "").
		WithCharacteristic(controlCharUUID, "read,write", "on").
		WithCharacteristicProfile(sim.CharacteristicProfile{UUID: alertCharUUID, Properties: "notify", RejectSubscribe: true}).
		WithService("180f").
		WithCharacteristic("2a19", "read,notify,indicate", "d").
		WithCharacteristic("2a1b", "indicate", ""))
	s.SimulatedLinkSuite.SetupTest()

	s.sensor = device.MustParsePeerAddress(sensorAddress)
	s.conns = connmgr.New(s.Link, nil, s.Logger, connmgr.Options{})
	s.discoverer = discovery.New(s.Link, s.conns, s.Logger, 0)
	s.subs = New(s.Link, s.conns, s.Logger)
	s.conns.Register(s.discoverer)
	s.conns.Register(s.subs)
	s.conns.SetNotificationRouter(s.subs)
}

func (s *SubscriptionTestSuite) TearDownTest() {
	s.conns.Close()
	s.SimulatedLinkSuite.TearDownTest()
}

func (s *SubscriptionTestSuite) connectAndDiscover() (device.ConnectionHandle, *device.ServiceTree) {
	h, err := s.conns.Connect(context.Background(), s.sensor, true, 5*time.Second)
	s.Require().NoError(err, "connect MUST succeed within 5s")
	tree, err := s.discoverer.Discover(context.Background(), h, false)
	s.Require().NoError(err, "discovery MUST succeed")
	return h, tree
}

func (s *SubscriptionTestSuite) characteristic(tree *device.ServiceTree, svc, chr string) *device.Characteristic {
	c, ok := tree.Characteristic(svc, chr)
	s.Require().True(ok, "characteristic %s/%s MUST be discovered", svc, chr)
	return c
}

func (s *SubscriptionTestSuite) TestScanConnectSubscribeDeliversOnce() {
	// GOAL: End-to-end scan → filter → connect → discover → subscribe → exactly-once delivery
	//
	// TEST SCENARIO: peer advertises 180A → filter matches → connect → notify characteristic found → subscribe → "42" delivered once

	f, err := filter.New([]string{"180A"})
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()
	var matched device.AdvertisementReport
	err = s.Link.StartScan(ctx, device.ScanParams{Active: true}, func(r device.AdvertisementReport) {
		if f.Evaluate(r) {
			matched = r
			cancel()
		}
	})
	s.Require().NoError(err)
	s.Require().Equal(s.sensor, matched.Peer, "advertised 180A MUST match")

	_, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", sensorCharUUID)
	s.Require().True(chr.Properties.CanNotify())

	got := &collector{}
	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, got.handle))
	s.Assert().Equal(device.SubscriptionNotify, s.subs.Mode(chr))

	s.Require().NoError(s.Link.Notify(s.sensor, sensorCharUUID, []byte("42")))
	s.Link.Flush()

	items := got.all()
	s.Require().Len(items, 1, "notification MUST be delivered exactly once")
	s.Assert().Equal([]byte("42"), items[0].Data)
	s.Assert().Equal(s.sensor, items[0].Peer)
	s.Assert().Equal("180a", items[0].ServiceUUID)
	s.Assert().Equal(device.NormalizeUUID(sensorCharUUID), items[0].CharacteristicUUID)
	s.Assert().True(device.SameUUID(sensorCharUUID, items[0].CharacteristicUUID))
	s.Assert().Equal(uint64(1), items[0].Seq)
	s.Assert().False(items[0].Indication)
}

func (s *SubscriptionTestSuite) TestDeliveryPreservesOrder() {
	// GOAL: Notifications of one characteristic are delivered in arrival order
	//
	// TEST SCENARIO: subscribe → 50 notifications → received in order with increasing Seq

	_, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", sensorCharUUID)
	got := &collector{}
	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, got.handle))

	for i := 0; i < 50; i++ {
		s.Require().NoError(s.Link.Notify(s.sensor, sensorCharUUID, []byte(fmt.Sprintf("%d", i))))
	}
	s.Link.Flush()

	items := got.all()
	s.Require().Len(items, 50)
	for i, n := range items {
		s.Assert().Equal(fmt.Sprintf("%d", i), string(n.Data))
		s.Assert().Equal(uint64(i+1), n.Seq)
	}
}

func (s *SubscriptionTestSuite) TestModeSelection() {
	// GOAL: Subscribe picks notify or indicate from the characteristic capabilities
	//
	// TEST SCENARIO: both supported + preferNotify=false → indicate; indicate only → indicate with Indication flag

	_, tree := s.connectAndDiscover()

	both := s.characteristic(tree, "180f", "2a19")
	s.Require().NoError(s.subs.Subscribe(context.Background(), both, false, func(Notification) {}))
	s.Assert().Equal(device.SubscriptionIndicate, s.subs.Mode(both))

	indicateOnly := s.characteristic(tree, "180f", "2a1b")
	got := &collector{}
	s.Require().NoError(s.subs.Subscribe(context.Background(), indicateOnly, true, got.handle))
	s.Assert().Equal(device.SubscriptionIndicate, s.subs.Mode(indicateOnly))

	s.Require().NoError(s.Link.Notify(s.sensor, "2a1b", []byte{1}))
	s.Link.Flush()
	s.Require().Len(got.all(), 1)
	s.Assert().True(got.all()[0].Indication)
	s.Assert().Equal(2, s.subs.Count())
}

func (s *SubscriptionTestSuite) TestUnsupported() {
	// GOAL: A characteristic without notify or indicate cannot be subscribed
	//
	// TEST SCENARIO: read/write characteristic → Unsupported → no route

	_, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", controlCharUUID)

	err := s.subs.Subscribe(context.Background(), chr, true, func(Notification) {})
	s.Assert().ErrorIs(err, ErrUnsupported)
	s.Assert().Equal(0, s.subs.Count())
}

func (s *SubscriptionTestSuite) TestWriteRejectedRemovesRoute() {
	// GOAL: A rejected configuration write fails the subscription and leaves no route
	//
	// TEST SCENARIO: peer rejects CCCD write → WriteRejected → Count 0 → Mode none

	_, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", alertCharUUID)

	err := s.subs.Subscribe(context.Background(), chr, true, func(Notification) {})
	s.Assert().ErrorIs(err, ErrWriteRejected)
	s.Assert().ErrorIs(err, device.ErrWriteRejected, "link cause MUST be preserved")
	s.Assert().Equal(0, s.subs.Count())
	s.Assert().Equal(device.SubscriptionNone, s.subs.Mode(chr))
}

func (s *SubscriptionTestSuite) TestUnsubscribeIsIdempotent() {
	// GOAL: Unsubscribing twice is harmless and stops delivery
	//
	// TEST SCENARIO: subscribe → unsubscribe twice → no error → peer sees no subscription

	_, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", sensorCharUUID)
	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, func(Notification) {}))

	s.Assert().NoError(s.subs.Unsubscribe(context.Background(), chr))
	s.Assert().NoError(s.subs.Unsubscribe(context.Background(), chr), "second unsubscribe MUST be a no-op")
	s.Assert().Equal(0, s.subs.Count())
	s.Assert().Equal(1, testutils.CountMessages(s.LogHook, "Unsubscribed"), "state MUST change once")

	err := s.Link.Notify(s.sensor, sensorCharUUID, []byte("x"))
	s.Assert().ErrorIs(err, sim.ErrNotSubscribed, "configuration descriptor MUST be cleared on the peer")
}

func (s *SubscriptionTestSuite) TestDisconnectInvalidatesSubscriptions() {
	// GOAL: After disconnect no handler receives notifications and subscribe fails with NotConnected
	//
	// TEST SCENARIO: subscribe → disconnect → late delivery dropped → subscribe → NotConnected

	h, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", sensorCharUUID)
	got := &collector{}
	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, got.handle))

	s.Require().NoError(s.conns.Disconnect(h, device.ReasonLocalHost))
	s.Assert().Equal(0, s.subs.Count(), "disconnect MUST drop all routes of the handle")

	s.subs.Deliver(h, chr.ValueHandle, []byte("late"), false)
	s.conns.OnNotification(h, chr.ValueHandle, []byte("late"), false)
	s.Assert().Empty(got.all(), "no delivery MUST happen after disconnect")

	err := s.subs.Subscribe(context.Background(), chr, true, got.handle)
	s.Assert().ErrorIs(err, ErrNotConnected)
}

func (s *SubscriptionTestSuite) TestQueuedDeliveryDroppedAfterDisconnect() {
	// GOAL: A delivery that already looked up its route before a disconnect is not handed to the handler
	//
	// TEST SCENARIO: first delivery blocks in the handler → second delivery queues on the route → disconnect → release → handler ran once

	h, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", sensorCharUUID)

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, func(Notification) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.subs.Deliver(h, chr.ValueHandle, []byte("first"), false)
	}()
	<-entered
	go func() {
		defer wg.Done()
		s.subs.Deliver(h, chr.ValueHandle, []byte("second"), false)
	}()
	time.Sleep(50 * time.Millisecond)

	s.Require().NoError(s.conns.Disconnect(h, device.ReasonLocalHost))
	close(release)
	wg.Wait()

	s.Assert().Equal(int32(1), calls.Load(), "queued delivery MUST be dropped once the subscription is removed")
}

func (s *SubscriptionTestSuite) TestUnencryptedLinkDropsSubscriptions() {
	// GOAL: An authentication that ends unencrypted leaves no subscription behind
	//
	// TEST SCENARIO: subscribe → pairing completes unencrypted → forced disconnect → Count 0

	_, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", sensorCharUUID)
	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, func(Notification) {}))

	s.Require().NoError(s.Link.Authenticate(s.sensor, false))

	s.Assert().Equal(0, s.subs.Count())
	conn, _ := s.conns.ByPeer(s.sensor)
	s.Assert().Equal(connmgr.StateIdle, conn.State())
}

func (s *SubscriptionTestSuite) TestHandlerPanicIsRecovered() {
	// GOAL: A panicking handler does not break later deliveries
	//
	// TEST SCENARIO: handler panics on first value → second value delivered → panic logged

	_, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", sensorCharUUID)

	got := &collector{}
	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, func(n Notification) {
		if n.Seq == 1 {
			panic("boom")
		}
		got.handle(n)
	}))

	s.Require().NoError(s.Link.Notify(s.sensor, sensorCharUUID, []byte("a")))
	s.Require().NoError(s.Link.Notify(s.sensor, sensorCharUUID, []byte("b")))
	s.Link.Flush()

	s.Require().Len(got.all(), 1)
	s.Assert().Equal([]byte("b"), got.all()[0].Data)
	s.Assert().Equal(1, testutils.CountMessages(s.LogHook, "Notification handler panicked"))
}

func (s *SubscriptionTestSuite) TestResubscribeReplacesHandler() {
	// GOAL: Subscribing again replaces the handler without duplicate delivery
	//
	// TEST SCENARIO: subscribe A → subscribe B → notify → only B receives it once

	_, tree := s.connectAndDiscover()
	chr := s.characteristic(tree, "180a", sensorCharUUID)
	first, second := &collector{}, &collector{}

	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, first.handle))
	s.Require().NoError(s.subs.Subscribe(context.Background(), chr, true, second.handle))
	s.Assert().Equal(1, s.subs.Count())

	s.Require().NoError(s.Link.Notify(s.sensor, sensorCharUUID, []byte("v")))
	s.Link.Flush()

	s.Assert().Empty(first.all())
	s.Assert().Len(second.all(), 1)
}

func TestSubscriptionTestSuite(t *testing.T) {
	suite.Run(t, new(SubscriptionTestSuite))
}

func TestSelectMode(t *testing.T) {
	tests := []struct {
		name         string
		props        device.Property
		preferNotify bool
		want         device.SubscriptionMode
	}{
		{"notify only", device.PropNotify, false, device.SubscriptionNotify},
		{"indicate only", device.PropIndicate, true, device.SubscriptionIndicate},
		{"both prefer notify", device.PropNotify | device.PropIndicate, true, device.SubscriptionNotify},
		{"both prefer indicate", device.PropNotify | device.PropIndicate, false, device.SubscriptionIndicate},
		{"neither", device.PropRead | device.PropWrite, true, device.SubscriptionNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectMode(tt.props, tt.preferNotify))
		})
	}
}

func TestRouteKeyIsUnique(t *testing.T) {
	assert.NotEqual(t, routeKey(1, 2), routeKey(2, 1))
	assert.NotEqual(t, routeKey(1, 0x0100), routeKey(2, 0))
	assert.Equal(t, uint32(0x0001_0002), routeKey(1, 2))
}
