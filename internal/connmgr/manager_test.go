package connmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/device/sim"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/internal/testutils/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const secondPeerAddress = "aa:bb:cc:dd:ee:02"

// callbackRecorder captures client callbacks.
type callbackRecorder struct {
	mu          sync.Mutex
	connects    []device.PeerAddress
	disconnects []device.DisconnectReason
	passkeys    int
	auth        []bool
}

func (r *callbackRecorder) funcs() CallbackFuncs {
	return CallbackFuncs{
		Connect: func(conn *Connection) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects = append(r.connects, conn.Peer())
		},
		Disconnect: func(_ *Connection, reason device.DisconnectReason) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects = append(r.disconnects, reason)
		},
		PasskeyRequest: func(*Connection) uint32 {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.passkeys++
			return 123456
		},
		ConfirmPIN: func(*Connection, uint32) bool { return true },
		AuthenticationComplete: func(_ *Connection, encrypted bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.auth = append(r.auth, encrypted)
		},
	}
}

func (r *callbackRecorder) disconnectReasons() []device.DisconnectReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.DisconnectReason(nil), r.disconnects...)
}

// stateWatcher records the connection state seen while invalidating.
type stateWatcher struct {
	mu          sync.Mutex
	manager     *Manager
	invalidated []device.ConnectionHandle
	seen        []State
	forgotten   []device.PeerAddress
}

func (p *stateWatcher) Invalidate(handle device.ConnectionHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, handle)
	for _, c := range p.manager.Connections() {
		if c.Handle() == handle {
			p.seen = append(p.seen, c.State())
		}
	}
}

func (p *stateWatcher) Forget(peer device.PeerAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, peer)
}

type routedNotification struct {
	handle      device.ConnectionHandle
	valueHandle device.AttributeHandle
	data        []byte
}

type recordingRouter struct {
	mu   sync.Mutex
	seen []routedNotification
}

func (r *recordingRouter) Deliver(handle device.ConnectionHandle, valueHandle device.AttributeHandle, data []byte, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, routedNotification{handle, valueHandle, data})
}

func (r *recordingRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// managerSuite wires a Manager to a simulated link with two peripherals.
type managerSuite struct {
	testutils.SimulatedLinkSuite

	opts      Options
	recorder  *callbackRecorder
	watcher   *stateWatcher
	manager   *Manager
	secondary device.PeerAddress
}

func (s *managerSuite) SetupTest() {
	s.WithPeripheral(testutils.DefaultPeripheral())
	s.WithPeripheral(sim.NewPeripheral(secondPeerAddress).WithName("Other").WithService("180a"))
	s.SimulatedLinkSuite.SetupTest()

	s.secondary = device.MustParsePeerAddress(secondPeerAddress)
	s.recorder = &callbackRecorder{}
	s.manager = New(s.Link, s.recorder.funcs(), s.Logger, s.opts)
	s.watcher = &stateWatcher{manager: s.manager}
	s.manager.Register(s.watcher)
}

func (s *managerSuite) TearDownTest() {
	s.manager.Close()
	s.SimulatedLinkSuite.TearDownTest()
	s.opts = Options{}
}

func (s *managerSuite) connect(peer device.PeerAddress) device.ConnectionHandle {
	h, err := s.manager.Connect(context.Background(), peer, true, s.TestTimeout)
	s.Require().NoError(err, "connect to %s MUST succeed", peer)
	return h
}

type ManagerTestSuite struct {
	managerSuite
}

func (s *ManagerTestSuite) TestConnectReusesConnectedRecord() {
	// GOAL: A second Connect for a Connected peer returns the same handle without a new link open
	//
	// TEST SCENARIO: Connect twice → same handle → one link open → OnConnect fired once

	first := s.connect(s.Peer())
	second := s.connect(s.Peer())

	s.Assert().Equal(first, second, "reused connection MUST keep its handle")
	s.Assert().Equal(1, s.Link.Opens(), "reuse MUST NOT open another link")
	s.Assert().Len(s.recorder.connects, 1, "OnConnect MUST fire once per link-up")

	conn, ok := s.manager.Lookup(first)
	s.Require().True(ok)
	s.Assert().Equal(StateConnected, conn.State())
	s.Assert().Equal(uint64(1), conn.Generation())
	s.Assert().NoError(conn.Context().Err(), "link context MUST be live while Connected")
}

func (s *ManagerTestSuite) TestRejectedLink() {
	// GOAL: A refused link surfaces as LinkRejected and leaves no record
	//
	// TEST SCENARIO: Peer refuses → ErrLinkRejected → peer unknown afterwards

	rejecting := device.MustParsePeerAddress("aa:bb:cc:dd:ee:03")
	s.Require().NoError(s.Link.AddPeripheral(sim.NewPeripheral(rejecting.String()).RejectingConnections().Build()))

	_, err := s.manager.Connect(context.Background(), rejecting, true, s.TestTimeout)
	s.Require().Error(err)
	s.Assert().ErrorIs(err, ErrLinkRejected, "refused link MUST map to LinkRejected")
	s.Assert().ErrorIs(err, device.ErrLinkRejected, "link cause MUST be preserved")
	s.Assert().False(s.manager.Known(rejecting), "failed first connect MUST NOT leave a record")
}

func (s *ManagerTestSuite) TestConnectTimeout() {
	// GOAL: A link open that does not complete in time fails with Timeout
	//
	// TEST SCENARIO: Connect to an absent peer with 50ms timeout → ErrTimeout → no record

	absent := device.MustParsePeerAddress("aa:bb:cc:dd:ee:99")
	start := time.Now()
	_, err := s.manager.Connect(context.Background(), absent, true, 50*time.Millisecond)

	s.Require().Error(err)
	s.Assert().ErrorIs(err, ErrTimeout, "deadline MUST map to Timeout")
	s.Assert().Less(time.Since(start), time.Second, "connect MUST give up at the deadline")
	s.Assert().False(s.manager.Known(absent))
}

func (s *ManagerTestSuite) TestConnectCancelledIsNotTimeout() {
	// GOAL: Caller cancellation is reported as context.Canceled, not as a connection error kind
	//
	// TEST SCENARIO: Cancelled context → context.Canceled → not ErrTimeout

	absent := device.MustParsePeerAddress("aa:bb:cc:dd:ee:98")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.manager.Connect(ctx, absent, true, time.Second)
	s.Require().Error(err)
	s.Assert().ErrorIs(err, context.Canceled)
	s.Assert().NotErrorIs(err, ErrTimeout)
}

func (s *ManagerTestSuite) TestConnectWhileConnectingIsInProgress() {
	// GOAL: Connect for a peer with a link open in flight is refused
	//
	// TEST SCENARIO: Slow peer → first Connect in background → second Connect → ErrInProgress

	slow := device.MustParsePeerAddress("aa:bb:cc:dd:ee:04")
	s.Require().NoError(s.Link.AddPeripheral(sim.NewPeripheral(slow.String()).WithConnectDelay(200 * time.Millisecond).Build()))

	done := make(chan error, 1)
	go func() {
		_, err := s.manager.Connect(context.Background(), slow, true, s.TestTimeout)
		done <- err
	}()

	s.WaitUntil(func() bool {
		conn, ok := s.manager.ByPeer(slow)
		return ok && conn.State() == StateConnecting
	}, "first connect MUST reach Connecting")

	_, err := s.manager.Connect(context.Background(), slow, true, s.TestTimeout)
	s.Assert().ErrorIs(err, ErrInProgress)
	s.Assert().NoError(<-done, "first connect MUST complete")
}

func (s *ManagerTestSuite) TestDisconnectInvalidatesBeforeIdle() {
	// GOAL: Dependent state is dropped while the record is Disconnecting, before it becomes Idle
	//
	// TEST SCENARIO: Connect → Disconnect → invalidator sees Disconnecting → record Idle → callback reason

	h := s.connect(s.Peer())
	conn, _ := s.manager.Lookup(h)

	s.Require().NoError(s.manager.Disconnect(h, device.ReasonLocalHost))

	s.Assert().Equal([]device.ConnectionHandle{h}, s.watcher.invalidated, "invalidator MUST run once for the handle")
	s.Assert().Equal([]State{StateDisconnecting}, s.watcher.seen, "invalidation MUST happen before Idle")
	s.Assert().Equal(StateIdle, conn.State())
	s.Assert().Equal([]device.DisconnectReason{device.ReasonLocalHost}, s.recorder.disconnectReasons())

	_, active := s.manager.Lookup(h)
	s.Assert().False(active, "handle MUST leave the active index")
	s.Assert().True(s.manager.Known(s.Peer()), "idle record MUST be kept")

	s.Assert().Error(conn.Context().Err(), "link context MUST be cancelled")
	s.Assert().ErrorIs(context.Cause(conn.Context()), ErrNotConnected)

	err := s.manager.Disconnect(h, device.ReasonLocalHost)
	s.Assert().ErrorIs(err, ErrNotConnected, "second disconnect MUST report NotConnected")
}

func (s *ManagerTestSuite) TestRemoteDisconnect() {
	// GOAL: A link-initiated disconnect tears down the record like a local one
	//
	// TEST SCENARIO: Connect → peer drops link → invalidated → Idle → reason link loss

	h := s.connect(s.Peer())
	s.Require().NoError(s.Link.DropLink(s.Peer(), device.ReasonLinkLoss))

	s.Assert().Equal([]device.ConnectionHandle{h}, s.watcher.invalidated)
	s.Assert().Equal([]device.DisconnectReason{device.ReasonLinkLoss}, s.recorder.disconnectReasons())

	conn, ok := s.manager.ByPeer(s.Peer())
	s.Require().True(ok)
	s.Assert().Equal(StateIdle, conn.State())
}

func (s *ManagerTestSuite) TestReconnectIncrementsGeneration() {
	// GOAL: Re-linking an idle record gives a new generation and honours the discovery reuse flag
	//
	// TEST SCENARIO: Connect → Disconnect → Connect(fresh=false) → generation 2 → ReuseDiscovery

	h := s.connect(s.Peer())
	s.Require().NoError(s.manager.Disconnect(h, device.ReasonLocalHost))

	h2, err := s.manager.Connect(context.Background(), s.Peer(), false, s.TestTimeout)
	s.Require().NoError(err)

	conn, ok := s.manager.Lookup(h2)
	s.Require().True(ok)
	s.Assert().Equal(uint64(2), conn.Generation())
	s.Assert().True(conn.ReuseDiscovery(), "fresh=false MUST allow discovery reuse")
	s.Assert().Equal(2, s.Link.Opens())
}

func (s *ManagerTestSuite) TestNegotiateParameters() {
	// GOAL: Negotiated parameters become visible once the link reports them
	//
	// TEST SCENARIO: Connect → NegotiateParameters(6,6,0,15) → event delivered → Params updated

	h := s.connect(s.Peer())
	params := device.ConnParamsFromUnits(6, 6, 0, 15)

	s.Require().NoError(s.manager.NegotiateParameters(h, params))
	s.Link.Flush()

	conn, _ := s.manager.Lookup(h)
	s.Assert().Equal(params, conn.Params())

	bad := device.ConnParams{IntervalMin: time.Millisecond, IntervalMax: time.Millisecond, SupervisionTimeout: time.Second}
	s.Assert().Error(s.manager.NegotiateParameters(h, bad), "out of range parameters MUST be rejected")

	s.Assert().ErrorIs(s.manager.NegotiateParameters(device.ConnectionHandle(4242), params), ErrNotConnected)
}

func (s *ManagerTestSuite) TestUnencryptedLinkIsDropped() {
	// GOAL: Authentication that ends without encryption forces a disconnect
	//
	// TEST SCENARIO: Connect → pairing completes unencrypted → passkey answered → record Idle → reason auth failure

	h := s.connect(s.Peer())
	s.Require().NoError(s.Link.Authenticate(s.Peer(), false))

	conn, _ := s.manager.ByPeer(s.Peer())
	s.Assert().Equal(StateIdle, conn.State(), "unencrypted link MUST be torn down")
	s.Assert().Equal([]device.DisconnectReason{device.ReasonAuthFailure}, s.recorder.disconnectReasons())
	s.Assert().Equal(1, s.recorder.passkeys, "passkey MUST be requested during pairing")
	s.Assert().Equal([]device.ConnectionHandle{h}, s.watcher.invalidated)
	s.Assert().Equal(1, testutils.CountMessages(s.LogHook, "Encrypt connection failed"))
}

func (s *ManagerTestSuite) TestEncryptedLinkStays() {
	// GOAL: Successful encryption keeps the link and is visible on the record
	//
	// TEST SCENARIO: Connect → pairing completes encrypted → Connected and Encrypted

	h := s.connect(s.Peer())
	s.Require().NoError(s.Link.Authenticate(s.Peer(), true))

	conn, ok := s.manager.Lookup(h)
	s.Require().True(ok)
	s.Assert().True(conn.IsConnected())
	s.Assert().True(conn.Encrypted())
	s.Assert().Equal([]bool{true}, s.recorder.auth)
}

func (s *ManagerTestSuite) TestNotificationsRouteOnlyWhileConnected() {
	// GOAL: Notifications reach the router only for Connected links
	//
	// TEST SCENARIO: Connect → event delivered → Disconnect → late event dropped

	router := &recordingRouter{}
	s.manager.SetNotificationRouter(router)
	h := s.connect(s.Peer())

	s.manager.OnNotification(h, 5, []byte{1}, false)
	s.Require().Equal(1, router.count())

	s.Require().NoError(s.manager.Disconnect(h, device.ReasonLocalHost))
	s.manager.OnNotification(h, 5, []byte{2}, false)
	s.Assert().Equal(1, router.count(), "notification after teardown MUST be dropped")
}

func (s *ManagerTestSuite) TestCloseDisconnectsAll() {
	// GOAL: Close tears down every Connected link with the shutdown reason
	//
	// TEST SCENARIO: Connect two peers → Close → both Idle → two shutdown callbacks

	s.connect(s.Peer())
	s.connect(s.secondary)

	s.manager.Close()

	for _, c := range s.manager.Connections() {
		s.Assert().Equal(StateIdle, c.State(), "%s MUST be Idle after Close", c.Peer())
	}
	s.Assert().Equal([]device.DisconnectReason{device.ReasonShutdown, device.ReasonShutdown}, s.recorder.disconnectReasons())
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

type CapacityTestSuite struct {
	managerSuite
}

func (s *CapacityTestSuite) SetupTest() {
	s.opts = Options{MaxConnections: 1}
	s.managerSuite.SetupTest()
}

func (s *CapacityTestSuite) TestResourceExhaustedLeavesTableUnchanged() {
	// GOAL: A full table refuses new peers without touching existing records
	//
	// TEST SCENARIO: MaxConnections=1 → connect A → connect B → ResourceExhausted → A still Connected, B unknown

	h := s.connect(s.Peer())

	_, err := s.manager.Connect(context.Background(), s.secondary, true, s.TestTimeout)
	s.Require().Error(err)
	s.Assert().ErrorIs(err, ErrResourceExhausted)

	s.Assert().False(s.manager.Known(s.secondary))
	s.Assert().Len(s.manager.Connections(), 1)
	conn, ok := s.manager.Lookup(h)
	s.Require().True(ok)
	s.Assert().True(conn.IsConnected())
	s.Assert().Equal(1, s.Link.Opens(), "refused connect MUST NOT reach the link")
}

func (s *CapacityTestSuite) TestIdleRecordIsRecycled() {
	// GOAL: An idle record is recycled for a new peer and its retained state forgotten
	//
	// TEST SCENARIO: connect A → disconnect A → connect B → A forgotten → B Connected

	h := s.connect(s.Peer())
	s.Require().NoError(s.manager.Disconnect(h, device.ReasonLocalHost))

	s.connect(s.secondary)

	s.Assert().False(s.manager.Known(s.Peer()), "recycled peer MUST leave the table")
	s.Assert().True(s.manager.Known(s.secondary))
	s.Assert().Equal([]device.PeerAddress{s.Peer()}, s.watcher.forgotten)
}

func TestCapacityTestSuite(t *testing.T) {
	suite.Run(t, new(CapacityTestSuite))
}

func TestLinkBusyMapsToResourceExhausted(t *testing.T) {
	// GOAL: A controller without free link slots is reported as ResourceExhausted

	logger, _ := testutils.NewCapturingLogger()
	profile := &sim.Profile{Peripherals: []sim.PeripheralProfile{
		testutils.DefaultPeripheral().Build(),
		sim.NewPeripheral(secondPeerAddress).Build(),
	}}
	link, err := sim.New(logger, profile, sim.Options{MaxLinks: 1})
	require.NoError(t, err)
	defer link.Close()

	m := New(link, nil, logger, Options{})
	_, err = m.Connect(context.Background(), device.MustParsePeerAddress(testutils.DefaultPeerAddress), true, time.Second)
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), device.MustParsePeerAddress(secondPeerAddress), true, time.Second)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.ErrorIs(t, err, device.ErrLinkBusy)
}

func TestLateLinkIsClosed(t *testing.T) {
	// GOAL: A link that completes after the connect deadline is closed, not leaked
	//
	// TEST SCENARIO: OpenLink returns after the deadline → Connect reports Timeout → CloseLink called for the late handle

	logger, hook := testutils.NewCapturingLogger()
	link := &mocks.MockLink{}
	peer := device.MustParsePeerAddress(testutils.DefaultPeerAddress)

	closed := make(chan struct{})
	link.On("OpenLink", mock.Anything, peer, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(100 * time.Millisecond) }).
		Return(device.ConnectionHandle(7), nil)
	link.On("CloseLink", device.ConnectionHandle(7), device.ReasonLocalHost).
		Run(func(mock.Arguments) { close(closed) }).
		Return(nil)

	m := New(link, nil, logger, Options{})
	assert.Same(t, m, link.Sink(), "manager MUST register as the event sink")

	_, err := m.Connect(context.Background(), peer, true, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("late link MUST be closed")
	}
	link.AssertExpectations(t)
	assert.False(t, m.Known(peer))
	assert.Equal(t, 1, testutils.CountMessages(hook, "Failed to connect"))
}

func TestLinkLostDuringOpenFailsConnect(t *testing.T) {
	// GOAL: A link-loss event delivered before the open returns is not dropped
	//
	// TEST SCENARIO: OpenLink emits OnDisconnect for its own handle before returning → Connect fails → no Connected record

	logger, _ := testutils.NewCapturingLogger()
	link := &mocks.MockLink{}
	peer := device.MustParsePeerAddress(testutils.DefaultPeerAddress)
	recorder := &callbackRecorder{}

	link.On("OpenLink", mock.Anything, peer, mock.Anything).
		Run(func(mock.Arguments) { link.Sink().OnDisconnect(9, device.ReasonLinkLoss) }).
		Return(device.ConnectionHandle(9), nil).Once()

	m := New(link, recorder.funcs(), logger, Options{})
	_, err := m.Connect(context.Background(), peer, true, time.Second)
	require.ErrorIs(t, err, ErrLinkRejected)
	assert.ErrorIs(t, err, device.ErrLinkClosed)

	_, ok := m.Lookup(9)
	assert.False(t, ok, "dropped handle MUST NOT be recorded as active")
	assert.False(t, m.Known(peer), "record created for the attempt MUST be removed")
	assert.Empty(t, recorder.connects, "OnConnect MUST NOT fire for a dropped link")

	// A later attempt is unaffected by the consumed event
	link.On("OpenLink", mock.Anything, peer, mock.Anything).
		Return(device.ConnectionHandle(9), nil).Once()
	h, err := m.Connect(context.Background(), peer, true, time.Second)
	require.NoError(t, err)
	conn, ok := m.Lookup(h)
	require.True(t, ok)
	assert.Equal(t, StateConnected, conn.State())
	link.AssertExpectations(t)
}

func TestStrayDisconnectWithoutPendingOpenIsIgnored(t *testing.T) {
	logger, _ := testutils.NewCapturingLogger()
	link := &mocks.MockLink{}
	peer := device.MustParsePeerAddress(testutils.DefaultPeerAddress)

	m := New(link, nil, logger, Options{})
	m.OnDisconnect(4, device.ReasonLinkLoss)

	link.On("OpenLink", mock.Anything, peer, mock.Anything).Return(device.ConnectionHandle(4), nil)
	h, err := m.Connect(context.Background(), peer, true, time.Second)
	require.NoError(t, err, "events outside a pending open MUST NOT fail later connects")
	assert.Equal(t, device.ConnectionHandle(4), h)
}

func TestClassifyOpenError(t *testing.T) {
	peer := device.MustParsePeerAddress(testutils.DefaultPeerAddress)
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"link timeout", device.ErrTimeout, ErrTimeout},
		{"busy", device.ErrLinkBusy, ErrResourceExhausted},
		{"rejected", device.ErrLinkRejected, ErrLinkRejected},
		{"other", errors.New("hci: unknown"), ErrLinkRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyOpenError(peer, tt.err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, tt.err, "cause MUST be wrapped")
		})
	}
}
