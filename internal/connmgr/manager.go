// Package connmgr owns the lifecycle of peer connections: connect with reuse,
// disconnect with synchronous invalidation of dependent state, parameter
// negotiation and the security policy hooks.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
)

// DefaultMaxConnections matches the connection slot count of small controllers.
const DefaultMaxConnections = 3

// Invalidator drops per-connection state. Invalidate runs synchronously during
// teardown, after the connection left Connected and before it reaches Idle.
type Invalidator interface {
	Invalidate(handle device.ConnectionHandle)
}

// Forgetter drops per-peer state retained across links.
type Forgetter interface {
	Forget(peer device.PeerAddress)
}

// NotificationRouter receives value notifications of Connected links.
type NotificationRouter interface {
	Deliver(handle device.ConnectionHandle, valueHandle device.AttributeHandle, data []byte, indication bool)
}

// Options configure a Manager.
type Options struct {
	// MaxConnections caps the connection table, idle records included.
	MaxConnections int
	// InitialParams are passed to the link when opening; zero uses link defaults.
	InitialParams device.ConnParams
}

// Manager owns the connection table. It implements device.EventSink and
// registers itself with the link on construction.
type Manager struct {
	link      device.Link
	callbacks ClientCallbacks
	logger    *logrus.Logger
	opts      Options

	mu           sync.RWMutex
	byPeer       map[device.PeerAddress]*Connection
	byHandle     map[device.ConnectionHandle]*Connection
	invalidators []Invalidator
	router       NotificationRouter

	// connecting counts link opens in flight. While it is non-zero, disconnect
	// events for handles not yet recorded are kept in lostEarly.
	connecting int
	lostEarly  map[device.ConnectionHandle]device.DisconnectReason
}

// New creates a Manager on top of link.
func New(link device.Link, callbacks ClientCallbacks, logger *logrus.Logger, opts Options) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if callbacks == nil {
		callbacks = CallbackFuncs{}
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}

	m := &Manager{
		link:      link,
		callbacks: callbacks,
		logger:    logger,
		opts:      opts,
		byPeer:    make(map[device.PeerAddress]*Connection),
		byHandle:  make(map[device.ConnectionHandle]*Connection),
		lostEarly: make(map[device.ConnectionHandle]device.DisconnectReason),
	}
	link.SetEventSink(m)
	return m
}

// Register adds a component whose per-connection state must be dropped on teardown.
func (m *Manager) Register(inv Invalidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidators = append(m.invalidators, inv)
}

// SetNotificationRouter sets the receiver of notifications from Connected links.
func (m *Manager) SetNotificationRouter(r NotificationRouter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.router = r
}

// Connect returns a Connected handle for peer. An existing Connected record is
// returned as is, without a new link open. An Idle record is re-linked; with
// freshDiscovery=false its cached attribute data may be reused.
// The link open is abandoned after timeout; a link that completes later is closed.
func (m *Manager) Connect(ctx context.Context, peer device.PeerAddress, freshDiscovery bool, timeout time.Duration) (device.ConnectionHandle, error) {
	m.mu.Lock()
	conn, exists := m.byPeer[peer]
	var recycled *Connection

	if exists {
		switch state := conn.State(); state {
		case StateConnected:
			m.mu.Unlock()
			m.logger.WithFields(logrus.Fields{
				"address": peer.String(),
				"handle":  conn.Handle(),
			}).Debug("Reusing existing connection")
			return conn.Handle(), nil
		case StateConnecting, StateDisconnecting:
			m.mu.Unlock()
			return 0, &ConnectError{Kind: KindInProgress, Msg: fmt.Sprintf("%s is %s", peer, state)}
		}
	} else {
		if len(m.byPeer) >= m.opts.MaxConnections {
			recycled = m.idleRecordLocked()
			if recycled == nil {
				n := len(m.byPeer)
				m.mu.Unlock()
				return 0, &ConnectError{
					Kind: KindResourceExhausted,
					Msg:  fmt.Sprintf("%d of %d connections in use", n, m.opts.MaxConnections),
				}
			}
			delete(m.byPeer, recycled.Peer())
		}
		conn = newConnection(peer)
		m.byPeer[peer] = conn
	}
	conn.setConnecting(!freshDiscovery)
	m.connecting++
	m.mu.Unlock()

	if recycled != nil {
		m.logger.WithField("address", recycled.Peer().String()).Debug("Recycling idle connection record")
		m.forget(recycled.Peer())
	}

	logger := m.logger.WithFields(logrus.Fields{
		"address": peer.String(),
		"reuse":   exists,
	})
	logger.Info("Connecting")

	handle, err := m.openLink(ctx, peer, timeout)
	if err != nil {
		m.mu.Lock()
		m.abortConnectLocked(conn, exists)
		m.mu.Unlock()

		cerr := classifyOpenError(peer, err)
		logger.WithError(cerr).Warn("Failed to connect")
		return 0, cerr
	}

	m.mu.Lock()
	if reason, lost := m.lostEarly[handle]; lost {
		delete(m.lostEarly, handle)
		m.abortConnectLocked(conn, exists)
		m.mu.Unlock()

		cerr := &ConnectError{
			Kind: KindLinkRejected,
			Msg:  fmt.Sprintf("connect to %s: link dropped during setup (%s)", peer, reason),
			Err:  device.ErrLinkClosed,
		}
		logger.WithError(cerr).WithField("handle", handle).Warn("Failed to connect")
		return 0, cerr
	}
	m.settleConnectingLocked()
	conn.setConnected(handle, m.opts.InitialParams)
	m.byHandle[handle] = conn
	m.mu.Unlock()

	logger.WithField("handle", handle).Info("Connected")
	m.callbacks.OnConnect(conn)
	return handle, nil
}

// abortConnectLocked returns conn to Idle after a failed open and drops a
// record created for this attempt.
func (m *Manager) abortConnectLocked(conn *Connection, existed bool) {
	m.settleConnectingLocked()
	conn.abortConnecting()
	if peer := conn.Peer(); !existed && m.byPeer[peer] == conn {
		delete(m.byPeer, peer)
	}
}

func (m *Manager) settleConnectingLocked() {
	m.connecting--
	if m.connecting == 0 {
		clear(m.lostEarly)
	}
}

// openLink runs the link open under the timeout and abandons it unilaterally
// when the deadline passes.
func (m *Manager) openLink(ctx context.Context, peer device.PeerAddress, timeout time.Duration) (device.ConnectionHandle, error) {
	linkCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		linkCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type result struct {
		handle device.ConnectionHandle
		err    error
	}
	done := make(chan result, 1)

	groutine.Go(linkCtx, "connmgr-open-"+peer.String(), func(context.Context) {
		h, err := m.link.OpenLink(linkCtx, peer, m.opts.InitialParams)
		done <- result{h, err}
	})

	select {
	case r := <-done:
		return r.handle, r.err
	case <-linkCtx.Done():
		groutine.Go(context.Background(), "connmgr-reap-"+peer.String(), func(context.Context) {
			if r := <-done; r.err == nil {
				m.logger.WithFields(logrus.Fields{
					"address": peer.String(),
					"handle":  r.handle,
				}).Debug("Closing link that completed after the connect deadline")
				_ = m.link.CloseLink(r.handle, device.ReasonLocalHost)
			}
		})
		return 0, linkCtx.Err()
	}
}

func (m *Manager) idleRecordLocked() *Connection {
	var oldest *Connection
	for _, c := range m.byPeer {
		if c.State() != StateIdle {
			continue
		}
		if oldest == nil || c.ConnectedAt().Before(oldest.ConnectedAt()) {
			oldest = c
		}
	}
	return oldest
}

// Disconnect tears down the link behind handle. Dependent discovery and
// subscription state is dropped before the record returns to Idle.
func (m *Manager) Disconnect(handle device.ConnectionHandle, reason device.DisconnectReason) error {
	conn, ok := m.beginTeardown(handle, reason)
	if !ok {
		return &ConnectError{Kind: KindNotConnected, Msg: fmt.Sprintf("handle %d", handle)}
	}

	m.invalidate(handle)
	if err := m.link.CloseLink(handle, reason); err != nil && !errors.Is(err, device.ErrLinkClosed) {
		m.logger.WithFields(logrus.Fields{
			"address": conn.Peer().String(),
			"handle":  handle,
		}).WithError(err).Warn("Link close failed")
	}
	m.finishTeardown(conn, handle, reason)
	return nil
}

// beginTeardown removes handle from the active index and moves its record to Disconnecting.
func (m *Manager) beginTeardown(handle device.ConnectionHandle, reason device.DisconnectReason) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginTeardownLocked(handle, reason)
}

func (m *Manager) beginTeardownLocked(handle device.ConnectionHandle, reason device.DisconnectReason) (*Connection, bool) {
	conn, ok := m.byHandle[handle]
	if !ok || !conn.beginDisconnect(reason) {
		return nil, false
	}
	delete(m.byHandle, handle)
	return conn, true
}

func (m *Manager) invalidate(handle device.ConnectionHandle) {
	m.mu.RLock()
	invalidators := append([]Invalidator(nil), m.invalidators...)
	m.mu.RUnlock()

	for _, inv := range invalidators {
		inv.Invalidate(handle)
	}
}

func (m *Manager) forget(peer device.PeerAddress) {
	m.mu.RLock()
	invalidators := append([]Invalidator(nil), m.invalidators...)
	m.mu.RUnlock()

	for _, inv := range invalidators {
		if f, ok := inv.(Forgetter); ok {
			f.Forget(peer)
		}
	}
}

func (m *Manager) finishTeardown(conn *Connection, handle device.ConnectionHandle, reason device.DisconnectReason) {
	m.mu.Lock()
	conn.setIdle()
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": conn.Peer().String(),
		"handle":  handle,
		"reason":  reason.String(),
	}).Info("Disconnected")
	m.callbacks.OnDisconnect(conn, reason)
}

// NegotiateParameters asks the link for new connection parameters. The result
// is reported asynchronously and visible through Connection.Params.
func (m *Manager) NegotiateParameters(handle device.ConnectionHandle, params device.ConnParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid connection parameters: %w", err)
	}
	conn, ok := m.Lookup(handle)
	if !ok || !conn.IsConnected() {
		return &ConnectError{Kind: KindNotConnected, Msg: fmt.Sprintf("handle %d", handle)}
	}

	m.logger.WithFields(logrus.Fields{
		"address": conn.Peer().String(),
		"handle":  handle,
		"params":  params.String(),
	}).Debug("Requesting connection parameters")

	if err := m.link.UpdateParams(handle, params); err != nil {
		return fmt.Errorf("parameter update for %s: %w", conn.Peer(), err)
	}
	return nil
}

// Lookup returns the active connection for handle.
func (m *Manager) Lookup(handle device.ConnectionHandle) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byHandle[handle]
	return conn, ok
}

// ByPeer returns the record for peer, in any state.
func (m *Manager) ByPeer(peer device.PeerAddress) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byPeer[peer]
	return conn, ok
}

// Known reports whether a record exists for peer.
func (m *Manager) Known(peer device.PeerAddress) bool {
	_, ok := m.ByPeer(peer)
	return ok
}

// Connections returns a snapshot of all records ordered by peer address.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byPeer))
	for _, c := range m.byPeer {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Peer().String() < conns[j].Peer().String()
	})
	return conns
}

// Close disconnects every Connected link.
func (m *Manager) Close() {
	m.mu.RLock()
	handles := make([]device.ConnectionHandle, 0, len(m.byHandle))
	for h := range m.byHandle {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		_ = m.Disconnect(h, device.ReasonShutdown)
	}
}

// ----------------------------
// device.EventSink
// ----------------------------

// OnDisconnect handles a link-initiated disconnect.
// An event racing a link open, before the handle is recorded, fails that
// Connect instead of being dropped.
func (m *Manager) OnDisconnect(handle device.ConnectionHandle, reason device.DisconnectReason) {
	m.mu.Lock()
	conn, ok := m.beginTeardownLocked(handle, reason)
	pending := !ok && m.connecting > 0
	if pending {
		m.lostEarly[handle] = reason
	}
	m.mu.Unlock()

	if !ok {
		m.logger.WithFields(logrus.Fields{
			"handle":  handle,
			"pending": pending,
		}).Debug("Disconnect event for inactive handle")
		return
	}
	m.invalidate(handle)
	m.finishTeardown(conn, handle, reason)
}

func (m *Manager) OnParamsUpdated(handle device.ConnectionHandle, params device.ConnParams) {
	conn, ok := m.Lookup(handle)
	if !ok {
		return
	}
	conn.setParams(params)
	m.logger.WithFields(logrus.Fields{
		"address": conn.Peer().String(),
		"handle":  handle,
		"params":  params.String(),
	}).Info("Connection parameters updated")
}

func (m *Manager) OnPasskeyRequest(handle device.ConnectionHandle) uint32 {
	conn, ok := m.Lookup(handle)
	if !ok {
		return 0
	}
	return m.callbacks.OnPasskeyRequest(conn)
}

func (m *Manager) OnConfirmNumeric(handle device.ConnectionHandle, value uint32) bool {
	conn, ok := m.Lookup(handle)
	if !ok {
		return false
	}
	return m.callbacks.OnConfirmPIN(conn, value)
}

// OnAuthenticationComplete records the outcome and force-disconnects links
// that ended up unencrypted. Security failures are not retried.
func (m *Manager) OnAuthenticationComplete(handle device.ConnectionHandle, encrypted bool) {
	conn, ok := m.Lookup(handle)
	if !ok {
		return
	}
	conn.setEncrypted(encrypted)
	m.callbacks.OnAuthenticationComplete(conn, encrypted)

	if !encrypted {
		m.logger.WithFields(logrus.Fields{
			"address": conn.Peer().String(),
			"handle":  handle,
		}).Warn("Encrypt connection failed - disconnecting")
		_ = m.Disconnect(handle, device.ReasonAuthFailure)
	}
}

func (m *Manager) OnNotification(handle device.ConnectionHandle, valueHandle device.AttributeHandle, data []byte, indication bool) {
	m.mu.RLock()
	conn, ok := m.byHandle[handle]
	router := m.router
	m.mu.RUnlock()

	if !ok || router == nil || !conn.IsConnected() {
		return
	}
	router.Deliver(handle, valueHandle, data, indication)
}
