package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/srg/blecentral/internal/device"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection is the record of one peer link. It is owned by the Manager;
// other components hold its handle and read it through accessors.
type Connection struct {
	mu sync.RWMutex

	peer           device.PeerAddress
	handle         device.ConnectionHandle
	state          State
	params         device.ConnParams
	encrypted      bool
	generation     uint64
	reuseDiscovery bool
	connectedAt    time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func newConnection(peer device.PeerAddress) *Connection {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrNotConnected)
	return &Connection{peer: peer, state: StateIdle, ctx: ctx, cancel: cancel}
}

// Peer returns the peer address. Immutable.
func (c *Connection) Peer() device.PeerAddress {
	return c.peer
}

func (c *Connection) Handle() device.ConnectionHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the link is up.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Params returns the last negotiated connection parameters.
func (c *Connection) Params() device.ConnParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// Encrypted reports whether the link completed authentication with encryption.
func (c *Connection) Encrypted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.encrypted
}

// Generation increments on every successful link-up of this record.
func (c *Connection) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// ReuseDiscovery reports whether the current link was opened with
// freshDiscovery=false, allowing attribute data cached for this peer to be reused.
func (c *Connection) ReuseDiscovery() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reuseDiscovery
}

// ConnectedAt returns the time of the last link-up.
func (c *Connection) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Context is cancelled when the current link goes down. The cause is
// ErrNotConnected wrapped with the disconnect reason.
func (c *Connection) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

func (c *Connection) setConnecting(reuseDiscovery bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateConnecting
	c.reuseDiscovery = reuseDiscovery
}

func (c *Connection) setConnected(handle device.ConnectionHandle, params device.ConnParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = handle
	c.state = StateConnected
	c.params = params
	c.encrypted = false
	c.generation++
	c.connectedAt = time.Now()
	c.ctx, c.cancel = context.WithCancelCause(context.Background())
}

// beginDisconnect moves Connected to Disconnecting and cancels the link
// context. Returns false for any other state.
func (c *Connection) beginDisconnect(reason device.DisconnectReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return false
	}
	c.state = StateDisconnecting
	c.cancel(fmt.Errorf("%w: %s", ErrNotConnected, reason))
	return true
}

func (c *Connection) setIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.encrypted = false
}

func (c *Connection) setParams(p device.ConnParams) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = p
}

func (c *Connection) setEncrypted(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encrypted = v
}

// abortConnecting returns a failed Connecting record to Idle.
func (c *Connection) abortConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.state = StateIdle
	}
}
