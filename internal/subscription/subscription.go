// Package subscription enables notify/indicate on characteristics and
// routes incoming value changes to registered handlers.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/connmgr"
	"github.com/srg/blecentral/internal/device"
)

// Notification is one value change delivered to a Handler.
type Notification struct {
	Conn               device.ConnectionHandle
	Peer               device.PeerAddress
	ServiceUUID        string
	CharacteristicUUID string
	Data               []byte
	Indication         bool
	// Seq counts deliveries on the subscription, starting at 1.
	Seq        uint64
	ReceivedAt time.Time
}

// Handler receives notifications on the link event task. It must return
// quickly and must not call connection management synchronously.
type Handler func(n Notification)

// ConnectionSource resolves connection handles to their records.
type ConnectionSource interface {
	Lookup(handle device.ConnectionHandle) (*connmgr.Connection, bool)
}

type route struct {
	conn        device.ConnectionHandle
	peer        device.PeerAddress
	generation  uint64
	valueHandle device.AttributeHandle
	serviceUUID string
	charUUID    string
	mode        device.SubscriptionMode
	handler     Handler

	mu  sync.Mutex
	seq uint64
	// dead is set when the route is removed. Deliveries already holding the
	// route re-check it under mu and drop the value.
	dead atomic.Bool
}

// routeKey packs the connection and value handles.
func routeKey(conn device.ConnectionHandle, valueHandle device.AttributeHandle) uint32 {
	return uint32(conn)<<16 | uint32(valueHandle)
}

// Manager owns the subscription routes of all connections.
type Manager struct {
	link   device.Link
	conns  ConnectionSource
	logger *logrus.Logger

	// mu serializes route mutation; lookups on the delivery path are lock-free
	mu     sync.Mutex
	routes *hashmap.Map[uint32, *route]
}

// New creates a Manager.
func New(link device.Link, conns ConnectionSource, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		link:   link,
		conns:  conns,
		logger: logger,
		routes: hashmap.New[uint32, *route](),
	}
}

// SelectMode applies the delivery policy: notify if supported, else indicate;
// preferNotify decides when both are supported.
func SelectMode(props device.Property, preferNotify bool) device.SubscriptionMode {
	switch {
	case props.CanNotify() && props.CanIndicate():
		if preferNotify {
			return device.SubscriptionNotify
		}
		return device.SubscriptionIndicate
	case props.CanNotify():
		return device.SubscriptionNotify
	case props.CanIndicate():
		return device.SubscriptionIndicate
	default:
		return device.SubscriptionNone
	}
}

// Subscribe enables value-change delivery for chr and routes it to handler.
// The route is registered before the configuration write, so a value pushed
// right after the peer accepts the write is not lost.
func (m *Manager) Subscribe(ctx context.Context, chr *device.Characteristic, preferNotify bool, handler Handler) error {
	if chr == nil || handler == nil {
		return fmt.Errorf("subscribe requires a characteristic and a handler")
	}

	mode := SelectMode(chr.Properties, preferNotify)
	if mode == device.SubscriptionNone {
		return &SubscribeError{Kind: KindUnsupported, Msg: fmt.Sprintf("characteristic %s supports neither notify nor indicate", chr.UUID)}
	}
	conn, ok := m.conns.Lookup(chr.Conn)
	if !ok || !conn.IsConnected() {
		return &SubscribeError{Kind: KindNotConnected, Msg: fmt.Sprintf("handle %d", chr.Conn)}
	}
	if chr.CCCD == nil {
		return &SubscribeError{Kind: KindUnsupported, Msg: fmt.Sprintf("characteristic %s has no configuration descriptor", chr.UUID)}
	}

	r := &route{
		conn:        chr.Conn,
		peer:        conn.Peer(),
		generation:  conn.Generation(),
		valueHandle: chr.ValueHandle,
		charUUID:    chr.UUID,
		mode:        mode,
		handler:     handler,
	}
	if chr.Service != nil {
		r.serviceUUID = chr.Service.UUID
	}
	key := routeKey(chr.Conn, chr.ValueHandle)

	m.mu.Lock()
	previous, hadPrevious := m.routes.Get(key)
	m.routes.Set(key, r)
	m.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{
		"address":        r.peer.String(),
		"handle":         r.conn,
		"characteristic": r.charUUID,
		"mode":           mode.String(),
	})

	if err := m.writeCCCD(ctx, conn, chr, mode); err != nil {
		m.mu.Lock()
		r.dead.Store(true)
		if current, ok := m.routes.Get(key); ok && current == r {
			if hadPrevious {
				m.routes.Set(key, previous)
			} else {
				m.routes.Del(key)
			}
		}
		m.mu.Unlock()
		logger.WithError(err).Warn("Subscribe failed")
		return err
	}

	// The link may have dropped while the write was in flight
	m.mu.Lock()
	current, still := m.routes.Get(key)
	m.mu.Unlock()
	if !still || current != r || conn.Generation() != r.generation || !conn.IsConnected() {
		return &SubscribeError{Kind: KindNotConnected, Msg: fmt.Sprintf("%s disconnected during subscribe", r.peer)}
	}

	logger.Info("Subscribed")
	return nil
}

// Unsubscribe disables delivery for chr. It is a no-op when chr is not subscribed.
func (m *Manager) Unsubscribe(ctx context.Context, chr *device.Characteristic) error {
	if chr == nil {
		return nil
	}
	key := routeKey(chr.Conn, chr.ValueHandle)

	m.mu.Lock()
	r, ok := m.routes.Get(key)
	if ok {
		r.dead.Store(true)
		m.routes.Del(key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	logger := m.logger.WithFields(logrus.Fields{
		"address":        r.peer.String(),
		"handle":         r.conn,
		"characteristic": r.charUUID,
	})

	conn, connected := m.conns.Lookup(chr.Conn)
	if !connected || !conn.IsConnected() || chr.CCCD == nil {
		logger.Debug("Unsubscribed without configuration write")
		return nil
	}
	if err := m.writeCCCD(ctx, conn, chr, device.SubscriptionNone); err != nil {
		logger.WithError(err).Warn("Disabling delivery failed")
		return err
	}
	logger.Info("Unsubscribed")
	return nil
}

func (m *Manager) writeCCCD(ctx context.Context, conn *connmgr.Connection, chr *device.Characteristic, mode device.SubscriptionMode) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(conn.Context(), cancel)
	defer stop()

	err := m.link.WriteDescriptor(wctx, chr.Conn, chr.CCCD.Handle, mode.CCCDValue())
	switch {
	case err == nil:
		return nil
	case conn.Context().Err() != nil, errors.Is(err, device.ErrLinkClosed):
		return &SubscribeError{Kind: KindNotConnected, Msg: conn.Peer().String(), Err: err}
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return &SubscribeError{Kind: KindWriteRejected, Msg: fmt.Sprintf("characteristic %s", chr.UUID), Err: err}
	}
}

// Deliver routes one value change to its handler. Called on the link event
// task; unknown routes are dropped. Handler panics are recovered and logged.
func (m *Manager) Deliver(handle device.ConnectionHandle, valueHandle device.AttributeHandle, data []byte, indication bool) {
	r, ok := m.routes.Get(routeKey(handle, valueHandle))
	if !ok || r.dead.Load() {
		m.logger.WithFields(logrus.Fields{
			"handle":       handle,
			"value_handle": valueHandle,
		}).Debug("Dropping notification without subscription")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead.Load() {
		m.logger.WithFields(logrus.Fields{
			"handle":       handle,
			"value_handle": valueHandle,
		}).Debug("Dropping notification for removed subscription")
		return
	}
	r.seq++
	n := Notification{
		Conn:               r.conn,
		Peer:               r.peer,
		ServiceUUID:        r.serviceUUID,
		CharacteristicUUID: r.charUUID,
		Data:               data,
		Indication:         indication,
		Seq:                r.seq,
		ReceivedAt:         time.Now(),
	}

	defer func() {
		if rec := recover(); rec != nil {
			m.logger.WithFields(logrus.Fields{
				"address":        r.peer.String(),
				"characteristic": r.charUUID,
				"panic":          rec,
			}).Error("Notification handler panicked")
		}
	}()
	r.handler(n)
}

// Invalidate drops every route of handle. Registered with the connection
// manager, it runs before the connection reaches Idle.
func (m *Manager) Invalidate(handle device.ConnectionHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []uint32
	m.routes.Range(func(key uint32, r *route) bool {
		if r.conn == handle {
			r.dead.Store(true)
			keys = append(keys, key)
		}
		return true
	})
	for _, k := range keys {
		m.routes.Del(k)
	}
	if len(keys) > 0 {
		m.logger.WithFields(logrus.Fields{
			"handle":        handle,
			"subscriptions": len(keys),
		}).Debug("Subscriptions invalidated")
	}
}

// Mode returns the active delivery mode of chr.
func (m *Manager) Mode(chr *device.Characteristic) device.SubscriptionMode {
	if chr == nil {
		return device.SubscriptionNone
	}
	if r, ok := m.routes.Get(routeKey(chr.Conn, chr.ValueHandle)); ok {
		return r.mode
	}
	return device.SubscriptionNone
}

// Count returns the number of active subscriptions.
func (m *Manager) Count() int {
	return m.routes.Len()
}
