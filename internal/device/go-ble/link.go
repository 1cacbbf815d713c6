// Package goble implements device.Link on top of github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
)

// DefaultEventQueue is the capacity of the event task queue.
const DefaultEventQueue = 256

// Client is the part of ble.Client the link drives.
type Client interface {
	Addr() ble.Addr
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Central is the part of ble.Device the link drives.
type Central interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (Client, error)
	Stop() error
}

type deviceCentral struct {
	dev ble.Device
}

// NewCentral adapts a go-ble device.
func NewCentral(dev ble.Device) Central {
	return &deviceCentral{dev: dev}
}

func (c *deviceCentral) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return c.dev.Scan(ctx, allowDup, h)
}

func (c *deviceCentral) Dial(ctx context.Context, a ble.Addr) (Client, error) {
	client, err := c.dev.Dial(ctx, a)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c *deviceCentral) Stop() error {
	return c.dev.Stop()
}

// Options configure a Link.
type Options struct {
	EventQueue int
}

// Link is the production device.Link. go-ble callbacks are funneled through
// a single event task so the sink sees one event at a time.
type Link struct {
	central Central
	logger  *logrus.Logger

	// addrs maps peer addresses to the platform address seen while scanning
	addrs *hashmap.Map[string, ble.Addr]

	mu     sync.Mutex
	links  map[device.ConnectionHandle]*gattLink
	next   device.ConnectionHandle
	sink   device.EventSink
	closed bool

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewLink creates a Link driving central.
func NewLink(central Central, logger *logrus.Logger, opts Options) *Link {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = DefaultEventQueue
	}
	l := &Link{
		central: central,
		logger:  logger,
		addrs:   hashmap.New[string, ble.Addr](),
		links:   make(map[device.ConnectionHandle]*gattLink),
		events:  make(chan func(), opts.EventQueue),
		done:    make(chan struct{}),
	}
	groutine.Go(context.Background(), "goble-events", l.runEvents)
	return l
}

// Open creates a Link on the platform's default HCI device.
func Open(scan device.ScanParams, initial device.ConnParams, logger *logrus.Logger, opts Options) (*Link, error) {
	dev, err := NewDevice(scan, initial)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return NewLink(NewCentral(dev), logger, opts), nil
}

func (l *Link) runEvents(ctx context.Context) {
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.events:
			fn()
		}
	}
}

// post queues fn on the event task. Events posted after Close are dropped.
func (l *Link) post(fn func()) {
	select {
	case <-l.done:
	case l.events <- fn:
	}
}

func (l *Link) SetEventSink(sink device.EventSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

func (l *Link) eventSink() device.EventSink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink
}

// Close drops every link and stops the event task.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		links := make([]*gattLink, 0, len(l.links))
		for h, gl := range l.links {
			links = append(links, gl)
			delete(l.links, h)
		}
		l.mu.Unlock()

		for _, gl := range links {
			gl.closing.Store(true)
			if cerr := gl.client.CancelConnection(); cerr != nil {
				l.logger.WithError(cerr).WithField("handle", gl.handle).Debug("Cancel connection failed")
			}
		}
		close(l.done)
		err = l.central.Stop()
	})
	return NormalizeError(err)
}

// ----------------------------
// Scanning
// ----------------------------

func (l *Link) StartScan(ctx context.Context, params device.ScanParams, handler func(device.AdvertisementReport)) error {
	if params.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Duration)
		defer cancel()
	}

	l.logger.WithFields(logrus.Fields{
		"duration":   params.Duration,
		"duplicates": params.AllowDuplicates,
	}).Debug("Starting BLE scan")

	err := l.central.Scan(ctx, params.AllowDuplicates, func(adv ble.Advertisement) {
		r := newReport(adv)
		l.addrs.Set(r.Peer.String(), adv.Addr())
		handler(r)
	})
	// go-ble reports the end of the scan window as a context error
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return NormalizeError(err)
}

// ----------------------------
// Link lifecycle
// ----------------------------

func (l *Link) OpenLink(ctx context.Context, peer device.PeerAddress, params device.ConnParams) (device.ConnectionHandle, error) {
	addr, ok := l.addrs.Get(peer.String())
	if !ok {
		if peer.Type == device.AddressPlatform {
			return 0, &device.LinkError{State: device.LinkRejected, Msg: fmt.Sprintf("%s was never seen while scanning", peer)}
		}
		addr = ble.NewAddr(peer.String())
	}

	logger := l.logger.WithField("address", addr.String())
	logger.Debug("Dialing BLE device")

	client, err := l.central.Dial(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		nerr := NormalizeError(err)
		if _, known := nerr.(*device.LinkError); !known {
			nerr = &device.LinkError{State: device.LinkRejected, Msg: err.Error()}
		}
		return 0, nerr
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = client.CancelConnection()
		return 0, device.ErrLinkClosed
	}
	l.next++
	gl := newGattLink(l.next, peer, client)
	l.links[gl.handle] = gl
	l.mu.Unlock()

	groutine.Go(context.Background(), fmt.Sprintf("goble-monitor-%d", gl.handle), func(context.Context) {
		l.monitor(gl)
	})

	logger.WithField("handle", gl.handle).Debug("BLE link up")
	return gl.handle, nil
}

// monitor reports a link loss the stack noticed on its own.
func (l *Link) monitor(gl *gattLink) {
	select {
	case <-l.done:
		return
	case <-gl.client.Disconnected():
	}
	if gl.closing.Load() {
		return
	}

	l.mu.Lock()
	current, ok := l.links[gl.handle]
	if ok && current == gl {
		delete(l.links, gl.handle)
	}
	l.mu.Unlock()
	if !ok || current != gl {
		return
	}

	l.logger.WithField("handle", gl.handle).Warn("BLE stack reported disconnection")
	l.post(func() {
		if sink := l.eventSink(); sink != nil {
			sink.OnDisconnect(gl.handle, device.ReasonLinkLoss)
		}
	})
}

func (l *Link) CloseLink(handle device.ConnectionHandle, reason device.DisconnectReason) error {
	l.mu.Lock()
	gl, ok := l.links[handle]
	if ok {
		delete(l.links, handle)
		gl.closing.Store(true)
	}
	l.mu.Unlock()
	if !ok {
		return device.ErrLinkClosed
	}

	if err := gl.client.CancelConnection(); err != nil {
		l.logger.WithError(err).WithField("handle", handle).Warn("Cancel connection failed")
	}
	l.post(func() {
		if sink := l.eventSink(); sink != nil {
			sink.OnDisconnect(handle, reason)
		}
	})
	return nil
}

// UpdateParams is not supported: go-ble fixes connection parameters when
// the device is created.
func (l *Link) UpdateParams(handle device.ConnectionHandle, params device.ConnParams) error {
	if _, err := l.lookup(handle); err != nil {
		return err
	}
	return fmt.Errorf("connection parameter update: %w", device.ErrUnsupported)
}

func (l *Link) lookup(handle device.ConnectionHandle) (*gattLink, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gl, ok := l.links[handle]
	if !ok {
		return nil, device.ErrLinkClosed
	}
	return gl, nil
}

// await runs a blocking go-ble call and gives up when ctx is done first.
// The call keeps running in the background; its result is discarded.
func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

var _ device.Link = (*Link)(nil)
