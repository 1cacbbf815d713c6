// Package session runs the central's main loop: scan for a device of
// interest, connect, discover, subscribe, and start over when the link drops.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/connmgr"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/discovery"
	"github.com/srg/blecentral/internal/filter"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/internal/ringchan"
	"github.com/srg/blecentral/internal/subscription"
)

// ServiceChangedUUID is the GATT Service Changed characteristic.
const ServiceChangedUUID = "2a05"

type disconnectEvent struct {
	peer       device.PeerAddress
	handle     device.ConnectionHandle
	generation uint64
	reason     device.DisconnectReason
}

// Stats counts session loop events.
type Stats struct {
	Scans          uint64
	Matches        uint64
	Sessions       uint64
	ConnectFailure uint64
	Disconnects    uint64
}

type counters struct {
	scans, matches, sessions, failures, disconnects atomic.Uint64
}

// Controller drives one central through scan, connect, discovery and
// subscription.
type Controller struct {
	link    device.Link
	opts    Options
	handler subscription.Handler
	logger  *logrus.Logger

	filter     *filter.Filter
	conns      *connmgr.Manager
	discoverer *discovery.Discoverer
	subs       *subscription.Manager

	matches     *ringchan.RingChannel[device.AdvertisementReport]
	disconnects *ringchan.RingChannel[disconnectEvent]

	running atomic.Bool
	current atomic.Pointer[connmgr.Connection]
	stats   counters
}

// New wires the filter, connection manager, discovery and subscription
// manager on top of link. handler receives every notification.
func New(link device.Link, opts Options, handler subscription.Handler, logger *logrus.Logger) (*Controller, error) {
	if link == nil {
		return nil, fmt.Errorf("session requires a link")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	if handler == nil {
		handler = func(subscription.Notification) {}
	}
	if opts.DisconnectQueue <= 0 {
		opts.DisconnectQueue = DefaultOptions().DisconnectQueue
	}

	filterOpts := []filter.Option{filter.WithIgnored(opts.Ignored...)}
	if opts.MinRSSI != 0 {
		filterOpts = append(filterOpts, filter.WithMinRSSI(opts.MinRSSI))
	}
	f, err := filter.New(opts.Targets, filterOpts...)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		link:        link,
		opts:        opts,
		handler:     handler,
		logger:      logger,
		filter:      f,
		matches:     ringchan.New[device.AdvertisementReport](1),
		disconnects: ringchan.New[disconnectEvent](opts.DisconnectQueue),
	}

	c.conns = connmgr.New(link, &callbacks{c: c}, logger, connmgr.Options{MaxConnections: opts.MaxConnections})
	c.discoverer = discovery.New(link, c.conns, logger, opts.DiscoveryTimeout)
	c.subs = subscription.New(link, c.conns, logger)
	c.conns.Register(c.discoverer)
	c.conns.Register(c.subs)
	c.conns.SetNotificationRouter(c.subs)
	return c, nil
}

// Run executes the session loop until ctx is done. With AutoRescan disabled
// it returns after the first session ends or the first connection failure.
// Cancellation is not an error.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("session is already running")
	}
	defer c.running.Store(false)
	defer c.conns.Close()

	bo := backoff{cfg: c.opts.Backoff}
	for {
		report, err := c.scanForMatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		handle, err := c.establish(ctx, report)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.stats.failures.Add(1)
			if !c.opts.AutoRescan {
				return err
			}
			delay := bo.Next()
			c.logger.WithError(err).WithFields(logrus.Fields{
				"address":  report.Peer.String(),
				"attempt":  bo.Attempts(),
				"retry_in": delay,
			}).Warn("Failed to connect, starting scan")
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		bo.Reset()

		ev, ok := c.awaitDisconnect(ctx, handle)
		if !ok {
			return nil
		}
		c.logger.WithFields(logrus.Fields{
			"address": ev.peer.String(),
			"reason":  ev.reason.String(),
		}).Info("Session ended")
		if !c.opts.AutoRescan {
			return nil
		}
		c.logger.Info("Starting scan")
	}
}

// scanForMatch scans until the filter selects a device and stops the scan
// before returning it.
func (c *Controller) scanForMatch(ctx context.Context) (device.AdvertisementReport, error) {
	c.matches.Drain()
	for {
		scanCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		c.stats.scans.Add(1)

		c.logger.WithFields(logrus.Fields{
			"targets":  strings.Join(c.filter.Targets(), ","),
			"interval": c.opts.Scan.Interval,
			"window":   c.opts.Scan.Window,
			"active":   c.opts.Scan.Active,
		}).Info("Scanning")

		groutine.Go(scanCtx, "session-scan", func(sctx context.Context) {
			done <- c.link.StartScan(sctx, c.opts.Scan, func(r device.AdvertisementReport) {
				c.logger.WithFields(logrus.Fields{
					"address":  r.Peer.String(),
					"name":     r.LocalName,
					"rssi":     r.RSSI,
					"services": strings.Join(r.Services, ","),
				}).Debug("Advertised device found")
				if sctx.Err() != nil || !c.filter.Evaluate(r) {
					return
				}
				c.matches.ForceSend(r)
				stop()
			})
		})

		select {
		case r := <-c.matches.C():
			stop()
			<-done
			c.stats.matches.Add(1)
			c.logger.WithFields(logrus.Fields{
				"address": r.Peer.String(),
				"name":    r.LocalName,
				"rssi":    r.RSSI,
			}).Info("Found our device")
			return r, nil
		case err := <-done:
			stop()
			if ctx.Err() != nil {
				return device.AdvertisementReport{}, ctx.Err()
			}
			if err != nil {
				return device.AdvertisementReport{}, fmt.Errorf("scan failed: %w", err)
			}
			if r, ok := c.matches.TryReceive(); ok {
				c.stats.matches.Add(1)
				return r, nil
			}
			c.logger.Debug("Scan ended without a match")
		}
	}
}

// establish connects to the selected device and brings the session up:
// parameters, discovery, initial reads and subscriptions.
func (c *Controller) establish(ctx context.Context, report device.AdvertisementReport) (device.ConnectionHandle, error) {
	c.disconnects.Drain()

	handle, err := c.conns.Connect(ctx, report.Peer, c.opts.FreshDiscovery, c.opts.ConnectTimeout)
	if err != nil {
		return 0, err
	}
	c.logger.WithFields(logrus.Fields{
		"address": report.Peer.String(),
		"rssi":    report.RSSI,
	}).Infof("Connected to: %s RSSI: %d", report.Peer, report.RSSI)

	if !c.opts.ConnParams.IsZero() {
		if err := c.conns.NegotiateParameters(handle, c.opts.ConnParams); err != nil {
			c.logger.WithError(err).WithField("params", c.opts.ConnParams.String()).Warn("Connection parameter update rejected")
		}
	}

	tree, err := c.discoverer.Discover(ctx, handle, false)
	switch {
	case err == nil:
	case errors.Is(err, discovery.ErrTruncated) && tree != nil:
		c.logger.WithError(err).Warn("Continuing with a partial attribute tree")
	default:
		c.abandon(handle)
		return 0, err
	}
	c.logTree(tree)
	c.readInitial(ctx, tree)

	n, err := c.subscribeAll(ctx, tree)
	if err != nil {
		c.abandon(handle)
		return 0, err
	}

	if conn, ok := c.conns.Lookup(handle); ok {
		c.current.Store(conn)
	}
	c.stats.sessions.Add(1)
	c.logger.WithFields(logrus.Fields{
		"address":       report.Peer.String(),
		"subscriptions": n,
	}).Info("Done with this device")
	return handle, nil
}

// abandon closes a link whose setup failed. Links already gone are ignored.
func (c *Controller) abandon(handle device.ConnectionHandle) {
	if conn, ok := c.conns.Lookup(handle); ok && conn.IsConnected() {
		if err := c.conns.Disconnect(handle, device.ReasonLocalHost); err != nil {
			c.logger.WithError(err).WithField("handle", handle).Debug("Disconnect after failed setup")
		}
	}
}

func (c *Controller) logTree(tree *device.ServiceTree) {
	c.logger.WithField("address", tree.Peer.String()).Infof("Got %d services", len(tree.Services))
	for _, svc := range tree.Services {
		c.logger.WithField("handle", svc.Handle).Infof("Got service %s, with %d characteristics",
			device.DisplayName(svc.UUID, bledb.LookupService), len(svc.Characteristics))
		for _, chr := range svc.Characteristics {
			c.logger.WithFields(logrus.Fields{
				"handle":     chr.ValueHandle,
				"properties": chr.Properties.String(),
			}).Infof("Got characteristic: %s, with %d descriptors",
				device.DisplayName(chr.UUID, bledb.LookupCharacteristic), len(chr.Descriptors))
			for _, d := range chr.Descriptors {
				c.logger.WithField("handle", d.Handle).Debugf("Got descriptor: %s",
					device.DisplayName(d.UUID, bledb.LookupDescriptor))
			}
		}
	}
}

// readInitial reads the configured characteristics and logs their values. Failures
// are logged only.
func (c *Controller) readInitial(ctx context.Context, tree *device.ServiceTree) {
	for _, p := range c.opts.InitialReads {
		svc, ok := discovery.FindService(tree, p.Service)
		if !ok {
			c.logger.WithField("service", p.Service).Warnf("Could not get service 0x%s", strings.ToUpper(device.NormalizeUUID(p.Service)))
			continue
		}
		chr, ok := discovery.FindCharacteristic(svc, p.Characteristic)
		if !ok {
			c.logger.WithField("characteristic", p.Characteristic).Warnf("%s characteristic not found", strings.ToUpper(device.NormalizeUUID(p.Characteristic)))
			continue
		}
		if !chr.Properties.CanRead() {
			c.logger.WithField("characteristic", chr.UUID).Debug("Initial read characteristic is not readable")
			continue
		}
		data, err := c.discoverer.Read(ctx, chr)
		if err != nil {
			c.logger.WithError(err).WithField("characteristic", chr.UUID).Warn("Initial read failed")
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"characteristic": chr.UUID,
			"hex":            fmt.Sprintf("%x", data),
		}).Infof("%s Value: %s", strings.ToUpper(chr.UUID), printable(data))
	}
}

// subscribeAll enables delivery on every selected characteristic. Per
// characteristic rejections are logged; a lost link aborts.
func (c *Controller) subscribeAll(ctx context.Context, tree *device.ServiceTree) (int, error) {
	selected := func(chr *device.Characteristic) bool {
		if len(c.opts.Subscribe) == 0 || device.SameUUID(chr.UUID, ServiceChangedUUID) {
			return true
		}
		for _, u := range c.opts.Subscribe {
			if device.SameUUID(chr.UUID, u) {
				return true
			}
		}
		return false
	}

	count := 0
	for _, chr := range tree.Characteristics() {
		if !(chr.Properties.CanNotify() || chr.Properties.CanIndicate()) || !selected(chr) {
			continue
		}
		handler := c.handler
		if device.SameUUID(chr.UUID, ServiceChangedUUID) {
			handler = Fanout(c.serviceChanged, c.handler)
		}

		err := c.subs.Subscribe(ctx, chr, c.opts.PreferNotify, handler)
		switch {
		case err == nil:
			count++
		case errors.Is(err, subscription.ErrNotConnected), ctx.Err() != nil:
			return count, err
		default:
			c.logger.WithError(err).WithField("characteristic", chr.UUID).Warn("Couldn't subscribe")
		}
	}
	return count, nil
}

func (c *Controller) serviceChanged(n subscription.Notification) {
	c.discoverer.MarkStale(n.Conn)
}

// awaitDisconnect blocks until the link of handle goes down or ctx is done.
func (c *Controller) awaitDisconnect(ctx context.Context, handle device.ConnectionHandle) (disconnectEvent, bool) {
	conn := c.current.Load()
	for {
		select {
		case <-ctx.Done():
			return disconnectEvent{}, false
		case ev := <-c.disconnects.C():
			if ev.handle != handle || (conn != nil && ev.generation != conn.Generation()) {
				continue
			}
			c.current.Store(nil)
			return ev, true
		}
	}
}

// Connections exposes the connection manager.
func (c *Controller) Connections() *connmgr.Manager {
	return c.conns
}

// Discoverer exposes the attribute discovery cache.
func (c *Controller) Discoverer() *discovery.Discoverer {
	return c.discoverer
}

// Subscriptions returns the number of active subscriptions.
func (c *Controller) Subscriptions() int {
	return c.subs.Count()
}

// Current returns the connection of the running session, if any.
func (c *Controller) Current() (*connmgr.Connection, bool) {
	conn := c.current.Load()
	return conn, conn != nil
}

// Stats returns a snapshot of the loop counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Scans:          c.stats.scans.Load(),
		Matches:        c.stats.matches.Load(),
		Sessions:       c.stats.sessions.Load(),
		ConnectFailure: c.stats.failures.Load(),
		Disconnects:    c.stats.disconnects.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func printable(data []byte) string {
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return fmt.Sprintf("%x", data)
		}
	}
	return string(data)
}
