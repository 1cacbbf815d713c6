// Package discovery walks the attribute database of connected peers and
// caches the resulting service trees per connection handle.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/connmgr"
	"github.com/srg/blecentral/internal/device"
)

// DefaultTimeout bounds one full discovery walk.
const DefaultTimeout = 10 * time.Second

// ConnectionSource resolves connection handles to their records.
type ConnectionSource interface {
	Lookup(handle device.ConnectionHandle) (*connmgr.Connection, bool)
}

type entry struct {
	tree       *device.ServiceTree
	generation uint64
	stale      bool
}

// pending is a walk in flight; concurrent callers wait on done.
type pending struct {
	done       chan struct{}
	generation uint64
	tree       *device.ServiceTree
	err        error
}

// Discoverer runs discovery walks and owns the tree caches.
type Discoverer struct {
	link    device.Link
	conns   ConnectionSource
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	live     map[device.ConnectionHandle]*entry
	retained map[device.PeerAddress]*device.ServiceTree
	inflight map[device.ConnectionHandle]*pending
}

// New creates a Discoverer. A zero timeout uses DefaultTimeout.
func New(link device.Link, conns ConnectionSource, logger *logrus.Logger, timeout time.Duration) *Discoverer {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Discoverer{
		link:     link,
		conns:    conns,
		logger:   logger,
		timeout:  timeout,
		live:     make(map[device.ConnectionHandle]*entry),
		retained: make(map[device.PeerAddress]*device.ServiceTree),
		inflight: make(map[device.ConnectionHandle]*pending),
	}
}

// Discover returns the service tree of a Connected link. With refresh=false a
// cached tree is returned unless the connection was marked stale; a link
// re-opened with freshDiscovery=false reuses the tree retained for its peer.
//
// A partially enumerated database yields the partial tree (Complete=false)
// together with a Truncated error. Partial trees are not cached.
func (d *Discoverer) Discover(ctx context.Context, handle device.ConnectionHandle, refresh bool) (*device.ServiceTree, error) {
	conn, err := d.connected(handle)
	if err != nil {
		return nil, err
	}
	gen := conn.Generation()

	d.mu.Lock()
	if !refresh {
		if tree := d.cachedLocked(conn, handle, gen); tree != nil {
			d.mu.Unlock()
			return tree, nil
		}
	}
	p, ok := d.inflight[handle]
	if !ok || p.generation != gen {
		p = &pending{done: make(chan struct{}), generation: gen}
		d.inflight[handle] = p
		// Joiners share the walk, so it outlives the caller that started it.
		// walk bounds it by the timeout and the link lifetime.
		go d.run(context.WithoutCancel(ctx), conn, handle, p)
	}
	d.mu.Unlock()

	select {
	case <-p.done:
		return p.tree, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run performs one shared walk and publishes its result to every waiter.
func (d *Discoverer) run(ctx context.Context, conn *connmgr.Connection, handle device.ConnectionHandle, p *pending) {
	start := time.Now()
	tree, err := d.walk(ctx, conn, handle)

	d.mu.Lock()
	if d.inflight[handle] == p {
		delete(d.inflight, handle)
	}
	// The link may have dropped after the last request returned
	if conn.State() != connmgr.StateConnected || conn.Generation() != p.generation {
		if err == nil || errors.Is(err, ErrTruncated) {
			tree, err = nil, &DiscoveryError{Kind: KindNotConnected, Msg: conn.Peer().String(), Err: device.ErrLinkClosed}
		}
	} else if err == nil {
		d.live[handle] = &entry{tree: tree, generation: p.generation}
	}
	d.mu.Unlock()

	p.tree, p.err = tree, err
	close(p.done)

	logger := d.logger.WithFields(logrus.Fields{
		"address": conn.Peer().String(),
		"handle":  handle,
		"elapsed": time.Since(start).Round(time.Millisecond),
	})
	switch {
	case err == nil:
		logger.WithFields(logrus.Fields{
			"services":        len(tree.Services),
			"characteristics": tree.CharacteristicCount(),
		}).Info("Discovery complete")
	case errors.Is(err, ErrTruncated):
		logger.WithError(err).Warn("Discovery truncated")
	default:
		logger.WithError(err).Warn("Discovery failed")
	}
}

func (d *Discoverer) connected(handle device.ConnectionHandle) (*connmgr.Connection, error) {
	conn, ok := d.conns.Lookup(handle)
	if !ok || !conn.IsConnected() {
		return nil, &DiscoveryError{Kind: KindNotConnected, Msg: fmt.Sprintf("handle %d", handle)}
	}
	return conn, nil
}

func (d *Discoverer) cachedLocked(conn *connmgr.Connection, handle device.ConnectionHandle, gen uint64) *device.ServiceTree {
	if e, ok := d.live[handle]; ok && e.generation == gen && !e.stale {
		return e.tree
	}
	if !conn.ReuseDiscovery() {
		return nil
	}
	retained, ok := d.retained[conn.Peer()]
	if !ok {
		return nil
	}
	tree := retained.Rebind(handle)
	d.live[handle] = &entry{tree: tree, generation: gen}
	d.logger.WithFields(logrus.Fields{
		"address": conn.Peer().String(),
		"handle":  handle,
	}).Debug("Reusing attribute tree from previous link")
	return tree
}

// walk enumerates services, characteristics and descriptors. It is aborted
// by the walk timeout, the caller context, or the link going down.
func (d *Discoverer) walk(ctx context.Context, conn *connmgr.Connection, handle device.ConnectionHandle) (*device.ServiceTree, error) {
	wctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	stop := context.AfterFunc(conn.Context(), cancel)
	defer stop()

	d.logger.WithFields(logrus.Fields{
		"address": conn.Peer().String(),
		"handle":  handle,
	}).Debug("Discovering services")

	var truncated []error
	services, err := d.link.DiscoverServices(wctx, handle)
	if err != nil {
		if abort := d.abortCause(ctx, wctx, conn, err); abort != nil {
			return nil, abort
		}
		truncated = append(truncated, err)
	}

	input := make([]device.TreeService, 0, len(services))
	for _, svc := range services {
		ts := device.TreeService{Service: svc}
		chars, err := d.link.DiscoverCharacteristics(wctx, handle, svc)
		if err != nil {
			if abort := d.abortCause(ctx, wctx, conn, err); abort != nil {
				return nil, abort
			}
			truncated = append(truncated, fmt.Errorf("service %s: %w", svc.UUID, err))
			input = append(input, ts)
			continue
		}

		for _, chr := range chars {
			tc := device.TreeCharacteristic{Characteristic: chr}
			// No room for descriptors after the value attribute
			if chr.EndHandle != 0 && chr.EndHandle <= chr.ValueHandle {
				ts.Characteristics = append(ts.Characteristics, tc)
				continue
			}
			descs, err := d.link.DiscoverDescriptors(wctx, handle, chr)
			if err != nil {
				if abort := d.abortCause(ctx, wctx, conn, err); abort != nil {
					return nil, abort
				}
				truncated = append(truncated, fmt.Errorf("characteristic %s: %w", chr.UUID, err))
			}
			tc.Descriptors = descs
			ts.Characteristics = append(ts.Characteristics, tc)
		}
		input = append(input, ts)
	}

	tree := device.BuildServiceTree(handle, conn.Peer(), input, len(truncated) == 0)
	if len(truncated) > 0 {
		return tree, &DiscoveryError{
			Kind: KindTruncated,
			Msg:  fmt.Sprintf("%s: %d attribute groups not enumerated", conn.Peer(), len(truncated)),
			Err:  errors.Join(truncated...),
		}
	}
	return tree, nil
}

// abortCause returns the error that ends the walk, or nil when err only
// truncates the tree.
func (d *Discoverer) abortCause(ctx, wctx context.Context, conn *connmgr.Connection, err error) error {
	switch {
	case conn.Context().Err() != nil || errors.Is(err, device.ErrLinkClosed):
		return &DiscoveryError{Kind: KindNotConnected, Msg: conn.Peer().String(), Err: err}
	case ctx.Err() != nil:
		return ctx.Err()
	case wctx.Err() != nil:
		return &DiscoveryError{Kind: KindTimeout, Msg: fmt.Sprintf("%s after %s", conn.Peer(), d.timeout), Err: err}
	default:
		return nil
	}
}

// Cached returns the tree cached for handle without walking.
func (d *Discoverer) Cached(handle device.ConnectionHandle) (*device.ServiceTree, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.live[handle]
	if !ok || e.stale {
		return nil, false
	}
	return e.tree, true
}

// Invalidate drops the tree of handle. A complete, non-stale tree is
// retained for the peer so a later re-link may reuse it.
func (d *Discoverer) Invalidate(handle device.ConnectionHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.live[handle]
	if !ok {
		return
	}
	delete(d.live, handle)
	if e.stale || !e.tree.Complete {
		delete(d.retained, e.tree.Peer)
		return
	}
	d.retained[e.tree.Peer] = e.tree
}

// Forget drops the tree retained for peer.
func (d *Discoverer) Forget(peer device.PeerAddress) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.retained, peer)
}

// MarkStale forces the next Discover on handle to walk the peer again.
func (d *Discoverer) MarkStale(handle device.ConnectionHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.live[handle]; ok {
		e.stale = true
		delete(d.retained, e.tree.Peer)
		d.logger.WithField("handle", handle).Info("Attribute tree marked stale")
	}
}

// Read reads the value of chr on its Connected link.
func (d *Discoverer) Read(ctx context.Context, chr *device.Characteristic) ([]byte, error) {
	conn, err := d.connected(chr.Conn)
	if err != nil {
		return nil, err
	}
	if !chr.Properties.CanRead() {
		return nil, fmt.Errorf("characteristic %s is not readable: %w", chr.UUID, device.ErrUnsupported)
	}

	rctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	stop := context.AfterFunc(conn.Context(), cancel)
	defer stop()

	data, err := d.link.ReadCharacteristic(rctx, chr.Conn, chr.ValueHandle)
	if err != nil {
		if abort := d.abortCause(ctx, rctx, conn, err); abort != nil {
			return nil, abort
		}
		return nil, fmt.Errorf("failed to read characteristic %s: %w", chr.UUID, err)
	}
	return data, nil
}

// FindService returns the service of tree with the given UUID. 16-bit and
// 128-bit forms of the same UUID match.
func FindService(tree *device.ServiceTree, uuid string) (*device.Service, bool) {
	return tree.Service(uuid)
}

// FindCharacteristic returns the characteristic of svc with the given UUID.
func FindCharacteristic(svc *device.Service, uuid string) (*device.Characteristic, bool) {
	return svc.Characteristic(uuid)
}
