// Package inspector connects to one peer, discovers its attribute database
// and hands the result to a caller-supplied function.
package inspector

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/connmgr"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/discovery"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions defines options for inspecting a BLE device profile
type InspectOptions struct {
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	// ReadValues reads every readable characteristic into the report.
	ReadValues bool
}

// DefaultInspectOptions returns the options used when nil is passed.
func DefaultInspectOptions() *InspectOptions {
	return &InspectOptions{
		ConnectTimeout:   30 * time.Second,
		DiscoveryTimeout: discovery.DefaultTimeout,
	}
}

// Inspection is the connected peer handed to an InspectCallback.
type Inspection struct {
	Conn       *connmgr.Connection
	Tree       *device.ServiceTree
	Discoverer *discovery.Discoverer
	Options    *InspectOptions
}

// InspectCallback processes a connected device and produces output of type R
type InspectCallback[R any] func(ctx context.Context, in *Inspection) (R, error)

// InspectDevice connects to peer, discovers its profile and runs callback
// while the link is up. The link is closed when callback returns.
// A partially enumerated database is still inspected; the tree reports
// Complete=false.
func InspectDevice[R any](ctx context.Context, link device.Link, peer device.PeerAddress, opts *InspectOptions, logger *logrus.Logger, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = DefaultInspectOptions()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	mgr := connmgr.New(link, nil, logger, connmgr.Options{MaxConnections: 1})
	defer mgr.Close()
	disc := discovery.New(link, mgr, logger, opts.DiscoveryTimeout)
	mgr.Register(disc)

	progressCallback("Connecting")
	handle, err := mgr.Connect(ctx, peer, true, opts.ConnectTimeout)
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}
	progressCallback("Connected")

	progressCallback("Discovering")
	tree, err := disc.Discover(ctx, handle, true)
	if err != nil {
		if !errors.Is(err, discovery.ErrTruncated) || tree == nil {
			progressCallback("Failed")
			return zero, err
		}
		logger.WithError(err).Warn("Inspecting partial attribute database")
	}

	conn, ok := mgr.Lookup(handle)
	if !ok {
		progressCallback("Failed")
		return zero, discovery.ErrNotConnected
	}

	progressCallback("Processing results")
	return callback(ctx, &Inspection{Conn: conn, Tree: tree, Discoverer: disc, Options: opts})
}

// Report renders the inspection as an ordered document suitable for JSON
// output. Characteristic values are read when Options.ReadValues is set;
// read failures are recorded per characteristic.
func Report(ctx context.Context, in *Inspection) *orderedmap.OrderedMap[string, any] {
	doc := orderedmap.New[string, any]()
	doc.Set("address", in.Conn.Peer().String())
	doc.Set("complete", in.Tree.Complete)

	services := make([]*orderedmap.OrderedMap[string, any], 0, len(in.Tree.Services))
	for _, svc := range in.Tree.Services {
		s := orderedmap.New[string, any]()
		s.Set("uuid", svc.UUID)
		if name := bledb.LookupService(svc.UUID); name != "" {
			s.Set("name", name)
		}

		chars := make([]*orderedmap.OrderedMap[string, any], 0, len(svc.Characteristics))
		for _, chr := range svc.Characteristics {
			c := orderedmap.New[string, any]()
			c.Set("uuid", chr.UUID)
			if name := bledb.LookupCharacteristic(chr.UUID); name != "" {
				c.Set("name", name)
			}
			c.Set("handle", uint16(chr.ValueHandle))
			c.Set("properties", chr.Properties.String())

			if in.Options != nil && in.Options.ReadValues && chr.Properties.CanRead() {
				if value, err := in.Discoverer.Read(ctx, chr); err != nil {
					c.Set("error", err.Error())
				} else {
					c.Set("value", hex.EncodeToString(value))
				}
			}

			descs := make([]string, 0, len(chr.Descriptors))
			for _, d := range chr.Descriptors {
				descs = append(descs, d.UUID)
			}
			if len(descs) > 0 {
				c.Set("descriptors", descs)
			}
			chars = append(chars, c)
		}
		s.Set("characteristics", chars)
		services = append(services, s)
	}
	doc.Set("services", services)
	return doc
}
