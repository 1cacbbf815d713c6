package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
)

// handleBlock is the attribute range reserved per synthesized characteristic.
// Some platforms (CoreBluetooth) hide ATT handles.
const handleBlock = 16

// gattLink is one open go-ble client and the attributes discovered on it,
// indexed by the handles handed out to the caller.
type gattLink struct {
	handle  device.ConnectionHandle
	peer    device.PeerAddress
	client  Client
	closing atomic.Bool

	mu          sync.Mutex
	nextHandle  device.AttributeHandle
	services    map[device.AttributeHandle]*ble.Service
	chars       map[device.AttributeHandle]*ble.Characteristic // by value handle
	descriptors map[device.AttributeHandle]*ble.Descriptor
	cccds       map[device.AttributeHandle]*ble.Characteristic
	modes       map[device.AttributeHandle]device.SubscriptionMode // by value handle
}

func newGattLink(handle device.ConnectionHandle, peer device.PeerAddress, client Client) *gattLink {
	return &gattLink{
		handle:      handle,
		peer:        peer,
		client:      client,
		nextHandle:  1,
		services:    make(map[device.AttributeHandle]*ble.Service),
		chars:       make(map[device.AttributeHandle]*ble.Characteristic),
		descriptors: make(map[device.AttributeHandle]*ble.Descriptor),
		cccds:       make(map[device.AttributeHandle]*ble.Characteristic),
		modes:       make(map[device.AttributeHandle]device.SubscriptionMode),
	}
}

// reserve hands out n synthesized handles. Caller holds gl.mu.
func (gl *gattLink) reserve(n int) device.AttributeHandle {
	h := gl.nextHandle
	gl.nextHandle += device.AttributeHandle(n)
	return h
}

// observe keeps synthesized handles above the ones the stack reports.
// Caller holds gl.mu.
func (gl *gattLink) observe(h uint16) {
	if next := device.AttributeHandle(h) + 1; h != 0 && next > gl.nextHandle {
		gl.nextHandle = next
	}
}

func (l *Link) DiscoverServices(ctx context.Context, handle device.ConnectionHandle) ([]device.RawService, error) {
	gl, err := l.lookup(handle)
	if err != nil {
		return nil, err
	}
	svcs, err := await(ctx, func() ([]*ble.Service, error) {
		return gl.client.DiscoverServices(nil)
	})
	if err != nil {
		return nil, l.gattError(gl, err)
	}

	gl.mu.Lock()
	defer gl.mu.Unlock()
	for _, s := range svcs {
		gl.observe(s.EndHandle)
	}
	out := make([]device.RawService, 0, len(svcs))
	for _, s := range svcs {
		raw := device.RawService{
			Handle:    device.AttributeHandle(s.Handle),
			EndHandle: device.AttributeHandle(s.EndHandle),
			UUID:      normalizeBLEUUID(s.UUID),
		}
		if raw.Handle == 0 {
			raw.Handle = gl.reserve(1)
			raw.EndHandle = 0
		}
		gl.services[raw.Handle] = s
		out = append(out, raw)
	}
	return out, nil
}

func (l *Link) DiscoverCharacteristics(ctx context.Context, handle device.ConnectionHandle, svc device.RawService) ([]device.RawCharacteristic, error) {
	gl, err := l.lookup(handle)
	if err != nil {
		return nil, err
	}
	gl.mu.Lock()
	s, ok := gl.services[svc.Handle]
	gl.mu.Unlock()
	if !ok {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: []string{svc.UUID}}
	}

	chars, err := await(ctx, func() ([]*ble.Characteristic, error) {
		return gl.client.DiscoverCharacteristics(nil, s)
	})
	if err != nil {
		return nil, l.gattError(gl, err)
	}

	gl.mu.Lock()
	defer gl.mu.Unlock()
	out := make([]device.RawCharacteristic, 0, len(chars))
	for _, c := range chars {
		raw := device.RawCharacteristic{
			Handle:      device.AttributeHandle(c.Handle),
			ValueHandle: device.AttributeHandle(c.ValueHandle),
			EndHandle:   device.AttributeHandle(c.EndHandle),
			UUID:        normalizeBLEUUID(c.UUID),
			Properties:  convertProperties(c.Property),
		}
		if raw.ValueHandle == 0 {
			base := gl.reserve(handleBlock)
			raw.Handle = base
			raw.ValueHandle = base + 1
			raw.EndHandle = base + handleBlock - 1
		}
		gl.chars[raw.ValueHandle] = c
		out = append(out, raw)
	}
	return out, nil
}

func (l *Link) DiscoverDescriptors(ctx context.Context, handle device.ConnectionHandle, chr device.RawCharacteristic) ([]device.RawDescriptor, error) {
	gl, err := l.lookup(handle)
	if err != nil {
		return nil, err
	}
	gl.mu.Lock()
	c, ok := gl.chars[chr.ValueHandle]
	gl.mu.Unlock()
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{chr.UUID}}
	}

	descs, err := await(ctx, func() ([]*ble.Descriptor, error) {
		return gl.client.DiscoverDescriptors(nil, c)
	})
	if err != nil {
		return nil, l.gattError(gl, err)
	}

	gl.mu.Lock()
	defer gl.mu.Unlock()
	next := chr.ValueHandle + 1
	alloc := func() device.AttributeHandle {
		h := next
		next++
		return h
	}

	out := make([]device.RawDescriptor, 0, len(descs)+1)
	hasCCCD := false
	for _, d := range descs {
		raw := device.RawDescriptor{Handle: device.AttributeHandle(d.Handle), UUID: normalizeBLEUUID(d.UUID)}
		if raw.Handle == 0 {
			raw.Handle = alloc()
		}
		gl.descriptors[raw.Handle] = d
		if raw.UUID == device.UUIDClientCharConfig {
			hasCCCD = true
			gl.cccds[raw.Handle] = c
		}
		out = append(out, raw)
	}

	// CoreBluetooth manages the configuration descriptor itself; expose a
	// handle for it so subscriptions go through the same path.
	props := convertProperties(c.Property)
	if !hasCCCD && (props.CanNotify() || props.CanIndicate()) {
		h := alloc()
		if chr.EndHandle > 0 && h > chr.EndHandle {
			h = gl.reserve(1)
		}
		gl.cccds[h] = c
		out = append(out, device.RawDescriptor{Handle: h, UUID: device.UUIDClientCharConfig})
	}
	return out, nil
}

// WriteDescriptor writes a descriptor value. Configuration descriptor writes
// become go-ble Subscribe/Unsubscribe calls so notification routing is set
// up by the stack.
func (l *Link) WriteDescriptor(ctx context.Context, handle device.ConnectionHandle, desc device.AttributeHandle, value []byte) error {
	gl, err := l.lookup(handle)
	if err != nil {
		return err
	}

	gl.mu.Lock()
	c, isCCCD := gl.cccds[desc]
	d := gl.descriptors[desc]
	gl.mu.Unlock()

	if !isCCCD {
		if d == nil {
			return &device.NotFoundError{Resource: "descriptor", UUIDs: []string{fmt.Sprintf("%#04x", desc)}}
		}
		_, err := await(ctx, func() (struct{}, error) {
			return struct{}{}, gl.client.WriteDescriptor(d, value)
		})
		return l.gattError(gl, err)
	}

	mode, err := device.ParseCCCDValue(value)
	if err != nil {
		return &device.LinkError{State: device.LinkWriteRejected, Msg: err.Error()}
	}
	return l.configure(ctx, gl, c, mode)
}

func (l *Link) configure(ctx context.Context, gl *gattLink, c *ble.Characteristic, mode device.SubscriptionMode) error {
	valueHandle := l.valueHandleOf(gl, c)

	gl.mu.Lock()
	previous := gl.modes[valueHandle]
	gl.mu.Unlock()

	logger := l.logger.WithFields(logrus.Fields{
		"handle":         gl.handle,
		"characteristic": normalizeBLEUUID(c.UUID),
		"mode":           mode.String(),
	})

	var err error
	if mode == device.SubscriptionNone {
		if previous == device.SubscriptionNone {
			return nil
		}
		_, err = await(ctx, func() (struct{}, error) {
			return struct{}{}, gl.client.Unsubscribe(c, previous == device.SubscriptionIndicate)
		})
	} else {
		indication := mode == device.SubscriptionIndicate
		_, err = await(ctx, func() (struct{}, error) {
			return struct{}{}, gl.client.Subscribe(c, indication, func(data []byte) {
				payload := append([]byte(nil), data...)
				l.post(func() {
					if sink := l.eventSink(); sink != nil {
						sink.OnNotification(gl.handle, valueHandle, payload, indication)
					}
				})
			})
		})
	}
	if err != nil {
		logger.WithError(err).Debug("Configuration write failed")
		return l.gattError(gl, err)
	}

	gl.mu.Lock()
	if mode == device.SubscriptionNone {
		delete(gl.modes, valueHandle)
	} else {
		gl.modes[valueHandle] = mode
	}
	gl.mu.Unlock()
	logger.Debug("Configuration written")
	return nil
}

func (l *Link) valueHandleOf(gl *gattLink, c *ble.Characteristic) device.AttributeHandle {
	gl.mu.Lock()
	defer gl.mu.Unlock()
	for vh, candidate := range gl.chars {
		if candidate == c {
			return vh
		}
	}
	return device.AttributeHandle(c.ValueHandle)
}

func (l *Link) ReadCharacteristic(ctx context.Context, handle device.ConnectionHandle, valueHandle device.AttributeHandle) ([]byte, error) {
	gl, err := l.lookup(handle)
	if err != nil {
		return nil, err
	}
	gl.mu.Lock()
	c, ok := gl.chars[valueHandle]
	gl.mu.Unlock()
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{fmt.Sprintf("%#04x", valueHandle)}}
	}

	data, err := await(ctx, func() ([]byte, error) {
		return gl.client.ReadCharacteristic(c)
	})
	if err != nil {
		return nil, l.gattError(gl, err)
	}
	return data, nil
}

// gattError normalizes a GATT failure. Any failure on a link the stack has
// already dropped reports ErrLinkClosed.
func (l *Link) gattError(gl *gattLink, err error) error {
	if err == nil {
		return nil
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return err
	}
	select {
	case <-gl.client.Disconnected():
		return fmt.Errorf("%w: %v", device.ErrLinkClosed, err)
	default:
	}
	if gl.closing.Load() {
		return fmt.Errorf("%w: %v", device.ErrLinkClosed, err)
	}
	return NormalizeError(err)
}
