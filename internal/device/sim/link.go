package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/groutine"
)

// Simulator errors.
var (
	ErrUnknownPeer      = errors.New("unknown simulated peer")
	ErrNotSubscribed    = errors.New("characteristic is not subscribed")
	ErrInvalidHandle    = errors.New("invalid attribute handle")
	ErrReadNotPermitted = errors.New("read not permitted")
)

// Options configure the simulated link layer.
type Options struct {
	// MaxLinks is the number of concurrent links the simulated controller accepts.
	MaxLinks int
	// AdvInterval is the advertising period when duplicates are reported.
	AdvInterval time.Duration
	// EventQueue is the capacity of the event task queue.
	EventQueue int
}

// DefaultOptions returns a controller with 3 link slots.
func DefaultOptions() Options {
	return Options{MaxLinks: 3, AdvInterval: 100 * time.Millisecond, EventQueue: 256}
}

type simChar struct {
	raw             device.RawCharacteristic
	cccd            device.AttributeHandle
	descriptors     []device.RawDescriptor
	value           []byte
	notifyEvery     time.Duration
	rejectSubscribe bool
}

type simService struct {
	raw   device.RawService
	chars []*simChar
}

type peripheral struct {
	addr     device.PeerAddress
	profile  PeripheralProfile
	services []*simService
	payload  []byte
}

type simLink struct {
	handle    device.ConnectionHandle
	per       *peripheral
	cccd      map[device.AttributeHandle]device.SubscriptionMode
	paired    bool
	params    device.ConnParams
	cancel    context.CancelFunc
	notifySeq uint32
}

// Link is a device.Link backed by simulated peripherals. Link events are
// delivered on a single event task, in order.
type Link struct {
	logger *logrus.Logger
	opts   Options

	mu          sync.Mutex
	peripherals map[device.PeerAddress]*peripheral
	order       []device.PeerAddress
	links       map[device.ConnectionHandle]*simLink
	nextHandle  device.ConnectionHandle
	sink        device.EventSink

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	opens atomic.Int64
}

// New creates a simulated link layer with the peripherals of profile and
// starts its event task. Call Close to stop it.
func New(logger *logrus.Logger, profile *Profile, opts Options) (*Link, error) {
	if logger == nil {
		logger = logrus.New()
	}
	defaults := DefaultOptions()
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = defaults.MaxLinks
	}
	if opts.AdvInterval <= 0 {
		opts.AdvInterval = defaults.AdvInterval
	}
	if opts.EventQueue <= 0 {
		opts.EventQueue = defaults.EventQueue
	}

	l := &Link{
		logger:      logger,
		opts:        opts,
		peripherals: make(map[device.PeerAddress]*peripheral),
		links:       make(map[device.ConnectionHandle]*simLink),
		events:      make(chan func(), opts.EventQueue),
		done:        make(chan struct{}),
	}

	if profile != nil {
		if err := profile.Validate(); err != nil {
			return nil, err
		}
		for _, p := range profile.Peripherals {
			if err := l.AddPeripheral(p); err != nil {
				return nil, err
			}
		}
	}

	groutine.Go(context.Background(), "sim-event-task", l.runEvents)
	return l, nil
}

// AddPeripheral places another peripheral in range.
func (l *Link) AddPeripheral(p PeripheralProfile) error {
	per, err := buildPeripheral(p)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.peripherals[per.addr]; exists {
		return fmt.Errorf("peripheral %s already simulated", per.addr)
	}
	l.peripherals[per.addr] = per
	l.order = append(l.order, per.addr)
	return nil
}

// buildPeripheral lays out the attribute database with sequential handles.
func buildPeripheral(p PeripheralProfile) (*peripheral, error) {
	addr, err := device.ParsePeerAddress(p.Address)
	if err != nil {
		return nil, err
	}

	per := &peripheral{addr: addr, profile: p, payload: encodeAdvertisement(p.Name, p.Advertise)}
	next := device.AttributeHandle(1)
	alloc := func() device.AttributeHandle {
		h := next
		next++
		return h
	}

	for _, sp := range p.Services {
		svc := &simService{raw: device.RawService{Handle: alloc(), UUID: device.NormalizeUUID(sp.UUID)}}
		for _, cp := range sp.Characteristics {
			props, err := device.ParseProperties(cp.Properties)
			if err != nil {
				return nil, err
			}
			chr := &simChar{
				raw: device.RawCharacteristic{
					Handle:      alloc(),
					ValueHandle: alloc(),
					UUID:        device.NormalizeUUID(cp.UUID),
					Properties:  props,
				},
				value:           []byte(cp.Value),
				notifyEvery:     cp.NotifyEvery,
				rejectSubscribe: cp.RejectSubscribe,
			}
			if props.CanNotify() || props.CanIndicate() {
				chr.cccd = alloc()
				chr.descriptors = append(chr.descriptors, device.RawDescriptor{Handle: chr.cccd, UUID: device.UUIDClientCharConfig})
			}
			for _, du := range cp.Descriptors {
				chr.descriptors = append(chr.descriptors, device.RawDescriptor{Handle: alloc(), UUID: device.NormalizeUUID(du)})
			}
			chr.raw.EndHandle = next - 1
			svc.chars = append(svc.chars, chr)
		}
		svc.raw.EndHandle = next - 1
		per.services = append(per.services, svc)
	}
	return per, nil
}

// Close stops the event task and drops all links.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		for h, sl := range l.links {
			sl.cancel()
			delete(l.links, h)
		}
		l.mu.Unlock()
		close(l.done)
	})
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

// post queues fn on the event task. The returned channel closes after fn ran.
func (l *Link) post(fn func()) <-chan struct{} {
	finished := make(chan struct{})
	select {
	case <-l.done:
		close(finished)
		return finished
	default:
	}
	select {
	case l.events <- func() { defer close(finished); fn() }:
	case <-l.done:
		close(finished)
	}
	return finished
}

// Flush waits until every event queued so far was delivered.
func (l *Link) Flush() {
	<-l.post(func() {})
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

// Opens returns how many link opens were requested.
func (l *Link) Opens() int {
	return int(l.opens.Load())
}

// Handle returns the handle of the open link to peer.
func (l *Link) Handle(peer device.PeerAddress) (device.ConnectionHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for h, sl := range l.links {
		if sl.per.addr == peer {
			return h, true
		}
	}
	return 0, false
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
		"duration": params.Duration,
		"active":   params.Active,
		"interval": params.Interval,
		"window":   params.Window,
	}).Debug("Simulated scan started")

	ticker := time.NewTicker(l.opts.AdvInterval)
	defer ticker.Stop()

	for {
		for _, r := range l.reports(params.Active) {
			if ctx.Err() != nil {
				return nil
			}
			handler(r)
		}
		if !params.AllowDuplicates {
			<-ctx.Done()
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Link) reports(active bool) []device.AdvertisementReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	reports := make([]device.AdvertisementReport, 0, len(l.order))
	for _, addr := range l.order {
		per := l.peripherals[addr]
		r := device.AdvertisementReport{
			Peer:        addr,
			Services:    device.NormalizeUUIDs(per.profile.Advertise),
			RSSI:        per.profile.RSSI,
			Connectable: !per.profile.RejectConnect,
			Payload:     append([]byte(nil), per.payload...),
		}
		// The name travels in the scan response
		if active {
			r.LocalName = per.profile.Name
		}
		reports = append(reports, r)
	}
	return reports
}

// ----------------------------
// Link lifecycle
// ----------------------------

func (l *Link) OpenLink(ctx context.Context, peer device.PeerAddress, params device.ConnParams) (device.ConnectionHandle, error) {
	l.opens.Add(1)

	l.mu.Lock()
	per, ok := l.peripherals[peer]
	l.mu.Unlock()

	if !ok {
		// Nobody answers: the attempt runs until the caller gives up
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if per.profile.RejectConnect {
		return 0, &device.LinkError{State: device.LinkRejected, Msg: fmt.Sprintf("%s refused the connection", peer)}
	}
	if d := per.profile.ConnectDelay; d > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(d):
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.links) >= l.opts.MaxLinks {
		return 0, &device.LinkError{State: device.LinkBusy, Msg: fmt.Sprintf("%d links open", len(l.links))}
	}
	for _, sl := range l.links {
		if sl.per.addr == peer {
			return 0, &device.LinkError{State: device.LinkRejected, Msg: fmt.Sprintf("%s already linked", peer)}
		}
	}

	l.nextHandle++
	linkCtx, cancel := context.WithCancel(context.Background())
	sl := &simLink{
		handle: l.nextHandle,
		per:    per,
		cccd:   make(map[device.AttributeHandle]device.SubscriptionMode),
		params: params,
		cancel: cancel,
	}
	l.links[sl.handle] = sl
	l.startNotifiers(linkCtx, sl)

	l.logger.WithFields(logrus.Fields{
		"address": peer.String(),
		"handle":  sl.handle,
	}).Debug("Simulated link up")
	return sl.handle, nil
}

func (l *Link) CloseLink(handle device.ConnectionHandle, reason device.DisconnectReason) error {
	l.mu.Lock()
	sl, ok := l.links[handle]
	if ok {
		sl.cancel()
		delete(l.links, handle)
	}
	l.mu.Unlock()

	if !ok {
		return device.ErrLinkClosed
	}
	// The controller reports local disconnects too
	l.post(func() {
		if sink := l.eventSink(); sink != nil {
			sink.OnDisconnect(handle, reason)
		}
	})
	return nil
}

// DropLink simulates the peer vanishing: the link is removed and a
// disconnect event is delivered.
func (l *Link) DropLink(peer device.PeerAddress, reason device.DisconnectReason) error {
	h, ok := l.Handle(peer)
	if !ok {
		return fmt.Errorf("%w: %s has no link", ErrUnknownPeer, peer)
	}
	if err := l.CloseLink(h, reason); err != nil {
		return err
	}
	l.Flush()
	return nil
}

func (l *Link) UpdateParams(handle device.ConnectionHandle, params device.ConnParams) error {
	l.mu.Lock()
	sl, ok := l.links[handle]
	if ok {
		sl.params = params
	}
	l.mu.Unlock()

	if !ok {
		return device.ErrLinkClosed
	}
	l.post(func() {
		if sink := l.eventSink(); sink != nil {
			sink.OnParamsUpdated(handle, params)
		}
	})
	return nil
}

// Authenticate runs a pairing sequence on the link to peer and reports the
// given encryption outcome. It returns after the events were delivered.
func (l *Link) Authenticate(peer device.PeerAddress, encrypted bool) error {
	h, ok := l.Handle(peer)
	if !ok {
		return fmt.Errorf("%w: %s has no link", ErrUnknownPeer, peer)
	}
	<-l.post(func() { l.pair(h, encrypted) })
	return nil
}

func (l *Link) pair(handle device.ConnectionHandle, encrypted bool) {
	sink := l.eventSink()
	if sink == nil {
		return
	}
	passkey := sink.OnPasskeyRequest(handle)
	l.logger.WithFields(logrus.Fields{
		"handle":  handle,
		"passkey": passkey,
	}).Debug("Simulated pairing")
	sink.OnAuthenticationComplete(handle, encrypted)
}

// ----------------------------
// GATT
// ----------------------------

func (l *Link) lookup(ctx context.Context, handle device.ConnectionHandle) (*simLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.links[handle]
	if !ok {
		return nil, device.ErrLinkClosed
	}
	return sl, nil
}

func (l *Link) discoveryDelay(ctx context.Context, sl *simLink) error {
	d := sl.per.profile.DiscoveryDelay
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
	}
	// The link may have dropped while waiting
	_, err := l.lookup(ctx, sl.handle)
	return err
}

func (l *Link) DiscoverServices(ctx context.Context, handle device.ConnectionHandle) ([]device.RawService, error) {
	sl, err := l.lookup(ctx, handle)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	needsPairing := sl.per.profile.Encrypt != nil && !sl.paired
	sl.paired = true
	l.mu.Unlock()

	if needsPairing {
		encrypted := *sl.per.profile.Encrypt
		<-l.post(func() { l.pair(handle, encrypted) })
		if sl, err = l.lookup(ctx, handle); err != nil {
			return nil, err
		}
	}
	if err := l.discoveryDelay(ctx, sl); err != nil {
		return nil, err
	}

	out := make([]device.RawService, 0, len(sl.per.services))
	for _, s := range sl.per.services {
		out = append(out, s.raw)
	}
	return out, nil
}

func (l *Link) DiscoverCharacteristics(ctx context.Context, handle device.ConnectionHandle, svc device.RawService) ([]device.RawCharacteristic, error) {
	sl, err := l.lookup(ctx, handle)
	if err != nil {
		return nil, err
	}
	if err := l.discoveryDelay(ctx, sl); err != nil {
		return nil, err
	}

	for i, s := range sl.per.services {
		if s.raw.Handle != svc.Handle {
			continue
		}
		if n := sl.per.profile.TruncateAfter; n > 0 && i >= n {
			return nil, fmt.Errorf("att: request timed out for service %s", s.raw.UUID)
		}
		out := make([]device.RawCharacteristic, 0, len(s.chars))
		for _, c := range s.chars {
			out = append(out, c.raw)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: service %#04x", ErrInvalidHandle, svc.Handle)
}

func (l *Link) DiscoverDescriptors(ctx context.Context, handle device.ConnectionHandle, chr device.RawCharacteristic) ([]device.RawDescriptor, error) {
	sl, err := l.lookup(ctx, handle)
	if err != nil {
		return nil, err
	}
	c := sl.per.charByValueHandle(chr.ValueHandle)
	if c == nil {
		return nil, fmt.Errorf("%w: characteristic %#04x", ErrInvalidHandle, chr.ValueHandle)
	}
	return append([]device.RawDescriptor(nil), c.descriptors...), nil
}

func (l *Link) WriteDescriptor(ctx context.Context, handle device.ConnectionHandle, desc device.AttributeHandle, value []byte) error {
	sl, err := l.lookup(ctx, handle)
	if err != nil {
		return err
	}

	c := sl.per.charByCCCD(desc)
	if c == nil {
		if sl.per.hasDescriptor(desc) {
			return nil
		}
		return fmt.Errorf("%w: descriptor %#04x", ErrInvalidHandle, desc)
	}

	mode, err := device.ParseCCCDValue(value)
	if err != nil {
		return &device.LinkError{State: device.LinkWriteRejected, Msg: err.Error()}
	}
	if mode == device.SubscriptionNotify && !c.raw.Properties.CanNotify() ||
		mode == device.SubscriptionIndicate && !c.raw.Properties.CanIndicate() {
		return &device.LinkError{State: device.LinkWriteRejected, Msg: fmt.Sprintf("%s not permitted on %s", mode, c.raw.UUID)}
	}
	if c.rejectSubscribe && mode != device.SubscriptionNone {
		return &device.LinkError{State: device.LinkWriteRejected, Msg: "write not permitted"}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if mode == device.SubscriptionNone {
		delete(sl.cccd, c.raw.ValueHandle)
	} else {
		sl.cccd[c.raw.ValueHandle] = mode
	}
	return nil
}

func (l *Link) ReadCharacteristic(ctx context.Context, handle device.ConnectionHandle, valueHandle device.AttributeHandle) ([]byte, error) {
	sl, err := l.lookup(ctx, handle)
	if err != nil {
		return nil, err
	}
	c := sl.per.charByValueHandle(valueHandle)
	if c == nil {
		return nil, fmt.Errorf("%w: characteristic %#04x", ErrInvalidHandle, valueHandle)
	}
	if !c.raw.Properties.CanRead() {
		return nil, fmt.Errorf("%w: %s", ErrReadNotPermitted, c.raw.UUID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), c.value...), nil
}

// ----------------------------
// Peer-side actions
// ----------------------------

// SetValue changes the value of a characteristic of peer.
func (l *Link) SetValue(peer device.PeerAddress, charUUID string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	per, ok := l.peripherals[peer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	c := per.charByUUID(charUUID)
	if c == nil {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{charUUID}}
	}
	c.value = append([]byte(nil), value...)
	return nil
}

// Notify pushes a value change from peer. It fails when the characteristic
// is not subscribed. Delivery is asynchronous; use Flush to wait for it.
func (l *Link) Notify(peer device.PeerAddress, charUUID string, data []byte) error {
	l.mu.Lock()
	var sl *simLink
	for _, candidate := range l.links {
		if candidate.per.addr == peer {
			sl = candidate
			break
		}
	}
	if sl == nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s has no link", ErrUnknownPeer, peer)
	}
	c := sl.per.charByUUID(charUUID)
	if c == nil {
		l.mu.Unlock()
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{charUUID}}
	}
	mode := sl.cccd[c.raw.ValueHandle]
	l.mu.Unlock()

	if mode == device.SubscriptionNone {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, charUUID)
	}
	l.emitNotification(sl.handle, c.raw.ValueHandle, data, mode == device.SubscriptionIndicate)
	return nil
}

func (l *Link) emitNotification(handle device.ConnectionHandle, valueHandle device.AttributeHandle, data []byte, indication bool) {
	payload := append([]byte(nil), data...)
	l.post(func() {
		if sink := l.eventSink(); sink != nil {
			sink.OnNotification(handle, valueHandle, payload, indication)
		}
	})
}

// startNotifiers runs the periodic notifications of sl until the link closes.
// Caller holds l.mu.
func (l *Link) startNotifiers(ctx context.Context, sl *simLink) {
	for _, s := range sl.per.services {
		for _, c := range s.chars {
			if c.notifyEvery <= 0 {
				continue
			}
			groutine.Go(ctx, fmt.Sprintf("sim-notify-%d-%s", sl.handle, c.raw.UUID), func(ctx context.Context) {
				ticker := time.NewTicker(c.notifyEvery)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}

					l.mu.Lock()
					mode := sl.cccd[c.raw.ValueHandle]
					sl.notifySeq++
					seq := sl.notifySeq
					l.mu.Unlock()

					if mode == device.SubscriptionNone {
						continue
					}
					data := make([]byte, 4)
					binary.LittleEndian.PutUint32(data, seq)
					l.emitNotification(sl.handle, c.raw.ValueHandle, data, mode == device.SubscriptionIndicate)
				}
			})
		}
	}
}

func (p *peripheral) chars() []*simChar {
	var out []*simChar
	for _, s := range p.services {
		out = append(out, s.chars...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].raw.Handle < out[j].raw.Handle })
	return out
}

func (p *peripheral) charByValueHandle(h device.AttributeHandle) *simChar {
	for _, c := range p.chars() {
		if c.raw.ValueHandle == h {
			return c
		}
	}
	return nil
}

func (p *peripheral) charByCCCD(h device.AttributeHandle) *simChar {
	for _, c := range p.chars() {
		if c.cccd != 0 && c.cccd == h {
			return c
		}
	}
	return nil
}

func (p *peripheral) charByUUID(uuid string) *simChar {
	n := device.NormalizeUUID(uuid)
	for _, c := range p.chars() {
		if c.raw.UUID == n {
			return c
		}
	}
	return nil
}

func (p *peripheral) hasDescriptor(h device.AttributeHandle) bool {
	for _, c := range p.chars() {
		for _, d := range c.descriptors {
			if d.Handle == h {
				return true
			}
		}
	}
	return false
}
