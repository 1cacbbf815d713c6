package device

import "context"

// Link is the link-layer collaborator a central session runs on. Implementations
// own the radio and the GATT transport; this module only drives them.
type Link interface {
	// StartScan blocks, calling handler for each advertisement, until ctx is
	// done or params.Duration elapses. Duration 0 scans until ctx is done.
	StartScan(ctx context.Context, params ScanParams, handler func(AdvertisementReport)) error

	// OpenLink establishes a link to peer and returns its handle.
	OpenLink(ctx context.Context, peer PeerAddress, params ConnParams) (ConnectionHandle, error)

	// CloseLink tears a link down. Closing an unknown handle returns ErrLinkClosed.
	CloseLink(handle ConnectionHandle, reason DisconnectReason) error

	DiscoverServices(ctx context.Context, handle ConnectionHandle) ([]RawService, error)
	DiscoverCharacteristics(ctx context.Context, handle ConnectionHandle, svc RawService) ([]RawCharacteristic, error)
	DiscoverDescriptors(ctx context.Context, handle ConnectionHandle, chr RawCharacteristic) ([]RawDescriptor, error)

	// WriteDescriptor writes a descriptor value; used to enable notify/indicate.
	WriteDescriptor(ctx context.Context, handle ConnectionHandle, desc AttributeHandle, value []byte) error

	// ReadCharacteristic reads a characteristic value by its value handle.
	ReadCharacteristic(ctx context.Context, handle ConnectionHandle, valueHandle AttributeHandle) ([]byte, error)

	// UpdateParams requests new connection parameters. The outcome arrives
	// asynchronously through EventSink.OnParamsUpdated.
	UpdateParams(handle ConnectionHandle, params ConnParams) error

	// SetEventSink registers the receiver of link events. Events are delivered
	// on the link's event task, one at a time.
	SetEventSink(sink EventSink)
}

// EventSink receives asynchronous link events. Implementations must not block
// for long and must not call back into the Link synchronously, except
// CloseLink.
type EventSink interface {
	OnDisconnect(handle ConnectionHandle, reason DisconnectReason)
	OnParamsUpdated(handle ConnectionHandle, params ConnParams)
	OnPasskeyRequest(handle ConnectionHandle) uint32
	OnConfirmNumeric(handle ConnectionHandle, value uint32) bool
	OnAuthenticationComplete(handle ConnectionHandle, encrypted bool)
	OnNotification(handle ConnectionHandle, valueHandle AttributeHandle, data []byte, indication bool)
}
