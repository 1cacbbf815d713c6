package device

import (
	"errors"
	"fmt"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "service", "characteristic", "descriptor"
	UUIDs    []string // One or more UUIDs (e.g., [serviceUUID] or [serviceUUID, charUUID])
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	parentResource := "service"
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, e.UUIDs[0])
}

// LinkState represents the kind of link-level failure
type LinkState string

const (
	LinkRejected      LinkState = "link_rejected"
	LinkBusy          LinkState = "link_busy"
	LinkClosed        LinkState = "link_closed"
	LinkWriteRejected LinkState = "write_rejected"
)

// LinkError represents a failure reported by the link layer
type LinkError struct {
	State LinkState
	Msg   string
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare LinkError values by State
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for link states
var (
	// ErrLinkRejected: the peer or controller refused the link.
	ErrLinkRejected = &LinkError{State: LinkRejected}
	// ErrLinkBusy: the controller has no free connection slot.
	ErrLinkBusy = &LinkError{State: LinkBusy}
	// ErrLinkClosed: the handle does not name an open link.
	ErrLinkClosed = &LinkError{State: LinkClosed}
	// ErrWriteRejected: the peer rejected an attribute write.
	ErrWriteRejected = &LinkError{State: LinkWriteRejected}
)

// Operation errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// IsLinkState reports whether err is a LinkError with the given state
func IsLinkState(err error, state LinkState) bool {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr.State == state
	}
	return false
}
