package connmgr

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/blecentral/internal/device"
)

// ErrorKind is the category of a connection failure
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindLinkRejected      ErrorKind = "link_rejected"
	KindInProgress        ErrorKind = "in_progress"
	KindNotConnected      ErrorKind = "not_connected"
)

// ConnectError represents any connection-management failure
type ConnectError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *ConnectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the link-level cause
func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ConnectError values by Kind
func (e *ConnectError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrTimeout           = &ConnectError{Kind: KindTimeout}
	ErrResourceExhausted = &ConnectError{Kind: KindResourceExhausted}
	ErrLinkRejected      = &ConnectError{Kind: KindLinkRejected}
	ErrInProgress        = &ConnectError{Kind: KindInProgress}
	ErrNotConnected      = &ConnectError{Kind: KindNotConnected}
)

// classifyOpenError maps a link open failure to the connection error taxonomy.
func classifyOpenError(peer device.PeerAddress, err error) error {
	msg := fmt.Sprintf("connect to %s", peer)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, device.ErrTimeout):
		return &ConnectError{Kind: KindTimeout, Msg: msg, Err: err}
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", msg, err)
	case errors.Is(err, device.ErrLinkBusy):
		return &ConnectError{Kind: KindResourceExhausted, Msg: msg, Err: err}
	default:
		return &ConnectError{Kind: KindLinkRejected, Msg: msg, Err: err}
	}
}
