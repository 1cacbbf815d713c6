package discovery

import "fmt"

// ErrorKind is the category of a discovery failure
type ErrorKind string

const (
	KindNotConnected ErrorKind = "not_connected"
	KindTruncated    ErrorKind = "truncated"
	KindTimeout      ErrorKind = "timeout"
)

// DiscoveryError represents a failed or partial attribute discovery
type DiscoveryError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *DiscoveryError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "discovery " + string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the link-level cause
func (e *DiscoveryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare DiscoveryError values by Kind
func (e *DiscoveryError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*DiscoveryError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrNotConnected = &DiscoveryError{Kind: KindNotConnected}
	ErrTruncated    = &DiscoveryError{Kind: KindTruncated}
	ErrTimeout      = &DiscoveryError{Kind: KindTimeout}
)
