package subscription

import "fmt"

// ErrorKind is the category of a subscription failure
type ErrorKind string

const (
	KindUnsupported   ErrorKind = "unsupported"
	KindNotConnected  ErrorKind = "not_connected"
	KindWriteRejected ErrorKind = "write_rejected"
)

// SubscribeError represents a failed subscribe or unsubscribe
type SubscribeError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface
func (e *SubscribeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "subscribe " + string(e.Kind)
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the link-level cause
func (e *SubscribeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare SubscribeError values by Kind
func (e *SubscribeError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SubscribeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrUnsupported   = &SubscribeError{Kind: KindUnsupported}
	ErrNotConnected  = &SubscribeError{Kind: KindNotConnected}
	ErrWriteRejected = &SubscribeError{Kind: KindWriteRejected}
)
