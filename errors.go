package xhist

import (
	"errors"
	"fmt"
)

// UnknownTransportError is returned when no adapter was registered under Name.
// Adapters register themselves when their package is imported.
type UnknownTransportError struct {
	Name  string
	Known []string
}

func (e *UnknownTransportError) Error() string {
	return fmt.Sprintf("xhist: unknown transport %q (registered: %v)", e.Name, e.Known)
}

var (
	ErrBusClosed                   = errors.New("xhist: bus is closed")
	ErrNotConnected                = errors.New("xhist: bus is not connected")
	ErrConnectionFailed            = errors.New("xhist: connection failed")
	ErrNoTransportConfigured       = errors.New("xhist: no transport configured")
	ErrInvalidRoutingKey           = errors.New("xhist: invalid routing key")
	ErrInvalidPattern              = errors.New("xhist: invalid routing pattern")
	ErrInvalidEventName            = errors.New("xhist: invalid event name")
	ErrInvalidPayload              = errors.New("xhist: invalid payload")
	ErrInvalidSubscription         = errors.New("xhist: invalid subscription")
	ErrDuplicateSubscription       = errors.New("xhist: pattern already has a handler")
	ErrHandlerPanic                = errors.New("xhist: handler panic")
	ErrMissingReplyField           = errors.New("xhist: missing reply field")
	ErrObserverPoolShutdownTimeout = errors.New("xhist: observer pool shutdown timeout")
)

// MissingReplyFieldError is a protocol violation: a request carries a correlation id
// but no address to answer to. It matches ErrMissingReplyField.
type MissingReplyFieldError struct {
	Field         string
	RoutingKey    string
	CorrelationID string
}

func (e *MissingReplyFieldError) Error() string {
	return fmt.Sprintf("xhist: message on %q (correlation %q) is missing %s", e.RoutingKey, e.CorrelationID, e.Field)
}

func (e *MissingReplyFieldError) Is(target error) bool { return target == ErrMissingReplyField }

// ConnectError reports that the transport could not be reached within the allowed attempts.
// It matches ErrConnectionFailed and unwraps to the last transport error.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("xhist: connection failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectionFailed }
