package central

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies every failure the central reports.
type ErrorKind string

const (
	AdapterNotReady           ErrorKind = "adapter_not_ready"
	AlreadyInProgress         ErrorKind = "already_in_progress"
	NotConnected              ErrorKind = "not_connected"
	ConnectionFailed          ErrorKind = "connection_failed"
	DiscoveryFailed           ErrorKind = "discovery_failed"
	CharacteristicUnavailable ErrorKind = "characteristic_unavailable"
	PeripheralError           ErrorKind = "peripheral_error"
)

// Error is the error type returned and dispatched by the central.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels, one per kind, for use with errors.Is.
var (
	ErrAdapterNotReady           = &Error{Kind: AdapterNotReady}
	ErrAlreadyInProgress         = &Error{Kind: AlreadyInProgress}
	ErrNotConnected              = &Error{Kind: NotConnected}
	ErrConnectionFailed          = &Error{Kind: ConnectionFailed}
	ErrDiscoveryFailed           = &Error{Kind: DiscoveryFailed}
	ErrCharacteristicUnavailable = &Error{Kind: CharacteristicUnavailable}
	ErrPeripheralError           = &Error{Kind: PeripheralError}

	ErrAlreadyScanning   = &Error{Kind: AlreadyInProgress, Msg: "already scanning"}
	ErrAlreadyConnecting = &Error{Kind: AlreadyInProgress, Msg: "connection already active"}
)

// Driver-level errors
var (
	ErrTimeout      = errors.New("timeout")
	ErrUnsupported  = errors.New("unsupported")
	ErrBluetoothOff = errors.New("bluetooth is turned off")

	// ErrBusy means the driver's request queue is full. Nothing was
	// queued, so the request can be retried.
	ErrBusy = errors.New("request queue full")
)

// NotFoundError represents a lookup miss for a peripheral, service or characteristic.
type NotFoundError struct {
	Resource string // "peripheral", "service", "characteristic"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// KindOf returns the ErrorKind carried by err, or "" if err is not an *Error.
func KindOf(err error) ErrorKind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return ""
}

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// NormalizeError maps known platform error strings to structured errors so
// callers can match on them regardless of the backend that produced them.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "not connected"):
		return &Error{Kind: NotConnected, Err: err}
	case containsIgnoreCase(msg, "device already connected"):
		return &Error{Kind: AlreadyInProgress, Err: err}
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
