package janus

import (
	"errors"
	"fmt"
)

const (
	CloseNormal = 1000

	// ErrCodeNoSuchRoom is the VideoRoom error code for a join to a room
	// that does not exist yet.
	ErrCodeNoSuchRoom = 426
)

var (
	ErrTimeout              = errors.New("janus: transaction timed out")
	ErrDuplicateTransaction = errors.New("janus: duplicate transaction")
	ErrConnectionReset      = errors.New("janus: connection reset")
	ErrMalformedResponse    = errors.New("janus: malformed response")
)

// TransportError is a socket-level failure. Pending transactions drained
// on teardown carry one that wraps both ErrConnectionReset and the cause.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "janus: transport failure"
	}
	return "janus: transport failure: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-normal close code in the transport range (1000, 3000].
type ProtocolError struct {
	Code   int
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("janus: connection closed with code %d: %s", e.Code, e.Reason)
}

// PluginError is an error reported by the gateway or one of its plugins,
// either in the payload or as a close code above 3000.
type PluginError struct {
	Code   int
	Reason string
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("janus: error %d: %s", e.Code, e.Reason)
}

// AttachError reports that a plugin handle could not be attached.
type AttachError struct {
	Plugin string
	Err    error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("janus: attach %s: %v", e.Plugin, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// JoinError reports a failed room join, for either participant role.
type JoinError struct {
	Room int64
	Err  error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("janus: join room %d: %v", e.Room, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }

// StateError is returned when an operation needs a step that has not
// completed yet, e.g. a request on a detached handle.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("janus: cannot %s while %s", e.Op, e.State)
}

// resetError is what pending transactions fail with on teardown.
func resetError(cause error) error {
	if cause == nil {
		return &TransportError{Err: ErrConnectionReset}
	}
	return &TransportError{Err: fmt.Errorf("%w: %w", ErrConnectionReset, cause)}
}

// classifyClose maps a close code to the disconnect reason. A normal
// closure has no reason.
func classifyClose(code int, reason string) error {
	switch {
	case code == CloseNormal:
		return nil
	case code > 3000:
		return &PluginError{Code: code, Reason: reason}
	default:
		return &ProtocolError{Code: code, Reason: reason}
	}
}

// IsRoomMissing reports whether err carries the VideoRoom no-such-room code.
func IsRoomMissing(err error) bool {
	var pe *PluginError
	return errors.As(err, &pe) && pe.Code == ErrCodeNoSuchRoom
}
