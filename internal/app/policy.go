package app

import (
	"errors"

	"github.com/dkeye/roomclient/internal/adapters/janus"
)

type ReconnectAction int

const (
	NoAction ReconnectAction = iota
	Reconnect
)

func (a ReconnectAction) String() string {
	if a == Reconnect {
		return "reconnect"
	}
	return "none"
}

// Policy decides what to do after the room session lost its connection.
// attempt counts reconnects since the last successful connect.
type Policy interface {
	OnDisconnect(reason error, attempt int) ReconnectAction
}

// RetryOncePolicy reconnects once after a transport or protocol failure.
// A normal closure or a gateway-reported error ends the session.
type RetryOncePolicy struct{}

func (RetryOncePolicy) OnDisconnect(reason error, attempt int) ReconnectAction {
	if attempt > 0 || !Retryable(reason) {
		return NoAction
	}
	return Reconnect
}

// NoRetryPolicy leaves every disconnect final.
type NoRetryPolicy struct{}

func (NoRetryPolicy) OnDisconnect(error, int) ReconnectAction { return NoAction }

// Retryable reports whether reason looks like a network failure rather
// than a deliberate end.
func Retryable(reason error) bool {
	if reason == nil {
		return false
	}
	var pe *janus.PluginError
	if errors.As(reason, &pe) {
		return false
	}
	var te *janus.TransportError
	var proto *janus.ProtocolError
	return errors.As(reason, &te) || errors.As(reason, &proto) ||
		errors.Is(reason, janus.ErrConnectionReset) || errors.Is(reason, janus.ErrTimeout)
}
