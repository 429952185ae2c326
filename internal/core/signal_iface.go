package core

import "context"

// SocketEvents receives the lifecycle of one Socket.
// Open yields exactly one of OnOpen or OnError. After OnOpen the socket
// delivers zero or more OnMessage calls and then exactly one terminal
// OnClose or OnError. Events for one socket are never delivered concurrently.
type SocketEvents interface {
	OnOpen()
	OnMessage(text []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// Socket is a persistent bidirectional text-frame connection to a
// signaling endpoint. Owned by the signaling connection that opened it.
type Socket interface {
	// Open starts connecting and returns immediately. A non-nil error means
	// the socket was misused (e.g. opened twice) and no event will follow.
	Open(ctx context.Context, url string, events SocketEvents) error
	// Send queues one text frame. Calling it before OnOpen or after the
	// terminal event is rejected.
	Send(text []byte) error
	// Close starts the close handshake. Safe to call on a socket that is
	// already closed.
	Close(code int, reason string) error
}
