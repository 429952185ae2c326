// Package testutil holds test doubles shared by the package tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/roomclient/internal/core"
)

var (
	ErrNotOpen     = errors.New("fake socket: not open")
	ErrClosed      = errors.New("fake socket: closed")
	ErrOpenedTwice = errors.New("fake socket: already opened")
)

// Responder answers one outgoing frame with zero or more inbound frames.
type Responder func(frame []byte) [][]byte

type socketState int

const (
	socketIdle socketState = iota
	socketOpen
	socketClosed
)

// Socket is an in-memory core.Socket. Every event, including replies from
// the responder, is delivered on one goroutine like a real read loop.
type Socket struct {
	OpenErr   error
	responder Responder
	queue     *core.Queue

	mu     sync.Mutex
	events core.SocketEvents
	state  socketState
	url    string
	sent   [][]byte
	closes []int
}

func NewSocket(responder Responder) *Socket {
	return &Socket{responder: responder, queue: core.NewQueue("fake-socket")}
}

func (s *Socket) Open(_ context.Context, url string, events core.SocketEvents) error {
	s.mu.Lock()
	if s.events != nil {
		s.mu.Unlock()
		return ErrOpenedTwice
	}
	s.events = events
	s.url = url
	openErr := s.OpenErr
	s.mu.Unlock()

	s.queue.Post(func() {
		if openErr != nil {
			s.setState(socketClosed)
			events.OnError(openErr)
			return
		}
		s.mu.Lock()
		if s.state != socketIdle {
			s.mu.Unlock()
			return
		}
		s.state = socketOpen
		s.mu.Unlock()
		events.OnOpen()
	})
	return nil
}

func (s *Socket) Send(text []byte) error {
	s.mu.Lock()
	switch s.state {
	case socketIdle:
		s.mu.Unlock()
		return ErrNotOpen
	case socketClosed:
		s.mu.Unlock()
		return ErrClosed
	}
	frame := append([]byte(nil), text...)
	s.sent = append(s.sent, frame)
	s.mu.Unlock()

	if s.responder != nil {
		s.queue.Post(func() {
			for _, reply := range s.responder(frame) {
				s.deliver(reply)
			}
		})
	}
	return nil
}

// Close acts as the local side of a close handshake: the peer echoes the code.
func (s *Socket) Close(code int, reason string) error {
	s.mu.Lock()
	s.closes = append(s.closes, code)
	switch s.state {
	case socketIdle:
		if s.events == nil {
			s.mu.Unlock()
			return ErrNotOpen
		}
	case socketClosed:
		s.mu.Unlock()
		return nil
	}
	s.state = socketClosed
	events := s.events
	s.mu.Unlock()

	s.queue.Post(func() { events.OnClose(code, reason) })
	return nil
}

// Push delivers an unsolicited inbound frame.
func (s *Socket) Push(frame []byte) {
	s.queue.Post(func() { s.deliver(frame) })
}

// PushJSON marshals v and delivers it as an inbound frame.
func (s *Socket) PushJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.Push(b)
}

// Drop simulates the server closing the socket with code.
func (s *Socket) Drop(code int, reason string) {
	s.queue.Post(func() {
		if !s.transition(socketClosed) {
			return
		}
		s.events.OnClose(code, reason)
	})
}

// Fail simulates a socket error after open.
func (s *Socket) Fail(err error) {
	s.queue.Post(func() {
		if !s.transition(socketClosed) {
			return
		}
		s.events.OnError(err)
	})
}

// Flush waits until every queued event has been delivered.
func (s *Socket) Flush() { s.queue.Sync() }

func (s *Socket) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == socketOpen
}

// CloseCodes lists the codes passed to Close.
func (s *Socket) CloseCodes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.closes...)
}

// Sent returns every outgoing frame decoded as a JSON object.
func (s *Socket) Sent() []map[string]any {
	s.mu.Lock()
	frames := append([][]byte(nil), s.sent...)
	s.mu.Unlock()

	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// SentVerb returns outgoing frames whose "janus" field equals verb.
func (s *Socket) SentVerb(verb string) []map[string]any {
	var out []map[string]any
	for _, m := range s.Sent() {
		if m["janus"] == verb {
			out = append(out, m)
		}
	}
	return out
}

func (s *Socket) setState(st socketState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Socket) transition(to socketState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != socketOpen {
		return false
	}
	s.state = to
	return true
}

func (s *Socket) deliver(frame []byte) {
	s.mu.Lock()
	open := s.state == socketOpen
	events := s.events
	s.mu.Unlock()
	if open {
		events.OnMessage(frame)
	}
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
