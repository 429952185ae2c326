package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/core"
)

// Subprotocol is the WebSocket subprotocol spoken by the gateway.
const Subprotocol = "janus-protocol"

var (
	ErrNotOpen      = errors.New("socket not open")
	ErrClosed       = errors.New("socket closed")
	ErrBackpressure = errors.New("backpressure")
	ErrOpenedTwice  = errors.New("socket already opened")
)

type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// CloseGrace bounds how long Close waits for the peer's close frame.
	CloseGrace time.Duration
	ReadLimit  int64
	SendBuffer int
	Header     http.Header
}

func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		CloseGrace:       5 * time.Second,
		ReadLimit:        1 << 20,
		SendBuffer:       64,
	}
}

type state int

const (
	stateIdle state = iota
	stateDialing
	stateOpen
	stateClosed
)

// Socket implements core.Socket over a gorilla websocket client.
type Socket struct {
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu          sync.RWMutex
	state       state
	conn        *websocket.Conn
	send        chan []byte
	events      core.SocketEvents
	closing     bool
	closeCode   int
	closeReason string
}

func NewSocket(opts Options) *Socket {
	def := DefaultOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = def.CloseGrace
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	return &Socket{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     []string{Subprotocol},
		},
		logger: log.With().Str("module", "adapters.ws").Logger(),
	}
}

func (s *Socket) Open(ctx context.Context, url string, events core.SocketEvents) error {
	s.mu.Lock()
	if s.state != stateIdle {
		s.mu.Unlock()
		return ErrOpenedTwice
	}
	s.state = stateDialing
	s.events = events
	s.mu.Unlock()

	go s.run(ctx, url)
	return nil
}

func (s *Socket) run(ctx context.Context, url string) {
	conn, _, err := s.dialer.DialContext(ctx, url, s.opts.Header)
	if err != nil {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("url", url).Msg("dial failed")
		s.events.OnError(fmt.Errorf("dial %s: %w", url, err))
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	s.mu.Lock()
	if s.state != stateDialing {
		s.mu.Unlock()
		_ = conn.Close()
		s.logger.Info().Str("url", url).Msg("closed while dialing")
		s.events.OnError(ErrClosed)
		return
	}
	s.conn = conn
	s.send = make(chan []byte, s.opts.SendBuffer)
	s.state = stateOpen
	send := s.send
	s.mu.Unlock()

	s.logger.Info().Str("url", url).Str("subprotocol", conn.Subprotocol()).Msg("socket open")
	go s.writePump(conn, send)
	s.events.OnOpen()
	s.readPump(conn)
}

// Send queues one text frame for the write pump.
func (s *Socket) Send(text []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.state == stateIdle || s.state == stateDialing:
		return ErrNotOpen
	case s.state == stateClosed || s.closing:
		return ErrClosed
	}
	select {
	case s.send <- text:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close sends a close frame and lets the read pump observe the peer's
// reply; if none arrives within CloseGrace the socket is torn down anyway.
func (s *Socket) Close(code int, reason string) error {
	s.mu.Lock()
	switch s.state {
	case stateIdle:
		s.mu.Unlock()
		return ErrNotOpen
	case stateDialing:
		s.state = stateClosed
		s.mu.Unlock()
		return nil
	case stateClosed:
		s.mu.Unlock()
		return nil
	}
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.closeCode, s.closeReason = code, reason
	conn := s.conn
	s.mu.Unlock()

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		s.logger.Warn().Err(err).Msg("close frame not sent")
		_ = conn.Close()
		return nil
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.CloseGrace))
	return nil
}

func (s *Socket) writePump(conn *websocket.Conn, send <-chan []byte) {
	for data := range send {
		if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			s.logger.Error().Err(err).Msg("writePump set deadline")
			_ = conn.Close()
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.logger.Error().Err(err).Msg("writePump write error")
			_ = conn.Close()
			return
		}
	}
}

func (s *Socket) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.finish(conn, err)
			return
		}
		s.events.OnMessage(data)
	}
}

func (s *Socket) finish(conn *websocket.Conn, err error) {
	s.mu.Lock()
	closing, code, reason := s.closing, s.closeCode, s.closeReason
	if s.state == stateOpen {
		close(s.send)
	}
	s.state = stateClosed
	s.mu.Unlock()
	_ = conn.Close()

	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
		s.logger.Info().Int("code", ce.Code).Str("reason", ce.Text).Msg("socket closed")
		s.events.OnClose(ce.Code, ce.Text)
	case closing:
		s.logger.Info().Int("code", code).Msg("socket closed locally")
		s.events.OnClose(code, reason)
	default:
		s.logger.Error().Err(err).Msg("socket read error")
		s.events.OnError(err)
	}
}
