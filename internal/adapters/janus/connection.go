package janus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/metrics"
)

type State int32

const (
	StateInitial State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Listener observes one Connection. Callbacks run on the socket's event
// goroutine and must not block.
type Listener interface {
	OnConnected(c *Connection)
	// OnDisconnected fires once, only after OnConnected. reason is nil for
	// a normal closure.
	OnDisconnected(c *Connection, reason error)
	OnMessage(c *Connection, msg *Message)
	// OnConnectionError reports failures of the connection itself, as
	// opposed to failures of a single request.
	OnConnectionError(c *Connection, err error)
	OnError(c *Connection, err error)
}

// Transport is the request surface plugin handles are bound to.
type Transport interface {
	SendRequest(req *Request, cb Callback)
	SendMessage(req *Request) error
}

type Options struct {
	RequestTimeout  time.Duration
	KeepalivePeriod time.Duration
	SweepPeriod     time.Duration
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout:  30 * time.Second,
		KeepalivePeriod: 50 * time.Second,
		SweepPeriod:     time.Second,
	}
}

// Connection is one gateway session over one socket. It is never reused:
// once Closed, a new Connection must be constructed.
type Connection struct {
	socket    core.Socket
	opts      Options
	registry  *Registry
	listeners core.ListenerSet[Listener]
	logger    zerolog.Logger

	state     atomic.Int32
	sessionID atomic.Int64
	txn       atomic.Uint64
	connected atomic.Bool
	tornDown  atomic.Bool

	keepalive atomic.Pointer[repeater]
	sweeper   atomic.Pointer[repeater]
}

func NewConnection(socket core.Socket, opts Options) *Connection {
	def := DefaultOptions()
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.KeepalivePeriod <= 0 {
		opts.KeepalivePeriod = def.KeepalivePeriod
	}
	if opts.SweepPeriod <= 0 {
		opts.SweepPeriod = def.SweepPeriod
	}
	return &Connection{
		socket:   socket,
		opts:     opts,
		registry: NewRegistry(),
		logger:   log.With().Str("module", "janus.connection").Logger(),
	}
}

func (c *Connection) State() State { return State(c.state.Load()) }

// SessionID is 0 until the session has been created.
func (c *Connection) SessionID() int64 { return c.sessionID.Load() }

func (c *Connection) AddListener(l Listener) (remove func()) { return c.listeners.Add(l) }

// Connect opens the socket and creates the gateway session. The outcome
// is reported to listeners; the returned error only covers failures that
// happen before the socket is opening.
func (c *Connection) Connect(ctx context.Context, url string) error {
	if !c.state.CompareAndSwap(int32(StateInitial), int32(StateConnecting)) {
		return &StateError{Op: "connect", State: c.State().String()}
	}
	c.logger.Info().Str("url", url).Msg("connecting")
	if err := c.socket.Open(ctx, url, socketEvents{c}); err != nil {
		c.failConnect(&TransportError{Err: err})
		return err
	}
	return nil
}

// Disconnect closes the session. Safe to call in any state and more than once.
func (c *Connection) Disconnect() {
	for {
		st := c.State()
		switch st {
		case StateInitial:
			if c.state.CompareAndSwap(int32(st), int32(StateClosed)) {
				c.tornDown.Store(true)
				c.registry.FailAll(resetError(nil))
				return
			}
		case StateConnecting, StateConnected:
			if c.state.CompareAndSwap(int32(st), int32(StateClosing)) {
				c.keepalive.Load().Stop()
				if err := c.socket.Close(CloseNormal, "Connection reset"); err != nil {
					c.logger.Debug().Err(err).Msg("socket already gone")
					c.teardown(nil)
				}
				return
			}
		default:
			return
		}
	}
}

// SendRequest sends req as a tracked transaction. cb receives the final
// response or the error; it is never called more than once.
func (c *Connection) SendRequest(req *Request, cb Callback) {
	if st := c.State(); st != StateConnecting && st != StateConnected {
		cb(nil, &StateError{Op: "send " + req.Janus, State: st.String()})
		return
	}
	id := c.stamp(req)
	if err := c.registry.Register(id, cb, c.opts.RequestTimeout); err != nil {
		cb(nil, err)
		return
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.registry.Resolve(id, nil, fmt.Errorf("encode %s: %w", req.Janus, err))
		return
	}
	if err := c.socket.Send(data); err != nil {
		c.registry.Resolve(id, nil, &TransportError{Err: err})
		return
	}
	metrics.SocketFramesTotal.WithLabelValues("out").Inc()
}

// SendMessage sends req without waiting for a response.
func (c *Connection) SendMessage(req *Request) error {
	if st := c.State(); st != StateConnecting && st != StateConnected {
		return &StateError{Op: "send " + req.Janus, State: st.String()}
	}
	c.stamp(req)
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Janus, err)
	}
	if err := c.socket.Send(data); err != nil {
		return &TransportError{Err: err}
	}
	metrics.SocketFramesTotal.WithLabelValues("out").Inc()
	return nil
}

func (c *Connection) stamp(req *Request) string {
	req.Transaction = fmt.Sprintf("%016x", c.txn.Add(1))
	if sid := c.sessionID.Load(); sid != 0 {
		req.SessionID = sid
	}
	return req.Transaction
}

func (c *Connection) handleOpen() {
	if c.State() != StateConnecting {
		_ = c.socket.Close(CloseNormal, "")
		return
	}
	c.sweeper.Store(startRepeater(c.opts.SweepPeriod, func() {
		if n := c.registry.Sweep(time.Now()); n > 0 {
			c.logger.Warn().Int("count", n).Msg("transactions timed out")
		}
	}))
	if c.tornDown.Load() {
		c.sweeper.Load().Stop()
	}
	c.SendRequest(&Request{Janus: "create"}, c.handleCreated)
}

func (c *Connection) handleCreated(msg *Message, err error) {
	var id int64
	if err == nil {
		id, err = msg.DataID()
	}
	if err != nil {
		c.failConnect(err)
		return
	}
	c.sessionID.Store(id)
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return
	}
	c.connected.Store(true)
	c.keepalive.Store(startRepeater(c.opts.KeepalivePeriod, c.sendKeepalive))
	metrics.ConnectionsTotal.WithLabelValues("connected").Inc()
	c.logger.Info().Int64("session_id", id).Msg("session created")
	c.listeners.Each(func(l Listener) { l.OnConnected(c) })
}

func (c *Connection) sendKeepalive() {
	if err := c.SendMessage(&Request{Janus: "keepalive"}); err != nil {
		c.logger.Warn().Err(err).Msg("keepalive failed")
		return
	}
	metrics.KeepalivesSentTotal.Inc()
}

func (c *Connection) handleMessage(data []byte) {
	metrics.SocketFramesTotal.WithLabelValues("in").Inc()
	msg, err := ParseMessage(data)
	if err != nil {
		c.logger.Error().Err(err).Msg("bad json")
		err = fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		c.listeners.Each(func(l Listener) { l.OnError(c, err) })
		return
	}
	if msg.Transaction != "" {
		if perr := msg.Err(); perr != nil {
			c.registry.Resolve(msg.Transaction, msg, perr)
		} else if msg.Final() {
			c.registry.Resolve(msg.Transaction, msg, nil)
		}
	}
	c.listeners.Each(func(l Listener) { l.OnMessage(c, msg) })
}

func (c *Connection) handleSocketError(err error) {
	terr := &TransportError{Err: err}
	switch c.State() {
	case StateConnecting:
		c.failConnect(terr)
	case StateConnected:
		c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing))
		if !c.tornDown.Load() {
			c.listeners.Each(func(l Listener) { l.OnConnectionError(c, terr) })
		}
		c.teardown(terr)
	default:
		c.teardown(nil)
	}
}

func (c *Connection) handleClose(code int, reason string) {
	cause := classifyClose(code, reason)
	switch c.State() {
	case StateConnecting:
		if cause == nil {
			cause = &TransportError{Err: ErrConnectionReset}
		}
		c.failConnect(cause)
	case StateConnected:
		c.state.CompareAndSwap(int32(StateConnected), int32(StateClosing))
		c.teardown(cause)
	default:
		c.teardown(cause)
	}
}

// failConnect ends a connection that never reached Connected.
func (c *Connection) failConnect(err error) {
	if c.tornDown.CompareAndSwap(false, true) {
		c.state.Store(int32(StateClosed))
		c.stopTimers()
		c.registry.FailAll(resetError(err))
		metrics.ConnectionsTotal.WithLabelValues("failed").Inc()
		c.logger.Warn().Err(err).Msg("connection failed")
		c.listeners.Each(func(l Listener) { l.OnConnectionError(c, err) })
	}
	_ = c.socket.Close(CloseNormal, "")
}

func (c *Connection) teardown(reason error) {
	if !c.tornDown.CompareAndSwap(false, true) {
		return
	}
	c.state.Store(int32(StateClosed))
	c.stopTimers()
	if n := c.registry.FailAll(resetError(reason)); n > 0 {
		c.logger.Info().Int("count", n).Msg("failed pending transactions")
	}
	if !c.connected.Load() {
		return
	}
	if reason == nil {
		metrics.DisconnectionsTotal.WithLabelValues("normal").Inc()
	} else {
		metrics.DisconnectionsTotal.WithLabelValues("error").Inc()
	}
	c.logger.Info().AnErr("reason", reason).Msg("disconnected")
	c.listeners.Each(func(l Listener) { l.OnDisconnected(c, reason) })
}

func (c *Connection) stopTimers() {
	c.keepalive.Load().Stop()
	c.sweeper.Load().Stop()
}

type socketEvents struct{ c *Connection }

func (e socketEvents) OnOpen()                         { e.c.handleOpen() }
func (e socketEvents) OnMessage(text []byte)           { e.c.handleMessage(text) }
func (e socketEvents) OnError(err error)               { e.c.handleSocketError(err) }
func (e socketEvents) OnClose(code int, reason string) { e.c.handleClose(code, reason) }

// repeater calls fn every period until stopped.
type repeater struct {
	stop chan struct{}
	once sync.Once
}

func startRepeater(period time.Duration, fn func()) *repeater {
	r := &repeater{stop: make(chan struct{})}
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-t.C:
				fn()
			}
		}
	}()
	return r
}

// Stop is safe on a nil repeater.
func (r *repeater) Stop() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.stop) })
}
