package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const wait = 2 * time.Second

type closeEvent struct {
	code   int
	reason string
}

type events struct {
	open    chan struct{}
	message chan string
	errs    chan error
	closed  chan closeEvent
}

func newEvents() *events {
	return &events{
		open:    make(chan struct{}, 1),
		message: make(chan string, 16),
		errs:    make(chan error, 1),
		closed:  make(chan closeEvent, 1),
	}
}

func (e *events) OnOpen()                         { e.open <- struct{}{} }
func (e *events) OnMessage(text []byte)           { e.message <- string(text) }
func (e *events) OnError(err error)               { e.errs <- err }
func (e *events) OnClose(code int, reason string) { e.closed <- closeEvent{code, reason} }

var upgrader = websocket.Upgrader{
	CheckOrigin:  func(r *http.Request) bool { return true },
	Subprotocols: []string{Subprotocol},
}

// gateway upgrades, then hands the connection to handle.
func gateway(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echo(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func open(t *testing.T, url string) (*Socket, *events) {
	t.Helper()
	s := NewSocket(Options{CloseGrace: 500 * time.Millisecond})
	ev := newEvents()
	if err := s.Open(context.Background(), url, ev); err != nil {
		t.Fatalf("Open: %v", err)
	}
	select {
	case <-ev.open:
	case err := <-ev.errs:
		t.Fatalf("open failed: %v", err)
	case <-time.After(wait):
		t.Fatal("socket never opened")
	}
	return s, ev
}

func TestSocketNegotiatesSubprotocolAndEchoes(t *testing.T) {
	protocols := make(chan string, 1)
	url := gateway(t, func(conn *websocket.Conn) {
		protocols <- conn.Subprotocol()
		echo(conn)
	})
	s, ev := open(t, url)
	defer s.Close(websocket.CloseNormalClosure, "")

	if got := <-protocols; got != Subprotocol {
		t.Fatalf("subprotocol = %q, want %q", got, Subprotocol)
	}
	if err := s.Send([]byte(`{"janus":"keepalive"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-ev.message:
		if msg != `{"janus":"keepalive"}` {
			t.Fatalf("echo = %q", msg)
		}
	case <-time.After(wait):
		t.Fatal("no echo")
	}
}

func TestSocketServerCloseCode(t *testing.T) {
	url := gateway(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(3008, "No such room")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		// Wait for the client's close reply before tearing down.
		_, _, _ = conn.ReadMessage()
	})
	s, ev := open(t, url)

	select {
	case c := <-ev.closed:
		if c.code != 3008 || c.reason != "No such room" {
			t.Fatalf("close = %+v", c)
		}
	case err := <-ev.errs:
		t.Fatalf("got error %v instead of close", err)
	case <-time.After(wait):
		t.Fatal("no close event")
	}
	if err := s.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

func TestSocketLocalClose(t *testing.T) {
	url := gateway(t, echo)
	s, ev := open(t, url)

	if err := s.Close(websocket.CloseNormalClosure, "Connection reset"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(websocket.CloseNormalClosure, ""); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case c := <-ev.closed:
		if c.code != websocket.CloseNormalClosure {
			t.Fatalf("close code = %d", c.code)
		}
	case err := <-ev.errs:
		t.Fatalf("got error %v instead of close", err)
	case <-time.After(wait):
		t.Fatal("no close event")
	}
	if err := s.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

func TestSocketMisuse(t *testing.T) {
	s := NewSocket(Options{})
	if err := s.Send([]byte("x")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send before open = %v, want ErrNotOpen", err)
	}
	if err := s.Close(websocket.CloseNormalClosure, ""); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Close before open = %v, want ErrNotOpen", err)
	}

	url := gateway(t, echo)
	s, _ = open(t, url)
	defer s.Close(websocket.CloseNormalClosure, "")
	if err := s.Open(context.Background(), url, newEvents()); !errors.Is(err, ErrOpenedTwice) {
		t.Fatalf("second Open = %v, want ErrOpenedTwice", err)
	}
}

func TestSocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	s := NewSocket(Options{HandshakeTimeout: time.Second})
	ev := newEvents()
	if err := s.Open(context.Background(), url, ev); err != nil {
		t.Fatalf("Open: %v", err)
	}
	select {
	case <-ev.errs:
	case <-ev.open:
		t.Fatal("opened against a closed server")
	case <-time.After(wait):
		t.Fatal("no error event")
	}
	if err := s.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after failed dial = %v, want ErrClosed", err)
	}
}

func TestSocketCloseWhileDialing(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		echo(conn)
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	s := NewSocket(Options{HandshakeTimeout: wait})
	ev := newEvents()
	if err := s.Open(context.Background(), url, ev); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(websocket.CloseNormalClosure, ""); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(release)

	select {
	case err := <-ev.errs:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-ev.open:
		t.Fatal("opened after close")
	case c := <-ev.closed:
		t.Fatalf("close event %d without open", c.code)
	case <-time.After(wait):
		t.Fatal("no terminal event")
	}
}
