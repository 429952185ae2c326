package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/app/room"
)

// Room is the part of a room session the supervisor drives.
type Room interface {
	Connect(ctx context.Context, url string) error
	Disconnect()
	AddObserver(o room.Observer) (remove func())
}

type Supervisor struct {
	Room   Room
	Policy Policy
	URL    string
	// Delay is the pause before a reconnect.
	Delay time.Duration
}

type lifecycle struct {
	up  bool
	err error
}

type watcher struct {
	room.BaseObserver
	events chan lifecycle
	errs   chan error
	done   <-chan struct{}
}

func (w *watcher) send(ev lifecycle) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *watcher) OnConnected(*room.Session)                    { w.send(lifecycle{up: true}) }
func (w *watcher) OnDisconnected(_ *room.Session, err error)    { w.send(lifecycle{err: err}) }
func (w *watcher) OnConnectionError(_ *room.Session, err error) { w.send(lifecycle{err: err}) }

func (w *watcher) OnError(_ *room.Session, err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// Run connects the room and keeps it connected as the policy allows. It
// returns when the policy gives up, with the reason (nil for a normal
// closure), or ctx.Err() after disconnecting on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.With().Str("module", "app.supervisor").Str("url", s.URL).Logger()
	policy := s.Policy
	if policy == nil {
		policy = RetryOncePolicy{}
	}

	done := make(chan struct{})
	defer close(done)
	w := &watcher{events: make(chan lifecycle, 4), errs: make(chan error, 1), done: done}
	remove := s.Room.AddObserver(w)
	defer remove()

	if err := s.Room.Connect(ctx, s.URL); err != nil {
		return err
	}

	attempt := 0
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stopping")
			s.Room.Disconnect()
			return ctx.Err()
		case err := <-w.errs:
			lastErr = err
		case ev := <-w.events:
			if ev.up {
				attempt = 0
				lastErr = nil
				logger.Info().Msg("room connected")
				continue
			}
			action := policy.OnDisconnect(ev.err, attempt)
			logger.Info().AnErr("reason", ev.err).Int("attempt", attempt).Str("action", action.String()).Msg("connection lost")
			if action != Reconnect {
				if ev.err != nil {
					return ev.err
				}
				select {
				case err := <-w.errs:
					lastErr = err
				default:
				}
				return lastErr
			}
			attempt++
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := s.Room.Connect(ctx, s.URL); err != nil {
				return err
			}
		}
	}
}
