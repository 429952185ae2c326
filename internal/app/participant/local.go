package participant

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/adapters/janus"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/metrics"
)

var errSuperseded = errors.New("media session replaced")

type LocalOptions struct {
	Display string
	Audio   bool
	Video   bool
	Plugin  string
	// Private marks a room created on demand as private.
	Private bool
	// OnError receives renegotiation failures nobody waits for.
	OnError func(error)
}

type PublishOptions struct {
	Display string
	Audio   bool
	Video   bool
}

// JoinInfo is what the gateway tells a publisher on join.
type JoinInfo struct {
	Feed        domain.FeedID
	PrivateID   int64
	Description string
	Publishers  []domain.Feed
}

type joinedEvent struct {
	VideoRoom   string        `json:"videoroom"`
	ID          int64         `json:"id"`
	PrivateID   int64         `json:"private_id"`
	Description string        `json:"description"`
	Publishers  []domain.Feed `json:"publishers"`
}

// Local publishes this client's media into a room.
type Local struct {
	participant

	plugin  string
	private bool
	onError func(error)

	feed      atomic.Int64
	privateID atomic.Int64

	// queue-owned
	display     string
	audio       bool
	video       bool
	transport   janus.Transport
	room        domain.RoomID
	negotiating bool
	rerun       bool
	inflight    []func(error)
	queued      []func(error)
}

func NewLocal(factory core.MediaFactory, opts LocalOptions) (*Local, error) {
	if err := domain.ValidateDisplay(opts.Display); err != nil {
		return nil, err
	}
	if opts.Plugin == "" {
		opts.Plugin = janus.PluginVideoRoom
	}
	l := &Local{
		plugin:  opts.Plugin,
		private: opts.Private,
		onError: opts.OnError,
		display: opts.Display,
		audio:   opts.Audio,
		video:   opts.Video,
	}
	logger := log.With().Str("module", "participant.local").Logger()
	if err := l.init(core.RolePublisher, factory, logger); err != nil {
		return nil, err
	}
	l.onRenegotiate = func() { l.negotiate(nil) }
	return l, nil
}

func (l *Local) Feed() domain.FeedID { return domain.FeedID(l.feed.Load()) }
func (l *Local) PrivateID() int64    { return l.privateID.Load() }

// Attach joins roomID as a publisher over t and starts the peer session.
// done runs on the participant queue.
func (l *Local) Attach(t janus.Transport, roomID domain.RoomID, done func(JoinInfo, error)) {
	var info JoinInfo
	l.run(func(err error) {
		if err != nil {
			l.logger.Warn().Err(err).Int64("room", int64(roomID)).Msg("publisher attach failed")
		}
		done(info, err)
	},
		func(next func(error)) {
			l.transport = t
			l.room = roomID
			next(nil)
		},
		l.attachStage(t, l.plugin),
		l.joinStage(&info),
		l.startStage,
	)
}

func (l *Local) joinStage(info *JoinInfo) stage {
	return func(next func(error)) {
		h, room := l.handle, l.room
		join := map[string]any{"request": "join", "ptype": "publisher", "room": room, "display": l.display}
		create := map[string]any{"request": "create", "room": room, "is_private": l.private}

		fail := func(err error) { next(&janus.JoinError{Room: int64(room), Err: err}) }
		joined := func(msg *janus.Message) {
			var ev joinedEvent
			if err := msg.DecodePlugin(&ev); err != nil {
				fail(err)
				return
			}
			*info = JoinInfo{
				Feed:        domain.FeedID(ev.ID),
				PrivateID:   ev.PrivateID,
				Description: ev.Description,
				Publishers:  ev.Publishers,
			}
			l.feed.Store(ev.ID)
			l.privateID.Store(ev.PrivateID)
			l.logger.Info().Int64("room", int64(room)).Int64("feed", ev.ID).Msg("joined as publisher")
			next(nil)
		}

		h.SendRequest(&janus.Request{Janus: "message", Body: join}, func(msg *janus.Message, err error) {
			if err == nil {
				joined(msg)
				return
			}
			if !janus.IsRoomMissing(err) {
				fail(err)
				return
			}
			l.logger.Info().Int64("room", int64(room)).Msg("room missing, creating")
			h.SendRequest(&janus.Request{Janus: "message", Body: create}, func(_ *janus.Message, err error) {
				if err != nil {
					fail(err)
					return
				}
				metrics.RoomCreatesTotal.Inc()
				h.SendRequest(&janus.Request{Janus: "message", Body: join}, func(msg *janus.Message, err error) {
					if err != nil {
						fail(err)
						return
					}
					joined(msg)
				})
			})
		})
	}
}

// startStage replaces the media session with one carrying the tracks the
// current flags ask for, then negotiates it.
func (l *Local) startStage(next func(error)) {
	l.stopPeer()
	if err := l.ensureMedia(); err != nil {
		next(err)
		return
	}
	if err := l.media.AttachLocalTracks(string(l.id), l.audio, l.video); err != nil {
		next(fmt.Errorf("attach local tracks: %w", err))
		return
	}
	if !l.audio && !l.video {
		next(nil)
		return
	}
	l.negotiate(next)
}

// negotiate runs offer, configure and answer on the queue. A request made
// while one is in flight is folded into a single rerun.
func (l *Local) negotiate(done func(error)) {
	if l.negotiating {
		l.rerun = true
		if done != nil {
			l.queued = append(l.queued, done)
		}
		return
	}
	if l.media == nil {
		if done != nil {
			done(&janus.StateError{Op: "negotiate", State: "without media"})
		}
		return
	}
	l.negotiating = true
	if done != nil {
		l.inflight = append(l.inflight, done)
	}

	// A session replaced mid-flight is left alone; its replacement
	// negotiates on its own.
	m := l.media
	var reply *janus.Message
	l.run(l.finishNegotiation,
		func(next func(error)) {
			if l.media != m {
				next(errSuperseded)
				return
			}
			sdp, err := l.createOffer(l.audio, l.video)
			if err != nil {
				next(err)
				return
			}
			body := map[string]any{"request": "configure", "audio": l.audio, "video": l.video, "display": l.display}
			l.request(body, &janus.JSEP{Type: "offer", SDP: sdp}, &reply)(next)
		},
		func(next func(error)) {
			if l.media != m {
				next(errSuperseded)
				return
			}
			if reply == nil || reply.JSEP == nil {
				next(fmt.Errorf("%w: configure reply without jsep", janus.ErrMalformedResponse))
				return
			}
			next(l.applyAnswer(reply.JSEP.SDP))
		},
	)
}

func (l *Local) finishNegotiation(err error) {
	waiters := l.inflight
	l.inflight = nil
	l.negotiating = false
	if errors.Is(err, errSuperseded) {
		if len(waiters) > 0 {
			l.queued = append(l.queued, waiters...)
			l.rerun = true
		}
		err = nil
		waiters = nil
	}
	if err != nil {
		l.logger.Warn().Err(err).Msg("negotiation failed")
		if len(waiters) == 0 && l.onError != nil {
			l.onError(err)
		}
	}
	for _, w := range waiters {
		w(err)
	}
	if l.rerun {
		l.rerun = false
		queued := l.queued
		l.queued = nil
		var cb func(error)
		if len(queued) > 0 {
			cb = func(err error) {
				for _, w := range queued {
					w(err)
				}
			}
		}
		l.negotiate(cb)
	}
}

// Publish updates the published media and renegotiates. A publisher that
// lost its handle rejoins its last room first.
func (l *Local) Publish(opts PublishOptions, done func(error)) {
	if err := domain.ValidateDisplay(opts.Display); err != nil {
		done(err)
		return
	}
	var (
		info   JoinInfo
		rejoin bool
	)
	l.run(done,
		func(next func(error)) {
			l.display, l.audio, l.video = opts.Display, opts.Audio, opts.Video
			if l.transport == nil {
				next(&janus.StateError{Op: "publish", State: "never attached"})
				return
			}
			rejoin = l.handle == nil || !l.handle.Attached()
			next(nil)
		},
		func(next func(error)) { l.attachStage(l.transport, l.plugin)(next) },
		func(next func(error)) {
			if !rejoin {
				next(nil)
				return
			}
			l.joinStage(&info)(next)
		},
		l.startStage,
	)
}

// Unpublish stops sending media. The handle stays attached, so the
// publisher keeps its place in the room and still receives room events.
func (l *Local) Unpublish(done func(error)) {
	l.run(done, func(next func(error)) {
		if l.handle == nil || !l.handle.Attached() {
			next(&janus.StateError{Op: "unpublish", State: "detached"})
			return
		}
		l.stopPeer()
		l.request(map[string]any{"request": "unpublish"}, nil, nil)(next)
	})
}
