package participant

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/adapters/janus"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
)

// Remote subscribes to one publisher's feed.
type Remote struct {
	participant

	feed   domain.Feed
	plugin string

	mu       sync.Mutex
	arrived  []core.RemoteMedia
	awaiters []func(core.RemoteMedia)
	watchers []func(core.RemoteMedia)
}

func NewRemote(factory core.MediaFactory, feed domain.Feed, plugin string) (*Remote, error) {
	if plugin == "" {
		plugin = janus.PluginVideoRoom
	}
	r := &Remote{feed: feed, plugin: plugin}
	logger := log.With().Str("module", "participant.remote").Int64("feed", int64(feed.ID)).Logger()
	if err := r.init(core.RoleSubscriber, factory, logger); err != nil {
		return nil, err
	}
	r.onRemoteMedia = r.mediaArrived
	return r, nil
}

func (r *Remote) Feed() domain.Feed { return r.feed }

// Attach subscribes to the feed in roomID on behalf of the publisher
// identified by privateID. done runs on the participant queue.
func (r *Remote) Attach(t janus.Transport, roomID domain.RoomID, privateID int64, done func(error)) {
	var joined, started *janus.Message
	join := map[string]any{
		"request":    "join",
		"ptype":      "subscriber",
		"room":       roomID,
		"feed":       r.feed.ID,
		"private_id": privateID,
	}
	var answer string
	r.run(func(err error) {
		if err != nil {
			r.logger.Warn().Err(err).Msg("subscribe failed")
		} else {
			r.logger.Info().Int64("room", int64(roomID)).Msg("subscribed")
		}
		done(err)
	},
		r.attachStage(t, r.plugin),
		func(next func(error)) {
			r.request(join, nil, &joined)(func(err error) {
				if err != nil {
					err = &janus.JoinError{Room: int64(roomID), Err: err}
				}
				next(err)
			})
		},
		func(next func(error)) {
			if joined == nil || joined.JSEP == nil {
				next(fmt.Errorf("%w: subscriber join without offer", janus.ErrMalformedResponse))
				return
			}
			if err := r.applyOffer(joined.JSEP.SDP); err != nil {
				next(err)
				return
			}
			sdp, err := r.createAnswer()
			answer = sdp
			next(err)
		},
		func(next func(error)) {
			body := map[string]any{"request": "start", "room": roomID}
			r.request(body, &janus.JSEP{Type: "answer", SDP: answer}, &started)(next)
		},
	)
}

func (r *Remote) mediaArrived(m core.RemoteMedia) {
	r.mu.Lock()
	r.arrived = append(r.arrived, m)
	awaiters := r.awaiters
	r.awaiters = nil
	watchers := r.watchers
	r.mu.Unlock()
	for _, cb := range awaiters {
		cb(m)
	}
	for _, cb := range watchers {
		cb(m)
	}
}

// AwaitMedia calls cb with the first media that arrives, right away if
// some already has.
func (r *Remote) AwaitMedia(cb func(core.RemoteMedia)) {
	r.mu.Lock()
	if len(r.arrived) > 0 {
		first := r.arrived[0]
		r.mu.Unlock()
		cb(first)
		return
	}
	r.awaiters = append(r.awaiters, cb)
	r.mu.Unlock()
}

// WatchMedia calls cb for every track, replaying those already arrived.
func (r *Remote) WatchMedia(cb func(core.RemoteMedia)) {
	r.mu.Lock()
	arrived := append([]core.RemoteMedia(nil), r.arrived...)
	r.watchers = append(r.watchers, cb)
	r.mu.Unlock()
	for _, m := range arrived {
		cb(m)
	}
}

// Media returns the tracks received so far.
func (r *Remote) Media() []core.RemoteMedia {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.RemoteMedia(nil), r.arrived...)
}
