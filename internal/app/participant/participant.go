package participant

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/roomclient/internal/adapters/janus"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/metrics"
)

var ErrClosed = errors.New("participant closed")

type PeerState int32

const (
	PeerNone PeerState = iota
	PeerOfferPending
	PeerAnswerPending
	PeerEstablished
)

func (s PeerState) String() string {
	switch s {
	case PeerNone:
		return "none"
	case PeerOfferPending:
		return "offer-pending"
	case PeerAnswerPending:
		return "answer-pending"
	case PeerEstablished:
		return "established"
	}
	return fmt.Sprintf("peer(%d)", int32(s))
}

// stage is one step of a pipeline; it reports its outcome through next.
type stage func(next func(error))

// participant is the part shared by Local and Remote. Fields marked
// queue-owned are only touched from tasks on queue.
type participant struct {
	id      domain.ParticipantID
	role    core.MediaRole
	factory core.MediaFactory
	queue   *core.Queue
	logger  zerolog.Logger
	state   atomic.Int32

	// queue-owned
	handle *janus.Handle
	media  core.MediaSession

	onRemoteMedia func(core.RemoteMedia)
	onRenegotiate func()

	closeOnce sync.Once
}

func (p *participant) init(role core.MediaRole, factory core.MediaFactory, logger zerolog.Logger) error {
	id, err := domain.NewParticipantID()
	if err != nil {
		return fmt.Errorf("participant id: %w", err)
	}
	p.id = id
	p.role = role
	p.factory = factory
	p.queue = core.NewQueue(role.String() + "-" + string(id))
	p.logger = logger.With().Str("participant", string(id)).Logger()
	return nil
}

func (p *participant) ID() domain.ParticipantID { return p.id }
func (p *participant) PeerState() PeerState     { return PeerState(p.state.Load()) }

func (p *participant) handleID() int64 {
	if p.handle == nil {
		return 0
	}
	return p.handle.ID()
}

// HandleID reports the plugin handle id, 0 when detached.
func (p *participant) HandleID() int64 {
	var id int64
	if !p.call(func() { id = p.handleID() }) {
		return 0
	}
	return id
}

// call runs fn on the queue and waits for it. Not for use from the queue.
func (p *participant) call(fn func()) bool {
	done := make(chan struct{})
	if !p.queue.Post(func() { fn(); close(done) }) {
		return false
	}
	<-done
	return true
}

// run executes stages in order on the queue. The first failure skips the
// remaining stages; done runs exactly once on the queue.
func (p *participant) run(done func(error), stages ...stage) {
	var step func(i int)
	step = func(i int) {
		if i == len(stages) {
			done(nil)
			return
		}
		stages[i](func(err error) {
			posted := p.queue.Post(func() {
				if err != nil {
					done(err)
					return
				}
				step(i + 1)
			})
			if !posted {
				done(ErrClosed)
			}
		})
	}
	if !p.queue.Post(func() { step(0) }) {
		done(ErrClosed)
	}
}

func (p *participant) attachStage(t janus.Transport, plugin string) stage {
	return func(next func(error)) {
		if p.handle != nil && p.handle.Attached() {
			next(nil)
			return
		}
		p.handle = janus.NewHandle(t, plugin)
		p.handle.Attach(next)
	}
}

// request sends a plugin message through the handle and stores the reply in out.
func (p *participant) request(body any, jsep *janus.JSEP, out **janus.Message) stage {
	return func(next func(error)) {
		if p.handle == nil {
			next(&janus.StateError{Op: "send message", State: "detached"})
			return
		}
		p.handle.SendRequest(&janus.Request{Janus: "message", Body: body, JSEP: jsep}, func(msg *janus.Message, err error) {
			if out != nil {
				*out = msg
			}
			next(err)
		})
	}
}

func (p *participant) ensureMedia() error {
	if p.media != nil {
		return nil
	}
	m, err := p.factory.NewSession(p.role)
	if err != nil {
		return fmt.Errorf("create media session: %w", err)
	}
	m.SetEvents(&mediaHooks{p: p, session: m})
	p.media = m
	return nil
}

func (p *participant) createOffer(audio, video bool) (string, error) {
	if err := p.ensureMedia(); err != nil {
		return "", err
	}
	prev := p.state.Swap(int32(PeerOfferPending))
	sdp, err := p.media.CreateOffer(audio, video)
	if err != nil {
		p.state.Store(prev)
		p.countNegotiation("error")
		return "", fmt.Errorf("create offer: %w", err)
	}
	return sdp, nil
}

func (p *participant) applyAnswer(sdp string) error {
	if p.media == nil {
		return &janus.StateError{Op: "apply answer", State: "without media"}
	}
	if err := p.media.ApplyRemoteAnswer(sdp); err != nil {
		p.countNegotiation("error")
		return fmt.Errorf("apply answer: %w", err)
	}
	p.state.Store(int32(PeerEstablished))
	p.countNegotiation("ok")
	return nil
}

func (p *participant) applyOffer(sdp string) error {
	if err := p.ensureMedia(); err != nil {
		return err
	}
	if err := p.media.ApplyRemoteOffer(sdp); err != nil {
		p.countNegotiation("error")
		return fmt.Errorf("apply offer: %w", err)
	}
	p.state.Store(int32(PeerAnswerPending))
	return nil
}

func (p *participant) createAnswer() (string, error) {
	if p.media == nil {
		return "", &janus.StateError{Op: "create answer", State: "without media"}
	}
	sdp, err := p.media.CreateAnswer()
	if err != nil {
		p.countNegotiation("error")
		return "", fmt.Errorf("create answer: %w", err)
	}
	p.state.Store(int32(PeerEstablished))
	p.countNegotiation("ok")
	return sdp, nil
}

func (p *participant) countNegotiation(result string) {
	metrics.NegotiationsTotal.WithLabelValues(p.role.String(), result).Inc()
}

func (p *participant) trickle(candidate any) {
	if p.handle == nil || !p.handle.Attached() {
		return
	}
	p.handle.SendMessage(&janus.Request{Janus: "trickle", Candidate: candidate})
}

// AddRemoteCandidate applies a candidate the gateway trickled to us.
func (p *participant) AddRemoteCandidate(c webrtc.ICECandidateInit) {
	p.queue.Post(func() {
		if p.media == nil {
			return
		}
		if err := p.media.AddRemoteCandidate(c); err != nil {
			p.logger.Warn().Err(err).Msg("remote candidate rejected")
		}
	})
}

func (p *participant) stopPeer() {
	if p.media != nil {
		if err := p.media.Close(); err != nil {
			p.logger.Debug().Err(err).Msg("media close")
		}
		p.media = nil
	}
	p.state.Store(int32(PeerNone))
}

func (p *participant) detachNow() {
	if p.handle != nil {
		p.handle.Detach()
		p.handle = nil
	}
	p.stopPeer()
}

// Detach releases the plugin handle and the media session. The participant
// can be attached again afterwards.
func (p *participant) Detach() {
	p.queue.Post(p.detachNow)
}

// Close detaches and stops the participant for good. Idempotent.
func (p *participant) Close() {
	p.closeOnce.Do(func() {
		p.queue.Post(p.detachNow)
		p.queue.Close()
	})
}

// Sync waits for every task queued so far.
func (p *participant) Sync() { p.queue.Sync() }

// mediaHooks forwards engine callbacks onto the participant queue and
// drops those coming from a session that has since been replaced.
type mediaHooks struct {
	p       *participant
	session core.MediaSession
}

func (h *mediaHooks) current() bool { return h.p.media == h.session }

func (h *mediaHooks) OnRenegotiationNeeded() {
	h.p.queue.Post(func() {
		if h.current() && h.p.onRenegotiate != nil {
			h.p.onRenegotiate()
		}
	})
}

func (h *mediaHooks) OnLocalICECandidate(c webrtc.ICECandidateInit) {
	h.p.queue.Post(func() {
		if h.current() {
			h.p.trickle(c)
		}
	})
}

func (h *mediaHooks) OnICEGatheringComplete() {
	h.p.queue.Post(func() {
		if h.current() {
			h.p.trickle(janus.TrickleCompleted)
		}
	})
}

func (h *mediaHooks) OnRemoteMedia(m core.RemoteMedia) {
	if h.p.onRemoteMedia != nil {
		h.p.onRemoteMedia(m)
	}
}
