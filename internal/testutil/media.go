package testutil

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/roomclient/internal/core"
)

var ErrMediaClosed = errors.New("fake media: closed")

// Media is a core.MediaSession that records calls and flags overlapping
// (unserialized) use.
type Media struct {
	Role core.MediaRole

	mu           sync.Mutex
	events       core.MediaEvents
	tracks       []string
	offers       int
	answers      int
	remoteOffer  string
	remoteAnswer string
	candidates   []webrtc.ICECandidateInit
	closed       bool

	OfferErr  error
	AnswerErr error

	inflight atomic.Int32
	overlap  atomic.Bool
}

func (m *Media) enter() func() {
	if m.inflight.Add(1) > 1 {
		m.overlap.Store(true)
	}
	time.Sleep(200 * time.Microsecond)
	return func() { m.inflight.Add(-1) }
}

func (m *Media) SetEvents(e core.MediaEvents) {
	m.mu.Lock()
	m.events = e
	m.mu.Unlock()
}

func (m *Media) AttachLocalTracks(streamID string, audio, video bool) error {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMediaClosed
	}
	if audio {
		m.tracks = append(m.tracks, streamID+"_audio_0")
	}
	if video {
		m.tracks = append(m.tracks, streamID+"_video_0")
	}
	return nil
}

func (m *Media) CreateOffer(audio, video bool) (string, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrMediaClosed
	}
	if m.OfferErr != nil {
		return "", m.OfferErr
	}
	m.offers++
	return fmt.Sprintf("v=0 local-offer-%d audio=%t video=%t", m.offers, audio, video), nil
}

func (m *Media) CreateAnswer() (string, error) {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrMediaClosed
	}
	if m.AnswerErr != nil {
		return "", m.AnswerErr
	}
	m.answers++
	return fmt.Sprintf("v=0 local-answer-%d", m.answers), nil
}

func (m *Media) ApplyRemoteOffer(sdp string) error {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMediaClosed
	}
	m.remoteOffer = sdp
	return nil
}

func (m *Media) ApplyRemoteAnswer(sdp string) error {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMediaClosed
	}
	m.remoteAnswer = sdp
	return nil
}

func (m *Media) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	defer m.enter()()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *Media) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns the hooks installed by the owner, for tests to fire.
func (m *Media) Events() core.MediaEvents {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}

func (m *Media) Tracks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tracks...)
}

func (m *Media) Offers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers
}

func (m *Media) RemoteOffer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteOffer
}

func (m *Media) RemoteAnswer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteAnswer
}

func (m *Media) RemoteCandidates() []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), m.candidates...)
}

func (m *Media) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Overlapped reports whether two calls ever ran at the same time.
func (m *Media) Overlapped() bool { return m.overlap.Load() }

// MediaFactory hands out Media sessions and keeps them for inspection.
type MediaFactory struct {
	mu       sync.Mutex
	sessions []*Media
	Err      error
}

func (f *MediaFactory) NewSession(role core.MediaRole) (core.MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	m := &Media{Role: role}
	f.sessions = append(f.sessions, m)
	return m, nil
}

func (f *MediaFactory) Sessions() []*Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Media(nil), f.sessions...)
}

// Last returns the most recent session with role, or nil.
func (f *MediaFactory) Last(role core.MediaRole) *Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sessions) - 1; i >= 0; i-- {
		if f.sessions[i].Role == role {
			return f.sessions[i]
		}
	}
	return nil
}

// Track is a core.RemoteMedia yielding a fixed list of packets, then io.EOF.
type Track struct {
	TrackID   string
	Stream    string
	MediaKind webrtc.RTPCodecType

	mu      sync.Mutex
	packets []*rtp.Packet
}

func NewTrack(id string, kind webrtc.RTPCodecType, packets ...*rtp.Packet) *Track {
	return &Track{TrackID: id, Stream: id, MediaKind: kind, packets: packets}
}

func (t *Track) ID() string                { return t.TrackID }
func (t *Track) StreamID() string          { return t.Stream }
func (t *Track) Kind() webrtc.RTPCodecType { return t.MediaKind }

func (t *Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.packets) == 0 {
		return nil, nil, io.EOF
	}
	p := t.packets[0]
	t.packets = t.packets[1:]
	return p, interceptor.Attributes{}, nil
}
