package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
)

// Session is a core.MediaSession backed by a pion PeerConnection.
type Session struct {
	pc     *webrtc.PeerConnection
	role   core.MediaRole
	logger zerolog.Logger

	mu     sync.RWMutex
	events core.MediaEvents
	local  []*webrtc.TrackLocalStaticSample
}

func newSession(api *webrtc.API, cfg webrtc.Configuration, role core.MediaRole) (*Session, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	s := &Session{
		pc:     pc,
		role:   role,
		logger: log.With().Str("module", "webrtc").Str("role", role.String()).Logger(),
	}
	s.wire()
	return s, nil
}

func (s *Session) SetEvents(e core.MediaEvents) {
	s.mu.Lock()
	s.events = e
	s.mu.Unlock()
}

func (s *Session) hooks() core.MediaEvents {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

func (s *Session) wire() {
	s.pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.logger.Info().Str("ice_state", st.String()).Msg("ICE state")
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger.Info().Str("peer_connection_state", st.String()).Msg("Peer state")
	})

	s.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		e := s.hooks()
		if e == nil {
			return
		}
		if cand == nil {
			e.OnICEGatheringComplete()
			return
		}
		e.OnLocalICECandidate(cand.ToJSON())
	})

	s.pc.OnNegotiationNeeded(func() {
		if e := s.hooks(); e != nil {
			e.OnRenegotiationNeeded()
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if e := s.hooks(); e != nil {
			e.OnRemoteMedia(track)
		}
	})
}

func (s *Session) AttachLocalTracks(streamID string, audio, video bool) error {
	id := domain.ParticipantID(streamID)
	add := func(kind, mime string) error {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id.TrackName(kind), streamID)
		if err != nil {
			return fmt.Errorf("create %s track: %w", kind, err)
		}
		if _, err := s.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		s.mu.Lock()
		s.local = append(s.local, track)
		s.mu.Unlock()
		return nil
	}
	if audio {
		if err := add("audio", webrtc.MimeTypeOpus); err != nil {
			return err
		}
	}
	if video {
		if err := add("video", webrtc.MimeTypeVP8); err != nil {
			return err
		}
	}
	return nil
}

// LocalTracks exposes the sample tracks a capture source writes into.
func (s *Session) LocalTracks() []*webrtc.TrackLocalStaticSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*webrtc.TrackLocalStaticSample(nil), s.local...)
}

func (s *Session) CreateOffer(audio, video bool) (string, error) {
	for _, sender := range s.pc.GetSenders() {
		track := sender.Track()
		if track == nil {
			continue
		}
		drop := (track.Kind() == webrtc.RTPCodecTypeAudio && !audio) ||
			(track.Kind() == webrtc.RTPCodecTypeVideo && !video)
		if drop {
			if err := s.pc.RemoveTrack(sender); err != nil {
				return "", fmt.Errorf("remove %s track: %w", track.Kind(), err)
			}
		}
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (s *Session) CreateAnswer() (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (s *Session) ApplyRemoteOffer(sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (s *Session) ApplyRemoteAnswer(sdp string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(c)
}

func (s *Session) Close() error {
	if err := s.pc.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close error")
		return err
	}
	s.logger.Info().Msg("closed")
	return nil
}
