package core

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type MediaRole int

const (
	RolePublisher MediaRole = iota
	RoleSubscriber
)

func (r MediaRole) String() string {
	if r == RoleSubscriber {
		return "subscriber"
	}
	return "publisher"
}

// RemoteMedia is one inbound track. *webrtc.TrackRemote satisfies it.
type RemoteMedia interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// MediaEvents are raised by a MediaSession from engine goroutines.
type MediaEvents interface {
	OnRenegotiationNeeded()
	OnLocalICECandidate(webrtc.ICECandidateInit)
	OnICEGatheringComplete()
	OnRemoteMedia(RemoteMedia)
}

// MediaSession is a single peer media session. It is not safe for
// concurrent use; callers serialize every call.
type MediaSession interface {
	// SetEvents must be called before any other method.
	SetEvents(MediaEvents)
	// AttachLocalTracks adds "<streamID>_audio_0" and "<streamID>_video_0"
	// according to the flags.
	AttachLocalTracks(streamID string, audio, video bool) error
	CreateOffer(audio, video bool) (string, error)
	CreateAnswer() (string, error)
	ApplyRemoteOffer(sdp string) error
	ApplyRemoteAnswer(sdp string) error
	AddRemoteCandidate(webrtc.ICECandidateInit) error
	// Close should stop all underlying media resources.
	Close() error
}

type MediaFactory interface {
	NewSession(role MediaRole) (MediaSession, error)
}
