package room

import (
	"github.com/dkeye/roomclient/internal/app/participant"
	"github.com/dkeye/roomclient/internal/domain"
)

// Observer receives room events, all on the session's dispatcher.
type Observer interface {
	OnConnected(s *Session)
	// OnDisconnected carries nil for a normal closure.
	OnDisconnected(s *Session, reason error)
	// OnConnectionError reports a connect attempt that failed before the
	// gateway session existed. No OnDisconnected follows it.
	OnConnectionError(s *Session, err error)
	OnStreamCreated(s *Session, feed domain.Feed, remote *participant.Remote)
	OnStreamDestroyed(s *Session, feed domain.Feed)
	OnError(s *Session, err error)
}

// BaseObserver implements Observer with no-ops for embedding.
type BaseObserver struct{}

func (BaseObserver) OnConnected(*Session)                                       {}
func (BaseObserver) OnDisconnected(*Session, error)                             {}
func (BaseObserver) OnConnectionError(*Session, error)                          {}
func (BaseObserver) OnStreamCreated(*Session, domain.Feed, *participant.Remote) {}
func (BaseObserver) OnStreamDestroyed(*Session, domain.Feed)                    {}
func (BaseObserver) OnError(*Session, error)                                    {}
