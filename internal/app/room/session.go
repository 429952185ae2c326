package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/adapters/janus"
	"github.com/dkeye/roomclient/internal/app/participant"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
)

var ErrSessionClosed = errors.New("room session closed")

type Options struct {
	RoomID     domain.RoomID
	Plugin     string
	Display    string
	Audio      bool
	Video      bool
	Private    bool
	Connection janus.Options
	// Dispatcher delivers observer callbacks. Defaults to a dedicated queue.
	Dispatcher core.Dispatcher
}

// SocketFactory returns a fresh, unopened socket for each connect.
type SocketFactory func() core.Socket

type roomEvent struct {
	VideoRoom   string          `json:"videoroom"`
	Publishers  []domain.Feed   `json:"publishers"`
	Unpublished json.RawMessage `json:"unpublished"`
	Leaving     json.RawMessage `json:"leaving"`
}

// Session is one client's presence in a room: a publisher plus a
// subscriber per remote feed, over one signaling connection at a time.
type Session struct {
	opts      Options
	sockets   SocketFactory
	media     core.MediaFactory
	dispatch  core.Dispatcher
	ownQueue  *core.Queue
	queue     *core.Queue
	logger    zerolog.Logger
	observers core.ListenerSet[Observer]
	local     *participant.Local
	feeds     *feedRegistry

	mu        sync.Mutex
	conn      *janus.Connection
	attempted bool
	closed    bool

	// queue-owned
	connected bool
	joined    bool
	privateID int64
	own       domain.FeedID
	pending   map[domain.FeedID]domain.Feed
}

func NewSession(opts Options, sockets SocketFactory, media core.MediaFactory) (*Session, error) {
	if opts.Plugin == "" {
		opts.Plugin = janus.PluginVideoRoom
	}
	s := &Session{
		opts:     opts,
		sockets:  sockets,
		media:    media,
		dispatch: opts.Dispatcher,
		queue:    core.NewQueue("room"),
		logger:   log.With().Str("module", "room").Int64("room", int64(opts.RoomID)).Logger(),
		feeds:    newFeedRegistry(),
		pending:  make(map[domain.FeedID]domain.Feed),
	}
	if s.dispatch == nil {
		s.ownQueue = core.NewQueue("room-events")
		s.dispatch = s.ownQueue
	}
	local, err := participant.NewLocal(media, participant.LocalOptions{
		Display: opts.Display,
		Audio:   opts.Audio,
		Video:   opts.Video,
		Plugin:  opts.Plugin,
		Private: opts.Private,
		OnError: func(err error) { s.notify(func(o Observer) { o.OnError(s, err) }) },
	})
	if err != nil {
		s.queue.Close()
		if s.ownQueue != nil {
			s.ownQueue.Close()
		}
		return nil, err
	}
	s.local = local
	return s, nil
}

func (s *Session) AddObserver(o Observer) (remove func()) { return s.observers.Add(o) }

func (s *Session) RoomID() domain.RoomID     { return s.opts.RoomID }
func (s *Session) Local() *participant.Local { return s.local }

// Feeds lists the remote feeds with an attached subscriber.
func (s *Session) Feeds() []domain.Feed { return s.feeds.Created() }

func (s *Session) current() *janus.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) isCurrent(c *janus.Connection) bool { return s.current() == c }

func (s *Session) State() janus.State {
	s.mu.Lock()
	conn, attempted := s.conn, s.attempted
	s.mu.Unlock()
	switch {
	case conn != nil:
		return conn.State()
	case attempted:
		return janus.StateClosed
	}
	return janus.StateInitial
}

func (s *Session) SessionID() int64 {
	if c := s.current(); c != nil {
		return c.SessionID()
	}
	return 0
}

// Connect opens a new signaling connection to url. It fails with a
// *janus.StateError while the previous connection is still live.
func (s *Session) Connect(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.conn != nil {
		if st := s.conn.State(); st != janus.StateClosed {
			s.mu.Unlock()
			return &janus.StateError{Op: "connect", State: st.String()}
		}
	}
	conn := janus.NewConnection(s.sockets(), s.opts.Connection)
	s.conn = conn
	s.attempted = true
	s.mu.Unlock()

	conn.AddListener(&connListener{s: s})
	s.logger.Info().Str("url", url).Msg("connecting")
	return conn.Connect(ctx, url)
}

// Disconnect closes the current connection; room teardown follows through
// OnDisconnected.
func (s *Session) Disconnect() {
	if c := s.current(); c != nil {
		c.Disconnect()
	}
}

// Close disconnects and releases every participant. The session cannot
// connect again.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Disconnect()
	s.queue.Post(func() {
		s.dropFeeds()
		s.local.Close()
	})
	s.queue.Close()
	<-s.queue.Done()
	if s.ownQueue != nil {
		s.ownQueue.Close()
		<-s.ownQueue.Done()
	}
	s.logger.Info().Msg("session closed")
}

// Publish changes what the local participant sends.
func (s *Session) Publish(opts participant.PublishOptions, done func(error)) {
	s.local.Publish(opts, func(err error) {
		if err == nil {
			s.queue.Post(func() {
				s.own = s.local.Feed()
				s.privateID = s.local.PrivateID()
			})
		}
		s.dispatch.Post(func() { done(err) })
	})
}

// Unpublish stops sending media while staying connected.
func (s *Session) Unpublish(done func(error)) {
	s.local.Unpublish(func(err error) {
		s.dispatch.Post(func() { done(err) })
	})
}

func (s *Session) notify(fn func(Observer)) {
	s.dispatch.Post(func() { s.observers.Each(fn) })
}

func (s *Session) onConnected(c *janus.Connection) {
	if !s.isCurrent(c) {
		return
	}
	s.connected = true
	s.joined = false
	s.logger.Info().Int64("session_id", c.SessionID()).Msg("connected, joining")
	s.local.Attach(c, s.opts.RoomID, func(info participant.JoinInfo, err error) {
		s.queue.Post(func() { s.onJoined(c, info, err) })
	})
}

func (s *Session) onJoined(c *janus.Connection, info participant.JoinInfo, err error) {
	if !s.isCurrent(c) || !s.connected {
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("join failed")
		s.notify(func(o Observer) { o.OnError(s, err) })
		c.Disconnect()
		return
	}
	s.joined = true
	s.privateID = info.PrivateID
	s.own = info.Feed
	s.logger.Info().Int64("feed", int64(info.Feed)).Str("description", info.Description).Msg("joined")

	for _, f := range info.Publishers {
		s.pending[f.ID] = f
	}
	buffered := s.pending
	s.pending = make(map[domain.FeedID]domain.Feed)
	for _, f := range buffered {
		s.subscribe(c, f)
	}
	s.notify(func(o Observer) { o.OnConnected(s) })
}

func (s *Session) onDisconnected(c *janus.Connection, reason error) {
	if !s.isCurrent(c) {
		return
	}
	s.logger.Info().AnErr("reason", reason).Msg("disconnected")
	s.dropFeeds()
	s.local.Detach()
	s.connected = false
	s.joined = false
	s.privateID = 0
	s.own = 0
	s.pending = make(map[domain.FeedID]domain.Feed)
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.notify(func(o Observer) { o.OnDisconnected(s, reason) })
}

func (s *Session) onConnectionError(c *janus.Connection, err error) {
	if !s.isCurrent(c) {
		return
	}
	if s.connected {
		// the reason arrives again with OnDisconnected
		s.logger.Warn().Err(err).Msg("connection failed")
		return
	}
	s.logger.Warn().Err(err).Msg("connect failed")
	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	s.notify(func(o Observer) { o.OnConnectionError(s, err) })
}

func (s *Session) onMessage(c *janus.Connection, msg *janus.Message) {
	if !s.isCurrent(c) {
		return
	}
	if msg.Janus == "trickle" {
		s.routeCandidate(msg)
		return
	}
	if msg.PluginData == nil {
		return
	}
	var ev roomEvent
	if err := msg.DecodePlugin(&ev); err != nil {
		return
	}
	for _, f := range ev.Publishers {
		if !s.joined {
			s.pending[f.ID] = f
			continue
		}
		s.subscribe(c, f)
	}
	if id, ok := feedID(ev.Unpublished); ok {
		s.unpublished(id)
	}
	if id, ok := feedID(ev.Leaving); ok {
		s.unpublished(id)
	}
}

// feedID decodes a numeric feed id; "ok" acknowledgements are not ids.
func feedID(raw json.RawMessage) (domain.FeedID, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(raw, &id); err != nil || id == 0 {
		return 0, false
	}
	return domain.FeedID(id), true
}

func (s *Session) subscribe(c *janus.Connection, feed domain.Feed) {
	if feed.ID == s.own || s.feeds.Tracked(feed.ID) {
		return
	}
	remote, err := participant.NewRemote(s.media, feed, s.opts.Plugin)
	if err != nil {
		s.notify(func(o Observer) { o.OnError(s, err) })
		return
	}
	s.feeds.Track(feed, remote)
	s.logger.Info().Int64("feed", int64(feed.ID)).Str("display", feed.Display).Msg("subscribing")
	remote.Attach(c, s.opts.RoomID, s.privateID, func(err error) {
		s.queue.Post(func() { s.onSubscribed(feed, remote, err) })
	})
}

func (s *Session) onSubscribed(feed domain.Feed, remote *participant.Remote, err error) {
	if err != nil {
		tracked := s.feeds.Forget(feed.ID, remote)
		remote.Close()
		if !tracked {
			return
		}
		s.logger.Warn().Err(err).Int64("feed", int64(feed.ID)).Msg("subscribe failed")
		s.notify(func(o Observer) { o.OnError(s, err) })
		return
	}
	if !s.feeds.MarkCreated(feed.ID, remote) {
		// removed while attaching
		remote.Close()
		return
	}
	s.notify(func(o Observer) { o.OnStreamCreated(s, feed, remote) })
}

func (s *Session) unpublished(id domain.FeedID) {
	e, ok := s.feeds.Remove(id)
	if !ok {
		return
	}
	s.logger.Info().Int64("feed", int64(id)).Msg("feed gone")
	e.Remote.Close()
	if e.Created {
		feed := e.Feed
		s.notify(func(o Observer) { o.OnStreamDestroyed(s, feed) })
	}
}

func (s *Session) dropFeeds() {
	for _, e := range s.feeds.Drain() {
		e.Remote.Close()
		if e.Created {
			feed := e.Feed
			s.notify(func(o Observer) { o.OnStreamDestroyed(s, feed) })
		}
	}
}

type candidatePayload struct {
	webrtc.ICECandidateInit
	Completed bool `json:"completed"`
}

func (s *Session) routeCandidate(msg *janus.Message) {
	if msg.Sender == 0 || len(msg.Candidate) == 0 {
		return
	}
	var c candidatePayload
	if err := json.Unmarshal(msg.Candidate, &c); err != nil || c.Completed {
		return
	}
	if s.local.HandleID() == msg.Sender {
		s.local.AddRemoteCandidate(c.ICECandidateInit)
		return
	}
	for _, r := range s.feeds.Remotes() {
		if r.HandleID() == msg.Sender {
			r.AddRemoteCandidate(c.ICECandidateInit)
			return
		}
	}
}

// connListener moves connection events onto the session queue.
type connListener struct{ s *Session }

func (l *connListener) OnConnected(c *janus.Connection) {
	l.s.queue.Post(func() { l.s.onConnected(c) })
}

func (l *connListener) OnDisconnected(c *janus.Connection, reason error) {
	l.s.queue.Post(func() { l.s.onDisconnected(c, reason) })
}

func (l *connListener) OnMessage(c *janus.Connection, msg *janus.Message) {
	l.s.queue.Post(func() { l.s.onMessage(c, msg) })
}

func (l *connListener) OnConnectionError(c *janus.Connection, err error) {
	l.s.queue.Post(func() { l.s.onConnectionError(c, err) })
}

func (l *connListener) OnError(c *janus.Connection, err error) {
	l.s.queue.Post(func() {
		if l.s.isCurrent(c) {
			l.s.notify(func(o Observer) { o.OnError(l.s, err) })
		}
	})
}
