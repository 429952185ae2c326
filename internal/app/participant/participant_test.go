package participant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/roomclient/internal/adapters/janus"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/testutil"
)

const (
	wait = 2 * time.Second
	room = domain.RoomID(1234)
)

type gateway struct {
	conn  *janus.Connection
	sock  *testutil.Socket
	janus *testutil.Janus
	media *testutil.MediaFactory
}

func connect(t *testing.T) *gateway {
	t.Helper()
	gw := testutil.NewJanus()
	sock := testutil.NewSocket(gw.Respond)
	conn := janus.NewConnection(sock, janus.Options{
		RequestTimeout:  time.Minute,
		KeepalivePeriod: time.Hour,
		SweepPeriod:     5 * time.Millisecond,
	})
	if err := conn.Connect(context.Background(), "ws://gateway.test/janus"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !testutil.Eventually(wait, func() bool { return conn.State() == janus.StateConnected }) {
		t.Fatalf("connection state = %s, want connected", conn.State())
	}
	t.Cleanup(conn.Disconnect)
	return &gateway{conn: conn, sock: sock, janus: gw, media: &testutil.MediaFactory{}}
}

// plugin returns sent plugin message bodies with request == name.
func (g *gateway) plugin(name string) []map[string]any {
	var out []map[string]any
	for _, m := range g.sock.SentVerb("message") {
		body, _ := m["body"].(map[string]any)
		if body["request"] == name {
			out = append(out, m)
		}
	}
	return out
}

func result(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(wait):
		t.Fatal("operation did not complete")
		return nil
	}
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func newLocal(t *testing.T, g *gateway, audio, video bool) (*Local, *errorSink) {
	t.Helper()
	sink := &errorSink{}
	l, err := NewLocal(g.media, LocalOptions{Display: "Alice", Audio: audio, Video: video, OnError: sink.add})
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(l.Close)
	return l, sink
}

func attachLocal(t *testing.T, g *gateway, l *Local) (JoinInfo, error) {
	t.Helper()
	type res struct {
		info JoinInfo
		err  error
	}
	ch := make(chan res, 1)
	l.Attach(g.conn, room, func(info JoinInfo, err error) { ch <- res{info, err} })
	select {
	case r := <-ch:
		return r.info, r.err
	case <-time.After(wait):
		t.Fatal("Attach did not complete")
		return JoinInfo{}, nil
	}
}

func TestLocalAttachJoinsAndConfigures(t *testing.T) {
	g := connect(t)
	g.janus.Publishers = []domain.Feed{{ID: 42, Display: "Bob"}}
	l, _ := newLocal(t, g, true, true)

	info, err := attachLocal(t, g, l)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if info.Feed != 9001 || info.PrivateID != 777 || info.Description != "Demo Room" {
		t.Fatalf("join info = %+v", info)
	}
	if len(info.Publishers) != 1 || info.Publishers[0].ID != 42 {
		t.Fatalf("publishers = %+v", info.Publishers)
	}
	if l.Feed() != 9001 || l.PrivateID() != 777 {
		t.Fatalf("feed %d private %d", l.Feed(), l.PrivateID())
	}
	if l.HandleID() == 0 {
		t.Fatal("handle not attached")
	}

	m := g.media.Last(core.RolePublisher)
	tracks := m.Tracks()
	want := []string{l.ID().TrackName("audio"), l.ID().TrackName("video")}
	if len(tracks) != 2 || tracks[0] != want[0] || tracks[1] != want[1] {
		t.Fatalf("tracks = %v, want %v", tracks, want)
	}
	if m.RemoteAnswer() != "v=0 answer-from-gateway" {
		t.Fatalf("remote answer = %q", m.RemoteAnswer())
	}
	if l.PeerState() != PeerEstablished {
		t.Fatalf("peer state = %s", l.PeerState())
	}

	configure := g.plugin("configure")
	if len(configure) != 1 {
		t.Fatalf("configure sent %d times", len(configure))
	}
	body := configure[0]["body"].(map[string]any)
	if body["audio"] != true || body["video"] != true || body["display"] != "Alice" {
		t.Fatalf("configure body = %v", body)
	}
	jsep := configure[0]["jsep"].(map[string]any)
	if jsep["type"] != "offer" {
		t.Fatalf("configure jsep = %v", jsep)
	}
}

func TestLocalCreatesMissingRoomOnce(t *testing.T) {
	g := connect(t)
	g.janus.SetRoomMissing(1)
	l, _ := newLocal(t, g, true, false)

	if _, err := attachLocal(t, g, l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if n := g.janus.Count("create:room"); n != 1 {
		t.Fatalf("create sent %d times", n)
	}
	if n := g.janus.Count("join:publisher"); n != 2 {
		t.Fatalf("join sent %d times", n)
	}
	body := g.plugin("create")[0]["body"].(map[string]any)
	if body["room"] != float64(room) || body["is_private"] != false {
		t.Fatalf("create body = %v", body)
	}
}

func TestLocalSecondMissingRoomFails(t *testing.T) {
	g := connect(t)
	g.janus.SetRoomMissing(2)
	l, _ := newLocal(t, g, true, false)

	_, err := attachLocal(t, g, l)
	var je *janus.JoinError
	if !errors.As(err, &je) || je.Room != int64(room) {
		t.Fatalf("err = %v, want JoinError", err)
	}
	if !janus.IsRoomMissing(err) {
		t.Fatalf("err = %v, want no-such-room cause", err)
	}
	if n := g.janus.Count("create:room"); n != 1 {
		t.Fatalf("create sent %d times", n)
	}
	if n := g.janus.Count("join:publisher"); n != 2 {
		t.Fatalf("join sent %d times", n)
	}
	if n := g.janus.Count("configure"); n != 0 {
		t.Fatalf("configure sent %d times", n)
	}
}

func TestLocalCoalescesRenegotiation(t *testing.T) {
	g := connect(t)
	l, _ := newLocal(t, g, true, true)
	if _, err := attachLocal(t, g, l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m := g.media.Last(core.RolePublisher)
	g.janus.SetSilent("configure")

	hooks := m.Events()
	hooks.OnRenegotiationNeeded()
	if !testutil.Eventually(wait, func() bool { return g.janus.Count("configure") == 2 }) {
		t.Fatalf("renegotiation not started")
	}
	hooks.OnRenegotiationNeeded()
	hooks.OnRenegotiationNeeded()
	l.Sync()

	answer := func() {
		sent := g.plugin("configure")
		last := sent[len(sent)-1]
		g.sock.PushJSON(map[string]any{
			"janus":       "event",
			"transaction": last["transaction"],
			"session_id":  555,
			"sender":      last["handle_id"],
			"plugindata": map[string]any{
				"plugin": janus.PluginVideoRoom,
				"data":   map[string]any{"videoroom": "event", "configured": "ok"},
			},
			"jsep": map[string]any{"type": "answer", "sdp": "v=0 late-answer"},
		})
	}
	answer()
	if !testutil.Eventually(wait, func() bool { return g.janus.Count("configure") == 3 }) {
		t.Fatalf("configure sent %d times, want one rerun", g.janus.Count("configure"))
	}
	answer()
	if !testutil.Eventually(wait, func() bool { return m.RemoteAnswer() == "v=0 late-answer" && l.PeerState() == PeerEstablished }) {
		t.Fatal("rerun did not complete")
	}
	l.Sync()
	if n := g.janus.Count("configure"); n != 3 {
		t.Fatalf("configure sent %d times", n)
	}
}

func TestLocalRenegotiationFailureReported(t *testing.T) {
	g := connect(t)
	l, sink := newLocal(t, g, false, true)
	if _, err := attachLocal(t, g, l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	g.janus.SetFail("configure", 500)
	g.media.Last(core.RolePublisher).Events().OnRenegotiationNeeded()

	if !testutil.Eventually(wait, func() bool { return len(sink.all()) == 1 }) {
		t.Fatalf("errors = %v", sink.all())
	}
	var pe *janus.PluginError
	if !errors.As(sink.all()[0], &pe) || pe.Code != 500 {
		t.Fatalf("err = %v", sink.all()[0])
	}
}

func TestLocalTrickleOnlyWhileAttached(t *testing.T) {
	g := connect(t)
	l, _ := newLocal(t, g, true, false)
	if _, err := attachLocal(t, g, l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	hooks := g.media.Last(core.RolePublisher).Events()
	hooks.OnLocalICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	hooks.OnICEGatheringComplete()
	l.Sync()
	if !testutil.Eventually(wait, func() bool { return len(g.sock.SentVerb("trickle")) == 2 }) {
		t.Fatalf("trickle sent %d times", len(g.sock.SentVerb("trickle")))
	}
	sent := g.sock.SentVerb("trickle")
	first := sent[0]["candidate"].(map[string]any)
	if first["candidate"] != "candidate:1 1 udp 1 10.0.0.1 5000 typ host" {
		t.Fatalf("candidate = %v", first)
	}
	if sent[1]["candidate"].(map[string]any)["completed"] != true {
		t.Fatalf("completion = %v", sent[1])
	}

	ch := make(chan error, 1)
	l.Unpublish(func(err error) { ch <- err })
	if err := result(t, ch); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	hooks.OnLocalICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:2"})
	l.Sync()
	g.sock.Flush()
	if n := len(g.sock.SentVerb("trickle")); n != 2 {
		t.Fatalf("trickle after detach: %d sent", n)
	}
}

func TestLocalSerializesMediaCalls(t *testing.T) {
	g := connect(t)
	l, _ := newLocal(t, g, true, true)
	if _, err := attachLocal(t, g, l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m := g.media.Last(core.RolePublisher)
	hooks := m.Events()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			hooks.OnRenegotiationNeeded()
		}()
		go func() {
			defer wg.Done()
			l.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:x"})
		}()
	}
	wg.Wait()
	if !testutil.Eventually(wait, func() bool {
		l.Sync()
		return len(m.RemoteCandidates()) == 8 && l.PeerState() == PeerEstablished
	}) {
		t.Fatal("work did not settle")
	}
	if m.Overlapped() {
		t.Fatal("media session used concurrently")
	}
}

func TestLocalUnpublishThenPublish(t *testing.T) {
	g := connect(t)
	l, _ := newLocal(t, g, true, true)
	if _, err := attachLocal(t, g, l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	first := g.media.Last(core.RolePublisher)
	handle := l.HandleID()

	ch := make(chan error, 1)
	l.Unpublish(func(err error) { ch <- err })
	if err := result(t, ch); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if !first.Closed() || l.PeerState() != PeerNone {
		t.Fatalf("closed=%t peer=%s", first.Closed(), l.PeerState())
	}
	if l.HandleID() != handle || l.Feed() != 9001 {
		t.Fatalf("handle %d (was %d) feed %d", l.HandleID(), handle, l.Feed())
	}
	if g.janus.Count("unpublish") != 1 || g.janus.Count("detach") != 0 {
		t.Fatalf("unpublish %d detach %d", g.janus.Count("unpublish"), g.janus.Count("detach"))
	}
	if g.conn.State() != janus.StateConnected {
		t.Fatalf("connection state = %s", g.conn.State())
	}

	l.Publish(PublishOptions{Display: "Alice", Audio: true}, func(err error) { ch <- err })
	if err := result(t, ch); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if g.janus.Count("attach") != 1 || g.janus.Count("join:publisher") != 1 {
		t.Fatalf("attach %d join %d", g.janus.Count("attach"), g.janus.Count("join:publisher"))
	}
	second := g.media.Last(core.RolePublisher)
	if second == first {
		t.Fatal("media session reused")
	}
	if tracks := second.Tracks(); len(tracks) != 1 || tracks[0] != l.ID().TrackName("audio") {
		t.Fatalf("tracks = %v", tracks)
	}
	sent := g.plugin("configure")
	body := sent[len(sent)-1]["body"].(map[string]any)
	if body["audio"] != true || body["video"] != false {
		t.Fatalf("configure body = %v", body)
	}
	if l.PeerState() != PeerEstablished {
		t.Fatalf("peer = %s", l.PeerState())
	}
}

func TestLocalUnpublishNeedsHandle(t *testing.T) {
	g := connect(t)
	l, _ := newLocal(t, g, true, false)
	if _, err := attachLocal(t, g, l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	l.Detach()

	ch := make(chan error, 1)
	l.Unpublish(func(err error) { ch <- err })
	var se *janus.StateError
	if err := result(t, ch); !errors.As(err, &se) {
		t.Fatalf("err = %v", err)
	}
	if g.janus.Count("unpublish") != 0 {
		t.Fatal("unpublish sent without a handle")
	}
}

func TestLocalPublishRejoinsAfterHandleLoss(t *testing.T) {
	g := connect(t)
	l, _ := newLocal(t, g, true, false)
	if _, err := attachLocal(t, g, l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if l.PrivateID() != 777 {
		t.Fatalf("private id = %d", l.PrivateID())
	}
	l.Detach()
	l.Sync()
	g.janus.SetPrivateID(888)

	ch := make(chan error, 1)
	l.Publish(PublishOptions{Display: "Alice", Audio: true}, func(err error) { ch <- err })
	if err := result(t, ch); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if g.janus.Count("attach") != 2 || g.janus.Count("join:publisher") != 2 {
		t.Fatalf("attach %d join %d", g.janus.Count("attach"), g.janus.Count("join:publisher"))
	}
	if l.PrivateID() != 888 || l.Feed() != 9001 {
		t.Fatalf("private id %d feed %d", l.PrivateID(), l.Feed())
	}
}

func TestLocalRejectsBadDisplay(t *testing.T) {
	if _, err := NewLocal(&testutil.MediaFactory{}, LocalOptions{}); !errors.Is(err, domain.ErrDisplayEmpty) {
		t.Fatalf("err = %v", err)
	}
}

func newRemote(t *testing.T, g *gateway) *Remote {
	t.Helper()
	r, err := NewRemote(g.media, domain.Feed{ID: 42, Display: "Bob"}, "")
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestRemoteAttachSubscribes(t *testing.T) {
	g := connect(t)
	r := newRemote(t, g)

	ch := make(chan error, 1)
	r.Attach(g.conn, room, 777, func(err error) { ch <- err })
	if err := result(t, ch); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m := g.media.Last(core.RoleSubscriber)
	if m.RemoteOffer() != "v=0 offer-for-feed-42" {
		t.Fatalf("remote offer = %q", m.RemoteOffer())
	}
	if r.PeerState() != PeerEstablished {
		t.Fatalf("peer state = %s", r.PeerState())
	}

	join := g.plugin("join")
	body := join[0]["body"].(map[string]any)
	if body["ptype"] != "subscriber" || body["feed"] != float64(42) || body["private_id"] != float64(777) {
		t.Fatalf("join body = %v", body)
	}
	start := g.plugin("start")
	if len(start) != 1 {
		t.Fatalf("start sent %d times", len(start))
	}
	jsep := start[0]["jsep"].(map[string]any)
	if jsep["type"] != "answer" || jsep["sdp"] != "v=0 local-answer-1" {
		t.Fatalf("start jsep = %v", jsep)
	}
}

func TestRemoteJoinFailure(t *testing.T) {
	g := connect(t)
	g.janus.SetFail("join:subscriber", 428)
	r := newRemote(t, g)

	ch := make(chan error, 1)
	r.Attach(g.conn, room, 777, func(err error) { ch <- err })
	err := result(t, ch)
	var je *janus.JoinError
	var pe *janus.PluginError
	if !errors.As(err, &je) || !errors.As(err, &pe) || pe.Code != 428 {
		t.Fatalf("err = %v", err)
	}
	if g.janus.Count("start") != 0 {
		t.Fatal("start sent after failed join")
	}
}

func TestRemoteAwaitMedia(t *testing.T) {
	g := connect(t)
	r := newRemote(t, g)
	ch := make(chan error, 1)
	r.Attach(g.conn, room, 777, func(err error) { ch <- err })
	if err := result(t, ch); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	var mu sync.Mutex
	var got []string
	r.AwaitMedia(func(m core.RemoteMedia) {
		mu.Lock()
		got = append(got, m.ID())
		mu.Unlock()
	})

	hooks := g.media.Last(core.RoleSubscriber).Events()
	hooks.OnRemoteMedia(testutil.NewTrack("audio-42", webrtc.RTPCodecTypeAudio))
	hooks.OnRemoteMedia(testutil.NewTrack("video-42", webrtc.RTPCodecTypeVideo))

	late := make(chan string, 1)
	r.AwaitMedia(func(m core.RemoteMedia) { late <- m.ID() })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "audio-42" {
		t.Fatalf("awaiter saw %v", got)
	}
	if id := <-late; id != "audio-42" {
		t.Fatalf("late awaiter saw %q", id)
	}
	if n := len(r.Media()); n != 2 {
		t.Fatalf("media = %d", n)
	}

	var watched []string
	r.WatchMedia(func(m core.RemoteMedia) { watched = append(watched, m.ID()) })
	hooks.OnRemoteMedia(testutil.NewTrack("data-42", webrtc.RTPCodecTypeVideo))
	if len(watched) != 3 || watched[0] != "audio-42" || watched[2] != "data-42" {
		t.Fatalf("watched = %v", watched)
	}
	if len(got) != 1 {
		t.Fatalf("awaiter called again: %v", got)
	}
}

func TestRemoteAppliesServerCandidates(t *testing.T) {
	g := connect(t)
	r := newRemote(t, g)
	ch := make(chan error, 1)
	r.Attach(g.conn, room, 777, func(err error) { ch <- err })
	if err := result(t, ch); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	r.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "candidate:9"})
	r.Sync()
	if c := g.media.Last(core.RoleSubscriber).RemoteCandidates(); len(c) != 1 || c[0].Candidate != "candidate:9" {
		t.Fatalf("candidates = %v", c)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	g := connect(t)
	r := newRemote(t, g)
	ch := make(chan error, 1)
	r.Attach(g.conn, room, 777, func(err error) { ch <- err })
	if err := result(t, ch); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	r.Close()
	r.Close()
	<-r.queue.Done()
	if !testutil.Eventually(wait, func() bool { return g.janus.Count("detach") == 1 }) {
		t.Fatal("detach not sent")
	}
	if !g.media.Last(core.RoleSubscriber).Closed() {
		t.Fatal("media not closed")
	}
	if r.HandleID() != 0 {
		t.Fatal("closed participant reports a handle")
	}

	r.Attach(g.conn, room, 777, func(err error) { ch <- err })
	if err := result(t, ch); !errors.Is(err, ErrClosed) {
		t.Fatalf("attach after close: %v", err)
	}
}
