package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/roomclient/internal/testutil"
)

func packets(n int) []*rtp.Packet {
	out := make([]*rtp.Packet, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(100 + i), PayloadType: 111},
			Payload: make([]byte, 10),
		})
	}
	return out
}

func TestDrainCountsUntilEOF(t *testing.T) {
	logger := zerolog.Nop()
	track := testutil.NewTrack("audio-42", webrtc.RTPCodecTypeAudio, packets(5)...)
	stats := &Stats{}

	if err := Drain(context.Background(), track, stats, &logger); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if stats.Packets() != 5 || stats.Bytes() != 50 || stats.LastSeq() != 104 {
		t.Fatalf("packets %d bytes %d seq %d", stats.Packets(), stats.Bytes(), stats.LastSeq())
	}
	if stats.State() != DrainEnded {
		t.Fatalf("state = %s", stats.State())
	}
}

func TestDrainStopsOnCanceledContext(t *testing.T) {
	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := &Stats{}
	err := Drain(ctx, testutil.NewTrack("v", webrtc.RTPCodecTypeVideo, packets(3)...), stats, &logger)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if stats.Packets() != 0 {
		t.Fatalf("read %d packets after cancel", stats.Packets())
	}
}

type brokenTrack struct{ *testutil.Track }

var errBroken = errors.New("srtp: decrypt failed")

func (brokenTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, errBroken
}

func TestDrainReportsReadErrors(t *testing.T) {
	logger := zerolog.Nop()
	stats := &Stats{}
	err := Drain(context.Background(), brokenTrack{testutil.NewTrack("a", webrtc.RTPCodecTypeAudio)}, stats, &logger)
	if !errors.Is(err, errBroken) {
		t.Fatalf("err = %v", err)
	}
	if stats.State() != DrainFailed {
		t.Fatalf("state = %s", stats.State())
	}
}

func TestManagerTracksFeeds(t *testing.T) {
	mg := NewManager()
	mg.Start(context.Background(), 42, testutil.NewTrack("audio-42", webrtc.RTPCodecTypeAudio, packets(3)...))
	mg.Start(context.Background(), 42, testutil.NewTrack("video-42", webrtc.RTPCodecTypeVideo, packets(2)...))
	mg.Start(context.Background(), 43, testutil.NewTrack("audio-43", webrtc.RTPCodecTypeAudio))
	mg.Wait(42)
	mg.Wait(43)

	snap := mg.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Track != "audio-42" || snap[0].Packets != 3 || snap[0].Kind != "audio" || snap[0].State != "ended" {
		t.Fatalf("first = %+v", snap[0])
	}
	if snap[1].Track != "video-42" || snap[1].Packets != 2 {
		t.Fatalf("second = %+v", snap[1])
	}

	mg.StopFeed(42)
	snap = mg.Snapshot()
	if len(snap) != 1 || snap[0].Feed != 43 {
		t.Fatalf("after stop = %+v", snap)
	}

	done := make(chan struct{})
	go func() {
		mg.Wait(42)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait on a stopped feed blocked")
	}
}
