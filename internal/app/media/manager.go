package media

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
)

type trackKey struct {
	feed  domain.FeedID
	track string
}

type drain struct {
	kind   string
	stats  *Stats
	cancel context.CancelFunc
	done   chan struct{}
}

// TrackStats is a snapshot of one drained track.
type TrackStats struct {
	Feed    domain.FeedID `json:"feed"`
	Track   string        `json:"track"`
	Kind    string        `json:"kind"`
	State   string        `json:"state"`
	Packets uint64        `json:"packets"`
	Bytes   uint64        `json:"bytes"`
}

// Manager runs one Drain per remote track and keeps its stats.
type Manager struct {
	mu     sync.RWMutex
	drains map[trackKey]*drain
}

func NewManager() *Manager {
	return &Manager{drains: make(map[trackKey]*drain)}
}

// Start drains m on behalf of feed, replacing a drain of the same track.
func (mg *Manager) Start(ctx context.Context, feed domain.FeedID, m core.RemoteMedia) {
	logger := log.With().
		Str("module", "media").
		Int64("feed", int64(feed)).
		Str("track_id", m.ID()).
		Logger()

	drainCtx, cancel := context.WithCancel(ctx)
	d := &drain{kind: m.Kind().String(), stats: &Stats{}, cancel: cancel, done: make(chan struct{})}
	key := trackKey{feed: feed, track: m.ID()}

	mg.mu.Lock()
	if old, ok := mg.drains[key]; ok {
		logger.Info().Msg("replacing existing drain for track")
		old.cancel()
	}
	mg.drains[key] = d
	mg.mu.Unlock()

	logger.Info().Str("kind", d.kind).Msg("starting drain")
	go func() {
		defer close(d.done)
		_ = Drain(drainCtx, m, d.stats, &logger)
	}()
}

// StopFeed cancels and forgets every drain of feed. A drain blocked in a
// read ends once its track is closed.
func (mg *Manager) StopFeed(feed domain.FeedID) {
	mg.mu.Lock()
	var stopped []*drain
	for key, d := range mg.drains {
		if key.feed == feed {
			stopped = append(stopped, d)
			delete(mg.drains, key)
		}
	}
	mg.mu.Unlock()
	for _, d := range stopped {
		d.cancel()
	}
}

// Wait blocks until every drain of feed has returned.
func (mg *Manager) Wait(feed domain.FeedID) {
	mg.mu.RLock()
	var pending []chan struct{}
	for key, d := range mg.drains {
		if key.feed == feed {
			pending = append(pending, d.done)
		}
	}
	mg.mu.RUnlock()
	for _, ch := range pending {
		<-ch
	}
}

func (mg *Manager) Snapshot() []TrackStats {
	mg.mu.RLock()
	out := make([]TrackStats, 0, len(mg.drains))
	for key, d := range mg.drains {
		out = append(out, TrackStats{
			Feed:    key.feed,
			Track:   key.track,
			Kind:    d.kind,
			State:   d.stats.State().String(),
			Packets: d.stats.Packets(),
			Bytes:   d.stats.Bytes(),
		})
	}
	mg.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Feed != out[j].Feed {
			return out[i].Feed < out[j].Feed
		}
		return out[i].Track < out[j].Track
	})
	return out
}
