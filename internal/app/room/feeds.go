package room

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/app/participant"
	"github.com/dkeye/roomclient/internal/domain"
	"github.com/dkeye/roomclient/internal/metrics"
)

type feedEntry struct {
	Feed    domain.Feed
	Remote  *participant.Remote
	Created bool
}

// feedRegistry tracks remote feeds from the first sighting until removal.
// An entry exists while its subscription is still in flight; Created flips
// once the subscriber is attached.
type feedRegistry struct {
	mu    sync.RWMutex
	feeds map[domain.FeedID]*feedEntry
}

func newFeedRegistry() *feedRegistry {
	return &feedRegistry{feeds: make(map[domain.FeedID]*feedEntry)}
}

func (r *feedRegistry) Tracked(id domain.FeedID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.feeds[id]
	return ok
}

func (r *feedRegistry) Track(feed domain.Feed, remote *participant.Remote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[feed.ID] = &feedEntry{Feed: feed, Remote: remote}
	log.Debug().Str("module", "room.feeds").Int64("feed", int64(feed.ID)).Str("display", feed.Display).Msg("tracking feed")
}

// MarkCreated flags the entry of remote as attached. It reports false when
// the feed was removed or replaced meanwhile.
func (r *feedRegistry) MarkCreated(id domain.FeedID, remote *participant.Remote) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.feeds[id]
	if !ok || e.Remote != remote {
		return false
	}
	e.Created = true
	metrics.RemoteFeeds.Inc()
	return true
}

// Forget drops the entry of remote if it is still the tracked one.
func (r *feedRegistry) Forget(id domain.FeedID, remote *participant.Remote) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.feeds[id]
	if !ok || e.Remote != remote {
		return false
	}
	delete(r.feeds, id)
	return true
}

func (r *feedRegistry) Remove(id domain.FeedID) (*feedEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.feeds[id]
	if !ok {
		return nil, false
	}
	delete(r.feeds, id)
	if e.Created {
		metrics.RemoteFeeds.Dec()
	}
	log.Debug().Str("module", "room.feeds").Int64("feed", int64(id)).Msg("removed feed")
	return e, true
}

// Drain removes every entry.
func (r *feedRegistry) Drain() []*feedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*feedEntry, 0, len(r.feeds))
	for id, e := range r.feeds {
		if e.Created {
			metrics.RemoteFeeds.Dec()
		}
		out = append(out, e)
		delete(r.feeds, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feed.ID < out[j].Feed.ID })
	return out
}

// Created lists the attached feeds ordered by id.
func (r *feedRegistry) Created() []domain.Feed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Feed, 0, len(r.feeds))
	for _, e := range r.feeds {
		if e.Created {
			out = append(out, e.Feed)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *feedRegistry) Remotes() []*participant.Remote {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*participant.Remote, 0, len(r.feeds))
	for _, e := range r.feeds {
		out = append(out, e.Remote)
	}
	return out
}
