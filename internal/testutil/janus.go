package testutil

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkeye/roomclient/internal/domain"
)

// Janus is a scripted VideoRoom gateway. Use its Respond method as the
// Responder of a fake Socket.
type Janus struct {
	SessionID int64
	FeedID    int64
	PrivateID int64

	mu sync.Mutex
	// RoomMissing is how many publisher joins fail with 426 before one succeeds.
	RoomMissing int
	// Publishers are listed in the publisher join response.
	Publishers []domain.Feed
	// Ack sends a bare ack before every plugin reply.
	Ack bool
	// Silent lists request keys (see Count) that get no reply.
	Silent map[string]bool
	// Fail maps request keys to the plugin error code returned for them.
	Fail map[string]int

	nextHandle int64
	counts     map[string]int
	handles    map[int64]string
}

func NewJanus() *Janus {
	return &Janus{
		SessionID:  555,
		FeedID:     9001,
		PrivateID:  777,
		Silent:     make(map[string]bool),
		Fail:       make(map[string]int),
		nextHandle: 1000,
		counts:     make(map[string]int),
		handles:    make(map[int64]string),
	}
}

// Count returns how many requests with key were seen. Keys are the janus
// verb ("create", "attach", "trickle", ...) or, for plugin messages, the
// body request optionally qualified by ptype ("join:publisher",
// "join:subscriber", "configure", "start"). A room creation is keyed
// "create:room" to keep it apart from session creation.
func (j *Janus) Count(key string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counts[key]
}

func (j *Janus) SetRoomMissing(n int) {
	j.mu.Lock()
	j.RoomMissing = n
	j.mu.Unlock()
}

func (j *Janus) SetPrivateID(id int64) {
	j.mu.Lock()
	j.PrivateID = id
	j.mu.Unlock()
}

func (j *Janus) SetSilent(key string) {
	j.mu.Lock()
	j.Silent[key] = true
	j.mu.Unlock()
}

func (j *Janus) SetFail(key string, code int) {
	j.mu.Lock()
	j.Fail[key] = code
	j.mu.Unlock()
}

type janusRequest struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	HandleID    int64  `json:"handle_id"`
	Body        struct {
		Request string `json:"request"`
		PType   string `json:"ptype"`
		Room    int64  `json:"room"`
		Feed    int64  `json:"feed"`
	} `json:"body"`
}

func (j *Janus) Respond(frame []byte) [][]byte {
	var req janusRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	key := req.Janus
	if req.Janus == "message" {
		key = req.Body.Request
		if req.Body.PType != "" {
			key += ":" + req.Body.PType
		}
		if key == "create" {
			key = "create:room"
		}
	}
	j.counts[key]++
	if j.Silent[key] {
		return nil
	}

	tx := req.Transaction
	switch req.Janus {
	case "create":
		return frames(map[string]any{"janus": "success", "transaction": tx, "data": map[string]any{"id": j.SessionID}})
	case "attach":
		if code := j.Fail["attach"]; code != 0 {
			return frames(map[string]any{"janus": "error", "transaction": tx, "error": map[string]any{"code": code, "reason": "attach refused"}})
		}
		j.nextHandle++
		j.handles[j.nextHandle] = "attached"
		return frames(map[string]any{"janus": "success", "transaction": tx, "session_id": j.SessionID, "data": map[string]any{"id": j.nextHandle}})
	case "keepalive", "trickle":
		return frames(map[string]any{"janus": "ack", "transaction": tx, "session_id": j.SessionID})
	case "detach":
		delete(j.handles, req.HandleID)
		return frames(map[string]any{"janus": "success", "transaction": tx, "session_id": j.SessionID})
	case "message":
		return j.pluginReply(key, &req)
	}
	return nil
}

func (j *Janus) pluginReply(key string, req *janusRequest) [][]byte {
	var out [][]byte
	if j.Ack {
		out = frames(map[string]any{"janus": "ack", "transaction": req.Transaction, "session_id": j.SessionID})
	}

	event := func(data map[string]any, jsep map[string]any) [][]byte {
		m := map[string]any{
			"janus":       "event",
			"transaction": req.Transaction,
			"session_id":  j.SessionID,
			"sender":      req.HandleID,
			"plugindata":  map[string]any{"plugin": "janus.plugin.videoroom", "data": data},
		}
		if jsep != nil {
			m["jsep"] = jsep
		}
		return append(out, frames(m)...)
	}

	if code := j.Fail[key]; code != 0 {
		return event(map[string]any{"videoroom": "event", "error_code": code, "error": fmt.Sprintf("refused %s", key)}, nil)
	}

	switch key {
	case "join:publisher":
		if j.RoomMissing > 0 {
			j.RoomMissing--
			return event(map[string]any{"videoroom": "event", "error_code": 426, "error": fmt.Sprintf("No such room (%d)", req.Body.Room)}, nil)
		}
		pubs := make([]map[string]any, 0, len(j.Publishers))
		for _, p := range j.Publishers {
			pubs = append(pubs, map[string]any{"id": p.ID, "display": p.Display})
		}
		return event(map[string]any{
			"videoroom":   "joined",
			"room":        req.Body.Room,
			"description": "Demo Room",
			"id":          j.FeedID,
			"private_id":  j.PrivateID,
			"publishers":  pubs,
		}, nil)
	case "create:room":
		return event(map[string]any{"videoroom": "created", "room": req.Body.Room, "permanent": false}, nil)
	case "configure":
		return event(map[string]any{"videoroom": "event", "room": req.Body.Room, "configured": "ok"},
			map[string]any{"type": "answer", "sdp": "v=0 answer-from-gateway"})
	case "join:subscriber":
		return event(map[string]any{"videoroom": "attached", "room": req.Body.Room, "id": req.Body.Feed},
			map[string]any{"type": "offer", "sdp": fmt.Sprintf("v=0 offer-for-feed-%d", req.Body.Feed)})
	case "start":
		return event(map[string]any{"videoroom": "event", "room": req.Body.Room, "started": "ok"}, nil)
	case "unpublish":
		return event(map[string]any{"videoroom": "event", "room": req.Body.Room, "unpublished": "ok"}, nil)
	}
	return event(map[string]any{"videoroom": "event"}, nil)
}

// PublishersEvent is the push sent when feeds start publishing.
func PublishersEvent(sessionID int64, feeds ...domain.Feed) map[string]any {
	return map[string]any{
		"janus":      "event",
		"session_id": sessionID,
		"plugindata": map[string]any{
			"plugin": "janus.plugin.videoroom",
			"data":   map[string]any{"videoroom": "event", "publishers": feeds},
		},
	}
}

// UnpublishedEvent is the push sent when a feed stops publishing.
func UnpublishedEvent(sessionID int64, feed domain.FeedID) map[string]any {
	return map[string]any{
		"janus":      "event",
		"session_id": sessionID,
		"plugindata": map[string]any{
			"plugin": "janus.plugin.videoroom",
			"data":   map[string]any{"videoroom": "event", "unpublished": feed},
		},
	}
}

func frames(msgs ...map[string]any) [][]byte {
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			panic(err)
		}
		out = append(out, b)
	}
	return out
}
