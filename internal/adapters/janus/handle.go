package janus

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const PluginVideoRoom = "janus.plugin.videoroom"

// Handle is one plugin instance attached within a session.
type Handle struct {
	transport Transport
	plugin    string
	opaqueID  string
	id        atomic.Int64
	logger    zerolog.Logger
}

func NewHandle(t Transport, plugin string) *Handle {
	opaque := "roomclient-" + uuid.NewString()
	return &Handle{
		transport: t,
		plugin:    plugin,
		opaqueID:  opaque,
		logger:    log.With().Str("module", "janus.handle").Str("plugin", plugin).Str("opaque_id", opaque).Logger(),
	}
}

func (h *Handle) ID() int64        { return h.id.Load() }
func (h *Handle) Attached() bool   { return h.id.Load() != 0 }
func (h *Handle) Plugin() string   { return h.plugin }
func (h *Handle) OpaqueID() string { return h.opaqueID }

// Attach asks the gateway for a handle id. done receives nil or an *AttachError.
func (h *Handle) Attach(done func(error)) {
	if h.Attached() {
		done(&StateError{Op: "attach", State: "attached"})
		return
	}
	req := &Request{Janus: "attach", Plugin: h.plugin, OpaqueID: h.opaqueID}
	h.transport.SendRequest(req, func(msg *Message, err error) {
		var id int64
		if err == nil {
			id, err = msg.DataID()
		}
		if err != nil {
			h.logger.Warn().Err(err).Msg("attach failed")
			done(&AttachError{Plugin: h.plugin, Err: err})
			return
		}
		h.id.Store(id)
		h.logger.Info().Int64("handle_id", id).Msg("attached")
		done(nil)
	})
}

// Detach releases the handle. It never fails and is idempotent; the
// detach notice is best-effort since the session may already be gone.
func (h *Handle) Detach() {
	id := h.id.Swap(0)
	if id == 0 {
		return
	}
	if err := h.transport.SendMessage(&Request{Janus: "detach", HandleID: id}); err != nil {
		h.logger.Debug().Err(err).Int64("handle_id", id).Msg("detach not delivered")
		return
	}
	h.logger.Info().Int64("handle_id", id).Msg("detached")
}

// SendMessage is a no-op while the handle is not attached.
func (h *Handle) SendMessage(req *Request) {
	id := h.id.Load()
	if id == 0 {
		return
	}
	req.HandleID = id
	if err := h.transport.SendMessage(req); err != nil {
		h.logger.Debug().Err(err).Str("janus", req.Janus).Msg("message not delivered")
	}
}

// SendRequest fails fast with a *StateError while the handle is not attached.
func (h *Handle) SendRequest(req *Request, cb Callback) {
	id := h.id.Load()
	if id == 0 {
		cb(nil, &StateError{Op: "send " + req.Janus, State: "detached"})
		return
	}
	req.HandleID = id
	h.transport.SendRequest(req, cb)
}
