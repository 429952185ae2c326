package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/roomclient/internal/app/media"
	"github.com/dkeye/roomclient/internal/app/participant"
	"github.com/dkeye/roomclient/internal/domain"
)

type StatusResponse struct {
	State     string `json:"state"`
	SessionID int64  `json:"session_id"`
	Room      int64  `json:"room"`
	Feeds     int    `json:"feeds"`
}

type PublishRequest struct {
	Display string `json:"display"`
	Audio   bool   `json:"audio"`
	Video   bool   `json:"video"`
}

type handlers struct {
	deps Deps
}

func (h *handlers) status(c *gin.Context) {
	s := h.deps.Status
	c.JSON(http.StatusOK, StatusResponse{
		State:     s.State().String(),
		SessionID: s.SessionID(),
		Room:      int64(s.RoomID()),
		Feeds:     len(s.Feeds()),
	})
}

func (h *handlers) feeds(c *gin.Context) {
	feeds := h.deps.Status.Feeds()
	if feeds == nil {
		feeds = []domain.Feed{}
	}
	c.JSON(http.StatusOK, feeds)
}

func (h *handlers) media(c *gin.Context) {
	if h.deps.Drains == nil {
		c.JSON(http.StatusOK, []media.TrackStats{})
		return
	}
	c.JSON(http.StatusOK, h.deps.Drains.Snapshot())
}

func (h *handlers) publish(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Display == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid display"})
		return
	}
	opts := participant.PublishOptions{Display: req.Display, Audio: req.Audio, Video: req.Video}
	respond(c, func(done func(error)) { h.deps.Publisher.Publish(opts, done) })
}

func (h *handlers) unpublish(c *gin.Context) {
	respond(c, h.deps.Publisher.Unpublish)
}

// respond waits for an async operation and maps its outcome.
func respond(c *gin.Context, op func(done func(error))) {
	result := make(chan error, 1)
	op(func(err error) { result <- err })
	select {
	case err := <-result:
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	case <-c.Request.Context().Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": context.Cause(c.Request.Context()).Error()})
	}
}
