package http

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/roomclient/internal/adapters/janus"
	"github.com/dkeye/roomclient/internal/app/media"
	"github.com/dkeye/roomclient/internal/app/participant"
	"github.com/dkeye/roomclient/internal/config"
	"github.com/dkeye/roomclient/internal/domain"
)

// StatusSource is the read side of a room session.
type StatusSource interface {
	State() janus.State
	SessionID() int64
	RoomID() domain.RoomID
	Feeds() []domain.Feed
}

// Publisher changes what the local participant sends.
type Publisher interface {
	Publish(opts participant.PublishOptions, done func(error))
	Unpublish(done func(error))
}

type DrainSource interface {
	Snapshot() []media.TrackStats
}

const (
	controlLimit    = 10
	controlInterval = 10 * time.Second
)

type Deps struct {
	Status    StatusSource
	Publisher Publisher
	Drains    DrainSource
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	h := &handlers{deps: deps}
	api := r.Group("/api")
	api.GET("/status", h.status)
	api.GET("/feeds", h.feeds)
	api.GET("/media", h.media)
	control := api.Group("", NewRateLimiter(controlLimit, controlInterval).Middleware())
	control.POST("/publish", h.publish)
	control.POST("/unpublish", h.unpublish)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
