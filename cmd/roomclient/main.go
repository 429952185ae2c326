package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/roomclient/internal/adapters/http"
	"github.com/dkeye/roomclient/internal/adapters/janus"
	"github.com/dkeye/roomclient/internal/adapters/rtc"
	"github.com/dkeye/roomclient/internal/adapters/ws"
	"github.com/dkeye/roomclient/internal/app"
	"github.com/dkeye/roomclient/internal/app/media"
	"github.com/dkeye/roomclient/internal/app/participant"
	"github.com/dkeye/roomclient/internal/app/room"
	"github.com/dkeye/roomclient/internal/config"
	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/domain"
)

// streams drains every remote track so the stats and metrics stay live.
type streams struct {
	room.BaseObserver
	ctx    context.Context
	drains *media.Manager
}

func (s *streams) OnStreamCreated(_ *room.Session, feed domain.Feed, remote *participant.Remote) {
	log.Info().Str("module", "main").Str("feed", feed.String()).Msg("stream created")
	remote.WatchMedia(func(m core.RemoteMedia) { s.drains.Start(s.ctx, feed.ID, m) })
}

func (s *streams) OnStreamDestroyed(_ *room.Session, feed domain.Feed) {
	log.Info().Str("module", "main").Str("feed", feed.String()).Msg("stream destroyed")
	s.drains.StopFeed(feed.ID)
}

func (s *streams) OnError(_ *room.Session, err error) {
	log.Error().Str("module", "main").Err(err).Msg("room error")
}

func setLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	loader, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := loader.Config()
	setLevel(cfg.LogLevel)
	loader.Watch(func(next *config.Config) { setLevel(next.LogLevel) })

	factory, err := rtc.NewFactory(rtc.ICEConfig(cfg.ICEServers), rtc.LoggerFactory{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create media engine")
	}

	sockets := func() core.Socket {
		opts := ws.DefaultOptions()
		opts.HandshakeTimeout = loader.Config().HandshakeTimeout
		return ws.NewSocket(opts)
	}
	session, err := room.NewSession(room.Options{
		RoomID:  domain.RoomID(cfg.RoomID),
		Plugin:  cfg.Plugin,
		Display: cfg.Display,
		Audio:   cfg.Audio,
		Video:   cfg.Video,
		Private: cfg.PrivateRoom,
		Connection: janus.Options{
			RequestTimeout:  cfg.RequestTimeout,
			KeepalivePeriod: cfg.KeepalivePeriod,
			SweepPeriod:     cfg.SweepPeriod,
		},
	}, sockets, factory)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create room session")
	}
	defer session.Close()

	drains := media.NewManager()
	session.AddObserver(&streams{ctx: ctx, drains: drains})

	r := router.SetupRouter(cfg, router.Deps{Status: session, Publisher: session, Drains: drains})
	srv := &http.Server{
		Addr:    cfg.StatusAddr,
		Handler: r,
	}
	go func() {
		log.Info().Str("addr", cfg.StatusAddr).Msg("status server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	var policy app.Policy = app.RetryOncePolicy{}
	if !cfg.Reconnect {
		policy = app.NoRetryPolicy{}
	}
	sup := &app.Supervisor{Room: session, Policy: policy, URL: cfg.ServerURL, Delay: time.Second}
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("room session ended")
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Client exited gracefully")
}
