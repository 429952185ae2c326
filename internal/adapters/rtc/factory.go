package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/roomclient/internal/core"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

func ICEConfig(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		urls = []string{defaultSTUN}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

// Factory builds pion peer connections sharing one API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(config webrtc.Configuration, loggers logging.LoggerFactory) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}
	pliFactory, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI factory: %w", err)
	}
	interceptorRegistry.Add(pliFactory)

	settings := webrtc.SettingEngine{}
	if loggers != nil {
		settings.LoggerFactory = loggers
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settings),
	)
	return &Factory{api: api, config: config}, nil
}

func (f *Factory) NewSession(role core.MediaRole) (core.MediaSession, error) {
	return newSession(f.api, f.config, role)
}
