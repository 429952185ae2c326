package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`

	ServerURL   string `mapstructure:"server_url"`
	Plugin      string `mapstructure:"plugin"`
	RoomID      int64  `mapstructure:"room_id"`
	Display     string `mapstructure:"display"`
	Audio       bool   `mapstructure:"audio"`
	Video       bool   `mapstructure:"video"`
	PrivateRoom bool   `mapstructure:"private_room"`

	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	KeepalivePeriod  time.Duration `mapstructure:"keepalive_period"`
	SweepPeriod      time.Duration `mapstructure:"sweep_period"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	ICEServers []string `mapstructure:"ice_servers"`
	StatusAddr string   `mapstructure:"status_addr"`
	Reconnect  bool     `mapstructure:"reconnect"`
}

// Loader owns the viper instance behind a Config so it can be watched.
type Loader struct {
	v *viper.Viper

	mu  sync.Mutex
	cfg *Config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("server_url", "ws://localhost:8188/janus")
	v.SetDefault("plugin", "janus.plugin.videoroom")
	v.SetDefault("room_id", 1234)
	v.SetDefault("display", "roomclient")
	v.SetDefault("audio", true)
	v.SetDefault("video", true)
	v.SetDefault("private_room", false)
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("keepalive_period", "50s")
	v.SetDefault("sweep_period", "1s")
	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("status_addr", ":8080")
	v.SetDefault("reconnect", true)
}

// Load reads config/config.<CONFIG_ENV>.yaml, dev by default.
func Load() (*Loader, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an error.
func LoadFile(fileName string) (*Loader, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not read, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).
		Str("server_url", cfg.ServerURL).
		Int64("room", cfg.RoomID).
		Msg("config ready")
	return &Loader{v: v, cfg: cfg}, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Config returns the latest successfully decoded config.
func (l *Loader) Config() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Watch re-decodes the file on every change and hands the result to
// onChange. Values read at connect time apply on the next connect.
func (l *Loader) Watch(onChange func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(l.v)
		if err != nil {
			log.Error().Str("module", "config").Str("file", e.Name).Err(err).Msg("reload failed, keeping previous config")
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
}
