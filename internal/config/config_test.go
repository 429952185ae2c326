package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadFileDefaults(t *testing.T) {
	l, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := l.Config()
	if cfg.RequestTimeout != 30*time.Second || cfg.KeepalivePeriod != 50*time.Second || cfg.SweepPeriod != time.Second {
		t.Fatalf("timers = %v %v %v", cfg.RequestTimeout, cfg.KeepalivePeriod, cfg.SweepPeriod)
	}
	if cfg.Plugin != "janus.plugin.videoroom" || cfg.HandshakeTimeout != 10*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.ICEServers) != 1 || !cfg.Reconnect {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	writeFile(t, path, `
server_url: wss://gateway.example/janus
room_id: 42
display: Bob
video: false
private_room: true
request_timeout: 5s
ice_servers:
  - stun:a.example:3478
  - stun:b.example:3478
`)
	l, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := l.Config()
	if cfg.ServerURL != "wss://gateway.example/janus" || cfg.RoomID != 42 || cfg.Display != "Bob" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Video || !cfg.Audio || !cfg.PrivateRoom {
		t.Fatalf("flags = video %t audio %t private %t", cfg.Video, cfg.Audio, cfg.PrivateRoom)
	}
	if cfg.RequestTimeout != 5*time.Second || cfg.KeepalivePeriod != 50*time.Second {
		t.Fatalf("timers = %v %v", cfg.RequestTimeout, cfg.KeepalivePeriod)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("ice = %v", cfg.ICEServers)
	}
}

func TestLoadFileRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "request_timeout: soon\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.watch.yaml")
	writeFile(t, path, "log_level: info\n")
	l, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	changed := make(chan *Config, 8)
	l.Watch(func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	writeFile(t, path, "log_level: warn\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changed:
			if cfg.LogLevel == "warn" {
				if l.Config().LogLevel != "warn" {
					t.Fatalf("Config() = %q after reload", l.Config().LogLevel)
				}
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
