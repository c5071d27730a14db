package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"autoreply/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autoreply.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
http_addr: ":7777"
media_dir: /srv/media
log_level: debug
defaults:
  min_read_sec: 1
  max_read_sec: 4
  ignore_percent: 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":7777" || cfg.MediaDir != "/srv/media" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Fields absent from the file keep their defaults.
	if cfg.DSN != Default().DSN {
		t.Fatalf("dsn = %q, want default", cfg.DSN)
	}

	rc, err := cfg.RuntimeDefaults()
	if err != nil {
		t.Fatalf("runtime defaults: %v", err)
	}
	if rc.MinReadSec != 1 || rc.MaxReadSec != 4 || rc.IgnorePercent != 30 {
		t.Fatalf("runtime defaults = %+v", rc)
	}
	if rc.MinTypingSec != model.DefaultRuntimeConfig().MinTypingSec {
		t.Fatal("unset delay knobs must fall back to the built-ins")
	}
}

func TestLoadRejectsInvalidDefaults(t *testing.T) {
	path := writeConfig(t, `
defaults:
  min_read_sec: 9
  max_read_sec: 2
`)
	_, err := Load(path)
	if !errors.Is(err, model.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "http_addr: [\n")
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml must fail")
	}
}

func TestManagerCommitNotifiesSubscribers(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	sub := m.Subscribe(1)

	next := m.Get()
	next.LogLevel = "warn"
	m.commit(next)

	if got := m.Get().LogLevel; got != "warn" {
		t.Fatalf("log level = %q after commit", got)
	}
	select {
	case cfg := <-sub:
		if cfg.LogLevel != "warn" {
			t.Fatalf("subscriber got %+v", cfg)
		}
	default:
		t.Fatal("subscriber not notified")
	}
}
