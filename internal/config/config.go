// Package config loads the process configuration from a YAML file and hot
// reloads it on change.
package config

import (
	"fmt"
	"os"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	"autoreply/internal/model"
)

// Config is the process-level configuration. Per-account tuning lives in
// the account store; Defaults seeds accounts without a stored config.
type Config struct {
	HTTPAddr      string `yaml:"http_addr"`
	DSN           string `yaml:"dsn"`
	MediaDir      string `yaml:"media_dir"`
	BlacklistPath string `yaml:"blacklist_path"`
	LogLevel      string `yaml:"log_level"`

	Defaults DelayDefaults `yaml:"defaults"`
}

// DelayDefaults mirrors the RuntimeConfig delay knobs in YAML form.
type DelayDefaults struct {
	MinReadSec            *int `yaml:"min_read_sec"`
	MaxReadSec            *int `yaml:"max_read_sec"`
	MinTypingSec          *int `yaml:"min_typing_sec"`
	MaxTypingSec          *int `yaml:"max_typing_sec"`
	MinResponseSec        *int `yaml:"min_response_sec"`
	MaxResponseSec        *int `yaml:"max_response_sec"`
	MinMessageIntervalSec *int `yaml:"min_message_interval_sec"`
	IgnorePercent         *int `yaml:"ignore_percent"`
	MediaInterval         *int `yaml:"media_interval"`
}

// Default returns the built-in configuration used when no file exists.
func Default() Config {
	return Config{
		HTTPAddr:      ":9820",
		DSN:           "file:autoreply.db?_foreign_keys=on",
		MediaDir:      "media",
		BlacklistPath: "blacklist.txt",
		LogLevel:      "info",
	}
}

// RuntimeDefaults resolves the configured delay defaults over the built-in
// RuntimeConfig defaults.
func (c Config) RuntimeDefaults() (model.RuntimeConfig, error) {
	rc := model.DefaultRuntimeConfig()
	d := c.Defaults
	set := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	set(&rc.MinReadSec, d.MinReadSec)
	set(&rc.MaxReadSec, d.MaxReadSec)
	set(&rc.MinTypingSec, d.MinTypingSec)
	set(&rc.MaxTypingSec, d.MaxTypingSec)
	set(&rc.MinResponseSec, d.MinResponseSec)
	set(&rc.MaxResponseSec, d.MaxResponseSec)
	set(&rc.MinMessageIntervalSec, d.MinMessageIntervalSec)
	set(&rc.IgnorePercent, d.IgnorePercent)
	set(&rc.MediaInterval, d.MediaInterval)
	if err := rc.Validate(); err != nil {
		return rc, err
	}
	return rc, nil
}

// Load parses the config file; a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = Default().HTTPAddr
	}
	if cfg.DSN == "" {
		cfg.DSN = Default().DSN
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = Default().LogLevel
	}
	if _, err := cfg.RuntimeDefaults(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Manager holds the current config and publishes reloads to subscribers.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg Config

	subsMu sync.Mutex
	subs   []chan Config
}

// NewManager loads the file and returns a manager holding the result.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, cfg: cfg}, nil
}

// Get returns the current config snapshot.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each successfully reloaded config.
func (m *Manager) Subscribe(buffer int) chan Config {
	ch := make(chan Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) commit(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
		}
	}
}
