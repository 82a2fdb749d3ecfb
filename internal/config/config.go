// Package config loads the pushlite configuration file: application
// credentials, storage backend, webhook consumer groups, and server
// settings. Applications are resolved once at startup and never mutated at
// runtime.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/markb/pushlite/internal/auth"
	"github.com/markb/pushlite/internal/log"
	"github.com/markb/pushlite/internal/webhook"
)

// StoreConfig selects and tunes the storage backend.
type StoreConfig struct {
	Backend        string `yaml:"backend"` // "memory" or "sqlite"
	Path           string `yaml:"path"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-operation store deadline.
func (s StoreConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Config is the full configuration surface.
type Config struct {
	Listen   string                `yaml:"listen"`
	Log      *log.Config           `yaml:"log"`
	Store    StoreConfig           `yaml:"store"`
	Apps     []auth.Application    `yaml:"apps"`
	Webhooks []webhook.GroupConfig `yaml:"webhooks"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log:    log.DefaultConfig(),
		Store: StoreConfig{
			Backend:        "memory",
			Path:           "pushlite.db",
			TimeoutSeconds: 5,
		},
	}
}

// Load reads and validates a configuration file, with defaults applied for
// absent sections.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Log == nil {
		cfg.Log = log.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// idRe keeps app ids out of the store key separator characters.
var idRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validate checks application records for uniqueness and key-safe ids.
func (c *Config) Validate() error {
	ids := make(map[string]bool)
	keys := make(map[string]bool)
	for _, app := range c.Apps {
		if !idRe.MatchString(app.ID) {
			return fmt.Errorf("config: invalid app_id %q", app.ID)
		}
		if app.Key == "" || app.Secret == "" {
			return fmt.Errorf("config: app %s missing app_key or app_secret", app.ID)
		}
		if ids[app.ID] {
			return fmt.Errorf("config: duplicate app_id %q", app.ID)
		}
		if keys[app.Key] {
			return fmt.Errorf("config: duplicate app_key %q", app.Key)
		}
		ids[app.ID] = true
		keys[app.Key] = true
	}

	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config: webhook group %d missing url", i)
		}
		if wh.Policy != "" && wh.Policy != webhook.PolicyDropOldest && wh.Policy != webhook.PolicyReject {
			return fmt.Errorf("config: webhook group %d has unknown policy %q", i, wh.Policy)
		}
	}
	return nil
}
