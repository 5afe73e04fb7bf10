package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stackpad/stackpad/internal/paths"
)

// Config is the control-plane configuration read from the user's config
// file. Flags and environment variables layer on top of it.
type Config struct {
	Listen   string         `yaml:"listen"`
	Broker   BrokerConfig   `yaml:"broker"`
	Store    StoreConfig    `yaml:"store"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Provider ProviderConfig `yaml:"provider"`
	Stream   StreamConfig   `yaml:"stream"`
}

type BrokerConfig struct {
	// Addr is the Redis host:port. Empty selects the in-memory broker,
	// which only makes sense for a single-process deployment.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	// Path of the SQLite session database. Defaults under the user's
	// state directory when empty.
	Path string `yaml:"path"`
}

type TokenConfig struct {
	Secret     string `yaml:"secret"`
	TTLSeconds int64  `yaml:"ttl_seconds"`
}

type WebhookConfig struct {
	Secret string `yaml:"secret"`
	// AllowUnsigned disables signature checks on lifecycle webhooks.
	// Local development only.
	AllowUnsigned bool `yaml:"allow_unsigned"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	// Credentials maps team IDs to provider API credentials.
	Credentials map[string]string `yaml:"credentials"`
}

type StreamConfig struct {
	HeartbeatSeconds int64 `yaml:"heartbeat_seconds"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "stackpad", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "stackpad", "config.yaml"), nil
}

// DefaultStorePath is used when the config file does not set store.path.
func DefaultStorePath() (string, error) {
	return paths.SessionDBPath()
}

// Load reads the config file. A missing file is not an error: callers get
// the zero config and fill in defaults.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Listen = strings.TrimSpace(cfg.Listen)
	cfg.Broker.Addr = strings.TrimSpace(cfg.Broker.Addr)
	cfg.Store.Path = strings.TrimSpace(cfg.Store.Path)
	return cfg, path, nil
}
