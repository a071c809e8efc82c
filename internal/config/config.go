// SPDX-License-Identifier: MIT

// Package config loads and persists the daemon configuration. Values come
// from a YAML file, overridden by STREC_* environment variables, with
// defaults applied last.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/nbrandt/strec/internal/model"
)

// Config is the resolved daemon configuration.
type Config struct {
	// RecordingsDir is the root directory of the recording tree.
	RecordingsDir string `yaml:"recordingsDir"`

	// ListenAddress is the host:port the control server binds to.
	ListenAddress string `yaml:"listenAddress"`

	// ServerURL is the base URL of a remote recording host, used by the
	// protocol client.
	ServerURL string `yaml:"serverUrl"`

	// ResolverURL is the endpoint queried for a model's live stream info.
	ResolverURL string `yaml:"resolverUrl"`

	// Automerge merges segments into a single file after a recording
	// finishes.
	Automerge bool `yaml:"automerge"`

	// AutomergeKeepSegments keeps the raw segment files after an automatic
	// merge.
	AutomergeKeepSegments bool `yaml:"automergeKeepSegments"`

	// RequireAuth makes the client sign outgoing requests with Key. The
	// server side is driven by Key alone; setting RequireAuth without a
	// key is rejected at load time.
	RequireAuth bool `yaml:"requireAuth"`

	// KeyHex is the shared HMAC key, hex encoded. Empty disables
	// authentication on the server.
	KeyHex string `yaml:"key"`

	// Models is the persisted watch-list.
	Models []model.Model `yaml:"models"`

	// LogLevel is the zerolog level name.
	LogLevel string `yaml:"logLevel"`

	path string
}

// Defaults applied when neither file nor environment provide a value.
const (
	DefaultListenAddress = "127.0.0.1:8080"
	DefaultLogLevel      = "info"
)

// ErrNoPath is returned by Save when the config was not loaded from a file.
var ErrNoPath = errors.New("config has no backing file")

// Load reads the configuration from path. A missing file is not an error;
// the returned config then carries only env overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{path: path}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// first run, start from defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STREC_RECORDINGS_DIR"); v != "" {
		cfg.RecordingsDir = v
	}
	if v := os.Getenv("STREC_LISTEN"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("STREC_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("STREC_RESOLVER_URL"); v != "" {
		cfg.ResolverURL = v
	}
	if v := os.Getenv("STREC_KEY"); v != "" {
		cfg.KeyHex = v
	}
	if v := os.Getenv("STREC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STREC_AUTOMERGE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Automerge = b
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.RecordingsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.RecordingsDir = filepath.Join(home, "strec")
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

func (c *Config) validate() error {
	if c.KeyHex != "" {
		if _, err := hex.DecodeString(c.KeyHex); err != nil {
			return fmt.Errorf("config key is not valid hex: %w", err)
		}
	}
	if c.RequireAuth && c.KeyHex == "" {
		return errors.New("config requires auth but no key is set")
	}
	return nil
}

// Key returns the decoded HMAC key, or nil when authentication is disabled.
func (c *Config) Key() []byte {
	if c.KeyHex == "" {
		return nil
	}
	key, err := hex.DecodeString(c.KeyHex)
	if err != nil {
		return nil
	}
	return key
}

// SetModels replaces the persisted watch-list.
func (c *Config) SetModels(models []model.Model) {
	c.Models = append([]model.Model(nil), models...)
}

// Save writes the configuration back to its backing file atomically.
func (c *Config) Save() error {
	if c.path == "" {
		return ErrNoPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := renameio.WriteFile(c.path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", c.path, err)
	}
	return nil
}
