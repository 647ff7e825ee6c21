// Package config provides configuration loading for CookieMonster: JSON file
// loading with safe defaults, plus the one-time resolution of the three
// environment-variable fallbacks into an immutable value so the rest of the
// core never re-reads the environment (see SPEC_FULL.md §4.J).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	envEncryptionKey = "COOKIE_MONSTER_ENCRYPTION_KEY"
	envAPIToken      = "COOKIE_MONSTER_API_TOKEN"
	envAllowRemote   = "COOKIE_MONSTER_ALLOW_REMOTE"
)

// Config holds engine-wide tunables shared by the capture pipeline, replay
// engine, and control-plane server. It is loaded once at startup and then
// shared read-only across goroutines.
type Config struct {
	// ControlPlaneBindAddr is the address the control-plane server listens
	// on, e.g. "127.0.0.1:8787".
	ControlPlaneBindAddr string `json:"control_plane_bind_addr"`

	// AllowRemote permits binding to a non-loopback address. Defaults to
	// false; refusing non-loopback binds is the control plane's job
	// (internal/controlplane), this field only carries the operator's
	// intent through from config/env to that check.
	AllowRemote bool `json:"allow_remote"`

	// APIToken, if non-empty, is required (via the X-CM-Token header) on
	// every mutating control-plane endpoint. Resolved from the
	// COOKIE_MONSTER_API_TOKEN env var when the config file/default leaves
	// this empty.
	APIToken string `json:"api_token"`

	// EncryptionKey is a base64url-encoded AEAD key, resolved from
	// COOKIE_MONSTER_ENCRYPTION_KEY when left empty here. It is loaded but
	// not passed on: captures and replays use only their own
	// encryption_key_source.
	EncryptionKey string `json:"encryption_key"`

	// RequestTimeout is a per-attempt timeout for replayed requests. It is
	// loaded but not passed to the replay engine.
	RequestTimeout time.Duration `json:"request_timeout"`

	// MaxRetries is a retry attempt count for replayed requests. It is
	// loaded but not passed to the replay engine.
	MaxRetries int `json:"max_retries"`
}

// LoadConfig reads a JSON file at filename, decodes it strictly (unknown
// fields are rejected so a typo in a config file fails loudly instead of
// being silently ignored), and resolves environment-variable fallbacks.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 -- filename is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}

	resolveEnv(cfg)
	return cfg, nil
}

// DefaultConfig returns a *Config pre-filled with safe defaults, with
// environment-variable fallbacks already resolved. Each call returns a fresh
// independent copy.
func DefaultConfig() *Config {
	cfg := &Config{
		ControlPlaneBindAddr: "127.0.0.1:8787",
		AllowRemote:          false,
		RequestTimeout:       30 * time.Second,
		MaxRetries:           3,
	}
	resolveEnv(cfg)
	return cfg
}

// resolveEnv fills in APIToken, EncryptionKey, and AllowRemote from the
// environment wherever the struct left them at their zero value, then never
// needs to be called again: downstream components take the *Config value,
// never os.Getenv directly (SPEC_FULL.md §4.J).
func resolveEnv(cfg *Config) {
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = os.Getenv(envEncryptionKey)
	}
	if cfg.APIToken == "" {
		cfg.APIToken = os.Getenv(envAPIToken)
	}
	if !cfg.AllowRemote {
		if v := strings.TrimSpace(os.Getenv(envAllowRemote)); v == "1" || strings.EqualFold(v, "true") {
			cfg.AllowRemote = true
		}
	}
}
