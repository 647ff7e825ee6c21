package config_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/cookiemonster/cookiemonster/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	if cfg.ControlPlaneBindAddr == "" {
		t.Error("ControlPlaneBindAddr should not be empty")
	}
	if cfg.RequestTimeout <= 0 {
		t.Errorf("RequestTimeout should be > 0, got %v", cfg.RequestTimeout)
	}
	if cfg.MaxRetries <= 0 {
		t.Errorf("MaxRetries should be > 0, got %d", cfg.MaxRetries)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	raw := map[string]interface{}{
		"control_plane_bind_addr": "127.0.0.1:9999",
		"allow_remote":            false,
		"max_retries":             5,
	}
	f, err := os.CreateTemp(t.TempDir(), "config*.json")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewEncoder(f).Encode(raw); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := config.LoadConfig(f.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ControlPlaneBindAddr != "127.0.0.1:9999" {
		t.Errorf("got ControlPlaneBindAddr=%q, want 127.0.0.1:9999", cfg.ControlPlaneBindAddr)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("got MaxRetries=%d, want 5", cfg.MaxRetries)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := config.LoadConfig("/nonexistent/path/config.json")
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadConfig_UnknownField(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "bad*.json")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"not_a_real_field": true}`)
	f.Close()

	_, err = config.LoadConfig(f.Name())
	if err == nil {
		t.Error("expected error for unknown field, got nil")
	}
}

func TestResolveEnvFallback(t *testing.T) {
	t.Setenv("COOKIE_MONSTER_API_TOKEN", "env-token")
	t.Setenv("COOKIE_MONSTER_ALLOW_REMOTE", "true")

	cfg := config.DefaultConfig()
	if cfg.APIToken != "env-token" {
		t.Errorf("got APIToken=%q, want env-token", cfg.APIToken)
	}
	if !cfg.AllowRemote {
		t.Error("expected AllowRemote=true from env fallback")
	}
}
