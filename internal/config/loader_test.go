package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")

	cfg, resolved, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != path {
		t.Fatalf("expected resolved path %q, got %q", path, resolved)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.RelayURL != Default().RelayURL {
		t.Fatalf("expected default relay url, got %q", cfg.RelayURL)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	contents := "relay_url: wss://relay.example.com/ws\ncache_ttl: 1h\nuser_id: student-42\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RelayURL != "wss://relay.example.com/ws" {
		t.Fatalf("file value ignored, got %q", cfg.RelayURL)
	}
	if cfg.CacheTTL != time.Hour {
		t.Fatalf("expected 1h cache ttl, got %v", cfg.CacheTTL)
	}
	if cfg.UserID != "student-42" {
		t.Fatalf("expected user from file, got %q", cfg.UserID)
	}
	// Untouched keys keep their defaults.
	if cfg.DatabasePath != Default().DatabasePath {
		t.Fatalf("default lost, got %q", cfg.DatabasePath)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATSYNC_LOG_LEVEL", "error")

	cfg, _, err := Load(nil, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Fatalf("env override ignored, got %q", cfg.LogLevel)
	}
}

func TestUpdateFromSkipsZeroValues(t *testing.T) {
	cfg := Default()
	cfg.UpdateFrom(Config{UserID: "student-7", CacheTTL: 2 * time.Hour})

	if cfg.UserID != "student-7" || cfg.CacheTTL != 2*time.Hour {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RelayURL != Default().RelayURL {
		t.Fatalf("zero override clobbered relay url: %q", cfg.RelayURL)
	}
}
