package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncstore/syncstore/pkg/types"
)

func TestNewDefaultValidates(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Coordinator.Primary != "remote" {
		t.Errorf("unexpected default primary: %s", cfg.Coordinator.Primary)
	}
	if cfg.Coordinator.ConflictResolution != types.ResolveLatest {
		t.Errorf("unexpected default resolution: %s", cfg.Coordinator.ConflictResolution)
	}
	if cfg.Scheduler.ConflictWaitTimeout != 30*time.Second {
		t.Errorf("unexpected conflict wait timeout: %v", cfg.Scheduler.ConflictWaitTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
global:
  log_level: DEBUG
  api_address: "0.0.0.0:9000"
coordinator:
  primary: kv
  fallbacks: [sqlite]
  conflict_resolution: primary
  sync_interval: 1m
adapters:
  kv:
    enabled: true
    directory: /tmp/kv
  sqlite:
    enabled: true
    path: /tmp/items.db
scheduler:
  max_retries: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("expected DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.APIAddress != "0.0.0.0:9000" {
		t.Errorf("unexpected api_address: %s", cfg.Global.APIAddress)
	}
	if cfg.Coordinator.Primary != "kv" {
		t.Errorf("unexpected primary: %s", cfg.Coordinator.Primary)
	}
	if cfg.Coordinator.ConflictResolution != types.ResolvePrimary {
		t.Errorf("unexpected resolution: %s", cfg.Coordinator.ConflictResolution)
	}
	if cfg.Coordinator.SyncInterval != time.Minute {
		t.Errorf("unexpected sync interval: %v", cfg.Coordinator.SyncInterval)
	}
	if cfg.Scheduler.MaxRetries != 5 {
		t.Errorf("unexpected max retries: %d", cfg.Scheduler.MaxRetries)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("global: [not a map"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYNCSTORE_LOG_LEVEL", "WARN")
	t.Setenv("SYNCSTORE_API_ADDRESS", "127.0.0.1:7070")
	t.Setenv("SYNCSTORE_METRICS_PORT", "9200")
	t.Setenv("SYNCSTORE_PRIMARY", "sqlite")
	t.Setenv("SYNCSTORE_SYNC_INTERVAL", "45s")
	t.Setenv("SYNCSTORE_S3_BUCKET", "sessions")
	t.Setenv("SYNCSTORE_COMPRESSION", "FALSE")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Global.LogLevel != "WARN" {
		t.Errorf("unexpected log level: %s", cfg.Global.LogLevel)
	}
	if cfg.Global.APIAddress != "127.0.0.1:7070" {
		t.Errorf("unexpected api address: %s", cfg.Global.APIAddress)
	}
	if cfg.Global.MetricsPort != 9200 {
		t.Errorf("unexpected metrics port: %d", cfg.Global.MetricsPort)
	}
	if cfg.Coordinator.Primary != "sqlite" {
		t.Errorf("unexpected primary: %s", cfg.Coordinator.Primary)
	}
	if cfg.Coordinator.SyncInterval != 45*time.Second {
		t.Errorf("unexpected sync interval: %v", cfg.Coordinator.SyncInterval)
	}
	if !cfg.Adapters.Remote.Enabled || cfg.Adapters.Remote.Bucket != "sessions" {
		t.Error("setting the bucket should enable the remote adapter")
	}
	if cfg.Adapters.KV.Compression {
		t.Error("compression should be disabled via env")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"bad log level", func(c *Configuration) { c.Global.LogLevel = "TRACE" }},
		{"port clash", func(c *Configuration) { c.Global.HealthPort = c.Global.MetricsPort }},
		{"bad resolution", func(c *Configuration) { c.Coordinator.ConflictResolution = "newest" }},
		{"missing primary", func(c *Configuration) { c.Coordinator.Primary = "" }},
		{"primary as fallback", func(c *Configuration) { c.Coordinator.Fallbacks = []string{"remote"} }},
		{"zero sync interval", func(c *Configuration) { c.Coordinator.SyncInterval = 0 }},
		{"negative retries", func(c *Configuration) { c.Scheduler.MaxRetries = -1 }},
		{"zero snapshots", func(c *Configuration) { c.Scheduler.SnapshotHistory = 0 }},
		{"remote without bucket", func(c *Configuration) {
			c.Adapters.Remote.Enabled = true
			c.Adapters.Remote.Bucket = ""
		}},
		{"kv without directory", func(c *Configuration) { c.Adapters.KV.Directory = "" }},
		{"sqlite without path", func(c *Configuration) { c.Adapters.SQLite.Path = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefault()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Coordinator.Primary = "kv"
	cfg.Coordinator.Fallbacks = []string{"sqlite"}
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Coordinator.Primary != "kv" || len(loaded.Coordinator.Fallbacks) != 1 {
		t.Errorf("round trip lost coordinator settings: %+v", loaded.Coordinator)
	}
}
