package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Spawn.MaxConsecutiveFailures != 5 {
		t.Errorf("MaxConsecutiveFailures = %d, want 5", cfg.Spawn.MaxConsecutiveFailures)
	}
	if cfg.Spawn.CircuitOpenDuration != 60*time.Second {
		t.Errorf("CircuitOpenDuration = %v, want 60s", cfg.Spawn.CircuitOpenDuration)
	}
	if cfg.Spawn.MaxConcurrentSpawns != 5 {
		t.Errorf("MaxConcurrentSpawns = %d, want 5", cfg.Spawn.MaxConcurrentSpawns)
	}
	if cfg.Spawn.SpawnWindow != 20*time.Second {
		t.Errorf("SpawnWindow = %v, want 20s", cfg.Spawn.SpawnWindow)
	}
	if !cfg.Spawn.VerifySpawn {
		t.Error("VerifySpawn should default to enabled")
	}
	if cfg.Tracker.MaxTrackTime != 30*time.Minute {
		t.Errorf("MaxTrackTime = %v, want 30m", cfg.Tracker.MaxTrackTime)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoader_AuthoritativeEnv(t *testing.T) {
	t.Setenv("ORCHESTRATOR_DATA_DIR", "/data/orchestrator")
	t.Setenv("OPENCLAW_GATEWAY_URL", "http://gateway:9000")
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "secret-token")
	t.Setenv("SWARMOPS_WORKTREE_DIR", "/data/worktrees")
	t.Setenv("PORT", "9090")

	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Data.Dir != "/data/orchestrator" {
		t.Errorf("Data.Dir = %q", cfg.Data.Dir)
	}
	if cfg.Gateway.URL != "http://gateway:9000" {
		t.Errorf("Gateway.URL = %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.Token != "secret-token" {
		t.Errorf("Gateway.Token = %q", cfg.Gateway.Token)
	}
	if cfg.Git.WorktreeDir != "/data/worktrees" {
		t.Errorf("Git.WorktreeDir = %q", cfg.Git.WorktreeDir)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
}

func TestLoader_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: debug
spawn:
  max_concurrent_spawns: 3
review:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := NewLoader().WithConfigFile(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
	if cfg.Spawn.MaxConcurrentSpawns != 3 {
		t.Errorf("MaxConcurrentSpawns = %d", cfg.Spawn.MaxConcurrentSpawns)
	}
	if cfg.Review.Enabled {
		t.Error("Review.Enabled should be false from file")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Server:  ServerConfig{Port: 8400},
			Data:    DataConfig{Dir: "/tmp/swarmops"},
			Spawn:   SpawnConfig{MaxConsecutiveFailures: 5, MaxConcurrentSpawns: 5, BackoffMultiplier: 2},
			Tracker: TrackerConfig{PollInterval: 10 * time.Second},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero failures", func(c *Config) { c.Spawn.MaxConsecutiveFailures = 0 }},
		{"zero spawns", func(c *Config) { c.Spawn.MaxConcurrentSpawns = 0 }},
		{"bad multiplier", func(c *Config) { c.Spawn.BackoffMultiplier = 0.5 }},
		{"zero poll", func(c *Config) { c.Tracker.PollInterval = 0 }},
		{"empty data dir", func(c *Config) { c.Data.Dir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
