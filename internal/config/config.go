// Package config loads orchestrator configuration from defaults, an
// optional YAML file, environment variables, and CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Data    DataConfig    `mapstructure:"data"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Git     GitConfig     `mapstructure:"git"`
	Spawn   SpawnConfig   `mapstructure:"spawn"`
	Tracker TrackerConfig `mapstructure:"tracker"`
	Review  ReviewConfig  `mapstructure:"review"`
	GitHub  GitHubConfig  `mapstructure:"github"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ServerConfig configures the HTTP callback surface.
type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	APIToken      string `mapstructure:"api_token"`
	DashboardPath string `mapstructure:"dashboard_path"`
	CORSOrigins   []string `mapstructure:"cors_origins"`
}

// DataConfig configures persisted state locations.
type DataConfig struct {
	Dir         string `mapstructure:"dir"`
	ProjectsDir string `mapstructure:"projects_dir"`
	UseArchive  bool   `mapstructure:"use_archive"`
}

// GatewayConfig configures the outbound session gateway.
type GatewayConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GitConfig configures VCS operations.
type GitConfig struct {
	WorktreeDir    string        `mapstructure:"worktree_dir"`
	Remote         string        `mapstructure:"remote"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// SpawnConfig configures the guarded agent dispatcher.
type SpawnConfig struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	CircuitOpenDuration    time.Duration `mapstructure:"circuit_open_duration"`
	MaxConcurrentSpawns    int           `mapstructure:"max_concurrent_spawns"`
	SpawnWindow            time.Duration `mapstructure:"spawn_window"`
	BackoffBase            time.Duration `mapstructure:"backoff_base"`
	BackoffMax             time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier      float64       `mapstructure:"backoff_multiplier"`
	VerifySpawn            bool          `mapstructure:"verify_spawn"`
	VerifyDelay            time.Duration `mapstructure:"verify_delay"`
	VerifyMaxPolls         int           `mapstructure:"verify_max_polls"`
	MaxRetries             int           `mapstructure:"max_retries"`
}

// TrackerConfig configures the worker liveness poller.
type TrackerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxTrackTime time.Duration `mapstructure:"max_track_time"`
}

// ReviewConfig configures the review chain.
type ReviewConfig struct {
	Pipeline string `mapstructure:"pipeline"`
	Enabled  bool   `mapstructure:"enabled"`
}

// GitHubConfig configures the optional PR publisher.
type GitHubConfig struct {
	CreatePR bool   `mapstructure:"create_pr"`
	Remote   string `mapstructure:"remote"`
}

// DefaultDataDir returns the default orchestrator data directory.
func DefaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".swarmops")
	}
	return ".swarmops"
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Spawn.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("spawn.max_consecutive_failures must be positive")
	}
	if c.Spawn.MaxConcurrentSpawns <= 0 {
		return fmt.Errorf("spawn.max_concurrent_spawns must be positive")
	}
	if c.Spawn.BackoffMultiplier < 1 {
		return fmt.Errorf("spawn.backoff_multiplier must be >= 1")
	}
	if c.Tracker.PollInterval <= 0 {
		return fmt.Errorf("tracker.poll_interval must be positive")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir cannot be empty")
	}
	return nil
}
