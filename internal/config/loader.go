package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "SWARMOPS",
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance.
// This allows integration with CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "SWARMOPS",
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (set via viper.BindPFlag)
// 2. Authoritative environment variables (ORCHESTRATOR_DATA_DIR, ...)
// 3. Prefixed environment variables (SWARMOPS_*)
// 4. Config file (.swarmops/config.yaml)
// 5. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// The authoritative environment variables predate the prefixed scheme
	// and keep their exact names.
	l.bindAuthoritativeEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".swarmops")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".swarmops"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// bindAuthoritativeEnv wires the unprefixed environment variables.
func (l *Loader) bindAuthoritativeEnv() {
	bindings := map[string][]string{
		"data.dir":              {"ORCHESTRATOR_DATA_DIR"},
		"data.projects_dir":     {"PROJECTS_DIR"},
		"server.dashboard_path": {"DASHBOARD_PATH"},
		"server.port":           {"PORT"},
		"server.api_token":      {"SWARMOPS_API_TOKEN"},
		"gateway.url":           {"OPENCLAW_GATEWAY_URL"},
		"gateway.token":         {"OPENCLAW_GATEWAY_TOKEN"},
		"git.worktree_dir":      {"SWARMOPS_WORKTREE_DIR"},
	}
	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		_ = l.v.BindEnv(args...)
	}
}

// setDefaults configures default values.
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	// Server defaults
	l.v.SetDefault("server.port", 8400)
	l.v.SetDefault("server.cors_origins", []string{"*"})

	// Data defaults
	l.v.SetDefault("data.dir", DefaultDataDir())
	l.v.SetDefault("data.projects_dir", filepath.Join(DefaultDataDir(), "projects"))
	l.v.SetDefault("data.use_archive", true)

	// Gateway defaults
	l.v.SetDefault("gateway.url", "http://127.0.0.1:18789")
	l.v.SetDefault("gateway.timeout", "60s")

	// Git defaults
	l.v.SetDefault("git.worktree_dir", filepath.Join(DefaultDataDir(), "worktrees"))
	l.v.SetDefault("git.remote", "origin")
	l.v.SetDefault("git.command_timeout", "30s")

	// Spawn guard defaults
	l.v.SetDefault("spawn.max_consecutive_failures", 5)
	l.v.SetDefault("spawn.circuit_open_duration", "60s")
	l.v.SetDefault("spawn.max_concurrent_spawns", 5)
	l.v.SetDefault("spawn.spawn_window", "20s")
	l.v.SetDefault("spawn.backoff_base", "2s")
	l.v.SetDefault("spawn.backoff_max", "60s")
	l.v.SetDefault("spawn.backoff_multiplier", 2.0)
	// Verification defaults to enabled; gateway races observed under load
	// are handled by the poll delay, not by disabling the check.
	l.v.SetDefault("spawn.verify_spawn", true)
	l.v.SetDefault("spawn.verify_delay", "2s")
	l.v.SetDefault("spawn.verify_max_polls", 3)
	l.v.SetDefault("spawn.max_retries", 2)

	// Tracker defaults
	l.v.SetDefault("tracker.poll_interval", "10s")
	l.v.SetDefault("tracker.max_track_time", "30m")

	// Review defaults
	l.v.SetDefault("review.enabled", true)
	l.v.SetDefault("review.pipeline", "default")

	// GitHub defaults
	l.v.SetDefault("github.create_pr", false)
	l.v.SetDefault("github.remote", "origin")
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}
