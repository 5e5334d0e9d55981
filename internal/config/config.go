// Package config implements TOML configuration loading, validation, and
// resolution for financehub-syncd. Raw file values (durations and clock
// times as strings) are parsed into a typed Settings struct by Resolve so
// the rest of the codebase never handles unparsed config strings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the top-level structure parsed from a TOML file. Durations are
// strings ("5m", "1h") and times of day are "HH:MM"; Resolve converts them.
type Config struct {
	DBPath        string `toml:"db_path"`
	CredentialDir string `toml:"credential_dir"`
	ListenAddr    string `toml:"listen_addr"`

	Logging   LoggingConfig   `toml:"logging"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Entities  []EntityConfig  `toml:"entity"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // text, json, or auto (tty-detect)
}

// SchedulerConfig controls scheduling, retry, and recovery behavior.
type SchedulerConfig struct {
	LookbackDays          int    `toml:"lookback_days"`
	MaxRetries            int    `toml:"max_retries"`
	RetryDelay            string `toml:"retry_delay"`
	AttemptTimeout        string `toml:"attempt_timeout"`
	StuckThreshold        string `toml:"stuck_threshold"`
	RecoveryInterval      string `toml:"recovery_interval"`
	SessionReleaseTimeout string `toml:"session_release_timeout"`
	StaggerInterval       string `toml:"stagger_interval"`
	WindowDuration        string `toml:"window_duration"`
}

// EntityConfig declares one sync target. Table and key columns describe
// where fetched rows land and which composite key deduplicates re-imports.
type EntityConfig struct {
	Type            string   `toml:"type"`
	ID              string   `toml:"id"`
	Enabled         bool     `toml:"enabled"`
	TimeOfDay       string   `toml:"time_of_day"` // "HH:MM", per-type base slot
	Table           string   `toml:"table"`
	KeyColumns      []string `toml:"key_columns"`
	DuplicateAction string   `toml:"duplicate_action"` // skip, update, or allow
}

// Load reads and parses a TOML config file and validates it. Unknown keys
// are fatal — silently ignoring a typo in a config file leads to
// hard-to-debug scheduling behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %v", path, keys)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with defaults (no entities). Supports running status
// commands before any config file has been written.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// DefaultConfigPath returns the platform config file location, honoring
// XDG_CONFIG_HOME when set.
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "financehub-syncd", "config.toml")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.toml")
	}

	return filepath.Join(home, ".config", "financehub-syncd", "config.toml")
}

// ErrNoEntities is returned by Resolve when the config declares no entities.
// The daemon refuses to start with an empty schedule; status/plan commands
// use LoadOrDefault and tolerate it.
var ErrNoEntities = errors.New("config: no [[entity]] sections defined")
