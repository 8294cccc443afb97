// Package config loads and persists the engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all engine configuration.
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Windows   []WindowConfig  `toml:"window"`
	CycleCaps []CycleConfig   `toml:"cycle_cap"`
	Context   ContextConfig   `toml:"context"`
	Estimator EstimatorConfig `toml:"estimator"`
	Daemon    DaemonConfig    `toml:"daemon"`
}

// GeneralConfig holds ingestion preferences.
type GeneralConfig struct {
	LogPath          string `toml:"log_path,omitempty"`
	PollIntervalSecs int    `toml:"poll_interval_secs"`
	IdleTimeoutSecs  int    `toml:"idle_timeout_secs"`
}

// WindowConfig describes one rolling quota window.
type WindowConfig struct {
	Label          string    `toml:"label"`
	DurationSecs   int64     `toml:"duration_secs"`
	CapacityTokens int64     `toml:"capacity_tokens"`
	Thresholds     []float64 `toml:"thresholds"`
	RearmOnDrop    *bool     `toml:"rearm_on_drop,omitempty"`
}

// CycleConfig describes one fixed, calendar-aligned cap.
type CycleConfig struct {
	Label          string    `toml:"label"`
	CycleSecs      int64     `toml:"cycle_secs"`
	Anchor         string    `toml:"anchor,omitempty"` // RFC3339; defaults to midnight UTC of first run
	CapacityTokens int64     `toml:"capacity_tokens"`
	Thresholds     []float64 `toml:"thresholds"`
}

// ContextConfig holds the per-session context ceiling settings.
type ContextConfig struct {
	CeilingTokens int64     `toml:"ceiling_tokens"`
	NoiseFloor    float64   `toml:"noise_floor"`
	Thresholds    []float64 `toml:"thresholds"`
}

// EstimatorConfig holds learning parameters.
type EstimatorConfig struct {
	Alpha              float64            `toml:"alpha"`
	DefaultRatePerHour float64            `toml:"default_rate_per_hour"`
	Multipliers        map[string]float64 `toml:"multipliers,omitempty"`
}

// DaemonConfig holds daemon runtime settings.
type DaemonConfig struct {
	Addr         string `toml:"addr"`
	EventsBuffer int    `toml:"events_buffer"`
}

// DefaultConfig returns the documented defaults used on cold start.
func DefaultConfig() Config {
	return Config{
		General: GeneralConfig{
			PollIntervalSecs: 5,
			IdleTimeoutSecs:  1800,
		},
		Windows: []WindowConfig{
			{
				Label:          "5h",
				DurationSecs:   5 * 3600,
				CapacityTokens: 2_500_000,
				Thresholds:     []float64{0.50, 0.80, 0.95},
			},
		},
		CycleCaps: []CycleConfig{
			{
				Label:          "weekly",
				CycleSecs:      7 * 24 * 3600,
				CapacityTokens: 25_000_000,
				Thresholds:     []float64{0.50, 0.80, 0.95},
			},
		},
		Context: ContextConfig{
			CeilingTokens: 180_000,
			NoiseFloor:    0.05,
		},
		Estimator: EstimatorConfig{
			Alpha:              0.3,
			DefaultRatePerHour: 250_000,
			Multipliers: map[string]float64{
				"simple":   0.7,
				"moderate": 1.0,
				"complex":  1.6,
			},
		},
		Daemon: DaemonConfig{
			Addr:         "127.0.0.1:8791",
			EventsBuffer: 200,
		},
	}
}

// PollInterval returns the poll interval as a duration, floored at 1s.
func (c Config) PollInterval() time.Duration {
	if c.General.PollIntervalSecs < 1 {
		return 5 * time.Second
	}
	return time.Duration(c.General.PollIntervalSecs) * time.Second
}

// IdleTimeout returns the implicit session-end timeout.
func (c Config) IdleTimeout() time.Duration {
	if c.General.IdleTimeoutSecs < 1 {
		return 30 * time.Minute
	}
	return time.Duration(c.General.IdleTimeoutSecs) * time.Second
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ccoptimize")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "ccoptimize")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// StateDir returns the directory holding mutable engine state (ledger
// snapshot, estimation model, monitor offset, session archive).
func StateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "ccoptimize")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "ccoptimize")
}

// LedgerStatePath returns the ledger snapshot file path.
func LedgerStatePath() string { return filepath.Join(StateDir(), "ledger.json") }

// ModelPath returns the estimation model file path.
func ModelPath() string { return filepath.Join(StateDir(), "model.json") }

// OffsetPath returns the monitor offset file path.
func OffsetPath() string { return filepath.Join(StateDir(), "offset.json") }

// ArchivePath returns the session archive database path.
func ArchivePath() string { return filepath.Join(StateDir(), "archive.db") }

// DefaultLogPath returns the usage log location when none is configured.
func DefaultLogPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude", "usage.jsonl")
}

// Load reads the config file, returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads a config file from an explicit path.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is the user's own config
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	// A config file replaces the default window/cap sets rather than
	// merging with them.
	cfg.Windows = nil
	cfg.CycleCaps = nil

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	defaults := DefaultConfig()
	if len(cfg.Windows) == 0 {
		cfg.Windows = defaults.Windows
	}
	if len(cfg.CycleCaps) == 0 {
		cfg.CycleCaps = defaults.CycleCaps
	}
	if cfg.Estimator.Alpha <= 0 || cfg.Estimator.Alpha >= 1 {
		cfg.Estimator.Alpha = defaults.Estimator.Alpha
	}
	if cfg.Estimator.DefaultRatePerHour <= 0 {
		cfg.Estimator.DefaultRatePerHour = defaults.Estimator.DefaultRatePerHour
	}
	if len(cfg.Estimator.Multipliers) == 0 {
		cfg.Estimator.Multipliers = defaults.Estimator.Multipliers
	}
	if cfg.Context.CeilingTokens <= 0 {
		cfg.Context.CeilingTokens = defaults.Context.CeilingTokens
	}
	if cfg.Context.NoiseFloor <= 0 {
		cfg.Context.NoiseFloor = defaults.Context.NoiseFloor
	}
	if cfg.Daemon.Addr == "" {
		cfg.Daemon.Addr = defaults.Daemon.Addr
	}
	if cfg.Daemon.EventsBuffer < 1 {
		cfg.Daemon.EventsBuffer = defaults.Daemon.EventsBuffer
	}

	return cfg, nil
}

// Save writes the config to disk.
func Save(cfg Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(ConfigPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	return enc.Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}
