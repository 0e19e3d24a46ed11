package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir  string `toml:"data_dir"`
	CacheDir string `toml:"cache_dir"`
	LogDir   string `toml:"log_dir"`
}

// Workflow contains orchestration timing and concurrency settings.
type Workflow struct {
	DefaultConcurrency       int `toml:"default_concurrency"`
	ReconcileIntervalSeconds int `toml:"reconcile_interval_seconds"`
	LockSweepIntervalSeconds int `toml:"lock_sweep_interval_seconds"`
	OutboxDrainSeconds       int `toml:"outbox_drain_seconds"`
}

// Locking contains per-unit lock TTL settings.
type Locking struct {
	DefaultTTLSeconds   int            `toml:"default_ttl_seconds"`
	OperationTTLSeconds map[string]int `toml:"operation_ttl_seconds"`
}

// ScriptProvider contains settings for the storyboard generation service.
type ScriptProvider struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	Model          string `toml:"model"`
	SegmentCount   int    `toml:"segment_count"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// VideoProvider contains settings for the segment video generation service.
type VideoProvider struct {
	BaseURL             string `toml:"base_url"`
	APIKey              string `toml:"api_key"`
	Model               string `toml:"model"`
	AspectRatio         string `toml:"aspect_ratio"`
	DurationSeconds     int    `toml:"duration_seconds"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
}

// AssemblyProvider contains settings for the final concatenation service.
type AssemblyProvider struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Mirror contains settings for the remote collaborative projection.
type Mirror struct {
	Enabled           bool   `toml:"enabled"`
	BaseURL           string `toml:"base_url"`
	APIKey            string `toml:"api_key"`
	TableID           string `toml:"table_id"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxAttempts       int    `toml:"max_attempts"`
	RetryBaseSeconds  int    `toml:"retry_base_seconds"`
	RetryMaxSeconds   int    `toml:"retry_max_seconds"`
	RequestsPerMinute int    `toml:"requests_per_minute"`
}

// Logging contains log output configuration.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config aggregates all runtime settings.
type Config struct {
	Paths    Paths            `toml:"paths"`
	Workflow Workflow         `toml:"workflow"`
	Locking  Locking          `toml:"locking"`
	Script   ScriptProvider   `toml:"script_provider"`
	Video    VideoProvider    `toml:"video_provider"`
	Assembly AssemblyProvider `toml:"assembly_provider"`
	Mirror   Mirror           `toml:"mirror"`
	Logging  Logging          `toml:"logging"`
}

// DefaultConfigPath returns the canonical config file location.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "frameloom", "config.toml"), nil
}

// Load reads the config file at path (or the default location when empty),
// falling back to defaults when the file does not exist.
func Load(path string) (*Config, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		def, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		resolved = def
	}

	cfg := Default()
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg.normalize()
			if vErr := cfg.Validate(); vErr != nil {
				return nil, vErr
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", resolved, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteSample writes the embedded sample config to path, refusing to clobber
// an existing file.
func WriteSample(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("config path required")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat config path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// EnsureDirectories creates the data, cache, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.CacheDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
