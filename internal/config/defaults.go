package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Default returns a config populated with working defaults. Provider
// credentials stay empty and must come from the config file.
func Default() *Config {
	base := defaultBaseDir()
	return &Config{
		Paths: Paths{
			DataDir:  filepath.Join(base, "data"),
			CacheDir: filepath.Join(base, "cache"),
			LogDir:   filepath.Join(base, "logs"),
		},
		Workflow: Workflow{
			DefaultConcurrency:       4,
			ReconcileIntervalSeconds: 300,
			LockSweepIntervalSeconds: 60,
			OutboxDrainSeconds:       5,
		},
		Locking: Locking{
			DefaultTTLSeconds: 600,
			OperationTTLSeconds: map[string]int{
				"generate_script":  120,
				"generate_segment": 600,
				"assemble":         300,
				"cascade_redo":     60,
				"retry_task":       60,
			},
		},
		Script: ScriptProvider{
			SegmentCount:   7,
			TimeoutSeconds: 120,
		},
		Video: VideoProvider{
			AspectRatio:         "9:16",
			DurationSeconds:     5,
			TimeoutSeconds:      600,
			PollIntervalSeconds: 5,
		},
		Assembly: AssemblyProvider{
			TimeoutSeconds: 300,
		},
		Mirror: Mirror{
			Enabled:           false,
			TimeoutSeconds:    30,
			MaxAttempts:       5,
			RetryBaseSeconds:  2,
			RetryMaxSeconds:   60,
			RequestsPerMinute: 100,
		},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "frameloom"
	}
	return filepath.Join(home, ".local", "share", "frameloom")
}

func (c *Config) normalize() {
	c.Paths.DataDir = expandPath(c.Paths.DataDir)
	c.Paths.CacheDir = expandPath(c.Paths.CacheDir)
	c.Paths.LogDir = expandPath(c.Paths.LogDir)
	if c.Workflow.DefaultConcurrency <= 0 {
		c.Workflow.DefaultConcurrency = 4
	}
	if c.Locking.DefaultTTLSeconds <= 0 {
		c.Locking.DefaultTTLSeconds = 600
	}
	if c.Mirror.MaxAttempts <= 0 {
		c.Mirror.MaxAttempts = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
