package testsupport

import (
	"path/filepath"
	"testing"

	"frameloom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.CacheDir = filepath.Join(base, "cache")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Script.APIKey = "test"
	cfg.Video.APIKey = "test"
	cfg.Assembly.APIKey = "test"

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithSegmentCount overrides the default segment count on the test config.
func WithSegmentCount(count int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Script.SegmentCount = count
	}
}

// WithMirrorEnabled turns the mirror on with throwaway credentials.
func WithMirrorEnabled() ConfigOption {
	return func(cfg *config.Config) {
		cfg.Mirror.Enabled = true
		cfg.Mirror.BaseURL = "http://127.0.0.1:0"
		cfg.Mirror.APIKey = "test"
		cfg.Mirror.TableID = "tbl-test"
	}
}
