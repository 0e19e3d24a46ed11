package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir is required")
	}
	if c.Workflow.DefaultConcurrency < 1 {
		problems = append(problems, "workflow.default_concurrency must be at least 1")
	}
	if c.Locking.DefaultTTLSeconds < 1 {
		problems = append(problems, "locking.default_ttl_seconds must be positive")
	}
	for op, ttl := range c.Locking.OperationTTLSeconds {
		if ttl < 1 {
			problems = append(problems, fmt.Sprintf("locking.operation_ttl_seconds[%s] must be positive", op))
		}
	}
	if c.Script.SegmentCount < 1 {
		problems = append(problems, "script_provider.segment_count must be at least 1")
	}
	if c.Video.DurationSeconds < 1 {
		problems = append(problems, "video_provider.duration_seconds must be at least 1")
	}
	if c.Mirror.Enabled {
		if strings.TrimSpace(c.Mirror.BaseURL) == "" {
			problems = append(problems, "mirror.base_url is required when mirror.enabled")
		}
		if strings.TrimSpace(c.Mirror.TableID) == "" {
			problems = append(problems, "mirror.table_id is required when mirror.enabled")
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not supported", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
