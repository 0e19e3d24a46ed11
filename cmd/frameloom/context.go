package main

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"frameloom/internal/archive"
	"frameloom/internal/cache"
	"frameloom/internal/config"
	"frameloom/internal/consistency"
	"frameloom/internal/locking"
	"frameloom/internal/logging"
	"frameloom/internal/mirror"
	"frameloom/internal/pipeline"
	"frameloom/internal/production"
	"frameloom/internal/services/assembly"
	"frameloom/internal/services/storyboard"
	"frameloom/internal/services/videogen"
)

// commandContext lazily wires the full service graph once per invocation.
type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	servicesOnce sync.Once
	store        *production.Store
	orchestrator *pipeline.Orchestrator
	locks        *locking.Manager
	servicesErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) ensureServices() error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	c.servicesOnce.Do(func() {
		logger, err := logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
		if err != nil {
			c.servicesErr = err
			return
		}

		store, err := production.Open(cfg)
		if err != nil {
			c.servicesErr = err
			return
		}
		c.store = store

		snapshots := cache.New(filepath.Join(cfg.Paths.CacheDir, "units.json"), logger)
		engine := consistency.NewEngine(store, snapshots, cfg.Mirror.Enabled, logger)

		ttls := make(map[string]time.Duration, len(cfg.Locking.OperationTTLSeconds))
		for op, seconds := range cfg.Locking.OperationTTLSeconds {
			if seconds > 0 {
				ttls[op] = time.Duration(seconds) * time.Second
			}
		}
		c.locks = locking.NewManager(
			store,
			time.Duration(cfg.Locking.DefaultTTLSeconds)*time.Second,
			logger,
			locking.WithOperationTTLs(ttls),
		)

		archiver := archive.NewManager(store, logger)
		scripts := storyboard.NewClient(storyboard.Config{
			BaseURL:        cfg.Script.BaseURL,
			APIKey:         cfg.Script.APIKey,
			Model:          cfg.Script.Model,
			TimeoutSeconds: cfg.Script.TimeoutSeconds,
		})
		video := videogen.NewClient(videogen.Config{
			BaseURL:             cfg.Video.BaseURL,
			APIKey:              cfg.Video.APIKey,
			Model:               cfg.Video.Model,
			AspectRatio:         cfg.Video.AspectRatio,
			TimeoutSeconds:      cfg.Video.TimeoutSeconds,
			PollIntervalSeconds: cfg.Video.PollIntervalSeconds,
		})
		assembler := assembly.NewClient(assembly.Config{
			BaseURL:        cfg.Assembly.BaseURL,
			APIKey:         cfg.Assembly.APIKey,
			TimeoutSeconds: cfg.Assembly.TimeoutSeconds,
		})

		c.orchestrator = pipeline.New(cfg, engine, c.locks, archiver, scripts, video, assembler, logger)
	})
	return c.servicesErr
}

// mirrorClient builds a mirror client for commands that talk to the mirror
// directly. Returns nil when the mirror is disabled.
func (c *commandContext) mirrorClient() mirror.Client {
	cfg, err := c.ensureConfig()
	if err != nil || cfg == nil || !cfg.Mirror.Enabled {
		return nil
	}
	return mirror.NewHTTPClient(mirror.Config{
		BaseURL:        cfg.Mirror.BaseURL,
		APIKey:         cfg.Mirror.APIKey,
		TableID:        cfg.Mirror.TableID,
		TimeoutSeconds: cfg.Mirror.TimeoutSeconds,
	})
}
