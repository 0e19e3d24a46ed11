package main

import (
	"log/slog"
	"path/filepath"
	"time"

	"frameloom/internal/cache"
	"frameloom/internal/config"
	"frameloom/internal/consistency"
	"frameloom/internal/locking"
	"frameloom/internal/mirror"
	"frameloom/internal/production"
)

type backgroundServices struct {
	Store      *production.Store
	Snapshots  *cache.Cache
	Locks      *locking.Manager
	Worker     *consistency.Worker
	Reconciler *consistency.Reconciler
}

func (s *backgroundServices) Close() {
	if s.Store != nil {
		_ = s.Store.Close()
	}
}

func buildServices(cfg *config.Config, logger *slog.Logger) (*backgroundServices, error) {
	store, err := production.Open(cfg)
	if err != nil {
		return nil, err
	}

	snapshots := cache.New(filepath.Join(cfg.Paths.CacheDir, "units.json"), logger)
	locks := locking.NewManager(
		store,
		time.Duration(cfg.Locking.DefaultTTLSeconds)*time.Second,
		logger,
		locking.WithOperationTTLs(operationTTLs(cfg)),
	)

	services := &backgroundServices{
		Store:     store,
		Snapshots: snapshots,
		Locks:     locks,
	}
	if !cfg.Mirror.Enabled {
		return services, nil
	}

	client := mirror.NewHTTPClient(mirror.Config{
		BaseURL:        cfg.Mirror.BaseURL,
		APIKey:         cfg.Mirror.APIKey,
		TableID:        cfg.Mirror.TableID,
		TimeoutSeconds: cfg.Mirror.TimeoutSeconds,
	})
	services.Worker = consistency.NewWorker(
		store,
		client,
		cfg.Mirror.MaxAttempts,
		time.Duration(cfg.Mirror.RetryBaseSeconds)*time.Second,
		time.Duration(cfg.Mirror.RetryMaxSeconds)*time.Second,
		logger,
	)
	services.Reconciler = consistency.NewReconciler(store, snapshots, client, logger)
	return services, nil
}

func operationTTLs(cfg *config.Config) map[string]time.Duration {
	ttls := make(map[string]time.Duration, len(cfg.Locking.OperationTTLSeconds))
	for op, seconds := range cfg.Locking.OperationTTLSeconds {
		if seconds > 0 {
			ttls[op] = time.Duration(seconds) * time.Second
		}
	}
	return ttls
}
