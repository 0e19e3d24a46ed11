package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"frameloom/internal/config"
	"frameloom/internal/consistency"
	"frameloom/internal/locking"
	"frameloom/internal/logging"
	"frameloom/internal/production"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *production.Store
	worker     *consistency.Worker
	reconciler *consistency.Reconciler
	locks      *locking.Manager

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	StoreDBPath  string
	LockFilePath string
	OutboxDepth  int
	LiveLocks    int
}

// New constructs a daemon with initialized dependencies. The worker and
// reconciler may be nil when the mirror is disabled.
func New(cfg *config.Config, store *production.Store, locks *locking.Manager, worker *consistency.Worker, reconciler *consistency.Reconciler, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil || locks == nil || logger == nil {
		return nil, errors.New("daemon requires config, store, locks, and logger")
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "frameloomd.lock")
	return &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		worker:     worker,
		reconciler: reconciler,
		locks:      locks,
		lockPath:   lockPath,
		lock:       flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock and launches the background loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another instance holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running.Store(true)

	if d.worker != nil {
		interval := time.Duration(d.cfg.Workflow.OutboxDrainSeconds) * time.Second
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker.Run(runCtx, interval)
		}()
	}
	if d.reconciler != nil {
		interval := time.Duration(d.cfg.Workflow.ReconcileIntervalSeconds) * time.Second
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.reconciler.Run(runCtx, interval)
		}()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweepLocks(runCtx)
	}()

	d.logger.Info("daemon started",
		logging.String("lock", d.lockPath),
		logging.Bool("mirror", d.worker != nil))
	return nil
}

// Stop cancels the background loops and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.running.Store(false)
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release instance lock", logging.Error(err))
	}
	d.logger.Info("daemon stopped")
}

// Status reports the daemon's current state.
func (d *Daemon) Status(ctx context.Context) Status {
	depth, err := d.store.OutboxDepth(ctx)
	if err != nil {
		depth = -1
	}
	live := -1
	if infos, err := d.locks.Snapshot(ctx); err == nil {
		live = len(infos)
	}
	return Status{
		Running:      d.running.Load(),
		StoreDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
		OutboxDepth:  depth,
		LiveLocks:    live,
	}
}

func (d *Daemon) sweepLocks(ctx context.Context) {
	interval := time.Duration(d.cfg.Workflow.LockSweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := d.locks.CleanupExpired(ctx)
			if err != nil {
				d.logger.Warn("lock sweep failed", logging.Error(err))
				continue
			}
			if removed > 0 {
				d.logger.Info("swept expired locks", logging.Int("removed", removed))
			}
		}
	}
}
