package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"frameloom/internal/cache"
	"frameloom/internal/logging"
	"frameloom/internal/mirror"
	"frameloom/internal/production"
)

// Reconciler periodically compares the mirror against the authoritative
// store and re-queues drifted records. The store always wins: the mirror is
// corrected, never the other way around.
type Reconciler struct {
	store     *production.Store
	snapshots *cache.Cache
	client    mirror.Client
	logger    *slog.Logger
}

// NewReconciler constructs a reconciler.
func NewReconciler(store *production.Store, snapshots *cache.Cache, client mirror.Client, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reconciler{
		store:     store,
		snapshots: snapshots,
		client:    client,
		logger:    logging.NewComponentLogger(logger, "reconciler"),
	}
}

// Sweep walks every unit, refreshes its cache snapshot, and re-queues a
// mirror push when the mirror's projection has drifted. Returns how many
// units were re-queued.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	units, err := r.store.ListUnits(ctx)
	if err != nil {
		return 0, fmt.Errorf("list units: %w", err)
	}

	requeued := 0
	for _, unit := range units {
		if ctx.Err() != nil {
			return requeued, ctx.Err()
		}

		if err := r.snapshots.Put(cache.SnapshotOf(unit)); err != nil {
			r.logger.Warn("cache refresh failed during sweep",
				logging.String(logging.FieldUnitID, unit.ID),
				logging.Error(err))
		}

		if unit.ExternalRef == "" || r.client == nil {
			continue
		}
		want := RecordOf(unit)
		got, err := r.client.FetchRecord(ctx, unit.ExternalRef)
		if err != nil {
			r.logger.Warn("mirror fetch failed during sweep",
				logging.String(logging.FieldUnitID, unit.ID),
				logging.Error(err))
			continue
		}
		if got != nil && recordsMatch(want, *got) {
			continue
		}

		payload, err := json.Marshal(want)
		if err != nil {
			r.logger.Error("mirror payload encode failed during sweep",
				logging.String(logging.FieldUnitID, unit.ID),
				logging.Error(err))
			continue
		}
		if err := r.store.EnqueueOutbox(ctx, unit.ID, unit.ExternalRef, string(payload)); err != nil {
			r.logger.Error("outbox enqueue failed during sweep",
				logging.String(logging.FieldUnitID, unit.ID),
				logging.Error(err))
			continue
		}
		r.logger.Info("mirror drift detected, push queued",
			logging.String(logging.FieldUnitID, unit.ID),
			logging.String("external_ref", unit.ExternalRef),
			logging.String(logging.FieldEventType, "mirror_drift"))
		requeued++
	}
	return requeued, nil
}

// Run sweeps on a fixed cadence until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reconcile sweep failed", logging.Error(err))
			}
		}
	}
}

// recordsMatch ignores UpdatedAt: the mirror is considered current when the
// visible fields agree.
func recordsMatch(a, b mirror.Record) bool {
	return a.ExternalRef == b.ExternalRef &&
		a.UnitID == b.UnitID &&
		a.Status == b.Status &&
		a.CompletedSegments == b.CompletedSegments &&
		a.TotalSegments == b.TotalSegments &&
		a.FinalArtifactRef == b.FinalArtifactRef &&
		a.ErrorMessage == b.ErrorMessage
}
