package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"frameloom/internal/cache"
	"frameloom/internal/logging"
	"frameloom/internal/mirror"
	"frameloom/internal/production"
	"frameloom/internal/services"
)

// Engine routes unit writes through the three layers in order. Store errors
// are the caller's problem; cache and mirror problems are logged and queued,
// never surfaced.
type Engine struct {
	store         *production.Store
	snapshots     *cache.Cache
	logger        *slog.Logger
	mirrorEnabled bool
}

// NewEngine wires the write path. Pass mirrorEnabled=false to skip outbox
// enqueueing entirely.
func NewEngine(store *production.Store, snapshots *cache.Cache, mirrorEnabled bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		store:         store,
		snapshots:     snapshots,
		logger:        logging.NewComponentLogger(logger, "consistency"),
		mirrorEnabled: mirrorEnabled,
	}
}

// Store exposes the authoritative layer for reads and transactions.
func (e *Engine) Store() *production.Store { return e.store }

// SaveUnit persists the unit row and propagates the new projection.
func (e *Engine) SaveUnit(ctx context.Context, unit *production.Unit) error {
	if err := e.store.UpdateUnit(ctx, unit); err != nil {
		return services.Wrap(services.ErrPersistence, "consistency", "save_unit", "update unit", err)
	}
	e.propagate(ctx, unit)
	return nil
}

// SaveSegmentResult persists one segment result, records it on the unit, and
// propagates.
func (e *Engine) SaveSegmentResult(ctx context.Context, unit *production.Unit, res production.SegmentResult) error {
	if err := e.store.UpsertSegmentResult(ctx, unit.ID, res); err != nil {
		return services.Wrap(services.ErrPersistence, "consistency", "save_segment_result", "upsert segment result", err)
	}
	if unit.Results == nil {
		unit.Results = make(map[int]production.SegmentResult)
	}
	unit.Results[res.Index] = res
	e.propagate(ctx, unit)
	return nil
}

// SaveSegmentSpecs replaces the unit's segment specs and propagates.
func (e *Engine) SaveSegmentSpecs(ctx context.Context, unit *production.Unit, specs []production.SegmentSpec) error {
	if err := e.store.ReplaceSegmentSpecs(ctx, unit.ID, specs); err != nil {
		return services.Wrap(services.ErrPersistence, "consistency", "save_segment_specs", "replace segment specs", err)
	}
	unit.Specs = specs
	e.propagate(ctx, unit)
	return nil
}

// LoadUnit reads the authoritative record. A missing unit returns a
// not-found error rather than (nil, nil).
func (e *Engine) LoadUnit(ctx context.Context, unitID string) (*production.Unit, error) {
	unit, err := e.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "consistency", "load_unit", "get unit", err)
	}
	if unit == nil {
		return nil, services.Wrap(services.ErrNotFound, "consistency", "load_unit", fmt.Sprintf("unit %s not found", unitID), nil)
	}
	return unit, nil
}

// StatusSnapshot serves a status read. The store is tried first; if it
// errors, the cached snapshot is returned with degraded=true so callers can
// flag possible staleness.
func (e *Engine) StatusSnapshot(ctx context.Context, unitID string) (cache.Snapshot, bool, error) {
	unit, err := e.store.GetUnit(ctx, unitID)
	if err != nil {
		if snap, ok := e.snapshots.Lookup(unitID); ok {
			e.logger.Warn("serving degraded status read from cache",
				logging.String(logging.FieldUnitID, unitID),
				logging.Error(err),
				logging.String(logging.FieldEventType, "degraded_read"))
			return snap, true, nil
		}
		return cache.Snapshot{}, false, services.Wrap(services.ErrPersistence, "consistency", "status", "get unit", err)
	}
	if unit == nil {
		return cache.Snapshot{}, false, services.Wrap(services.ErrNotFound, "consistency", "status", fmt.Sprintf("unit %s not found", unitID), nil)
	}
	snap := cache.SnapshotOf(unit)
	if err := e.snapshots.Put(snap); err != nil {
		e.logger.Warn("cache refresh failed",
			logging.String(logging.FieldUnitID, unitID),
			logging.Error(err))
	}
	return snap, false, nil
}

// Propagate pushes the unit's current projection to the cache and outbox
// without touching the unit row. Used after transactional writes that bypass
// SaveUnit.
func (e *Engine) Propagate(ctx context.Context, unit *production.Unit) {
	e.propagate(ctx, unit)
}

func (e *Engine) propagate(ctx context.Context, unit *production.Unit) {
	if err := e.snapshots.Put(cache.SnapshotOf(unit)); err != nil {
		e.logger.Warn("cache write failed",
			logging.String(logging.FieldUnitID, unit.ID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_write_failed"))
	}

	if !e.mirrorEnabled || unit.ExternalRef == "" {
		return
	}
	payload, err := json.Marshal(RecordOf(unit))
	if err != nil {
		e.logger.Error("mirror payload encode failed",
			logging.String(logging.FieldUnitID, unit.ID),
			logging.Error(err))
		return
	}
	if err := e.store.EnqueueOutbox(ctx, unit.ID, unit.ExternalRef, string(payload)); err != nil {
		e.logger.Error("outbox enqueue failed",
			logging.String(logging.FieldUnitID, unit.ID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "outbox_enqueue_failed"))
	}
}

// RecordOf projects a unit into its mirror representation.
func RecordOf(unit *production.Unit) mirror.Record {
	return mirror.Record{
		ExternalRef:       unit.ExternalRef,
		UnitID:            unit.ID,
		Status:            string(unit.Status),
		CompletedSegments: unit.CompletedSegments(),
		TotalSegments:     unit.TotalSegments,
		FinalArtifactRef:  unit.FinalArtifactRef,
		ErrorMessage:      unit.ErrorMessage,
		UpdatedAt:         unit.UpdatedAt,
	}
}
