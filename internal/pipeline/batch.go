package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"frameloom/internal/logging"
	"frameloom/internal/services"
)

// UnitOutcome reports one unit's result within a batch.
type UnitOutcome struct {
	UnitID string
	Kind   string
	Err    error
}

// BatchResult aggregates a fan-out run. One unit's failure never aborts its
// siblings; conflicts are reported, not retried.
type BatchResult struct {
	Succeeded []string
	Failed    []UnitOutcome
}

// OK reports whether every unit succeeded.
func (r BatchResult) OK() bool { return len(r.Failed) == 0 }

// GenerateScriptsBatch runs the script stage across units concurrently.
// concurrency caps the fan-out; zero or negative falls back to the
// configured default.
func (o *Orchestrator) GenerateScriptsBatch(ctx context.Context, unitIDs []string, concurrency int) BatchResult {
	return o.runBatch(ctx, unitIDs, concurrency, o.GenerateScript)
}

// GenerateSegmentsBatch runs auto-selected segment generation across units
// concurrently. Each unit advances by one segment per call.
func (o *Orchestrator) GenerateSegmentsBatch(ctx context.Context, unitIDs []string, concurrency int) BatchResult {
	return o.runBatch(ctx, unitIDs, concurrency, func(ctx context.Context, unitID string) error {
		return o.GenerateSegment(ctx, unitID, -1)
	})
}

// AssembleBatch runs final assembly across units concurrently.
func (o *Orchestrator) AssembleBatch(ctx context.Context, unitIDs []string, concurrency int) BatchResult {
	return o.runBatch(ctx, unitIDs, concurrency, o.Assemble)
}

// SyncMirrorBatch re-queues mirror pushes across units concurrently.
func (o *Orchestrator) SyncMirrorBatch(ctx context.Context, unitIDs []string, concurrency int) BatchResult {
	return o.runBatch(ctx, unitIDs, concurrency, o.SyncMirror)
}

func (o *Orchestrator) runBatch(ctx context.Context, unitIDs []string, concurrency int, fn func(context.Context, string) error) BatchResult {
	var (
		mu     sync.Mutex
		result BatchResult
	)

	if concurrency <= 0 {
		concurrency = o.cfg.Workflow.DefaultConcurrency
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	// One correlation id per batch so the fan-out's log lines group together.
	ctx = services.WithRequestID(ctx, uuid.NewString()[:8])

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for _, unitID := range unitIDs {
		group.Go(func() error {
			err := fn(groupCtx, unitID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, UnitOutcome{
					UnitID: unitID,
					Kind:   services.Kind(err),
					Err:    err,
				})
				o.logger.Warn("batch unit failed",
					logging.String(logging.FieldUnitID, unitID),
					logging.String("kind", services.Kind(err)),
					logging.Error(err))
			} else {
				result.Succeeded = append(result.Succeeded, unitID)
			}
			// Sibling units keep running regardless of this unit's outcome.
			return nil
		})
	}
	_ = group.Wait()

	sort.Strings(result.Succeeded)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].UnitID < result.Failed[j].UnitID })
	return result
}
