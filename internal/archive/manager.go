package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"frameloom/internal/logging"
	"frameloom/internal/production"
	"frameloom/internal/services"
)

// Result reports what a cascade cleared.
type Result struct {
	ArchivedEntries []production.ArchiveEntry
	ClearedIndices  []int
	NewStatus       production.Status
}

// Manager runs cascades against a transactional runner. The production
// store satisfies the runner in normal operation; tests inject failures
// through it.
type Manager struct {
	runner production.TxRunner
	logger *slog.Logger
	now    func() time.Time
}

// NewManager constructs a cascade manager.
func NewManager(runner production.TxRunner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		runner: runner,
		logger: logging.NewComponentLogger(logger, "archive"),
		now:    time.Now,
	}
}

// CascadeRedo invalidates segments fromIndex onward. Because each segment's
// first frame is the previous segment's last frame, a redo at fromIndex
// makes every later result stale too. Within one transaction it archives
// every non-empty affected result, resets those results to pending, and
// moves the unit back to the right stage. resetScript additionally blanks
// the affected specs and sends the unit back through script generation.
//
// The caller must hold the unit's lock.
func (m *Manager) CascadeRedo(ctx context.Context, unit *production.Unit, fromIndex int, resetScript bool, reason string) (Result, error) {
	var empty Result
	if unit == nil {
		return empty, services.Wrap(services.ErrValidation, "archive", "cascade_redo", "unit required", nil)
	}
	if fromIndex < 0 || fromIndex >= unit.TotalSegments {
		return empty, services.Wrap(services.ErrValidation, "archive", "cascade_redo",
			fmt.Sprintf("segment index %d out of range [0, %d)", fromIndex, unit.TotalSegments), nil)
	}
	if production.IsTransient(unit.Status) {
		return empty, services.Wrap(services.ErrConflict, "archive", "cascade_redo",
			fmt.Sprintf("unit is busy (%s)", unit.Status), nil)
	}
	if reason == "" {
		reason = "cascade_redo"
	}

	newStatus := production.StatusScriptReady
	if resetScript {
		newStatus = production.StatusPending
	}

	result := Result{NewStatus: newStatus}
	archivedAt := m.now().UTC()

	err := m.runner.InTx(ctx, func(ops production.TxOps) error {
		for idx := fromIndex; idx < unit.TotalSegments; idx++ {
			res, ok := unit.ResultFor(idx)
			if ok && res.Status != production.SegmentPending {
				entry := production.ArchiveEntry{
					UnitID:        unit.ID,
					SegmentIndex:  idx,
					ResultStatus:  res.Status,
					ArtifactRef:   res.ArtifactRef,
					FirstFrameRef: res.FirstFrameRef,
					LastFrameRef:  res.LastFrameRef,
					Reason:        reason,
					ArchivedAt:    archivedAt,
				}
				if err := ops.AppendArchiveEntry(ctx, entry); err != nil {
					return err
				}
				result.ArchivedEntries = append(result.ArchivedEntries, entry)
			}
			if ok {
				if err := ops.ResetSegmentResult(ctx, unit.ID, idx); err != nil {
					return err
				}
				result.ClearedIndices = append(result.ClearedIndices, idx)
			}
			if resetScript {
				if err := ops.BlankSegmentSpec(ctx, unit.ID, idx); err != nil {
					return err
				}
			}
		}
		return ops.SetUnitStatus(ctx, unit.ID, newStatus, "")
	})
	if err != nil {
		return empty, services.Wrap(services.ErrPersistence, "archive", "cascade_redo", "cascade transaction", err)
	}

	// Mirror the committed state onto the in-memory unit.
	for _, idx := range result.ClearedIndices {
		res := unit.Results[idx]
		unit.Results[idx] = production.SegmentResult{
			Index:     res.Index,
			Status:    production.SegmentPending,
			UpdatedAt: archivedAt,
		}
	}
	if resetScript {
		unit.Specs = nil
	}
	unit.Status = newStatus
	unit.CurrentSegment = -1
	unit.ErrorMessage = ""
	unit.FinalArtifactRef = ""
	unit.UpdatedAt = archivedAt

	m.logger.Info("cascade redo applied",
		logging.String(logging.FieldUnitID, unit.ID),
		logging.Int("from_index", fromIndex),
		logging.Int("archived", len(result.ArchivedEntries)),
		logging.Int("cleared", len(result.ClearedIndices)),
		logging.Bool("reset_script", resetScript),
		logging.String(logging.FieldEventType, "cascade_redo"))

	return result, nil
}
