package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"frameloom/internal/archive"
	"frameloom/internal/config"
	"frameloom/internal/consistency"
	"frameloom/internal/locking"
	"frameloom/internal/logging"
	"frameloom/internal/production"
	"frameloom/internal/services"
	"frameloom/internal/services/assembly"
	"frameloom/internal/services/storyboard"
	"frameloom/internal/services/videogen"
)

// Lock operation labels. These double as keys into the per-operation TTL
// table in the config.
const (
	OpGenerateScript  = "generate_script"
	OpGenerateSegment = "generate_segment"
	OpAssemble        = "assemble"
	OpCascadeRedo     = "cascade_redo"
	OpRetryTask       = "retry_task"
)

// Orchestrator coordinates stage execution for production units.
type Orchestrator struct {
	cfg       *config.Config
	engine    *consistency.Engine
	locks     *locking.Manager
	archiver  *archive.Manager
	scripts   storyboard.Generator
	video     videogen.Generator
	assembler assembly.Assembler
	logger    *slog.Logger
}

// New wires an orchestrator from its collaborators.
func New(
	cfg *config.Config,
	engine *consistency.Engine,
	locks *locking.Manager,
	archiver *archive.Manager,
	scripts storyboard.Generator,
	video videogen.Generator,
	assembler assembly.Assembler,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		engine:    engine,
		locks:     locks,
		archiver:  archiver,
		scripts:   scripts,
		video:     video,
		assembler: assembler,
		logger:    logging.NewComponentLogger(logger, "pipeline"),
	}
}

// CreateUnit registers a new production unit. The external reference, when
// present, must be unique across units.
func (o *Orchestrator) CreateUnit(ctx context.Context, openingImageRef, externalRef string, totalSegments int) (*production.Unit, error) {
	openingImageRef = strings.TrimSpace(openingImageRef)
	if openingImageRef == "" {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "create_unit", "opening image ref required", nil)
	}
	if totalSegments <= 0 {
		totalSegments = o.cfg.Script.SegmentCount
	}
	if totalSegments <= 0 {
		return nil, services.Wrap(services.ErrValidation, "pipeline", "create_unit", "total segments must be positive", nil)
	}
	externalRef = strings.TrimSpace(externalRef)
	if externalRef != "" {
		existing, err := o.engine.Store().FindByExternalRef(ctx, externalRef)
		if err != nil {
			return nil, services.Wrap(services.ErrPersistence, "pipeline", "create_unit", "lookup external ref", err)
		}
		if existing != nil {
			return nil, services.Wrap(services.ErrConflict, "pipeline", "create_unit",
				fmt.Sprintf("external ref %q already mapped to unit %s", externalRef, existing.ID), nil)
		}
	}

	unit, err := o.engine.Store().CreateUnit(ctx, openingImageRef, externalRef, totalSegments)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "pipeline", "create_unit", "create unit", err)
	}
	o.engine.Propagate(ctx, unit)
	o.logger.Info("unit created",
		logging.String(logging.FieldUnitID, unit.ID),
		logging.Int("total_segments", unit.TotalSegments))
	return unit, nil
}

// GenerateScript runs the script stage for one unit: the provider turns the
// opening image into per-segment summaries and prompts.
func (o *Orchestrator) GenerateScript(ctx context.Context, unitID string) error {
	if err := o.acquire(ctx, "script", unitID, OpGenerateScript); err != nil {
		return err
	}
	defer o.locks.Release(ctx, unitID)

	// Loaded under the lock so the validations below see current state.
	unit, err := o.engine.LoadUnit(ctx, unitID)
	if err != nil {
		return err
	}
	ctx = services.WithStage(services.WithUnitID(ctx, unit.ID), "script")
	if production.IsTransient(unit.Status) {
		return services.Wrap(services.ErrConflict, "script", "generate",
			fmt.Sprintf("unit is busy (%s)", unit.Status), nil)
	}
	switch unit.Status {
	case production.StatusPending, production.StatusScriptReady, production.StatusFailed:
		// Fresh generation, regeneration, or recovery from a failed attempt.
	default:
		return services.Wrap(services.ErrValidation, "script", "generate",
			fmt.Sprintf("unit cannot generate a script while %s", unit.Status), nil)
	}
	if unit.Status == production.StatusScriptReady && unit.CompletedSegments() > 0 {
		return services.Wrap(services.ErrValidation, "script", "generate",
			"completed segments exist; clear them via cascade before regenerating the script", nil)
	}
	if strings.TrimSpace(unit.OpeningImageRef) == "" {
		unit.Status = production.StatusInputMissing
		unit.ErrorMessage = "opening image missing"
		if saveErr := o.engine.SaveUnit(ctx, unit); saveErr != nil {
			return saveErr
		}
		return services.Wrap(services.ErrValidation, "script", "generate", "opening image missing", nil)
	}

	hadScript := unit.HasScript()
	unit.Status = production.StatusScriptGenerating
	unit.ErrorMessage = ""
	if err := o.engine.SaveUnit(ctx, unit); err != nil {
		return err
	}

	stageCtx, cancel := o.stageContext(ctx, o.cfg.Script.TimeoutSeconds)
	defer cancel()
	specs, genErr := o.scripts.GenerateScript(stageCtx, unit.OpeningImageRef, unit.TotalSegments)
	if genErr != nil {
		// Regeneration failures keep the old script usable.
		if hadScript {
			unit.Status = production.StatusScriptReady
		} else {
			unit.Status = production.StatusFailed
		}
		unit.ErrorMessage = genErr.Error()
		if saveErr := o.engine.SaveUnit(ctx, unit); saveErr != nil {
			return saveErr
		}
		return services.Wrap(services.ErrUpstream, "script", "generate", "provider call failed", genErr)
	}

	if err := o.engine.SaveSegmentSpecs(ctx, unit, specs); err != nil {
		return err
	}
	unit.Status = production.StatusScriptReady
	unit.ErrorMessage = ""
	if err := o.engine.SaveUnit(ctx, unit); err != nil {
		return err
	}
	logging.WithContext(ctx, o.logger).Info("script generated",
		logging.Int("segments", len(specs)))
	return nil
}

// GenerateSegment runs segment generation for one index. Pass a negative
// index to auto-select the first segment whose predecessors are all
// completed. Segment k's input frame is the opening image for k=0 and
// segment k-1's last frame otherwise; that dependency is checked, never
// assumed.
func (o *Orchestrator) GenerateSegment(ctx context.Context, unitID string, index int) error {
	if err := o.acquire(ctx, "segment", unitID, OpGenerateSegment); err != nil {
		return err
	}
	defer o.locks.Release(ctx, unitID)

	unit, err := o.engine.LoadUnit(ctx, unitID)
	if err != nil {
		return err
	}
	ctx = services.WithStage(services.WithUnitID(ctx, unit.ID), "segment")
	if production.IsTransient(unit.Status) {
		return services.Wrap(services.ErrConflict, "segment", "generate",
			fmt.Sprintf("unit is busy (%s)", unit.Status), nil)
	}
	if !unit.HasScript() {
		return services.Wrap(services.ErrValidation, "segment", "generate", "script not generated yet", nil)
	}

	if index < 0 {
		next, ok := production.NextReadyIndex(unit)
		if !ok {
			return services.Wrap(services.ErrValidation, "segment", "generate", "all segments already completed", nil)
		}
		index = next
	}
	if index >= unit.TotalSegments {
		return services.Wrap(services.ErrValidation, "segment", "generate",
			fmt.Sprintf("segment index %d out of range [0, %d)", index, unit.TotalSegments), nil)
	}
	spec, ok := unit.SpecFor(index)
	if !ok || strings.TrimSpace(spec.VideoPrompt) == "" {
		return services.Wrap(services.ErrValidation, "segment", "generate",
			fmt.Sprintf("segment %d has no usable spec", index), nil)
	}

	firstFrame, err := o.inputFrameFor(unit, index)
	if err != nil {
		return err
	}

	if res, ok := unit.ResultFor(index); ok && res.Status == production.SegmentCompleted {
		return services.Wrap(services.ErrValidation, "segment", "generate",
			fmt.Sprintf("segment %d already completed; redo it via cascade", index), nil)
	}

	unit.Status = production.StatusGeneratingSegment
	unit.CurrentSegment = index
	unit.ErrorMessage = ""
	if err := o.engine.SaveUnit(ctx, unit); err != nil {
		return err
	}
	if err := o.engine.SaveSegmentResult(ctx, unit, production.SegmentResult{
		Index:     index,
		Status:    production.SegmentGenerating,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	duration := spec.DurationSeconds
	if duration <= 0 {
		duration = o.cfg.Video.DurationSeconds
	}
	stageCtx, cancel := o.stageContext(ctx, o.cfg.Video.TimeoutSeconds)
	defer cancel()
	result, genErr := o.video.GenerateSegment(stageCtx, videogen.Request{
		Prompt:          spec.VideoPrompt,
		FirstFrameRef:   firstFrame,
		DurationSeconds: duration,
	})
	if genErr != nil {
		if saveErr := o.engine.SaveSegmentResult(ctx, unit, production.SegmentResult{
			Index:        index,
			Status:       production.SegmentFailed,
			ErrorMessage: genErr.Error(),
			UpdatedAt:    time.Now().UTC(),
		}); saveErr != nil {
			return saveErr
		}
		unit.Status = production.StatusScriptReady
		unit.CurrentSegment = -1
		unit.ErrorMessage = fmt.Sprintf("segment %d: %s", index, genErr.Error())
		if saveErr := o.engine.SaveUnit(ctx, unit); saveErr != nil {
			return saveErr
		}
		return services.Wrap(services.ErrUpstream, "segment", "generate",
			fmt.Sprintf("segment %d provider call failed", index), genErr)
	}

	if err := o.engine.SaveSegmentResult(ctx, unit, production.SegmentResult{
		Index:         index,
		Status:        production.SegmentCompleted,
		ArtifactRef:   result.ArtifactRef,
		FirstFrameRef: firstFrame,
		LastFrameRef:  result.LastFrameRef,
		UpdatedAt:     time.Now().UTC(),
	}); err != nil {
		return err
	}
	unit.Status = production.Derive(unit.TotalSegments, unit.Results)
	unit.CurrentSegment = -1
	unit.ErrorMessage = ""
	if err := o.engine.SaveUnit(ctx, unit); err != nil {
		return err
	}
	logging.WithContext(ctx, o.logger).Info("segment generated",
		logging.Int(logging.FieldSegment, index),
		logging.String("status", string(unit.Status)))
	return nil
}

// Assemble concatenates all completed segments into the final artifact.
func (o *Orchestrator) Assemble(ctx context.Context, unitID string) error {
	if err := o.acquire(ctx, "assembly", unitID, OpAssemble); err != nil {
		return err
	}
	defer o.locks.Release(ctx, unitID)

	unit, err := o.engine.LoadUnit(ctx, unitID)
	if err != nil {
		return err
	}
	ctx = services.WithStage(services.WithUnitID(ctx, unit.ID), "assembly")
	if production.IsTransient(unit.Status) {
		return services.Wrap(services.ErrConflict, "assembly", "assemble",
			fmt.Sprintf("unit is busy (%s)", unit.Status), nil)
	}
	if unit.Status != production.StatusAllSegmentsReady {
		return services.Wrap(services.ErrValidation, "assembly", "assemble",
			fmt.Sprintf("unit must have all segments ready, is %s", unit.Status), nil)
	}

	refs := make([]string, 0, unit.TotalSegments)
	for idx := 0; idx < unit.TotalSegments; idx++ {
		res, ok := unit.ResultFor(idx)
		if !ok || res.Status != production.SegmentCompleted || strings.TrimSpace(res.ArtifactRef) == "" {
			return services.Wrap(services.ErrValidation, "assembly", "assemble",
				fmt.Sprintf("segment %d has no completed artifact", idx), nil)
		}
		refs = append(refs, res.ArtifactRef)
	}

	unit.Status = production.StatusAssembling
	unit.ErrorMessage = ""
	if err := o.engine.SaveUnit(ctx, unit); err != nil {
		return err
	}

	stageCtx, cancel := o.stageContext(ctx, o.cfg.Assembly.TimeoutSeconds)
	defer cancel()
	finalRef, asmErr := o.assembler.Assemble(stageCtx, refs)
	if asmErr != nil {
		unit.Status = production.StatusAllSegmentsReady
		unit.ErrorMessage = asmErr.Error()
		if saveErr := o.engine.SaveUnit(ctx, unit); saveErr != nil {
			return saveErr
		}
		return services.Wrap(services.ErrUpstream, "assembly", "assemble", "provider call failed", asmErr)
	}

	unit.Status = production.StatusCompleted
	unit.FinalArtifactRef = finalRef
	unit.ErrorMessage = ""
	if err := o.engine.SaveUnit(ctx, unit); err != nil {
		return err
	}
	logging.WithContext(ctx, o.logger).Info("unit completed",
		logging.String("final_artifact", finalRef))
	return nil
}

// CascadeRedo invalidates segments fromIndex onward (archiving their results
// first) and rewinds the unit so they can be regenerated.
func (o *Orchestrator) CascadeRedo(ctx context.Context, unitID string, fromIndex int, resetScript bool) (archive.Result, error) {
	var empty archive.Result
	if err := o.acquire(ctx, "cascade", unitID, OpCascadeRedo); err != nil {
		return empty, err
	}
	defer o.locks.Release(ctx, unitID)

	unit, err := o.engine.LoadUnit(ctx, unitID)
	if err != nil {
		return empty, err
	}

	result, err := o.archiver.CascadeRedo(ctx, unit, fromIndex, resetScript, "cascade_redo")
	if err != nil {
		return empty, err
	}
	o.engine.Propagate(ctx, unit)
	return result, nil
}

// RetryTask clears a terminal failure and rewinds the unit to the stage its
// persisted data supports.
func (o *Orchestrator) RetryTask(ctx context.Context, unitID string) error {
	if err := o.acquire(ctx, "pipeline", unitID, OpRetryTask); err != nil {
		return err
	}
	defer o.locks.Release(ctx, unitID)

	unit, err := o.engine.LoadUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.Status != production.StatusFailed && unit.Status != production.StatusInputMissing {
		return services.Wrap(services.ErrValidation, "pipeline", "retry_task",
			fmt.Sprintf("unit is not failed, is %s", unit.Status), nil)
	}
	if strings.TrimSpace(unit.OpeningImageRef) == "" {
		return services.Wrap(services.ErrValidation, "pipeline", "retry_task", "opening image still missing", nil)
	}

	if unit.HasScript() {
		unit.Status = production.Derive(unit.TotalSegments, unit.Results)
	} else {
		unit.Status = production.StatusPending
	}
	unit.CurrentSegment = -1
	unit.ErrorMessage = ""
	if err := o.engine.SaveUnit(ctx, unit); err != nil {
		return err
	}
	o.logger.Info("unit reset for retry",
		logging.String(logging.FieldUnitID, unit.ID),
		logging.String("status", string(unit.Status)))
	return nil
}

// SyncMirror re-queues the unit's current projection for mirror push.
func (o *Orchestrator) SyncMirror(ctx context.Context, unitID string) error {
	unit, err := o.engine.LoadUnit(ctx, unitID)
	if err != nil {
		return err
	}
	o.engine.Propagate(ctx, unit)
	return nil
}

// acquire takes the unit's lock before any state is read, so validation and
// mutation happen against the state no other process can change underneath.
func (o *Orchestrator) acquire(ctx context.Context, stage, unitID, operation string) error {
	ok, holder, err := o.locks.TryAcquire(ctx, unitID, operation, 0)
	if err != nil {
		return services.Wrap(services.ErrPersistence, stage, "lock", "acquire unit lock", err)
	}
	if !ok {
		return lockConflict(stage, unitID, holder)
	}
	return nil
}

func (o *Orchestrator) inputFrameFor(unit *production.Unit, index int) (string, error) {
	if index == 0 {
		if strings.TrimSpace(unit.OpeningImageRef) == "" {
			return "", services.Wrap(services.ErrValidation, "segment", "generate", "opening image missing", nil)
		}
		return unit.OpeningImageRef, nil
	}
	prev, ok := unit.ResultFor(index - 1)
	if !ok || prev.Status != production.SegmentCompleted || strings.TrimSpace(prev.LastFrameRef) == "" {
		return "", services.Wrap(services.ErrValidation, "segment", "generate",
			fmt.Sprintf("segment %d requires completed segment %d with a last frame", index, index-1), nil)
	}
	return prev.LastFrameRef, nil
}

func (o *Orchestrator) stageContext(ctx context.Context, timeoutSeconds int) (context.Context, context.CancelFunc) {
	if timeoutSeconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
}

func lockConflict(stage, unitID, holder string) error {
	message := "unit is locked"
	if holder != "" {
		message = fmt.Sprintf("unit is locked by %s", holder)
	}
	return services.Wrap(services.ErrConflict, stage, "lock", message, nil)
}
