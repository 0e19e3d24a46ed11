package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"frameloom/internal/archive"
	"frameloom/internal/cache"
	"frameloom/internal/consistency"
	"frameloom/internal/locking"
	"frameloom/internal/pipeline"
	"frameloom/internal/production"
	"frameloom/internal/services"
	"frameloom/internal/services/videogen"
	"frameloom/internal/testsupport"
)

type fakeScripts struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeScripts) GenerateScript(_ context.Context, openingImageRef string, segmentCount int) ([]production.SegmentSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	specs := make([]production.SegmentSpec, 0, segmentCount)
	for idx := 0; idx < segmentCount; idx++ {
		specs = append(specs, production.SegmentSpec{
			Index:           idx,
			Summary:         fmt.Sprintf("beat %d of %s", idx, openingImageRef),
			VideoPrompt:     fmt.Sprintf("prompt %d", idx),
			DurationSeconds: 5,
		})
	}
	return specs, nil
}

// fakeVideo derives the artifact and last frame from the input frame so
// tests can verify the frame chain end to end. failOnFrame makes the call
// for that specific input frame fail; delay holds each call open so batch
// tests can observe how many run at once.
type fakeVideo struct {
	mu          sync.Mutex
	requests    []videogen.Request
	failOnFrame string
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func (f *fakeVideo) GenerateSegment(_ context.Context, req videogen.Request) (videogen.Result, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.requests = append(f.requests, req)
	fail := f.failOnFrame != "" && req.FirstFrameRef == f.failOnFrame
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if fail {
		return videogen.Result{}, errors.New("render farm unavailable")
	}
	return videogen.Result{
		ArtifactRef:   "vid://from-" + req.FirstFrameRef,
		FirstFrameRef: req.FirstFrameRef,
		LastFrameRef:  "img://last-of-" + req.FirstFrameRef,
	}, nil
}

func (f *fakeVideo) seen() []videogen.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]videogen.Request(nil), f.requests...)
}

type fakeAssembler struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (f *fakeAssembler) Assemble(_ context.Context, artifactRefs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append([]string(nil), artifactRefs...)
	if f.err != nil {
		return "", f.err
	}
	return "vid://final", nil
}

type fixture struct {
	orc     *pipeline.Orchestrator
	store   *production.Store
	locks   *locking.Manager
	scripts *fakeScripts
	video   *fakeVideo
	asm     *fakeAssembler
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	snapshots := cache.New(filepath.Join(cfg.Paths.CacheDir, "units.json"), nil)
	engine := consistency.NewEngine(store, snapshots, false, nil)
	locks := locking.NewManager(store, time.Minute, nil)

	f := &fixture{
		store:   store,
		locks:   locks,
		scripts: &fakeScripts{},
		video:   &fakeVideo{},
		asm:     &fakeAssembler{},
	}
	f.orc = pipeline.New(cfg, engine, locks, archive.NewManager(store, nil), f.scripts, f.video, f.asm, nil)
	return f
}

func (f *fixture) mustGet(t *testing.T, unitID string) *production.Unit {
	t.Helper()
	unit, err := f.store.GetUnit(context.Background(), unitID)
	if err != nil || unit == nil {
		t.Fatalf("GetUnit(%s): %v, %#v", unitID, err, unit)
	}
	return unit
}

func TestCreateUnitRejectsDuplicateExternalRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orc.CreateUnit(ctx, "img://opening", "ext-1", 2); err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	_, err := f.orc.CreateUnit(ctx, "img://other", "ext-1", 2)
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict for duplicate external ref, got %v", err)
	}
	if _, err := f.orc.CreateUnit(ctx, "  ", "", 2); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for blank opening image, got %v", err)
	}
}

func TestGenerateScriptProducesSpecs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 3)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	if err := f.orc.GenerateScript(ctx, unit.ID); err != nil {
		t.Fatalf("GenerateScript failed: %v", err)
	}

	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusScriptReady {
		t.Fatalf("expected script_ready, got %s", fetched.Status)
	}
	if len(fetched.Specs) != 3 {
		t.Fatalf("expected 3 specs, got %d", len(fetched.Specs))
	}
}

func TestGenerateScriptMarksMissingInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.store.CreateUnit(ctx, "", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	err = f.orc.GenerateScript(ctx, unit.ID)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.mustGet(t, unit.ID).Status != production.StatusInputMissing {
		t.Fatal("expected unit flagged input_missing")
	}
	if f.scripts.calls != 0 {
		t.Fatal("provider must not be called without an opening image")
	}
}

func TestGenerateScriptProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	f.scripts.err = errors.New("model overloaded")

	err = f.orc.GenerateScript(ctx, unit.ID)
	if !errors.Is(err, services.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusFailed {
		t.Fatalf("expected failed, got %s", fetched.Status)
	}
	if !strings.Contains(fetched.ErrorMessage, "model overloaded") {
		t.Fatalf("expected provider message recorded, got %q", fetched.ErrorMessage)
	}
}

func TestGenerateScriptRegenerationFailureKeepsOldScript(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)
	f.scripts.err = errors.New("model overloaded")

	if err := f.orc.GenerateScript(ctx, unit.ID); !errors.Is(err, services.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusScriptReady {
		t.Fatalf("old script must stay usable, got %s", fetched.Status)
	}
	if len(fetched.Specs) != 2 {
		t.Fatalf("old specs must survive, got %d", len(fetched.Specs))
	}
}

func TestGenerateScriptRejectedWithCompletedSegments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)
	if err := f.orc.GenerateSegment(ctx, unit.ID, 0); err != nil {
		t.Fatalf("GenerateSegment failed: %v", err)
	}

	err = f.orc.GenerateScript(ctx, unit.ID)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "cascade") {
		t.Fatalf("error should point at the cascade, got %v", err)
	}
}

func TestGenerateSegmentChainsFrames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)

	if err := f.orc.GenerateSegment(ctx, unit.ID, 0); err != nil {
		t.Fatalf("segment 0 failed: %v", err)
	}
	if err := f.orc.GenerateSegment(ctx, unit.ID, 1); err != nil {
		t.Fatalf("segment 1 failed: %v", err)
	}

	requests := f.video.seen()
	if len(requests) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(requests))
	}
	if requests[0].FirstFrameRef != "img://opening" {
		t.Fatalf("segment 0 must start from the opening image, got %q", requests[0].FirstFrameRef)
	}
	if requests[1].FirstFrameRef != "img://last-of-img://opening" {
		t.Fatalf("segment 1 must start from segment 0's last frame, got %q", requests[1].FirstFrameRef)
	}

	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusAllSegmentsReady {
		t.Fatalf("expected all_segments_ready, got %s", fetched.Status)
	}
	res, _ := fetched.ResultFor(1)
	if res.FirstFrameRef != "img://last-of-img://opening" {
		t.Fatalf("persisted result must record the input frame, got %q", res.FirstFrameRef)
	}
}

func TestGenerateSegmentRejectsBrokenChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)

	err = f.orc.GenerateSegment(ctx, unit.ID, 1)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for segment 1 before 0, got %v", err)
	}
	if len(f.video.seen()) != 0 {
		t.Fatal("provider must not run with an unsatisfied dependency")
	}
}

func TestGenerateSegmentAutoSelectsNextReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)

	if err := f.orc.GenerateSegment(ctx, unit.ID, -1); err != nil {
		t.Fatalf("first auto segment failed: %v", err)
	}
	if err := f.orc.GenerateSegment(ctx, unit.ID, -1); err != nil {
		t.Fatalf("second auto segment failed: %v", err)
	}
	if err := f.orc.GenerateSegment(ctx, unit.ID, -1); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error once all segments exist, got %v", err)
	}
	if f.mustGet(t, unit.ID).Status != production.StatusAllSegmentsReady {
		t.Fatal("expected all_segments_ready after the auto walk")
	}
}

func TestGenerateSegmentProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)
	f.video.failOnFrame = "img://opening"

	err = f.orc.GenerateSegment(ctx, unit.ID, 0)
	if !errors.Is(err, services.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusScriptReady {
		t.Fatalf("unit must fall back to script_ready, got %s", fetched.Status)
	}
	if !strings.Contains(fetched.ErrorMessage, "segment 0") {
		t.Fatalf("expected segment error recorded, got %q", fetched.ErrorMessage)
	}
	res, _ := fetched.ResultFor(0)
	if res.Status != production.SegmentFailed {
		t.Fatalf("expected failed segment result, got %s", res.Status)
	}
}

func TestGenerateSegmentRejectsCompletedSegment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)
	if err := f.orc.GenerateSegment(ctx, unit.ID, 0); err != nil {
		t.Fatalf("GenerateSegment failed: %v", err)
	}

	err = f.orc.GenerateSegment(ctx, unit.ID, 0)
	if !errors.Is(err, services.ErrValidation) || !strings.Contains(err.Error(), "cascade") {
		t.Fatalf("completed segment must be redone via cascade, got %v", err)
	}
}

func TestGenerateSegmentLockConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)

	if ok, _, _ := f.locks.TryAcquire(ctx, unit.ID, "manual", 0); !ok {
		t.Fatal("setup: could not take the lock")
	}
	defer f.locks.Release(ctx, unit.ID)

	err = f.orc.GenerateSegment(ctx, unit.ID, 0)
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict while locked, got %v", err)
	}
	if services.Kind(err) != "conflict" {
		t.Fatalf("expected conflict kind, got %q", services.Kind(err))
	}
	if len(f.video.seen()) != 0 {
		t.Fatal("provider must not run while the unit is locked")
	}
}

func TestGenerateScriptConflictLeavesUnitUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A unit with no opening image would normally be flagged input_missing,
	// but a locked unit must not be written to at all.
	unit, err := f.store.CreateUnit(ctx, "", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	other := locking.NewManager(f.store, time.Minute, nil)
	if ok, _, _ := other.TryAcquire(ctx, unit.ID, "generate_segment", 0); !ok {
		t.Fatal("setup: could not take the lock")
	}
	defer other.Release(ctx, unit.ID)

	err = f.orc.GenerateScript(ctx, unit.ID)
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict while locked, got %v", err)
	}
	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusPending {
		t.Fatalf("locked unit must stay pending, got %s", fetched.Status)
	}
	if fetched.ErrorMessage != "" {
		t.Fatalf("locked unit must not record an error, got %q", fetched.ErrorMessage)
	}
}

func TestCascadeRedoLockConflictArchivesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)
	for idx := 0; idx < 2; idx++ {
		if err := f.orc.GenerateSegment(ctx, unit.ID, idx); err != nil {
			t.Fatalf("segment %d failed: %v", idx, err)
		}
	}

	// Another process is mid-generation on the same unit.
	other := locking.NewManager(f.store, time.Minute, nil)
	if ok, _, _ := other.TryAcquire(ctx, unit.ID, "generate_segment", 0); !ok {
		t.Fatal("setup: could not take the lock")
	}
	defer other.Release(ctx, unit.ID)

	_, err = f.orc.CascadeRedo(ctx, unit.ID, 0, false)
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict while locked, got %v", err)
	}

	entries, err := f.store.ListArchiveEntries(ctx, unit.ID, -1)
	if err != nil {
		t.Fatalf("ListArchiveEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("refused cascade must archive nothing, got %d entries", len(entries))
	}
	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusAllSegmentsReady {
		t.Fatalf("refused cascade must leave the unit untouched, got %s", fetched.Status)
	}
	if res, ok := fetched.ResultFor(0); !ok || res.Status != production.SegmentCompleted {
		t.Fatal("refused cascade must leave segment results intact")
	}
}

func TestAssembleCompletesUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)
	for idx := 0; idx < 2; idx++ {
		if err := f.orc.GenerateSegment(ctx, unit.ID, idx); err != nil {
			t.Fatalf("segment %d failed: %v", idx, err)
		}
	}

	if err := f.orc.Assemble(ctx, unit.ID); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusCompleted {
		t.Fatalf("expected completed, got %s", fetched.Status)
	}
	if fetched.FinalArtifactRef != "vid://final" {
		t.Fatalf("expected final artifact recorded, got %q", fetched.FinalArtifactRef)
	}
	if len(f.asm.refs) != 2 || f.asm.refs[0] != "vid://from-img://opening" {
		t.Fatalf("assembler must receive segment artifacts in order, got %v", f.asm.refs)
	}
}

func TestAssembleFailureRewindsToReady(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)
	for idx := 0; idx < 2; idx++ {
		if err := f.orc.GenerateSegment(ctx, unit.ID, idx); err != nil {
			t.Fatalf("segment %d failed: %v", idx, err)
		}
	}
	f.asm.err = errors.New("codec mismatch")

	if err := f.orc.Assemble(ctx, unit.ID); !errors.Is(err, services.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusAllSegmentsReady {
		t.Fatalf("unit must stay assemblable, got %s", fetched.Status)
	}
	if !strings.Contains(fetched.ErrorMessage, "codec mismatch") {
		t.Fatalf("expected assembler error recorded, got %q", fetched.ErrorMessage)
	}
}

func TestAssembleRequiresAllSegments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	if err := f.orc.Assemble(ctx, unit.ID); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error before segments exist, got %v", err)
	}
}

func TestCascadeRedoInvalidatesDownstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 3)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	testsupport.SeedScript(t, f.store, unit)
	for idx := 0; idx < 3; idx++ {
		if err := f.orc.GenerateSegment(ctx, unit.ID, idx); err != nil {
			t.Fatalf("segment %d failed: %v", idx, err)
		}
	}

	result, err := f.orc.CascadeRedo(ctx, unit.ID, 1, false)
	if err != nil {
		t.Fatalf("CascadeRedo failed: %v", err)
	}
	if len(result.ClearedIndices) != 2 {
		t.Fatalf("expected segments 1 and 2 cleared, got %v", result.ClearedIndices)
	}

	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusScriptReady {
		t.Fatalf("expected script_ready after cascade, got %s", fetched.Status)
	}
	// Regeneration resumes from the surviving chain.
	if err := f.orc.GenerateSegment(ctx, unit.ID, -1); err != nil {
		t.Fatalf("regeneration after cascade failed: %v", err)
	}
	requests := f.video.seen()
	last := requests[len(requests)-1]
	if last.FirstFrameRef != "img://last-of-img://opening" {
		t.Fatalf("regenerated segment 1 must chain from segment 0, got %q", last.FirstFrameRef)
	}
}

func TestRetryTaskRewindsFailedUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	f.scripts.err = errors.New("model overloaded")
	if err := f.orc.GenerateScript(ctx, unit.ID); err == nil {
		t.Fatal("setup: expected script failure")
	}

	if err := f.orc.RetryTask(ctx, unit.ID); err != nil {
		t.Fatalf("RetryTask failed: %v", err)
	}
	fetched := f.mustGet(t, unit.ID)
	if fetched.Status != production.StatusPending {
		t.Fatalf("expected pending after retry without a script, got %s", fetched.Status)
	}
	if fetched.ErrorMessage != "" {
		t.Fatalf("expected error cleared, got %q", fetched.ErrorMessage)
	}

	if err := f.orc.RetryTask(ctx, unit.ID); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("retry of a non-failed unit must be rejected, got %v", err)
	}
}

func TestRetryTaskLockConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.orc.CreateUnit(ctx, "img://opening", "", 2)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	f.scripts.err = errors.New("model overloaded")
	if err := f.orc.GenerateScript(ctx, unit.ID); err == nil {
		t.Fatal("setup: expected script failure")
	}

	other := locking.NewManager(f.store, time.Minute, nil)
	if ok, _, _ := other.TryAcquire(ctx, unit.ID, "generate_segment", 0); !ok {
		t.Fatal("setup: could not take the lock")
	}
	defer other.Release(ctx, unit.ID)

	if err := f.orc.RetryTask(ctx, unit.ID); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("expected conflict while locked, got %v", err)
	}
	if f.mustGet(t, unit.ID).Status != production.StatusFailed {
		t.Fatal("refused retry must leave the unit failed")
	}
}
