package production_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"frameloom/internal/production"
	"frameloom/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	unit, err := store.CreateUnit(ctx, "img://opening", "ext-1", 3)
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	if unit.ID == "" {
		t.Fatal("expected unit ID to be assigned")
	}
	if unit.Status != production.StatusPending {
		t.Fatalf("expected pending status, got %s", unit.Status)
	}

	fetched, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if fetched == nil || fetched.OpeningImageRef != "img://opening" {
		t.Fatalf("unexpected fetched unit: %#v", fetched)
	}

	found, err := store.FindByExternalRef(ctx, "ext-1")
	if err != nil {
		t.Fatalf("FindByExternalRef failed: %v", err)
	}
	if found == nil || found.ID != unit.ID {
		t.Fatalf("expected to find inserted unit, got %#v", found)
	}
}

func TestGetUnitMissingReturnsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	unit, err := store.GetUnit(context.Background(), "no-such-unit")
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if unit != nil {
		t.Fatalf("expected nil for missing unit, got %#v", unit)
	}
}

func TestReplaceSegmentSpecsRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	unit := testsupport.NewUnit(t, store, "img://opening", 2)

	specs := []production.SegmentSpec{
		{Index: 0, Summary: "dawn", VideoPrompt: "sunrise over water", DurationSeconds: 5},
		{Index: 1, Summary: "dusk", VideoPrompt: "sunset over water", DurationSeconds: 5},
	}
	if err := store.ReplaceSegmentSpecs(ctx, unit.ID, specs); err != nil {
		t.Fatalf("ReplaceSegmentSpecs failed: %v", err)
	}

	fetched, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if len(fetched.Specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(fetched.Specs))
	}
	if fetched.Specs[1].VideoPrompt != "sunset over water" {
		t.Fatalf("unexpected spec: %#v", fetched.Specs[1])
	}

	// Replacement drops the old rows entirely.
	if err := store.ReplaceSegmentSpecs(ctx, unit.ID, specs[:1]); err != nil {
		t.Fatalf("second ReplaceSegmentSpecs failed: %v", err)
	}
	fetched, err = store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if len(fetched.Specs) != 1 {
		t.Fatalf("expected 1 spec after replacement, got %d", len(fetched.Specs))
	}
}

func TestUpsertSegmentResult(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	unit := testsupport.NewUnit(t, store, "img://opening", 2)

	res := production.SegmentResult{
		Index:     0,
		Status:    production.SegmentGenerating,
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.UpsertSegmentResult(ctx, unit.ID, res); err != nil {
		t.Fatalf("UpsertSegmentResult failed: %v", err)
	}

	res.Status = production.SegmentCompleted
	res.ArtifactRef = "vid://segment-0"
	res.LastFrameRef = "img://frame-0"
	if err := store.UpsertSegmentResult(ctx, unit.ID, res); err != nil {
		t.Fatalf("second UpsertSegmentResult failed: %v", err)
	}

	fetched, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	got, ok := fetched.ResultFor(0)
	if !ok || got.Status != production.SegmentCompleted || got.LastFrameRef != "img://frame-0" {
		t.Fatalf("unexpected result: %#v", got)
	}
	if len(fetched.Results) != 1 {
		t.Fatalf("expected upsert to keep a single row, got %d", len(fetched.Results))
	}
}

func TestListUnitsFiltersByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	first := testsupport.NewUnit(t, store, "img://a", 1)
	second := testsupport.NewUnit(t, store, "img://b", 1)

	second.Status = production.StatusCompleted
	if err := store.UpdateUnit(ctx, second); err != nil {
		t.Fatalf("UpdateUnit failed: %v", err)
	}

	pending, err := store.ListUnits(ctx, production.StatusPending)
	if err != nil {
		t.Fatalf("ListUnits failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Fatalf("unexpected pending units: %#v", pending)
	}

	all, err := store.ListUnits(ctx)
	if err != nil {
		t.Fatalf("ListUnits failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 units, got %d", len(all))
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	unit := testsupport.NewUnit(t, store, "img://opening", 2)
	if err := store.UpsertSegmentResult(ctx, unit.ID, production.SegmentResult{
		Index:        0,
		Status:       production.SegmentCompleted,
		ArtifactRef:  "vid://segment-0",
		LastFrameRef: "img://frame-0",
		UpdatedAt:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("UpsertSegmentResult failed: %v", err)
	}

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ops production.TxOps) error {
		if err := ops.AppendArchiveEntry(ctx, production.ArchiveEntry{
			UnitID:       unit.ID,
			SegmentIndex: 0,
			ResultStatus: production.SegmentCompleted,
			ArtifactRef:  "vid://segment-0",
			Reason:       "test",
		}); err != nil {
			return err
		}
		if err := ops.ResetSegmentResult(ctx, unit.ID, 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	// Neither the archive append nor the reset may survive the rollback.
	entries, err := store.ListArchiveEntries(ctx, unit.ID, -1)
	if err != nil {
		t.Fatalf("ListArchiveEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no archive entries after rollback, got %d", len(entries))
	}
	fetched, err := store.GetUnit(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	res, ok := fetched.ResultFor(0)
	if !ok || res.Status != production.SegmentCompleted || res.ArtifactRef != "vid://segment-0" {
		t.Fatalf("expected result to survive rollback, got %#v", res)
	}
}

func TestListArchiveEntriesNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	unit := testsupport.NewUnit(t, store, "img://opening", 1)

	for i := 0; i < 3; i++ {
		err := store.InTx(ctx, func(ops production.TxOps) error {
			return ops.AppendArchiveEntry(ctx, production.ArchiveEntry{
				UnitID:       unit.ID,
				SegmentIndex: 0,
				ResultStatus: production.SegmentCompleted,
				ArtifactRef:  "vid://take",
				Reason:       "test",
			})
		})
		if err != nil {
			t.Fatalf("archive append %d failed: %v", i, err)
		}
	}

	entries, err := store.ListArchiveEntries(ctx, unit.ID, 0)
	if err != nil {
		t.Fatalf("ListArchiveEntries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].ID < entries[1].ID || entries[1].ID < entries[2].ID {
		t.Fatalf("expected newest first ordering: %v, %v, %v", entries[0].ID, entries[1].ID, entries[2].ID)
	}
}

func TestOutboxSupersedesPendingEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	unit := testsupport.NewUnit(t, store, "img://opening", 1)

	if err := store.EnqueueOutbox(ctx, unit.ID, "ext-1", `{"status":"pending"}`); err != nil {
		t.Fatalf("first EnqueueOutbox failed: %v", err)
	}
	if err := store.EnqueueOutbox(ctx, unit.ID, "ext-1", `{"status":"script_ready"}`); err != nil {
		t.Fatalf("second EnqueueOutbox failed: %v", err)
	}

	depth, err := store.OutboxDepth(ctx)
	if err != nil {
		t.Fatalf("OutboxDepth failed: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected later enqueue to supersede, depth = %d", depth)
	}

	entry, err := store.NextDueOutbox(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("NextDueOutbox failed: %v", err)
	}
	if entry == nil || entry.Payload != `{"status":"script_ready"}` {
		t.Fatalf("unexpected due entry: %#v", entry)
	}
}

func TestOutboxRescheduleDelaysEntry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	unit := testsupport.NewUnit(t, store, "img://opening", 1)
	if err := store.EnqueueOutbox(ctx, unit.ID, "ext-1", "{}"); err != nil {
		t.Fatalf("EnqueueOutbox failed: %v", err)
	}

	entry, err := store.NextDueOutbox(ctx, time.Now().Add(time.Second))
	if err != nil || entry == nil {
		t.Fatalf("NextDueOutbox failed: %v, %#v", err, entry)
	}

	future := time.Now().Add(time.Hour)
	if err := store.RescheduleOutbox(ctx, entry.ID, 1, future, "mirror unavailable"); err != nil {
		t.Fatalf("RescheduleOutbox failed: %v", err)
	}

	due, err := store.NextDueOutbox(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("NextDueOutbox failed: %v", err)
	}
	if due != nil {
		t.Fatalf("expected no due entry after reschedule, got %#v", due)
	}

	later, err := store.NextDueOutbox(ctx, future.Add(time.Second))
	if err != nil {
		t.Fatalf("NextDueOutbox failed: %v", err)
	}
	if later == nil || later.Attempts != 1 || later.LastError != "mirror unavailable" {
		t.Fatalf("unexpected rescheduled entry: %#v", later)
	}
}
