package testsupport

import (
	"context"
	"testing"

	"frameloom/internal/config"
	"frameloom/internal/production"
)

// MustOpenStore opens a production.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *production.Store {
	t.Helper()

	store, err := production.Open(cfg)
	if err != nil {
		t.Fatalf("production.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewUnit creates a production unit for tests using the provided store.
func NewUnit(t testing.TB, store *production.Store, openingImageRef string, totalSegments int) *production.Unit {
	t.Helper()

	unit, err := store.CreateUnit(context.Background(), openingImageRef, "", totalSegments)
	if err != nil {
		t.Fatalf("store.CreateUnit: %v", err)
	}
	return unit
}

// SeedScript attaches generated-looking segment specs to the unit and moves
// it to the script-ready state.
func SeedScript(t testing.TB, store *production.Store, unit *production.Unit) {
	t.Helper()

	specs := make([]production.SegmentSpec, 0, unit.TotalSegments)
	for idx := 0; idx < unit.TotalSegments; idx++ {
		specs = append(specs, production.SegmentSpec{
			Index:           idx,
			Summary:         "summary",
			VideoPrompt:     "prompt",
			DurationSeconds: 5,
		})
	}
	if err := store.ReplaceSegmentSpecs(context.Background(), unit.ID, specs); err != nil {
		t.Fatalf("store.ReplaceSegmentSpecs: %v", err)
	}
	unit.Specs = specs
	unit.Status = production.StatusScriptReady
	if err := store.UpdateUnit(context.Background(), unit); err != nil {
		t.Fatalf("store.UpdateUnit: %v", err)
	}
}
