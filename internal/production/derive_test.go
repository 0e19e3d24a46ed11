package production_test

import (
	"testing"

	"frameloom/internal/production"
)

func TestDeriveAllCompleted(t *testing.T) {
	results := map[int]production.SegmentResult{
		0: {Index: 0, Status: production.SegmentCompleted},
		1: {Index: 1, Status: production.SegmentCompleted},
		2: {Index: 2, Status: production.SegmentCompleted},
	}
	if got := production.Derive(3, results); got != production.StatusAllSegmentsReady {
		t.Fatalf("expected all_segments_ready, got %s", got)
	}
}

func TestDerivePartialCompletion(t *testing.T) {
	cases := []struct {
		name    string
		results map[int]production.SegmentResult
	}{
		{"no results", map[int]production.SegmentResult{}},
		{"one pending", map[int]production.SegmentResult{
			0: {Index: 0, Status: production.SegmentCompleted},
			1: {Index: 1, Status: production.SegmentPending},
		}},
		{"one failed", map[int]production.SegmentResult{
			0: {Index: 0, Status: production.SegmentCompleted},
			1: {Index: 1, Status: production.SegmentFailed},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := production.Derive(2, tc.results); got != production.StatusScriptReady {
				t.Fatalf("expected script_ready, got %s", got)
			}
		})
	}
}

func TestNextReadyIndexWalksChain(t *testing.T) {
	unit := &production.Unit{
		TotalSegments: 3,
		Results: map[int]production.SegmentResult{
			0: {Index: 0, Status: production.SegmentCompleted, LastFrameRef: "frame-0"},
		},
	}
	idx, ok := production.NextReadyIndex(unit)
	if !ok || idx != 1 {
		t.Fatalf("expected next index 1, got %d (ok=%v)", idx, ok)
	}
}

func TestNextReadyIndexAllCompleted(t *testing.T) {
	unit := &production.Unit{
		TotalSegments: 2,
		Results: map[int]production.SegmentResult{
			0: {Index: 0, Status: production.SegmentCompleted},
			1: {Index: 1, Status: production.SegmentCompleted},
		},
	}
	if _, ok := production.NextReadyIndex(unit); ok {
		t.Fatal("expected no ready index when all segments are completed")
	}
}

func TestIsTransientCoversEveryStatus(t *testing.T) {
	transient := map[production.Status]bool{
		production.StatusScriptGenerating:  true,
		production.StatusGeneratingSegment: true,
		production.StatusAssembling:        true,
	}
	for _, status := range production.AllStatuses() {
		if got := production.IsTransient(status); got != transient[status] {
			t.Fatalf("IsTransient(%s) = %v, want %v", status, got, transient[status])
		}
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := production.ParseStatus(" Script_Ready "); !ok || status != production.StatusScriptReady {
		t.Fatalf("unexpected parse result: %s, %v", status, ok)
	}
	if _, ok := production.ParseStatus("bogus"); ok {
		t.Fatal("expected unknown status to fail parsing")
	}
}
