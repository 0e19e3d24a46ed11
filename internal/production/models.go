package production

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a production unit.
type Status string

const (
	StatusPending           Status = "pending"
	StatusScriptGenerating  Status = "script_generating"
	StatusScriptReady       Status = "script_ready"
	StatusGeneratingSegment Status = "generating_segment"
	StatusAllSegmentsReady  Status = "all_segments_ready"
	StatusAssembling        Status = "assembling"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusInputMissing      Status = "input_missing"
)

var allStatuses = []Status{
	StatusPending,
	StatusScriptGenerating,
	StatusScriptReady,
	StatusGeneratingSegment,
	StatusAllSegmentsReady,
	StatusAssembling,
	StatusCompleted,
	StatusFailed,
	StatusInputMissing,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// IsTransient reports whether a status marks an in-flight operation. A
// transient status must be cleared by the same operation that set it, on
// every exit path.
func IsTransient(status Status) bool {
	switch status {
	case StatusScriptGenerating, StatusGeneratingSegment, StatusAssembling:
		return true
	case StatusPending, StatusScriptReady, StatusAllSegmentsReady,
		StatusCompleted, StatusFailed, StatusInputMissing:
		return false
	default:
		return false
	}
}

// IsTerminal reports whether a status requires an explicit external action
// (retry, remediation) before the unit can progress again.
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusInputMissing:
		return true
	default:
		return false
	}
}

// SegmentStatus represents the lifecycle of a single segment result.
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentGenerating SegmentStatus = "generating"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// SegmentSpec describes the desired content of one segment, produced by the
// script stage.
type SegmentSpec struct {
	Index           int
	Summary         string
	VideoPrompt     string
	DurationSeconds int
}

// SegmentResult captures the generated artifact for one segment. LastFrameRef
// must be set whenever Status is SegmentCompleted: it is the required input
// frame for the next segment.
type SegmentResult struct {
	Index         int
	Status        SegmentStatus
	ArtifactRef   string
	FirstFrameRef string
	LastFrameRef  string
	ErrorMessage  string
	UpdatedAt     time.Time
}

// ArchiveEntry is an append-only snapshot of a SegmentResult taken before it
// is overwritten or cleared. Entries are never mutated or deleted.
type ArchiveEntry struct {
	ID            int64
	UnitID        string
	SegmentIndex  int
	ResultStatus  SegmentStatus
	ArtifactRef   string
	FirstFrameRef string
	LastFrameRef  string
	Reason        string
	ArchivedAt    time.Time
}

// Unit is one image-to-video production job.
type Unit struct {
	ID              string
	ExternalRef     string
	OpeningImageRef string
	TotalSegments   int
	Status          Status
	// CurrentSegment is only meaningful while Status is
	// StatusGeneratingSegment; -1 otherwise.
	CurrentSegment   int
	FinalArtifactRef string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Specs   []SegmentSpec
	Results map[int]SegmentResult
}

// ResultFor returns the segment result at idx, if any.
func (u *Unit) ResultFor(idx int) (SegmentResult, bool) {
	if u.Results == nil {
		return SegmentResult{}, false
	}
	res, ok := u.Results[idx]
	return res, ok
}

// SpecFor returns the segment spec at idx, if any.
func (u *Unit) SpecFor(idx int) (SegmentSpec, bool) {
	for _, spec := range u.Specs {
		if spec.Index == idx {
			return spec, true
		}
	}
	return SegmentSpec{}, false
}

// CompletedSegments counts results in the completed state.
func (u *Unit) CompletedSegments() int {
	count := 0
	for _, res := range u.Results {
		if res.Status == SegmentCompleted {
			count++
		}
	}
	return count
}

// HasScript reports whether the script stage has populated segment specs.
func (u *Unit) HasScript() bool {
	return len(u.Specs) > 0
}

// SetFailed marks the unit failed with a human-readable message and clears
// any transient segment marker.
func (u *Unit) SetFailed(message string) {
	u.Status = StatusFailed
	u.ErrorMessage = message
	u.CurrentSegment = -1
}
