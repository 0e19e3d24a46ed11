package production

// Derive computes the resting status of a unit from its segment results. It
// is invoked after every SegmentResult write: when every segment is
// completed the unit is ready for assembly, otherwise it idles waiting for
// the next explicit trigger. Transient and terminal markers are applied by
// the operation itself, never derived.
func Derive(totalSegments int, results map[int]SegmentResult) Status {
	if totalSegments <= 0 {
		return StatusScriptReady
	}
	completed := 0
	for idx, res := range results {
		if idx < 0 || idx >= totalSegments {
			continue
		}
		if res.Status == SegmentCompleted {
			completed++
		}
	}
	if completed == totalSegments {
		return StatusAllSegmentsReady
	}
	return StatusScriptReady
}

// NextReadyIndex returns the first non-completed segment index. Walking in
// order guarantees its predecessor is completed, which is exactly the frame
// chaining requirement. The second return is false when every segment is
// already completed.
func NextReadyIndex(u *Unit) (int, bool) {
	for idx := 0; idx < u.TotalSegments; idx++ {
		if res, ok := u.ResultFor(idx); ok && res.Status == SegmentCompleted {
			continue
		}
		return idx, true
	}
	return -1, false
}
