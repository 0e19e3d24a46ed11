package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers classifying every failure the core can surface. Stage code
// wraps errors with exactly one marker so batch results and status rollback
// can switch on errors.Is without string matching.
var (
	// ErrConflict reports a busy per-unit lock. Non-fatal, caller may retry later.
	ErrConflict = errors.New("conflict")
	// ErrValidation reports a missing prerequisite (no predecessor frame, no
	// opening image). Terminal for the unit until remediated.
	ErrValidation = errors.New("validation error")
	// ErrUpstream reports an external provider failure or timeout. Retryable;
	// the unit reverts to its last ready state.
	ErrUpstream = errors.New("upstream error")
	// ErrPersistence reports an authoritative store write failure. Fatal for
	// the triggering operation; no dependent writes may follow.
	ErrPersistence = errors.New("persistence error")
	// ErrNotFound reports a missing unit or record.
	ErrNotFound = errors.New("not found")
	// ErrConfiguration reports unusable runtime configuration.
	ErrConfiguration = errors.New("configuration error")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrUpstream
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind names the taxonomy bucket an error belongs to, for batch reporting.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "upstream"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
