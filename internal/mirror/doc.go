// Package mirror pushes unit projections to the external index table that
// downstream reporting reads. The mirror is best-effort: writes that fail
// here are queued by the consistency engine and retried by the outbox
// worker, never blocking the authoritative write path.
package mirror
