// Package archive implements cascade-redo: invalidating a segment and
// everything chained after it. Every result cleared this way is first
// copied into the append-only archive table, in the same transaction, so a
// redo can never silently destroy work.
package archive
