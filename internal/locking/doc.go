// Package locking provides per-unit mutual exclusion for pipeline
// operations. Locks live in the authoritative SQLite store so every
// process mutating a unit (CLI invocations and the daemon alike) contends
// on the same table; the manager wraps that table with TTL policy and
// remembers which locks this process holds.
package locking
