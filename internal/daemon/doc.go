// Package daemon runs the background services: the outbox worker, the
// reconcile sweep, and the lock janitor. A file lock enforces a single
// instance per data directory.
package daemon
