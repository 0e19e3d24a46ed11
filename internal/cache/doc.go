// Package cache maintains the fast read layer of the consistency engine: a
// JSON file of per-unit snapshots, refreshed after every authoritative
// write. Reads served from here may be stale; callers that need the truth
// go to the store.
package cache
