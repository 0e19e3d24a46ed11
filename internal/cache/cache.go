package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"frameloom/internal/logging"
	"frameloom/internal/production"
)

// Snapshot is the cached projection of one production unit. It carries what
// status queries need and nothing more; segment specs and full result rows
// stay in the store.
type Snapshot struct {
	UnitID            string            `json:"unit_id"`
	ExternalRef       string            `json:"external_ref,omitempty"`
	Status            production.Status `json:"status"`
	CurrentSegment    int               `json:"current_segment"`
	CompletedSegments int               `json:"completed_segments"`
	TotalSegments     int               `json:"total_segments"`
	FinalArtifactRef  string            `json:"final_artifact_ref,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
	CachedAt          time.Time         `json:"cached_at"`
}

// SnapshotOf projects a unit into its cacheable form.
func SnapshotOf(unit *production.Unit) Snapshot {
	return Snapshot{
		UnitID:            unit.ID,
		ExternalRef:       unit.ExternalRef,
		Status:            unit.Status,
		CurrentSegment:    unit.CurrentSegment,
		CompletedSegments: unit.CompletedSegments(),
		TotalSegments:     unit.TotalSegments,
		FinalArtifactRef:  unit.FinalArtifactRef,
		ErrorMessage:      unit.ErrorMessage,
		UpdatedAt:         unit.UpdatedAt,
		CachedAt:          time.Now().UTC(),
	}
}

// Cache provides thread-safe access to the unit snapshot file.
type Cache struct {
	path      string
	logger    *slog.Logger
	mu        sync.RWMutex
	snapshots map[string]Snapshot // keyed by unit ID
}

// New creates a snapshot cache backed by the given file. If path is empty,
// every operation is a no-op and all reads miss. The file is created lazily
// on first Put.
func New(path string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "cache")

	c := &Cache{
		path:      path,
		logger:    logger,
		snapshots: make(map[string]Snapshot),
	}

	if path == "" {
		return c
	}

	if err := c.load(); err != nil {
		logger.Warn("failed to load snapshot cache",
			logging.String(logging.FieldEventType, "cache_load_failed"),
			logging.Error(err))
	}

	return c
}

// Lookup returns the cached snapshot for the given unit if present.
func (c *Cache) Lookup(unitID string) (Snapshot, bool) {
	unitID = strings.TrimSpace(unitID)
	if unitID == "" || c.path == "" {
		return Snapshot{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, found := c.snapshots[unitID]
	return snap, found
}

// Put stores a snapshot and persists the cache file.
func (c *Cache) Put(snap Snapshot) error {
	snap.UnitID = strings.TrimSpace(snap.UnitID)
	if snap.UnitID == "" {
		return errors.New("unit ID cannot be empty")
	}
	if c.path == "" {
		return nil
	}
	if snap.CachedAt.IsZero() {
		snap.CachedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots[snap.UnitID] = snap

	if err := c.save(); err != nil {
		return fmt.Errorf("persist cache: %w", err)
	}

	c.logger.Debug("cached unit snapshot",
		logging.String(logging.FieldUnitID, snap.UnitID),
		logging.String("status", string(snap.Status)))

	return nil
}

// Remove deletes a snapshot and persists the change. Removing an absent
// snapshot is a no-op.
func (c *Cache) Remove(unitID string) error {
	unitID = strings.TrimSpace(unitID)
	if unitID == "" || c.path == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.snapshots[unitID]; !exists {
		return nil
	}

	delete(c.snapshots, unitID)

	if err := c.save(); err != nil {
		return fmt.Errorf("persist cache: %w", err)
	}
	return nil
}

// List returns all snapshots sorted by CachedAt descending.
func (c *Cache) List() []Snapshot {
	if c.path == "" {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CachedAt.After(snaps[j].CachedAt)
	})

	return snaps
}

// Clear removes all snapshots and persists the empty cache.
func (c *Cache) Clear() error {
	if c.path == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.snapshots = make(map[string]Snapshot)

	if err := c.save(); err != nil {
		return fmt.Errorf("persist cache: %w", err)
	}
	return nil
}

// Count returns the number of cached snapshots.
func (c *Cache) Count() int {
	if c.path == "" {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.snapshots)
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache file: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var snaps []Snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return fmt.Errorf("parse cache file: %w", err)
	}

	c.snapshots = make(map[string]Snapshot, len(snaps))
	for _, snap := range snaps {
		if strings.TrimSpace(snap.UnitID) != "" {
			c.snapshots[snap.UnitID] = snap
		}
	}

	c.logger.Debug("loaded snapshot cache",
		logging.Int("entry_count", len(c.snapshots)),
		logging.String("path", c.path))

	return nil
}

// save writes the cache to disk atomically via a temp file.
func (c *Cache) save() error {
	snaps := make([]Snapshot, 0, len(c.snapshots))
	for _, snap := range c.snapshots {
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].CachedAt.After(snaps[j].CachedAt)
	})

	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
