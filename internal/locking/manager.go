package locking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"frameloom/internal/logging"
	"frameloom/internal/production"
)

const pollInterval = 25 * time.Millisecond

// Info describes a live lock for inspection.
type Info struct {
	UnitID     string
	Operation  string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Store is the persistence surface locks live on. *production.Store
// implements it; the rows are shared by every process on the host.
type Store interface {
	AcquireUnitLock(ctx context.Context, lock production.UnitLock) (bool, *production.UnitLock, error)
	ReleaseUnitLock(ctx context.Context, unitID, holderID string) error
	GetUnitLock(ctx context.Context, unitID string) (*production.UnitLock, error)
	ListUnitLocks(ctx context.Context) ([]production.UnitLock, error)
	DeleteExpiredUnitLocks(ctx context.Context, now time.Time) (int, error)
}

// Manager hands out at most one live lock per unit across all processes
// sharing the store. Locks carry a TTL: an expired lock is treated as
// abandoned and silently reclaimed by the next acquirer, trading strict
// exclusivity for availability.
type Manager struct {
	store        Store
	logger       *slog.Logger
	defaultTTL   time.Duration
	operationTTL map[string]time.Duration
	now          func() time.Time

	mu    sync.Mutex
	owned map[string]string
}

// Option customizes the manager.
type Option func(*Manager)

// WithOperationTTLs sets per-operation TTL overrides.
func WithOperationTTLs(ttls map[string]time.Duration) Option {
	return func(m *Manager) {
		for op, ttl := range ttls {
			if ttl > 0 {
				m.operationTTL[op] = ttl
			}
		}
	}
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a lock manager over the given store with the given
// default TTL.
func NewManager(store Store, defaultTTL time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	m := &Manager{
		store:        store,
		logger:       logging.NewComponentLogger(logger, "locking"),
		defaultTTL:   defaultTTL,
		operationTTL: make(map[string]time.Duration),
		now:          time.Now,
		owned:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire attempts to take the unit's lock for the named operation. With
// wait=0 the call is non-blocking; otherwise it polls until the wait window
// closes. On conflict the live holder's operation label is returned.
func (m *Manager) TryAcquire(ctx context.Context, unitID, operation string, wait time.Duration) (bool, string, error) {
	unitID = strings.TrimSpace(unitID)
	if unitID == "" {
		return false, "", nil
	}
	if operation == "" {
		operation = "unknown"
	}

	deadline := m.now().Add(wait)
	for {
		ok, holder, err := m.tryOnce(ctx, unitID, operation)
		if err != nil {
			return false, "", err
		}
		if ok {
			return true, "", nil
		}
		if wait <= 0 || !m.now().Before(deadline) {
			return false, holder, nil
		}
		select {
		case <-ctx.Done():
			return false, holder, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (m *Manager) tryOnce(ctx context.Context, unitID, operation string) (bool, string, error) {
	now := m.now()

	existing, err := m.store.GetUnitLock(ctx, unitID)
	if err != nil {
		return false, "", err
	}
	if existing != nil && !now.Before(existing.ExpiresAt) {
		// Expired: the holder is presumed dead, the acquire below reclaims.
		m.logger.Warn("reclaiming expired lock",
			logging.String(logging.FieldUnitID, unitID),
			logging.String(logging.FieldOperation, existing.Operation),
			logging.String("holder_id", existing.HolderID),
			logging.String(logging.FieldEventType, "lock_reclaimed"))
	}

	ttl := m.defaultTTL
	if opTTL, ok := m.operationTTL[operation]; ok {
		ttl = opTTL
	}
	holderID := fmt.Sprintf("holder-%s", uuid.NewString()[:8])
	acquired, live, err := m.store.AcquireUnitLock(ctx, production.UnitLock{
		UnitID:     unitID,
		Operation:  operation,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		return false, "", err
	}
	if !acquired {
		label := ""
		if live != nil {
			label = live.Operation
		}
		return false, label, nil
	}

	m.mu.Lock()
	m.owned[unitID] = holderID
	m.mu.Unlock()
	return true, "", nil
}

// Release frees a lock this manager acquired. Locks held by other processes
// are left alone, as are rows already reclaimed or swept.
func (m *Manager) Release(ctx context.Context, unitID string) {
	m.mu.Lock()
	holderID, ok := m.owned[unitID]
	if ok {
		delete(m.owned, unitID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	// The row must go away even when the stage context was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := m.store.ReleaseUnitLock(ctx, unitID, holderID); err != nil {
		m.logger.Warn("release unit lock",
			logging.String(logging.FieldUnitID, unitID),
			logging.Error(err))
	}
}

// Holder returns the live lock for a unit, if any. Expired rows do not count.
func (m *Manager) Holder(ctx context.Context, unitID string) (Info, bool, error) {
	lock, err := m.store.GetUnitLock(ctx, unitID)
	if err != nil {
		return Info{}, false, err
	}
	if lock == nil || !m.now().Before(lock.ExpiresAt) {
		return Info{}, false, nil
	}
	return infoOf(*lock), true, nil
}

// Snapshot lists all live locks sorted by unit id, for CLI inspection.
func (m *Manager) Snapshot(ctx context.Context) ([]Info, error) {
	locks, err := m.store.ListUnitLocks(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	infos := make([]Info, 0, len(locks))
	for _, lock := range locks {
		if !now.Before(lock.ExpiresAt) {
			continue
		}
		infos = append(infos, infoOf(lock))
	}
	return infos, nil
}

// CleanupExpired drops expired lock rows and returns how many were removed.
// The daemon runs this on a timer so abandoned locks do not linger until the
// next acquire attempt.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpiredUnitLocks(ctx, m.now())
}

func infoOf(lock production.UnitLock) Info {
	return Info{
		UnitID:     lock.UnitID,
		Operation:  lock.Operation,
		HolderID:   lock.HolderID,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
	}
}
