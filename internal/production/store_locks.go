package production

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UnitLock is one row in the unit_locks table. Expiry times are stored as
// unix nanoseconds so the acquire statement can compare them exactly.
type UnitLock struct {
	UnitID     string
	Operation  string
	HolderID   string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// AcquireUnitLock atomically takes the unit's lock, reclaiming an expired
// row in the same statement. On conflict the live holder is returned so the
// caller can report who owns the unit.
func (s *Store) AcquireUnitLock(ctx context.Context, lock UnitLock) (bool, *UnitLock, error) {
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO unit_locks (unit_id, operation, holder_id, acquired_at_ns, expires_at_ns)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(unit_id) DO UPDATE SET
             operation = excluded.operation,
             holder_id = excluded.holder_id,
             acquired_at_ns = excluded.acquired_at_ns,
             expires_at_ns = excluded.expires_at_ns
         WHERE unit_locks.expires_at_ns <= excluded.acquired_at_ns`,
		lock.UnitID,
		lock.Operation,
		lock.HolderID,
		lock.AcquiredAt.UnixNano(),
		lock.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return false, nil, fmt.Errorf("acquire unit lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("acquire unit lock result: %w", err)
	}
	if affected > 0 {
		return true, nil, nil
	}
	holder, err := s.GetUnitLock(ctx, lock.UnitID)
	if err != nil {
		return false, nil, err
	}
	return false, holder, nil
}

// ReleaseUnitLock frees the unit's lock if the holder still owns it. A
// mismatched or missing holder is a no-op: the row was reclaimed or swept.
func (s *Store) ReleaseUnitLock(ctx context.Context, unitID, holderID string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM unit_locks WHERE unit_id = ? AND holder_id = ?`,
		unitID,
		holderID,
	); err != nil {
		return fmt.Errorf("release unit lock: %w", err)
	}
	return nil
}

// GetUnitLock returns the unit's lock row, or nil when none exists. Expiry
// is not checked here; callers decide what an expired row means.
func (s *Store) GetUnitLock(ctx context.Context, unitID string) (*UnitLock, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT unit_id, operation, holder_id, acquired_at_ns, expires_at_ns
         FROM unit_locks WHERE unit_id = ?`,
		unitID,
	)
	lock, err := scanUnitLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unit lock: %w", err)
	}
	return lock, nil
}

// ListUnitLocks returns every lock row ordered by unit id.
func (s *Store) ListUnitLocks(ctx context.Context) ([]UnitLock, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT unit_id, operation, holder_id, acquired_at_ns, expires_at_ns
         FROM unit_locks ORDER BY unit_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list unit locks: %w", err)
	}
	defer rows.Close()

	var locks []UnitLock
	for rows.Next() {
		lock, err := scanUnitLock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit lock: %w", err)
		}
		locks = append(locks, *lock)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unit locks: %w", err)
	}
	return locks, nil
}

// DeleteExpiredUnitLocks removes every lock whose TTL has elapsed and
// returns how many rows were dropped.
func (s *Store) DeleteExpiredUnitLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM unit_locks WHERE expires_at_ns <= ?`,
		now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired unit locks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired unit locks result: %w", err)
	}
	return int(affected), nil
}

func scanUnitLock(scanner interface{ Scan(dest ...any) error }) (*UnitLock, error) {
	var (
		lock       UnitLock
		acquiredNS int64
		expiresNS  int64
	)
	if err := scanner.Scan(
		&lock.UnitID,
		&lock.Operation,
		&lock.HolderID,
		&acquiredNS,
		&expiresNS,
	); err != nil {
		return nil, err
	}
	lock.AcquiredAt = time.Unix(0, acquiredNS).UTC()
	lock.ExpiresAt = time.Unix(0, expiresNS).UTC()
	return &lock, nil
}
