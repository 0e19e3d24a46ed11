package production

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OutboxEntry is one pending mirror push. The consistency engine enqueues an
// entry per unit write; a background worker drains due entries with backoff.
type OutboxEntry struct {
	ID            int64
	UnitID        string
	ExternalRef   string
	Payload       string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
}

// EnqueueOutbox records a mirror push, replacing any pending push for the
// same unit: only the latest projection matters.
func (s *Store) EnqueueOutbox(ctx context.Context, unitID, externalRef, payload string) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_outbox WHERE unit_id = ?`, unitID); err != nil {
		return fmt.Errorf("supersede outbox entry: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO mirror_outbox (unit_id, external_ref, payload, attempts, next_attempt_at, created_at)
         VALUES (?, ?, ?, 0, ?, ?)`,
		unitID,
		externalRef,
		payload,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outbox entry: %w", err)
	}
	return nil
}

// NextDueOutbox returns the oldest entry whose next attempt time has passed,
// or nil when nothing is due.
func (s *Store) NextDueOutbox(ctx context.Context, now time.Time) (*OutboxEntry, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, unit_id, external_ref, payload, attempts, next_attempt_at, last_error, created_at
         FROM mirror_outbox WHERE next_attempt_at <= ? ORDER BY id LIMIT 1`,
		now.UTC().Format(time.RFC3339Nano),
	)
	entry, err := scanOutbox(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next due outbox: %w", err)
	}
	return entry, nil
}

// RescheduleOutbox records a failed attempt and the next retry time.
func (s *Store) RescheduleOutbox(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE mirror_outbox SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		attempts,
		nextAttempt.UTC().Format(time.RFC3339Nano),
		nullableString(lastError),
		id,
	)
	if err != nil {
		return fmt.Errorf("reschedule outbox entry: %w", err)
	}
	return nil
}

// DeleteOutbox removes an entry after a successful push or abandonment.
func (s *Store) DeleteOutbox(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mirror_outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

// OutboxDepth counts pending mirror pushes, for diagnostics.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM mirror_outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("outbox depth: %w", err)
	}
	return count, nil
}

func scanOutbox(scanner interface{ Scan(dest ...any) error }) (*OutboxEntry, error) {
	var (
		entry       OutboxEntry
		lastErr     sql.NullString
		nextRaw     sql.NullString
		createdRaw  sql.NullString
		externalRef sql.NullString
	)
	if err := scanner.Scan(
		&entry.ID,
		&entry.UnitID,
		&externalRef,
		&entry.Payload,
		&entry.Attempts,
		&nextRaw,
		&lastErr,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	entry.ExternalRef = externalRef.String
	entry.LastError = lastErr.String
	if next, err := parseTimeString(nextRaw.String); err == nil {
		entry.NextAttemptAt = next
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		entry.CreatedAt = created
	}
	return &entry, nil
}
