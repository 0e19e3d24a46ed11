package production

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TxOps is the transactional write surface used by the cascade-redo path.
// All calls within one InTx invocation commit or roll back together.
type TxOps interface {
	AppendArchiveEntry(ctx context.Context, entry ArchiveEntry) error
	ResetSegmentResult(ctx context.Context, unitID string, idx int) error
	BlankSegmentSpec(ctx context.Context, unitID string, idx int) error
	SetUnitStatus(ctx context.Context, unitID string, status Status, errorMessage string) error
}

// TxRunner executes a function against a transactional write surface.
type TxRunner interface {
	InTx(ctx context.Context, fn func(TxOps) error) error
}

// InTx runs fn inside a single transaction; any error rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(TxOps) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txOps{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type txOps struct {
	tx *sql.Tx
}

func (t *txOps) AppendArchiveEntry(ctx context.Context, entry ArchiveEntry) error {
	archivedAt := entry.ArchivedAt
	if archivedAt.IsZero() {
		archivedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(
		ctx,
		`INSERT INTO archive_entries (unit_id, segment_index, result_status, artifact_ref, first_frame_ref, last_frame_ref, reason, archived_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UnitID,
		entry.SegmentIndex,
		entry.ResultStatus,
		nullableString(entry.ArtifactRef),
		nullableString(entry.FirstFrameRef),
		nullableString(entry.LastFrameRef),
		nullableString(entry.Reason),
		archivedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append archive entry: %w", err)
	}
	return nil
}

func (t *txOps) ResetSegmentResult(ctx context.Context, unitID string, idx int) error {
	_, err := t.tx.ExecContext(
		ctx,
		`UPDATE segment_results
         SET status = ?, artifact_ref = NULL, first_frame_ref = NULL, last_frame_ref = NULL,
             error_message = NULL, updated_at = ?
         WHERE unit_id = ? AND idx = ?`,
		SegmentPending,
		time.Now().UTC().Format(time.RFC3339Nano),
		unitID,
		idx,
	)
	if err != nil {
		return fmt.Errorf("reset segment result: %w", err)
	}
	return nil
}

func (t *txOps) BlankSegmentSpec(ctx context.Context, unitID string, idx int) error {
	_, err := t.tx.ExecContext(
		ctx,
		`UPDATE segment_specs SET summary = NULL, video_prompt = NULL WHERE unit_id = ? AND idx = ?`,
		unitID,
		idx,
	)
	if err != nil {
		return fmt.Errorf("blank segment spec: %w", err)
	}
	return nil
}

// SetUnitStatus rewinds a unit to a stable stage. The final artifact is
// always invalidated: any cascade that reaches here has cleared at least one
// segment the assembly was built from.
func (t *txOps) SetUnitStatus(ctx context.Context, unitID string, status Status, errorMessage string) error {
	_, err := t.tx.ExecContext(
		ctx,
		`UPDATE production_units SET status = ?, current_segment = NULL, final_artifact_ref = NULL, error_message = ?, updated_at = ? WHERE id = ?`,
		status,
		nullableString(errorMessage),
		time.Now().UTC().Format(time.RFC3339Nano),
		unitID,
	)
	if err != nil {
		return fmt.Errorf("set unit status: %w", err)
	}
	return nil
}

// ListArchiveEntries returns the archive history for a unit, newest first.
// Pass a negative segmentIndex to list entries for every segment.
func (s *Store) ListArchiveEntries(ctx context.Context, unitID string, segmentIndex int) ([]ArchiveEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if segmentIndex < 0 {
		rows, err = s.db.QueryContext(
			ctx,
			`SELECT id, unit_id, segment_index, result_status, artifact_ref, first_frame_ref, last_frame_ref, reason, archived_at
             FROM archive_entries WHERE unit_id = ? ORDER BY id DESC`,
			unitID,
		)
	} else {
		rows, err = s.db.QueryContext(
			ctx,
			`SELECT id, unit_id, segment_index, result_status, artifact_ref, first_frame_ref, last_frame_ref, reason, archived_at
             FROM archive_entries WHERE unit_id = ? AND segment_index = ? ORDER BY id DESC`,
			unitID,
			segmentIndex,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list archive entries: %w", err)
	}
	defer rows.Close()

	var entries []ArchiveEntry
	for rows.Next() {
		var (
			entry       ArchiveEntry
			statusStr   string
			artifact    sql.NullString
			firstFrame  sql.NullString
			lastFrame   sql.NullString
			reason      sql.NullString
			archivedRaw sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.UnitID, &entry.SegmentIndex, &statusStr, &artifact, &firstFrame, &lastFrame, &reason, &archivedRaw); err != nil {
			return nil, fmt.Errorf("scan archive entry: %w", err)
		}
		entry.ResultStatus = SegmentStatus(statusStr)
		entry.ArtifactRef = artifact.String
		entry.FirstFrameRef = firstFrame.String
		entry.LastFrameRef = lastFrame.String
		entry.Reason = reason.String
		if archivedAt, err := parseTimeString(archivedRaw.String); err == nil {
			entry.ArchivedAt = archivedAt
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
