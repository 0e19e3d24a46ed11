package production

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"frameloom/internal/config"
)

// Store manages unit persistence backed by SQLite. It is the authoritative
// store: every decision-making read and every mutation lands here first.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the production database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "frameloom.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// CreateUnit inserts a new pending unit with no segments populated.
func (s *Store) CreateUnit(ctx context.Context, openingImageRef, externalRef string, totalSegments int) (*Unit, error) {
	if totalSegments <= 0 {
		return nil, errors.New("total segments must be positive")
	}
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	id := uuid.NewString()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO production_units (
            id, external_ref, opening_image_ref, total_segments, status,
            current_segment, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		nullableString(externalRef),
		nullableString(openingImageRef),
		totalSegments,
		StatusPending,
		nil,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert unit: %w", err)
	}
	return s.GetUnit(ctx, id)
}

// GetUnit fetches a unit with its segment specs and results. Returns nil
// when the unit does not exist.
func (s *Store) GetUnit(ctx context.Context, id string) (*Unit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM production_units WHERE id = ?`, id)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	if err := s.loadSegments(ctx, unit); err != nil {
		return nil, err
	}
	return unit, nil
}

// FindByExternalRef returns the first unit associated with a mirror record.
func (s *Store) FindByExternalRef(ctx context.Context, externalRef string) (*Unit, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+unitColumns+` FROM production_units WHERE external_ref = ? ORDER BY created_at LIMIT 1`,
		externalRef,
	)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by external ref: %w", err)
	}
	if err := s.loadSegments(ctx, unit); err != nil {
		return nil, err
	}
	return unit, nil
}

// ListUnits returns units filtered by status set (or all units when no
// status is provided), ordered by creation time. Segment specs and results
// are loaded for each unit.
func (s *Store) ListUnits(ctx context.Context, statuses ...Status) ([]*Unit, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + unitColumns + ` FROM production_units`
	orderClause := ` ORDER BY created_at`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []*Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, unit := range units {
		if err := s.loadSegments(ctx, unit); err != nil {
			return nil, err
		}
	}
	return units, nil
}

// UpdateUnit persists changes to the unit row. Segment specs and results are
// written through their own methods.
func (s *Store) UpdateUnit(ctx context.Context, unit *Unit) error {
	if unit == nil {
		return errors.New("unit is nil")
	}
	unit.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE production_units
         SET external_ref = ?, opening_image_ref = ?, total_segments = ?, status = ?,
             current_segment = ?, final_artifact_ref = ?, error_message = ?, updated_at = ?
         WHERE id = ?`,
		nullableString(unit.ExternalRef),
		nullableString(unit.OpeningImageRef),
		unit.TotalSegments,
		unit.Status,
		nullableSegmentIndex(unit.CurrentSegment),
		nullableString(unit.FinalArtifactRef),
		nullableString(unit.ErrorMessage),
		unit.UpdatedAt.Format(time.RFC3339Nano),
		unit.ID,
	)
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	return nil
}

// ReplaceSegmentSpecs atomically swaps the unit's segment specs for the
// provided ordered list.
func (s *Store) ReplaceSegmentSpecs(ctx context.Context, unitID string, specs []SegmentSpec) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin specs tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segment_specs WHERE unit_id = ?`, unitID); err != nil {
		return fmt.Errorf("clear segment specs: %w", err)
	}
	for _, spec := range specs {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO segment_specs (unit_id, idx, summary, video_prompt, duration_seconds)
             VALUES (?, ?, ?, ?, ?)`,
			unitID,
			spec.Index,
			nullableString(spec.Summary),
			nullableString(spec.VideoPrompt),
			spec.DurationSeconds,
		); err != nil {
			return fmt.Errorf("insert segment spec %d: %w", spec.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit segment specs: %w", err)
	}
	return nil
}

// UpsertSegmentResult creates or replaces the result row for one segment.
func (s *Store) UpsertSegmentResult(ctx context.Context, unitID string, res SegmentResult) error {
	res.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO segment_results (unit_id, idx, status, artifact_ref, first_frame_ref, last_frame_ref, error_message, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (unit_id, idx) DO UPDATE SET
             status = excluded.status,
             artifact_ref = excluded.artifact_ref,
             first_frame_ref = excluded.first_frame_ref,
             last_frame_ref = excluded.last_frame_ref,
             error_message = excluded.error_message,
             updated_at = excluded.updated_at`,
		unitID,
		res.Index,
		res.Status,
		nullableString(res.ArtifactRef),
		nullableString(res.FirstFrameRef),
		nullableString(res.LastFrameRef),
		nullableString(res.ErrorMessage),
		res.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert segment result: %w", err)
	}
	return nil
}

// Stats returns a count of units grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM production_units GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("unit stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (s *Store) loadSegments(ctx context.Context, unit *Unit) error {
	specRows, err := s.db.QueryContext(
		ctx,
		`SELECT idx, summary, video_prompt, duration_seconds FROM segment_specs WHERE unit_id = ? ORDER BY idx`,
		unit.ID,
	)
	if err != nil {
		return fmt.Errorf("load segment specs: %w", err)
	}
	defer specRows.Close()

	for specRows.Next() {
		var (
			spec     SegmentSpec
			summary  sql.NullString
			prompt   sql.NullString
			duration sql.NullInt64
		)
		if err := specRows.Scan(&spec.Index, &summary, &prompt, &duration); err != nil {
			return fmt.Errorf("scan segment spec: %w", err)
		}
		spec.Summary = summary.String
		spec.VideoPrompt = prompt.String
		spec.DurationSeconds = int(duration.Int64)
		unit.Specs = append(unit.Specs, spec)
	}
	if err := specRows.Err(); err != nil {
		return err
	}

	resultRows, err := s.db.QueryContext(
		ctx,
		`SELECT idx, status, artifact_ref, first_frame_ref, last_frame_ref, error_message, updated_at
         FROM segment_results WHERE unit_id = ? ORDER BY idx`,
		unit.ID,
	)
	if err != nil {
		return fmt.Errorf("load segment results: %w", err)
	}
	defer resultRows.Close()

	unit.Results = make(map[int]SegmentResult)
	for resultRows.Next() {
		var (
			res        SegmentResult
			statusStr  string
			artifact   sql.NullString
			firstFrame sql.NullString
			lastFrame  sql.NullString
			errMsg     sql.NullString
			updatedRaw sql.NullString
		)
		if err := resultRows.Scan(&res.Index, &statusStr, &artifact, &firstFrame, &lastFrame, &errMsg, &updatedRaw); err != nil {
			return fmt.Errorf("scan segment result: %w", err)
		}
		res.Status = SegmentStatus(statusStr)
		res.ArtifactRef = artifact.String
		res.FirstFrameRef = firstFrame.String
		res.LastFrameRef = lastFrame.String
		res.ErrorMessage = errMsg.String
		if updated, err := parseTimeString(updatedRaw.String); err == nil {
			res.UpdatedAt = updated
		}
		unit.Results[res.Index] = res
	}
	return resultRows.Err()
}

const unitColumns = "id, external_ref, opening_image_ref, total_segments, status, current_segment, final_artifact_ref, error_message, created_at, updated_at"

func scanUnit(scanner interface{ Scan(dest ...any) error }) (*Unit, error) {
	var (
		id             string
		externalRef    sql.NullString
		openingImage   sql.NullString
		totalSegments  int
		statusStr      string
		currentSegment sql.NullInt64
		finalArtifact  sql.NullString
		errorMessage   sql.NullString
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&externalRef,
		&openingImage,
		&totalSegments,
		&statusStr,
		&currentSegment,
		&finalArtifact,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	unit := &Unit{
		ID:               id,
		ExternalRef:      externalRef.String,
		OpeningImageRef:  openingImage.String,
		TotalSegments:    totalSegments,
		Status:           Status(statusStr),
		CurrentSegment:   -1,
		FinalArtifactRef: finalArtifact.String,
		ErrorMessage:     errorMessage.String,
	}
	if currentSegment.Valid {
		unit.CurrentSegment = int(currentSegment.Int64)
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		unit.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		unit.UpdatedAt = updated
	}
	return unit, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableSegmentIndex(idx int) any {
	if idx < 0 {
		return nil
	}
	return idx
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
