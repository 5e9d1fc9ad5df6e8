package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
)

// CreateScrapingRun opens a run in status running.
func (db *DB) CreateScrapingRun(ctx context.Context, semesterID int64, sourceURL string) (ScrapingRun, error) {
	run := ScrapingRun{
		SemesterID: semesterID,
		StartedAt:  time.Now(),
		Status:     RunStatusRunning,
		SourceURL:  sourceURL,
	}
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO scraping_runs (semester_id, started_at, status, source_url)
		 VALUES (?, ?, ?, ?)`,
		run.SemesterID, run.StartedAt.Unix(), run.Status, run.SourceURL)
	if err != nil {
		return ScrapingRun{}, fmt.Errorf("failed to create scraping run: %w", err)
	}
	run.ID, err = result.LastInsertId()
	if err != nil {
		return ScrapingRun{}, fmt.Errorf("failed to read scraping run id: %w", err)
	}
	return run, nil
}

// CompleteScrapingRun closes a run with its totals.
func (db *DB) CompleteScrapingRun(ctx context.Context, id int64, total, newEntries, updated int) error {
	return db.closeRun(ctx, id, RunStatusCompleted, total, newEntries, updated, "")
}

// FailScrapingRun closes a run as failed with the error message.
func (db *DB) FailScrapingRun(ctx context.Context, id int64, errorMessage string) error {
	return db.closeRun(ctx, id, RunStatusFailed, 0, 0, 0, errorMessage)
}

// CancelScrapingRun closes a run as cancelled with the stop message.
func (db *DB) CancelScrapingRun(ctx context.Context, id int64, message string) error {
	return db.closeRun(ctx, id, RunStatusCancelled, 0, 0, 0, message)
}

func (db *DB) closeRun(ctx context.Context, id int64, status string, total, newEntries, updated int, errorMessage string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE scraping_runs
		 SET ended_at = ?, status = ?, total_entries = ?, new_entries = ?, updated_entries = ?, error_message = ?
		 WHERE id = ?`,
		time.Now().Unix(), status, total, newEntries, updated, nullString(errorMessage), id)
	if err != nil {
		return fmt.Errorf("failed to close scraping run %d: %w", id, err)
	}
	return nil
}

// GetScrapingRun loads a single run.
func (db *DB) GetScrapingRun(ctx context.Context, id int64) (ScrapingRun, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, semester_id, started_at, ended_at, status, total_entries,
		        new_entries, updated_entries, error_message, source_url
		 FROM scraping_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ScrapingRun{}, apperrors.ErrNotFound
	}
	if err != nil {
		return ScrapingRun{}, fmt.Errorf("failed to load scraping run %d: %w", id, err)
	}
	return run, nil
}

// ListScrapingRuns returns up to limit runs, newest first.
func (db *DB) ListScrapingRuns(ctx context.Context, limit int) ([]ScrapingRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, semester_id, started_at, ended_at, status, total_entries,
		        new_entries, updated_entries, error_message, source_url
		 FROM scraping_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scraping runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []ScrapingRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scraping run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (ScrapingRun, error) {
	var (
		run          ScrapingRun
		startedAt    int64
		endedAt      sql.NullInt64
		errorMessage sql.NullString
	)
	err := row.Scan(&run.ID, &run.SemesterID, &startedAt, &endedAt, &run.Status,
		&run.TotalEntries, &run.NewEntries, &run.UpdatedEntries, &errorMessage, &run.SourceURL)
	if err != nil {
		return ScrapingRun{}, err
	}
	run.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		run.EndedAt = time.Unix(endedAt.Int64, 0)
	}
	run.ErrorMessage = errorMessage.String
	return run, nil
}

// InsertChangeLog records one entity mutation. It takes a Querier so the
// record commits atomically with the mutation it describes.
func InsertChangeLog(ctx context.Context, q Querier, log ChangeLog) error {
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO change_logs
		 (scraping_run_id, entity_type, entity_id, change_type, field_name, old_value, new_value, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ScrapingRunID, log.EntityType, log.EntityID, log.ChangeType,
		nullString(log.FieldName), nullString(log.OldValue), nullString(log.NewValue),
		nullString(log.Description), createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert change log: %w", err)
	}
	return nil
}

// ListChangeLogsByRun returns every change of a run in insertion order.
func (db *DB) ListChangeLogsByRun(ctx context.Context, runID int64) ([]ChangeLog, error) {
	return db.listChangeLogs(ctx,
		`WHERE scraping_run_id = ? ORDER BY id`, runID)
}

// ListChangeLogsSince returns changes recorded at or after the given time,
// newest first.
func (db *DB) ListChangeLogsSince(ctx context.Context, since time.Time) ([]ChangeLog, error) {
	return db.listChangeLogs(ctx,
		`WHERE created_at >= ? ORDER BY created_at DESC, id DESC`, since.Unix())
}

func (db *DB) listChangeLogs(ctx context.Context, where string, args ...any) ([]ChangeLog, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, scraping_run_id, entity_type, entity_id, change_type,
		        field_name, old_value, new_value, description, created_at
		 FROM change_logs `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list change logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []ChangeLog
	for rows.Next() {
		var (
			log         ChangeLog
			fieldName   sql.NullString
			oldValue    sql.NullString
			newValue    sql.NullString
			description sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(&log.ID, &log.ScrapingRunID, &log.EntityType, &log.EntityID,
			&log.ChangeType, &fieldName, &oldValue, &newValue, &description, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan change log: %w", err)
		}
		log.FieldName = fieldName.String
		log.OldValue = oldValue.String
		log.NewValue = newValue.String
		log.Description = description.String
		log.CreatedAt = time.Unix(createdAt, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// ChangeStatsByType aggregates change-log rows per (entity type, change
// type) for one run.
func (db *DB) ChangeStatsByType(ctx context.Context, runID int64) ([]ChangeStat, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT entity_type, change_type, COUNT(*)
		 FROM change_logs WHERE scraping_run_id = ?
		 GROUP BY entity_type, change_type
		 ORDER BY entity_type, change_type`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate change logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats []ChangeStat
	for rows.Next() {
		var stat ChangeStat
		if err := rows.Scan(&stat.EntityType, &stat.ChangeType, &stat.Count); err != nil {
			return nil, fmt.Errorf("failed to scan change stat: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}
