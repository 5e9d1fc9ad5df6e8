// Package changetrack records what a harvest changed: it opens and closes
// scraping runs and writes one change-log row per entity mutation.
package changetrack

import (
	"context"
	"fmt"
	"time"

	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/storage"
)

// Entity type names used in change-log rows.
const (
	EntityCourseType    = "CourseType"
	EntityLecturer      = "Lecturer"
	EntityRoom          = "Room"
	EntityCourse        = "Course"
	EntityScheduleEntry = "ScheduleEntry"
	EntitySemester      = "Semester"
	EntityStudyProgram  = "StudyProgram"
)

// Tracker is a thin façade over the scraping-run lifecycle and the change
// log. It is safe for concurrent use because the underlying DB is.
type Tracker struct {
	db  *storage.DB
	log *logger.Logger
}

// NewTracker creates a tracker on the given database.
func NewTracker(db *storage.DB, log *logger.Logger) *Tracker {
	return &Tracker{db: db, log: log.WithModule("changetrack")}
}

// StartScrapingRun opens a run in status running.
func (t *Tracker) StartScrapingRun(ctx context.Context, semesterID int64, sourceURL string) (storage.ScrapingRun, error) {
	run, err := t.db.CreateScrapingRun(ctx, semesterID, sourceURL)
	if err != nil {
		return storage.ScrapingRun{}, err
	}
	t.log.Info("scraping run started", "run_id", run.ID, "semester_id", semesterID)
	return run, nil
}

// CompleteScrapingRun closes a run with its totals.
func (t *Tracker) CompleteScrapingRun(ctx context.Context, runID int64, total, newEntries, updated int) error {
	if err := t.db.CompleteScrapingRun(ctx, runID, total, newEntries, updated); err != nil {
		return err
	}
	t.log.Info("scraping run completed",
		"run_id", runID, "total", total, "new", newEntries, "updated", updated)
	return nil
}

// FailScrapingRun closes a run as failed.
func (t *Tracker) FailScrapingRun(ctx context.Context, runID int64, errorMessage string) error {
	if err := t.db.FailScrapingRun(ctx, runID, errorMessage); err != nil {
		return err
	}
	t.log.Warn("scraping run failed", "run_id", runID, "reason", errorMessage)
	return nil
}

// CancelScrapingRun closes a run as cancelled.
func (t *Tracker) CancelScrapingRun(ctx context.Context, runID int64, message string) error {
	if err := t.db.CancelScrapingRun(ctx, runID, message); err != nil {
		return err
	}
	t.log.Info("scraping run cancelled", "run_id", runID, "reason", message)
	return nil
}

// LogEntityCreated records a creation within the row's transaction.
func (t *Tracker) LogEntityCreated(ctx context.Context, q storage.Querier, runID int64, entityType string, entityID int64, description string) error {
	return storage.InsertChangeLog(ctx, q, storage.ChangeLog{
		ScrapingRunID: runID,
		EntityType:    entityType,
		EntityID:      entityID,
		ChangeType:    storage.ChangeCreated,
		Description:   description,
	})
}

// LogEntityUpdated records one changed field within the row's transaction.
func (t *Tracker) LogEntityUpdated(ctx context.Context, q storage.Querier, runID int64, entityType string, entityID int64, field, oldValue, newValue string) error {
	return storage.InsertChangeLog(ctx, q, storage.ChangeLog{
		ScrapingRunID: runID,
		EntityType:    entityType,
		EntityID:      entityID,
		ChangeType:    storage.ChangeUpdated,
		FieldName:     field,
		OldValue:      oldValue,
		NewValue:      newValue,
		Description:   fmt.Sprintf("%s %d: %s changed", entityType, entityID, field),
	})
}

// LogEntityDeleted records a deletion (deactivation) within a transaction.
func (t *Tracker) LogEntityDeleted(ctx context.Context, q storage.Querier, runID int64, entityType string, entityID int64, description string) error {
	return storage.InsertChangeLog(ctx, q, storage.ChangeLog{
		ScrapingRunID: runID,
		EntityType:    entityType,
		EntityID:      entityID,
		ChangeType:    storage.ChangeDeleted,
		Description:   description,
	})
}

// RunHistory returns the most recent runs.
func (t *Tracker) RunHistory(ctx context.Context, limit int) ([]storage.ScrapingRun, error) {
	return t.db.ListScrapingRuns(ctx, limit)
}

// ChangesOfRun returns every change of one run in insertion order.
func (t *Tracker) ChangesOfRun(ctx context.Context, runID int64) ([]storage.ChangeLog, error) {
	return t.db.ListChangeLogsByRun(ctx, runID)
}

// RecentChanges returns changes since the given time, newest first.
func (t *Tracker) RecentChanges(ctx context.Context, since time.Time) ([]storage.ChangeLog, error) {
	return t.db.ListChangeLogsSince(ctx, since)
}

// ChangeStats aggregates a run's changes per entity and change type.
func (t *Tracker) ChangeStats(ctx context.Context, runID int64) ([]storage.ChangeStat, error) {
	return t.db.ChangeStatsByType(ctx, runID)
}
