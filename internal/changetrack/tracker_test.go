package changetrack

import (
	"context"
	"testing"
	"time"

	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/storage"
)

func setupTracker(t *testing.T) (*Tracker, *storage.DB, int64) {
	t.Helper()
	db, err := storage.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	semester, err := db.CreateSemester(context.Background(), storage.Semester{
		Name:      "Sommersemester 2024",
		ShortName: "SS24",
		StartDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC),
		Active:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create semester: %v", err)
	}
	return NewTracker(db, logger.New("error")), db, semester.ID
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	tracker, db, semesterID := setupTracker(t)
	ctx := context.Background()

	run, err := tracker.StartScrapingRun(ctx, semesterID, "https://example.org/katalog/")
	if err != nil {
		t.Fatalf("StartScrapingRun failed: %v", err)
	}
	if err := tracker.CompleteScrapingRun(ctx, run.ID, 42, 5, 2); err != nil {
		t.Fatalf("CompleteScrapingRun failed: %v", err)
	}

	loaded, err := db.GetScrapingRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetScrapingRun failed: %v", err)
	}
	if loaded.Status != storage.RunStatusCompleted || loaded.TotalEntries != 42 {
		t.Errorf("Unexpected run: %+v", loaded)
	}

	history, err := tracker.RunHistory(ctx, 10)
	if err != nil || len(history) != 1 {
		t.Errorf("RunHistory = %d, %v", len(history), err)
	}
}

func TestEntityLogs(t *testing.T) {
	t.Parallel()

	tracker, db, semesterID := setupTracker(t)
	ctx := context.Background()

	run, err := tracker.StartScrapingRun(ctx, semesterID, "")
	if err != nil {
		t.Fatalf("StartScrapingRun failed: %v", err)
	}

	if err := tracker.LogEntityCreated(ctx, db.Conn(), run.ID, EntityCourse, 7, "course Analysis I"); err != nil {
		t.Fatalf("LogEntityCreated failed: %v", err)
	}
	if err := tracker.LogEntityUpdated(ctx, db.Conn(), run.ID, EntityScheduleEntry, 9, "notes", "alt", "neu"); err != nil {
		t.Fatalf("LogEntityUpdated failed: %v", err)
	}
	if err := tracker.LogEntityDeleted(ctx, db.Conn(), run.ID, EntityCourse, 7, "course deactivated"); err != nil {
		t.Fatalf("LogEntityDeleted failed: %v", err)
	}

	changes, err := tracker.ChangesOfRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ChangesOfRun failed: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("Expected 3 changes, got %d", len(changes))
	}
	if changes[0].ChangeType != storage.ChangeCreated || changes[0].EntityID != 7 {
		t.Errorf("Unexpected change: %+v", changes[0])
	}
	if changes[1].FieldName != "notes" || changes[1].Description == "" {
		t.Errorf("Unexpected change: %+v", changes[1])
	}
	if changes[2].ChangeType != storage.ChangeDeleted {
		t.Errorf("Unexpected change: %+v", changes[2])
	}

	recent, err := tracker.RecentChanges(ctx, time.Now().Add(-time.Minute))
	if err != nil || len(recent) != 3 {
		t.Errorf("RecentChanges = %d, %v", len(recent), err)
	}

	stats, err := tracker.ChangeStats(ctx, run.ID)
	if err != nil {
		t.Fatalf("ChangeStats failed: %v", err)
	}
	if len(stats) != 3 {
		t.Errorf("Expected 3 stat rows, got %d", len(stats))
	}
}
