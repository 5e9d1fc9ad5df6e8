package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createTestSemester(t *testing.T, db *DB) Semester {
	t.Helper()
	semester, err := db.CreateSemester(context.Background(), Semester{
		Name:      "Sommersemester 2024",
		ShortName: "SS24",
		StartDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC),
		Active:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create semester: %v", err)
	}
	return semester
}

func TestSemesterLifecycle(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	created := createTestSemester(t, db)

	if created.ID == 0 {
		t.Fatal("Expected a non-zero semester ID")
	}

	byID, err := db.GetSemesterByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSemesterByID failed: %v", err)
	}
	if byID.Name != "Sommersemester 2024" || byID.ShortName != "SS24" {
		t.Errorf("Unexpected semester: %+v", byID)
	}
	if !byID.StartDate.Equal(created.StartDate) {
		t.Errorf("StartDate = %v, want %v", byID.StartDate, created.StartDate)
	}
	if !byID.Active {
		t.Error("Expected semester to be active")
	}

	byName, err := db.GetSemesterByName(ctx, "Sommersemester 2024")
	if err != nil || byName.ID != created.ID {
		t.Errorf("GetSemesterByName = %+v, %v", byName, err)
	}
	byShort, err := db.GetSemesterByShortName(ctx, "SS24")
	if err != nil || byShort.ID != created.ID {
		t.Errorf("GetSemesterByShortName = %+v, %v", byShort, err)
	}

	if _, err := db.GetSemesterByID(ctx, 9999); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListSemestersNewestFirst(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	older := Semester{
		Name:      "Wintersemester 2023/24",
		ShortName: "WS23",
		StartDate: time.Date(2023, 10, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		Active:    true,
	}
	if _, err := db.CreateSemester(ctx, older); err != nil {
		t.Fatalf("Failed to create semester: %v", err)
	}
	createTestSemester(t, db)

	semesters, err := db.ListSemesters(ctx)
	if err != nil {
		t.Fatalf("ListSemesters failed: %v", err)
	}
	if len(semesters) != 2 {
		t.Fatalf("Expected 2 semesters, got %d", len(semesters))
	}
	if semesters[0].ShortName != "SS24" {
		t.Errorf("Expected newest semester first, got %q", semesters[0].ShortName)
	}
}

func TestSemesterNameUnique(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	createTestSemester(t, db)

	_, err := db.CreateSemester(context.Background(), Semester{
		Name:      "Sommersemester 2024",
		ShortName: "SS24-2",
		StartDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC),
	})
	if !IsUniqueViolation(err) {
		t.Errorf("Expected a unique violation, got %v", err)
	}
}

func TestCourseNameUniquePerSemesterCaseInsensitive(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	first, err := CreateCourse(ctx, db.Conn(), Course{
		SemesterID: semester.ID, Name: "Lineare Algebra", Active: true,
	})
	if err != nil {
		t.Fatalf("Failed to create course: %v", err)
	}

	// Same name, different case: the partial index must reject it.
	_, err = CreateCourse(ctx, db.Conn(), Course{
		SemesterID: semester.ID, Name: "lineare algebra", Active: true,
	})
	if !IsUniqueViolation(err) {
		t.Fatalf("Expected a unique violation, got %v", err)
	}

	found, err := FindActiveCourse(ctx, db.Conn(), semester.ID, "LINEARE ALGEBRA")
	if err != nil {
		t.Fatalf("FindActiveCourse failed: %v", err)
	}
	if found.ID != first.ID {
		t.Errorf("Expected course %d, got %d", first.ID, found.ID)
	}
}

func TestInactiveCourseFreesTheName(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	course, err := CreateCourse(ctx, db.Conn(), Course{
		SemesterID: semester.ID, Name: "Numerik", Active: true,
	})
	if err != nil {
		t.Fatalf("Failed to create course: %v", err)
	}
	if _, err := db.Conn().ExecContext(ctx,
		`UPDATE courses SET active = 0 WHERE id = ?`, course.ID); err != nil {
		t.Fatalf("Failed to deactivate course: %v", err)
	}

	// The unique index only covers active courses.
	if _, err := CreateCourse(ctx, db.Conn(), Course{
		SemesterID: semester.ID, Name: "Numerik", Active: true,
	}); err != nil {
		t.Errorf("Expected a new active course to be allowed, got %v", err)
	}

	if _, err := FindActiveCourse(ctx, db.Conn(), semester.ID, "numerik"); err != nil {
		t.Errorf("FindActiveCourse failed: %v", err)
	}
}

func TestSameCourseNameInOtherSemester(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)
	other, err := db.CreateSemester(ctx, Semester{
		Name:      "Wintersemester 2024/25",
		ShortName: "WS24",
		StartDate: time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
		Active:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create semester: %v", err)
	}

	for _, semesterID := range []int64{semester.ID, other.ID} {
		if _, err := CreateCourse(ctx, db.Conn(), Course{
			SemesterID: semesterID, Name: "Analysis I", Active: true,
		}); err != nil {
			t.Errorf("Failed to create course in semester %d: %v", semesterID, err)
		}
	}
}

func TestCourseWithEntries(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	lecturer, err := CreateLecturer(ctx, db.Conn(), Lecturer{Name: "Erika Musterfrau", Title: "Prof. Dr."})
	if err != nil {
		t.Fatalf("Failed to create lecturer: %v", err)
	}
	courseType, err := CreateCourseType(ctx, db.Conn(), CourseType{Code: "V", Name: "Vorlesung"})
	if err != nil {
		t.Fatalf("Failed to create course type: %v", err)
	}
	room, err := CreateRoom(ctx, db.Conn(), Room{Code: "MIB-1108", Building: "MIB", RoomNumber: "1108", Active: true})
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	course, err := CreateCourse(ctx, db.Conn(), Course{
		SemesterID:   semester.ID,
		Name:         "Lineare Algebra",
		LecturerID:   lecturer.ID,
		CourseTypeID: courseType.ID,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("Failed to create course: %v", err)
	}

	entry, err := CreateScheduleEntry(ctx, db.Conn(), ScheduleEntry{
		CourseID:    course.ID,
		RoomID:      room.ID,
		DayOfWeek:   time.Monday,
		Start:       450,
		End:         540,
		WeekPattern: "w",
		Notes:       "Pflichtmodule",
		Active:      true,
	})
	if err != nil {
		t.Fatalf("Failed to create schedule entry: %v", err)
	}

	loaded, err := GetCourseWithEntries(ctx, db.Conn(), course.ID)
	if err != nil {
		t.Fatalf("GetCourseWithEntries failed: %v", err)
	}
	if loaded.LecturerID != lecturer.ID || loaded.CourseTypeID != courseType.ID {
		t.Errorf("Unexpected refs: %+v", loaded)
	}
	if len(loaded.Entries) != 1 {
		t.Fatalf("Expected 1 entry, got %d", len(loaded.Entries))
	}
	got := loaded.Entries[0]
	if got.ID != entry.ID || got.RoomCode != "MIB-1108" {
		t.Errorf("Unexpected entry: %+v", got)
	}
	if got.DayOfWeek != time.Monday || got.Start != 450 || got.End != 540 {
		t.Errorf("Unexpected slot: %+v", got)
	}

	if err := UpdateScheduleEntryFields(ctx, db.Conn(), entry.ID, "u", "Gruppe A"); err != nil {
		t.Fatalf("UpdateScheduleEntryFields failed: %v", err)
	}
	loaded, err = GetCourseWithEntries(ctx, db.Conn(), course.ID)
	if err != nil {
		t.Fatalf("GetCourseWithEntries failed: %v", err)
	}
	if loaded.Entries[0].WeekPattern != "u" || loaded.Entries[0].Notes != "Gruppe A" {
		t.Errorf("Update not visible: %+v", loaded.Entries[0])
	}
}

func TestScheduleEntryRejectsInvertedTimeRange(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	course, err := CreateCourse(ctx, db.Conn(), Course{SemesterID: semester.ID, Name: "Numerik", Active: true})
	if err != nil {
		t.Fatalf("Failed to create course: %v", err)
	}
	room, err := CreateRoom(ctx, db.Conn(), Room{Code: "HSB-1", Active: true})
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	if _, err := CreateScheduleEntry(ctx, db.Conn(), ScheduleEntry{
		CourseID: course.ID, RoomID: room.ID, DayOfWeek: time.Monday,
		Start: 540, End: 450, Active: true,
	}); err == nil {
		t.Error("Expected the check constraint to reject end before start")
	}
}

func TestLecturerLookups(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	created, err := CreateLecturer(ctx, db.Conn(), Lecturer{
		Name: "Hans Meier", Email: "hans.meier@tu-freiberg.de",
	})
	if err != nil {
		t.Fatalf("Failed to create lecturer: %v", err)
	}
	if _, err := CreateLecturer(ctx, db.Conn(), Lecturer{Name: "Karla Meier-Schmidt"}); err != nil {
		t.Fatalf("Failed to create lecturer: %v", err)
	}

	byEmail, err := GetLecturerByEmail(ctx, db.Conn(), "Hans.Meier@TU-Freiberg.DE")
	if err != nil {
		t.Fatalf("GetLecturerByEmail failed: %v", err)
	}
	if byEmail.ID != created.ID {
		t.Errorf("Expected lecturer %d, got %d", created.ID, byEmail.ID)
	}

	// The shortest containing name wins.
	byName, err := FindLecturerByName(ctx, db.Conn(), "meier")
	if err != nil {
		t.Fatalf("FindLecturerByName failed: %v", err)
	}
	if byName.ID != created.ID {
		t.Errorf("Expected lecturer %d, got %d", created.ID, byName.ID)
	}

	if _, err := FindLecturerByName(ctx, db.Conn(), "unbekannt"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLecturerEmailUniqueCaseInsensitive(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := CreateLecturer(ctx, db.Conn(), Lecturer{
		Name: "Hans Meier", Email: "hans.meier@tu-freiberg.de",
	}); err != nil {
		t.Fatalf("Failed to create lecturer: %v", err)
	}
	_, err := CreateLecturer(ctx, db.Conn(), Lecturer{
		Name: "H. Meier", Email: "Hans.Meier@tu-freiberg.de",
	})
	if !IsUniqueViolation(err) {
		t.Errorf("Expected a unique violation, got %v", err)
	}

	// Blank emails never collide.
	for _, name := range []string{"N.N.", "N.N. 2"} {
		if _, err := CreateLecturer(ctx, db.Conn(), Lecturer{Name: name}); err != nil {
			t.Errorf("Failed to create lecturer without email: %v", err)
		}
	}
}

func TestUpdateLecturerContact(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	created, err := CreateLecturer(ctx, db.Conn(), Lecturer{Name: "Anna Vogel"})
	if err != nil {
		t.Fatalf("Failed to create lecturer: %v", err)
	}
	if err := UpdateLecturerContact(ctx, db.Conn(), created.ID, "Dr.", "anna.vogel@tu-freiberg.de"); err != nil {
		t.Fatalf("UpdateLecturerContact failed: %v", err)
	}
	loaded, err := GetLecturerByEmail(ctx, db.Conn(), "anna.vogel@tu-freiberg.de")
	if err != nil {
		t.Fatalf("GetLecturerByEmail failed: %v", err)
	}
	if loaded.Title != "Dr." || loaded.Name != "Anna Vogel" {
		t.Errorf("Unexpected lecturer: %+v", loaded)
	}
}

func TestStudyProgramLinking(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	program, err := CreateStudyProgram(ctx, db.Conn(), StudyProgram{
		Code: "BAI", Name: "Angewandte Informatik", Degree: DegreeBachelor,
		Faculty: "Fakultät für Mathematik und Informatik", Active: true,
	})
	if err != nil {
		t.Fatalf("Failed to create study program: %v", err)
	}
	course, err := CreateCourse(ctx, db.Conn(), Course{SemesterID: semester.ID, Name: "Analysis I", Active: true})
	if err != nil {
		t.Fatalf("Failed to create course: %v", err)
	}

	linked, err := IsCourseLinked(ctx, db.Conn(), course.ID, program.ID)
	if err != nil || linked {
		t.Fatalf("Expected no link yet, got %v, %v", linked, err)
	}
	if err := LinkCourseStudyProgram(ctx, db.Conn(), CourseStudyProgram{
		CourseID: course.ID, StudyProgramID: program.ID, FachSemester: 3,
	}); err != nil {
		t.Fatalf("LinkCourseStudyProgram failed: %v", err)
	}
	linked, err = IsCourseLinked(ctx, db.Conn(), course.ID, program.ID)
	if err != nil || !linked {
		t.Fatalf("Expected link, got %v, %v", linked, err)
	}

	// The link is unique per pair.
	err = LinkCourseStudyProgram(ctx, db.Conn(), CourseStudyProgram{
		CourseID: course.ID, StudyProgramID: program.ID, FachSemester: 5,
	})
	if !IsUniqueViolation(err) {
		t.Errorf("Expected a unique violation, got %v", err)
	}

	byName, err := FindStudyProgramByName(ctx, db.Conn(), "angewandte")
	if err != nil || byName.ID != program.ID {
		t.Errorf("FindStudyProgramByName = %+v, %v", byName, err)
	}
}

func TestScrapingRunLifecycle(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	run, err := db.CreateScrapingRun(ctx, semester.ID, "https://example.org/katalog/")
	if err != nil {
		t.Fatalf("CreateScrapingRun failed: %v", err)
	}
	loaded, err := db.GetScrapingRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetScrapingRun failed: %v", err)
	}
	if loaded.Status != RunStatusRunning {
		t.Errorf("Status = %q", loaded.Status)
	}
	if !loaded.EndedAt.IsZero() {
		t.Errorf("Expected zero EndedAt, got %v", loaded.EndedAt)
	}

	if err := db.CompleteScrapingRun(ctx, run.ID, 120, 7, 3); err != nil {
		t.Fatalf("CompleteScrapingRun failed: %v", err)
	}
	loaded, err = db.GetScrapingRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetScrapingRun failed: %v", err)
	}
	if loaded.Status != RunStatusCompleted {
		t.Errorf("Status = %q", loaded.Status)
	}
	if loaded.TotalEntries != 120 || loaded.NewEntries != 7 || loaded.UpdatedEntries != 3 {
		t.Errorf("Unexpected totals: %+v", loaded)
	}
	if loaded.EndedAt.IsZero() {
		t.Error("Expected EndedAt to be set")
	}
}

func TestScrapingRunFailAndCancel(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	failed, err := db.CreateScrapingRun(ctx, semester.ID, "")
	if err != nil {
		t.Fatalf("CreateScrapingRun failed: %v", err)
	}
	if err := db.FailScrapingRun(ctx, failed.ID, "Katalog nicht erreichbar"); err != nil {
		t.Fatalf("FailScrapingRun failed: %v", err)
	}
	loaded, err := db.GetScrapingRun(ctx, failed.ID)
	if err != nil {
		t.Fatalf("GetScrapingRun failed: %v", err)
	}
	if loaded.Status != RunStatusFailed || loaded.ErrorMessage != "Katalog nicht erreichbar" {
		t.Errorf("Unexpected run: %+v", loaded)
	}

	cancelled, err := db.CreateScrapingRun(ctx, semester.ID, "")
	if err != nil {
		t.Fatalf("CreateScrapingRun failed: %v", err)
	}
	if err := db.CancelScrapingRun(ctx, cancelled.ID, "Scraping abgebrochen"); err != nil {
		t.Fatalf("CancelScrapingRun failed: %v", err)
	}
	loaded, err = db.GetScrapingRun(ctx, cancelled.ID)
	if err != nil {
		t.Fatalf("GetScrapingRun failed: %v", err)
	}
	if loaded.Status != RunStatusCancelled {
		t.Errorf("Status = %q", loaded.Status)
	}

	runs, err := db.ListScrapingRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListScrapingRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 runs, got %d", len(runs))
	}
}

func TestChangeLogQueries(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)
	run, err := db.CreateScrapingRun(ctx, semester.ID, "")
	if err != nil {
		t.Fatalf("CreateScrapingRun failed: %v", err)
	}

	logs := []ChangeLog{
		{ScrapingRunID: run.ID, EntityType: "course", EntityID: 1, ChangeType: ChangeCreated, Description: "course 1: Analysis I"},
		{ScrapingRunID: run.ID, EntityType: "course", EntityID: 2, ChangeType: ChangeCreated},
		{ScrapingRunID: run.ID, EntityType: "schedule_entry", EntityID: 5, ChangeType: ChangeUpdated,
			FieldName: "week_pattern", OldValue: "w", NewValue: "u"},
	}
	for _, log := range logs {
		if err := InsertChangeLog(ctx, db.Conn(), log); err != nil {
			t.Fatalf("InsertChangeLog failed: %v", err)
		}
	}

	byRun, err := db.ListChangeLogsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListChangeLogsByRun failed: %v", err)
	}
	if len(byRun) != 3 {
		t.Fatalf("Expected 3 changes, got %d", len(byRun))
	}
	if byRun[0].Description != "course 1: Analysis I" {
		t.Errorf("Description = %q", byRun[0].Description)
	}
	if byRun[2].FieldName != "week_pattern" || byRun[2].OldValue != "w" || byRun[2].NewValue != "u" {
		t.Errorf("Unexpected change: %+v", byRun[2])
	}

	recent, err := db.ListChangeLogsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListChangeLogsSince failed: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("Expected 3 recent changes, got %d", len(recent))
	}
	old, err := db.ListChangeLogsSince(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListChangeLogsSince failed: %v", err)
	}
	if len(old) != 0 {
		t.Errorf("Expected no changes in the future window, got %d", len(old))
	}

	stats, err := db.ChangeStatsByType(ctx, run.ID)
	if err != nil {
		t.Fatalf("ChangeStatsByType failed: %v", err)
	}
	want := map[string]int{
		"course/created":         2,
		"schedule_entry/updated": 1,
	}
	if len(stats) != len(want) {
		t.Fatalf("Expected %d stat rows, got %d", len(want), len(stats))
	}
	for _, stat := range stats {
		if want[stat.EntityType+"/"+stat.ChangeType] != stat.Count {
			t.Errorf("Unexpected stat: %+v", stat)
		}
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	wantErr := errors.New("abort")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := CreateCourse(ctx, tx, Course{
			SemesterID: semester.ID, Name: "Analysis I", Active: true,
		}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Expected the callback error, got %v", err)
	}

	if _, err := FindActiveCourse(ctx, db.Conn(), semester.ID, "Analysis I"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected the insert to be rolled back, got %v", err)
	}
}

func TestWithTxCommits(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	semester := createTestSemester(t, db)

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := CreateCourse(ctx, tx, Course{
			SemesterID: semester.ID, Name: "Analysis I", Active: true,
		})
		return err
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	count, err := db.CountActiveCourses(ctx, semester.ID)
	if err != nil {
		t.Fatalf("CountActiveCourses failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 active course, got %d", count)
	}
}
