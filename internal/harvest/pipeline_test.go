package harvest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campustools/vover-harvester/internal/changetrack"
	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/metrics"
	"github.com/campustools/vover-harvester/internal/progress"
	"github.com/campustools/vover-harvester/internal/scraper"
	"github.com/campustools/vover-harvester/internal/storage"
)

type pipelineFixture struct {
	db        *storage.DB
	pipeline  *Pipeline
	tracker   *progress.Tracker
	changes   *changetrack.Tracker
	programID int64
	rc        RowContext
}

func setupPipeline(t *testing.T) *pipelineFixture {
	t.Helper()

	db, err := storage.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	log := logger.New("error")
	tracker := progress.NewTracker()
	changes := changetrack.NewTracker(db, log)
	m := metrics.New(prometheus.NewRegistry())

	semester, err := db.CreateSemester(ctx, storage.Semester{
		Name:      "Sommersemester 2024",
		ShortName: "SS24",
		StartDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC),
		Active:    true,
	})
	if err != nil {
		t.Fatalf("Failed to create semester: %v", err)
	}
	program, err := storage.CreateStudyProgram(ctx, db.Conn(), storage.StudyProgram{
		Code: "BAI", Name: "Angewandte Informatik", Degree: storage.DegreeBachelor, Active: true,
	})
	if err != nil {
		t.Fatalf("Failed to create study program: %v", err)
	}
	run, err := db.CreateScrapingRun(ctx, semester.ID, "")
	if err != nil {
		t.Fatalf("Failed to create scraping run: %v", err)
	}

	return &pipelineFixture{
		db:        db,
		pipeline:  NewPipeline(db, changes, tracker, m, log),
		tracker:   tracker,
		changes:   changes,
		programID: program.ID,
		rc: RowContext{
			RunID:        run.ID,
			SemesterID:   semester.ID,
			Program:      scraper.StudyProgramOption{Code: program.Code, DisplayName: program.Name},
			FachSemester: "3.Semester",
		},
	}
}

func testRow() scraper.ScheduleRow {
	return scraper.ScheduleRow{
		CourseType:  "V",
		Title:       "Lineare Algebra",
		Lecturer:    "Prof. Dr. Erika Musterfrau",
		Day:         time.Monday,
		Start:       450,
		End:         540,
		RoomCode:    "MIB-1108",
		WeekPattern: "w",
		InfoID:      "4711",
		Category:    "Pflichtmodule",
	}
}

func TestPersistRowCreatesEverything(t *testing.T) {
	t.Parallel()

	f := setupPipeline(t)
	ctx := context.Background()

	outcome, err := f.pipeline.PersistRow(ctx, f.rc, testRow())
	if err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}
	if outcome != RowCreated {
		t.Fatalf("Outcome = %v, want RowCreated", outcome)
	}

	course, err := storage.FindActiveCourse(ctx, f.db.Conn(), f.rc.SemesterID, "Lineare Algebra")
	if err != nil {
		t.Fatalf("FindActiveCourse failed: %v", err)
	}
	if course.LecturerID == 0 || course.CourseTypeID == 0 {
		t.Errorf("Expected lecturer and course type refs, got %+v", course)
	}

	courseType, err := storage.GetCourseTypeByCode(ctx, f.db.Conn(), "V")
	if err != nil {
		t.Fatalf("GetCourseTypeByCode failed: %v", err)
	}
	if courseType.Name != "Vorlesung" {
		t.Errorf("Course type name = %q", courseType.Name)
	}

	lecturer, err := storage.FindLecturerByName(ctx, f.db.Conn(), "Erika Musterfrau")
	if err != nil {
		t.Fatalf("FindLecturerByName failed: %v", err)
	}
	if lecturer.Title != "Prof. Dr." {
		t.Errorf("Lecturer title = %q", lecturer.Title)
	}

	room, err := storage.GetRoomByCode(ctx, f.db.Conn(), "MIB-1108")
	if err != nil {
		t.Fatalf("GetRoomByCode failed: %v", err)
	}
	if room.Building != "MIB" || room.RoomNumber != "1108" {
		t.Errorf("Unexpected room: %+v", room)
	}

	linked, err := storage.IsCourseLinked(ctx, f.db.Conn(), course.ID, f.programID)
	if err != nil || !linked {
		t.Errorf("Expected course link, got %v, %v", linked, err)
	}

	loaded, err := storage.GetCourseWithEntries(ctx, f.db.Conn(), course.ID)
	if err != nil {
		t.Fatalf("GetCourseWithEntries failed: %v", err)
	}
	if len(loaded.Entries) != 1 {
		t.Fatalf("Expected 1 schedule entry, got %d", len(loaded.Entries))
	}
	entry := loaded.Entries[0]
	if entry.DayOfWeek != time.Monday || entry.Start != 450 || entry.End != 540 {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Notes != "Pflichtmodule | 3.Semester | Info 4711" {
		t.Errorf("Notes = %q", entry.Notes)
	}

	logs, err := f.changes.ChangesOfRun(ctx, f.rc.RunID)
	if err != nil {
		t.Fatalf("ChangesOfRun failed: %v", err)
	}
	created := map[string]bool{}
	for _, log := range logs {
		if log.ChangeType == storage.ChangeCreated {
			created[log.EntityType] = true
		}
	}
	for _, entity := range []string{
		changetrack.EntityCourseType, changetrack.EntityLecturer,
		changetrack.EntityRoom, changetrack.EntityCourse, changetrack.EntityScheduleEntry,
	} {
		if !created[entity] {
			t.Errorf("Missing created log for %s", entity)
		}
	}
}

func TestPersistRowIdempotent(t *testing.T) {
	t.Parallel()

	f := setupPipeline(t)
	ctx := context.Background()

	if _, err := f.pipeline.PersistRow(ctx, f.rc, testRow()); err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}
	outcome, err := f.pipeline.PersistRow(ctx, f.rc, testRow())
	if err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}
	if outcome != RowUnchanged {
		t.Errorf("Outcome = %v, want RowUnchanged", outcome)
	}

	course, err := storage.FindActiveCourse(ctx, f.db.Conn(), f.rc.SemesterID, "Lineare Algebra")
	if err != nil {
		t.Fatalf("FindActiveCourse failed: %v", err)
	}
	loaded, err := storage.GetCourseWithEntries(ctx, f.db.Conn(), course.ID)
	if err != nil {
		t.Fatalf("GetCourseWithEntries failed: %v", err)
	}
	if len(loaded.Entries) != 1 {
		t.Errorf("Expected 1 schedule entry after re-run, got %d", len(loaded.Entries))
	}
}

func TestPersistRowUpdatesChangedFields(t *testing.T) {
	t.Parallel()

	f := setupPipeline(t)
	ctx := context.Background()

	if _, err := f.pipeline.PersistRow(ctx, f.rc, testRow()); err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}

	row := testRow()
	row.WeekPattern = "u"
	outcome, err := f.pipeline.PersistRow(ctx, f.rc, row)
	if err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}
	if outcome != RowUpdated {
		t.Fatalf("Outcome = %v, want RowUpdated", outcome)
	}

	logs, err := f.changes.ChangesOfRun(ctx, f.rc.RunID)
	if err != nil {
		t.Fatalf("ChangesOfRun failed: %v", err)
	}
	var found bool
	for _, log := range logs {
		if log.ChangeType == storage.ChangeUpdated && log.FieldName == "weekPattern" {
			if log.OldValue != "w" || log.NewValue != "u" {
				t.Errorf("Unexpected change: %+v", log)
			}
			found = true
		}
	}
	if !found {
		t.Error("Missing weekPattern update log")
	}
}

func TestPersistRowSecondSlotSameCourse(t *testing.T) {
	t.Parallel()

	f := setupPipeline(t)
	ctx := context.Background()

	if _, err := f.pipeline.PersistRow(ctx, f.rc, testRow()); err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}

	// Same course, second weekly slot: one course, two entries.
	row := testRow()
	row.Day = time.Thursday
	row.Start = 660
	row.End = 750
	outcome, err := f.pipeline.PersistRow(ctx, f.rc, row)
	if err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}
	if outcome != RowCreated {
		t.Fatalf("Outcome = %v, want RowCreated", outcome)
	}

	course, err := storage.FindActiveCourse(ctx, f.db.Conn(), f.rc.SemesterID, "Lineare Algebra")
	if err != nil {
		t.Fatalf("FindActiveCourse failed: %v", err)
	}
	loaded, err := storage.GetCourseWithEntries(ctx, f.db.Conn(), course.ID)
	if err != nil {
		t.Fatalf("GetCourseWithEntries failed: %v", err)
	}
	if len(loaded.Entries) != 2 {
		t.Errorf("Expected 2 schedule entries, got %d", len(loaded.Entries))
	}
}

func TestPersistRowCaseInsensitiveCourseMatch(t *testing.T) {
	t.Parallel()

	f := setupPipeline(t)
	ctx := context.Background()

	if _, err := f.pipeline.PersistRow(ctx, f.rc, testRow()); err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}

	row := testRow()
	row.Title = "LINEARE ALGEBRA"
	outcome, err := f.pipeline.PersistRow(ctx, f.rc, row)
	if err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}
	if outcome != RowUnchanged {
		t.Errorf("Outcome = %v, want RowUnchanged", outcome)
	}

	count, err := f.db.CountActiveCourses(ctx, f.rc.SemesterID)
	if err != nil {
		t.Fatalf("CountActiveCourses failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 active course, got %d", count)
	}
}

func TestPersistRowBlankRoomAndLecturer(t *testing.T) {
	t.Parallel()

	f := setupPipeline(t)
	ctx := context.Background()

	row := testRow()
	row.Lecturer = ""
	row.RoomCode = ""
	if _, err := f.pipeline.PersistRow(ctx, f.rc, row); err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}

	if _, err := storage.GetRoomByCode(ctx, f.db.Conn(), "k.A."); err != nil {
		t.Errorf("Expected the placeholder room, got %v", err)
	}
	if _, err := storage.FindLecturerByName(ctx, f.db.Conn(), "N.N."); err != nil {
		t.Errorf("Expected the placeholder lecturer, got %v", err)
	}
}

func TestPersistRowFillsLecturerContact(t *testing.T) {
	t.Parallel()

	f := setupPipeline(t)
	ctx := context.Background()

	// First sighting without contact details.
	row := testRow()
	row.Lecturer = "Erika Musterfrau"
	if _, err := f.pipeline.PersistRow(ctx, f.rc, row); err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}

	// Later sighting carries title and email; blanks are filled in.
	row = testRow()
	row.Day = time.Friday
	row.Lecturer = "Prof. Dr. Erika Musterfrau <erika.musterfrau@tu-freiberg.de>"
	if _, err := f.pipeline.PersistRow(ctx, f.rc, row); err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}

	lecturer, err := storage.GetLecturerByEmail(ctx, f.db.Conn(), "erika.musterfrau@tu-freiberg.de")
	if err != nil {
		t.Fatalf("GetLecturerByEmail failed: %v", err)
	}
	if lecturer.Name != "Erika Musterfrau" {
		t.Errorf("Stored name must not change, got %q", lecturer.Name)
	}
	if lecturer.Title != "Prof. Dr." {
		t.Errorf("Title = %q", lecturer.Title)
	}
}

func TestPersistRowRepairLogged(t *testing.T) {
	t.Parallel()

	f := setupPipeline(t)

	row := testRow()
	row.Lecturer = "Dr. Alice Example <alice@example.org>"
	if _, err := f.pipeline.PersistRow(context.Background(), f.rc, row); err != nil {
		t.Fatalf("PersistRow failed: %v", err)
	}

	var found bool
	for _, entry := range f.tracker.Snapshot().Logs {
		if strings.Contains(entry.Message, "lecturer cell repaired") {
			found = true
		}
	}
	if !found {
		t.Error("Expected a repair log entry")
	}
}

func TestNormalizeCourseTypeCode(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"V":         "V",
		"v":         "V",
		"Ü":         "Ü",
		"ü":         "Ü",
		"S":         "S",
		"Vorlesung": "V",
		"":          "?",
		"x":         "x",
	}
	for input, want := range cases {
		if got := NormalizeCourseTypeCode(input); got != want {
			t.Errorf("NormalizeCourseTypeCode(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSplitRoomCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code     string
		building string
		number   string
	}{
		{"MIB-1108", "MIB", "1108"},
		{"MIB/1001", "MIB", "1001"},
		{"HSB 2", "HSB", "2"},
		{"k.A.", "k.A.", "k.A."},
		{"Online", "Online", "Online"},
	}
	for _, tc := range cases {
		building, number := SplitRoomCode(tc.code)
		if building != tc.building || number != tc.number {
			t.Errorf("SplitRoomCode(%q) = %q, %q; want %q, %q",
				tc.code, building, number, tc.building, tc.number)
		}
	}
}

func TestBuildNotes(t *testing.T) {
	t.Parallel()

	rc := RowContext{FachSemester: "3.Semester"}
	row := scraper.ScheduleRow{Category: "Pflichtmodule", Group: "Gruppe A", InfoID: "4711"}
	if got := buildNotes(rc, row); got != "Pflichtmodule | Gruppe A | 3.Semester | Info 4711" {
		t.Errorf("buildNotes = %q", got)
	}

	if got := buildNotes(RowContext{}, scraper.ScheduleRow{}); got != "" {
		t.Errorf("buildNotes of empty input = %q", got)
	}
}

func TestFachSemesterNumber(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"3.Semester": 3,
		"1.Semester": 1,
		"":           0,
		"Semester":   0,
	}
	for input, want := range cases {
		if got := fachSemesterNumber(input); got != want {
			t.Errorf("fachSemesterNumber(%q) = %d, want %d", input, got, want)
		}
	}
}
