package harvest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/campustools/vover-harvester/internal/changetrack"
	apperrors "github.com/campustools/vover-harvester/internal/errors"
	"github.com/campustools/vover-harvester/internal/logger"
	"github.com/campustools/vover-harvester/internal/metrics"
	"github.com/campustools/vover-harvester/internal/progress"
	"github.com/campustools/vover-harvester/internal/scraper"
	"github.com/campustools/vover-harvester/internal/storage"
)

// courseTypeNames maps the normalized one-character codes to their long
// names. Unknown codes keep the raw cell text as name.
var courseTypeNames = map[string]string{
	"V": "Vorlesung",
	"Ü": "Übung",
	"S": "Seminar",
	"P": "Praktikum",
	"B": "Blockveranstaltung",
}

func isNotFound(err error) bool { return errors.Is(err, apperrors.ErrNotFound) }

// RowOutcome says what PersistRow did.
type RowOutcome int

const (
	RowUnchanged RowOutcome = iota
	RowCreated
	RowUpdated
)

// RowContext carries the surrounding harvest state into a row transaction.
type RowContext struct {
	RunID        int64
	SemesterID   int64
	Program      scraper.StudyProgramOption
	FachSemester string // e.g. "4.Semester", empty for the default page
}

// Pipeline persists schedule rows. Each row commits in its own short
// transaction, so concurrent workers only ever contend on the DB level.
type Pipeline struct {
	db      *storage.DB
	changes *changetrack.Tracker
	tracker *progress.Tracker
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewPipeline wires the row pipeline.
func NewPipeline(db *storage.DB, changes *changetrack.Tracker, tracker *progress.Tracker, m *metrics.Metrics, log *logger.Logger) *Pipeline {
	return &Pipeline{
		db:      db,
		changes: changes,
		tracker: tracker,
		metrics: m,
		log:     log.WithModule("pipeline"),
	}
}

// PersistRow upserts one schedule row: course type, lecturer, room, course,
// study-program link and schedule entry, with change-log records in the
// same transaction.
func (p *Pipeline) PersistRow(ctx context.Context, rc RowContext, row scraper.ScheduleRow) (RowOutcome, error) {
	start := time.Now()
	outcome := RowUnchanged

	err := p.db.WithTx(ctx, func(tx *sql.Tx) error {
		courseType, err := p.resolveCourseType(ctx, tx, rc, row.CourseType)
		if err != nil {
			return err
		}
		lecturer, err := p.resolveLecturer(ctx, tx, rc, row.Lecturer)
		if err != nil {
			return err
		}
		room, err := p.resolveRoom(ctx, tx, rc, row.RoomCode)
		if err != nil {
			return err
		}
		course, err := p.resolveCourse(ctx, tx, rc, row.Title, lecturer.ID, courseType.ID)
		if err != nil {
			return err
		}
		if err := p.linkStudyProgram(ctx, tx, rc, course.ID); err != nil {
			return err
		}
		outcome, err = p.upsertScheduleEntry(ctx, tx, rc, course, room, row)
		return err
	})
	if err != nil {
		return RowUnchanged, err
	}

	elapsed := time.Since(start).Seconds()
	switch outcome {
	case RowCreated:
		p.metrics.RecordRow("created", elapsed)
	case RowUpdated:
		p.metrics.RecordRow("updated", elapsed)
	default:
		p.metrics.RecordRow("unchanged", elapsed)
	}
	return outcome, nil
}

// NormalizeCourseTypeCode reduces a raw course-type cell to its
// one-character code, falling back to the first character of the raw text.
func NormalizeCourseTypeCode(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "?"
	}
	first, _ := utf8.DecodeRuneInString(text)
	code := string(unicode.ToUpper(first))
	if _, known := courseTypeNames[code]; known {
		return code
	}
	return string(first)
}

func (p *Pipeline) resolveCourseType(ctx context.Context, tx *sql.Tx, rc RowContext, raw string) (storage.CourseType, error) {
	code := NormalizeCourseTypeCode(raw)
	ct, err := storage.GetCourseTypeByCode(ctx, tx, code)
	if err == nil {
		return ct, nil
	}
	if !isNotFound(err) {
		return storage.CourseType{}, err
	}

	name := courseTypeNames[code]
	if name == "" {
		name = strings.TrimSpace(raw)
	}
	ct, err = storage.CreateCourseType(ctx, tx, storage.CourseType{Code: code, Name: name})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return storage.GetCourseTypeByCode(ctx, tx, code)
		}
		return storage.CourseType{}, err
	}
	if err := p.changes.LogEntityCreated(ctx, tx, rc.RunID, changetrack.EntityCourseType, ct.ID, "course type "+code); err != nil {
		return storage.CourseType{}, err
	}
	return ct, nil
}

func (p *Pipeline) resolveLecturer(ctx context.Context, tx *sql.Tx, rc RowContext, raw string) (storage.Lecturer, error) {
	identity := scraper.ParseLecturer(raw)

	if identity.Modified || identity.Truncated {
		msg := fmt.Sprintf("lecturer cell repaired: %q -> %q", raw, identity.Name)
		if len(msg) > 140 {
			msg = msg[:140]
		}
		p.tracker.Log(progress.LevelInfo, msg)
	}

	var (
		lecturer storage.Lecturer
		err      error
	)
	if identity.Email != "" {
		lecturer, err = storage.GetLecturerByEmail(ctx, tx, identity.Email)
		if isNotFound(err) {
			// The lecturer may have been stored from a cell without an
			// email; rejoin by name and fill the blanks below.
			lecturer, err = storage.FindLecturerByName(ctx, tx, identity.Name)
		}
	} else {
		lecturer, err = storage.FindLecturerByName(ctx, tx, identity.Name)
	}
	if err == nil {
		// Fill blanks only; a stored name is never overwritten.
		title, email := lecturer.Title, lecturer.Email
		if title == "" {
			title = identity.Title
		}
		if email == "" {
			email = identity.Email
		}
		if title != lecturer.Title || email != lecturer.Email {
			if err := storage.UpdateLecturerContact(ctx, tx, lecturer.ID, title, email); err != nil {
				return storage.Lecturer{}, err
			}
			lecturer.Title, lecturer.Email = title, email
		}
		return lecturer, nil
	}
	if !isNotFound(err) {
		return storage.Lecturer{}, err
	}

	lecturer, err = storage.CreateLecturer(ctx, tx, storage.Lecturer{
		Name:  identity.Name,
		Title: identity.Title,
		Email: identity.Email,
	})
	if err != nil {
		if storage.IsUniqueViolation(err) && identity.Email != "" {
			return storage.GetLecturerByEmail(ctx, tx, identity.Email)
		}
		return storage.Lecturer{}, err
	}
	if err := p.changes.LogEntityCreated(ctx, tx, rc.RunID, changetrack.EntityLecturer, lecturer.ID, "lecturer "+lecturer.Name); err != nil {
		return storage.Lecturer{}, err
	}
	return lecturer, nil
}

// SplitRoomCode parses a room code into (building, number) on the first
// delimiter. Codes without a delimiter keep the full code in both parts.
func SplitRoomCode(code string) (building, number string) {
	if idx := strings.IndexAny(code, "/- _"); idx > 0 && idx < len(code)-1 {
		return code[:idx], code[idx+1:]
	}
	return code, code
}

func (p *Pipeline) resolveRoom(ctx context.Context, tx *sql.Tx, rc RowContext, code string) (storage.Room, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		code = "k.A."
	}
	room, err := storage.GetRoomByCode(ctx, tx, code)
	if err == nil {
		return room, nil
	}
	if !isNotFound(err) {
		return storage.Room{}, err
	}

	building, number := SplitRoomCode(code)
	room, err = storage.CreateRoom(ctx, tx, storage.Room{
		Code:       code,
		Building:   building,
		RoomNumber: number,
		Active:     true,
	})
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return storage.GetRoomByCode(ctx, tx, code)
		}
		return storage.Room{}, err
	}
	if err := p.changes.LogEntityCreated(ctx, tx, rc.RunID, changetrack.EntityRoom, room.ID, "room "+code); err != nil {
		return storage.Room{}, err
	}
	return room, nil
}

func (p *Pipeline) resolveCourse(ctx context.Context, tx *sql.Tx, rc RowContext, title string, lecturerID, courseTypeID int64) (storage.Course, error) {
	course, err := storage.FindActiveCourse(ctx, tx, rc.SemesterID, title)
	if err != nil && !isNotFound(err) {
		return storage.Course{}, err
	}

	if isNotFound(err) {
		course, err = storage.CreateCourse(ctx, tx, storage.Course{
			SemesterID:   rc.SemesterID,
			Name:         title,
			LecturerID:   lecturerID,
			CourseTypeID: courseTypeID,
			Active:       true,
		})
		switch {
		case err == nil:
			if err := p.changes.LogEntityCreated(ctx, tx, rc.RunID, changetrack.EntityCourse, course.ID, "course "+title); err != nil {
				return storage.Course{}, err
			}
		case storage.IsUniqueViolation(err):
			// Another worker won the create race; join its course.
			course, err = storage.FindActiveCourse(ctx, tx, rc.SemesterID, title)
			if err != nil {
				return storage.Course{}, err
			}
		default:
			return storage.Course{}, err
		}
	}

	if course.LecturerID != lecturerID || course.CourseTypeID != courseTypeID {
		if err := storage.UpdateCourseRefs(ctx, tx, course.ID, lecturerID, courseTypeID); err != nil {
			return storage.Course{}, err
		}
	}

	// Reload eagerly so the duplicate check below sees entries written
	// earlier in this run.
	return storage.GetCourseWithEntries(ctx, tx, course.ID)
}

func (p *Pipeline) linkStudyProgram(ctx context.Context, tx *sql.Tx, rc RowContext, courseID int64) error {
	program, err := storage.GetStudyProgramByCode(ctx, tx, rc.Program.Code)
	if isNotFound(err) {
		program, err = storage.FindStudyProgramByName(ctx, tx, rc.Program.DisplayName)
	}
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	linked, err := storage.IsCourseLinked(ctx, tx, courseID, program.ID)
	if err != nil || linked {
		return err
	}
	return storage.LinkCourseStudyProgram(ctx, tx, storage.CourseStudyProgram{
		CourseID:       courseID,
		StudyProgramID: program.ID,
		FachSemester:   fachSemesterNumber(rc.FachSemester),
	})
}

// fachSemesterNumber extracts the integer prefix of "N.Semester", 0 when
// absent.
func fachSemesterNumber(s string) int {
	digits, _, found := strings.Cut(s, ".")
	if !found {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(digits))
	if err != nil {
		return 0
	}
	return n
}

// buildNotes joins the non-blank context parts with " | ".
func buildNotes(rc RowContext, row scraper.ScheduleRow) string {
	var parts []string
	for _, part := range []string{row.Category, row.Group, rc.FachSemester} {
		if strings.TrimSpace(part) != "" {
			parts = append(parts, part)
		}
	}
	if row.InfoID != "" {
		parts = append(parts, "Info "+row.InfoID)
	}
	return strings.Join(parts, " | ")
}

func (p *Pipeline) upsertScheduleEntry(ctx context.Context, tx *sql.Tx, rc RowContext, course storage.Course, room storage.Room, row scraper.ScheduleRow) (RowOutcome, error) {
	notes := buildNotes(rc, row)

	for _, entry := range course.Entries {
		if !entry.Active ||
			entry.DayOfWeek != row.Day ||
			entry.Start != row.Start ||
			entry.End != row.End ||
			!strings.EqualFold(entry.RoomCode, room.Code) {
			continue
		}

		changed := false
		if entry.WeekPattern != row.WeekPattern {
			if err := p.changes.LogEntityUpdated(ctx, tx, rc.RunID, changetrack.EntityScheduleEntry,
				entry.ID, "weekPattern", entry.WeekPattern, row.WeekPattern); err != nil {
				return RowUnchanged, err
			}
			changed = true
		}
		if entry.Notes != notes {
			if err := p.changes.LogEntityUpdated(ctx, tx, rc.RunID, changetrack.EntityScheduleEntry,
				entry.ID, "notes", entry.Notes, notes); err != nil {
				return RowUnchanged, err
			}
			changed = true
		}
		if !changed {
			return RowUnchanged, nil
		}
		if err := storage.UpdateScheduleEntryFields(ctx, tx, entry.ID, row.WeekPattern, notes); err != nil {
			return RowUnchanged, err
		}
		return RowUpdated, nil
	}

	entry, err := storage.CreateScheduleEntry(ctx, tx, storage.ScheduleEntry{
		CourseID:    course.ID,
		RoomID:      room.ID,
		DayOfWeek:   row.Day,
		Start:       row.Start,
		End:         row.End,
		WeekPattern: row.WeekPattern,
		Notes:       notes,
		Active:      true,
	})
	if err != nil {
		return RowUnchanged, err
	}
	if err := p.changes.LogEntityCreated(ctx, tx, rc.RunID, changetrack.EntityScheduleEntry, entry.ID,
		fmt.Sprintf("entry %s %s-%s in %s", entry.DayOfWeek, scraper.FormatTime(entry.Start), scraper.FormatTime(entry.End), room.Code)); err != nil {
		return RowUnchanged, err
	}
	return RowCreated, nil
}
