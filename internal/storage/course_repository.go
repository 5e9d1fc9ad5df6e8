package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
)

// FindActiveCourse looks up the single active course with a
// case-insensitive name match within a semester.
func FindActiveCourse(ctx context.Context, q Querier, semesterID int64, name string) (Course, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, semester_id, name, course_number, lecturer_id, course_type_id, sws, ects, active
		 FROM courses
		 WHERE semester_id = ? AND active = 1 AND lower(name) = lower(?)`,
		semesterID, name)
	course, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Course{}, fmt.Errorf("failed to load course %q: %w", name, err)
	}
	return course, nil
}

// CreateCourse inserts a course. A unique violation here means another
// writer created the same active course concurrently; callers treat that
// as a normal branch and re-run FindActiveCourse.
func CreateCourse(ctx context.Context, q Querier, course Course) (Course, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO courses (semester_id, name, course_number, lecturer_id, course_type_id, sws, ects, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		course.SemesterID, course.Name, nullString(course.CourseNumber),
		nullID(course.LecturerID), nullID(course.CourseTypeID),
		nullFloat(course.SWS), nullFloat(course.ECTS), boolToInt(course.Active))
	if err != nil {
		return Course{}, err
	}
	course.ID, err = result.LastInsertId()
	if err != nil {
		return Course{}, fmt.Errorf("failed to read course id: %w", err)
	}
	return course, nil
}

// UpdateCourseRefs points an existing course at a (possibly new) lecturer
// and course type.
func UpdateCourseRefs(ctx context.Context, q Querier, courseID, lecturerID, courseTypeID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE courses SET lecturer_id = ?, course_type_id = ? WHERE id = ?`,
		nullID(lecturerID), nullID(courseTypeID), courseID)
	if err != nil {
		return fmt.Errorf("failed to update course %d refs: %w", courseID, err)
	}
	return nil
}

// GetCourseWithEntries reloads a course together with its schedule-entry
// collection, room codes included.
func GetCourseWithEntries(ctx context.Context, q Querier, courseID int64) (Course, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, semester_id, name, course_number, lecturer_id, course_type_id, sws, ects, active
		 FROM courses WHERE id = ?`, courseID)
	course, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Course{}, fmt.Errorf("failed to load course %d: %w", courseID, err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT e.id, e.course_id, e.room_id, r.code, e.day_of_week, e.start_minutes,
		        e.end_minutes, e.week_pattern, e.notes, e.active
		 FROM schedule_entries e
		 JOIN rooms r ON r.id = e.room_id
		 WHERE e.course_id = ?
		 ORDER BY e.id`, courseID)
	if err != nil {
		return Course{}, fmt.Errorf("failed to load schedule entries of course %d: %w", courseID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			entry       ScheduleEntry
			day         int
			weekPattern sql.NullString
			notes       sql.NullString
			active      int
		)
		if err := rows.Scan(&entry.ID, &entry.CourseID, &entry.RoomID, &entry.RoomCode,
			&day, &entry.Start, &entry.End, &weekPattern, &notes, &active); err != nil {
			return Course{}, fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		entry.DayOfWeek = time.Weekday(day)
		entry.WeekPattern = weekPattern.String
		entry.Notes = notes.String
		entry.Active = active != 0
		course.Entries = append(course.Entries, entry)
	}
	return course, rows.Err()
}

func scanCourse(row *sql.Row) (Course, error) {
	var (
		course       Course
		courseNumber sql.NullString
		lecturerID   sql.NullInt64
		courseTypeID sql.NullInt64
		sws          sql.NullFloat64
		ects         sql.NullFloat64
		active       int
	)
	err := row.Scan(&course.ID, &course.SemesterID, &course.Name, &courseNumber,
		&lecturerID, &courseTypeID, &sws, &ects, &active)
	if err != nil {
		return Course{}, err
	}
	course.CourseNumber = courseNumber.String
	course.LecturerID = lecturerID.Int64
	course.CourseTypeID = courseTypeID.Int64
	course.SWS = sws.Float64
	course.ECTS = ects.Float64
	course.Active = active != 0
	return course, nil
}

// CreateScheduleEntry inserts a schedule entry.
func CreateScheduleEntry(ctx context.Context, q Querier, entry ScheduleEntry) (ScheduleEntry, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO schedule_entries
		 (course_id, room_id, day_of_week, start_minutes, end_minutes, week_pattern, notes, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CourseID, entry.RoomID, int(entry.DayOfWeek), entry.Start, entry.End,
		nullString(entry.WeekPattern), nullString(entry.Notes), boolToInt(entry.Active))
	if err != nil {
		return ScheduleEntry{}, fmt.Errorf("failed to create schedule entry: %w", err)
	}
	entry.ID, err = result.LastInsertId()
	if err != nil {
		return ScheduleEntry{}, fmt.Errorf("failed to read schedule entry id: %w", err)
	}
	return entry, nil
}

// UpdateScheduleEntryFields saves the mutable comparison fields of an
// existing entry.
func UpdateScheduleEntryFields(ctx context.Context, q Querier, id int64, weekPattern, notes string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE schedule_entries SET week_pattern = ?, notes = ? WHERE id = ?`,
		nullString(weekPattern), nullString(notes), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule entry %d: %w", id, err)
	}
	return nil
}

// CountActiveCourses returns the number of active courses in a semester.
func (db *DB) CountActiveCourses(ctx context.Context, semesterID int64) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM courses WHERE semester_id = ? AND active = 1`, semesterID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count courses: %w", err)
	}
	return count, nil
}
