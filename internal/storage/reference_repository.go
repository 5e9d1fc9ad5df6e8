package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
)

// Reference entities (course types, lecturers, rooms, study programs) are
// resolved inside the row transaction, so these take a Querier.

// GetCourseTypeByCode looks up a course type by its normalized code.
func GetCourseTypeByCode(ctx context.Context, q Querier, code string) (CourseType, error) {
	var ct CourseType
	err := q.QueryRowContext(ctx,
		`SELECT id, code, name FROM course_types WHERE code = ?`, code).
		Scan(&ct.ID, &ct.Code, &ct.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return CourseType{}, apperrors.ErrNotFound
	}
	if err != nil {
		return CourseType{}, fmt.Errorf("failed to load course type %q: %w", code, err)
	}
	return ct, nil
}

// CreateCourseType inserts a course type.
func CreateCourseType(ctx context.Context, q Querier, ct CourseType) (CourseType, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO course_types (code, name) VALUES (?, ?)`, ct.Code, ct.Name)
	if err != nil {
		return CourseType{}, fmt.Errorf("failed to create course type %q: %w", ct.Code, err)
	}
	ct.ID, err = result.LastInsertId()
	if err != nil {
		return CourseType{}, fmt.Errorf("failed to read course type id: %w", err)
	}
	return ct, nil
}

// GetLecturerByEmail looks up a lecturer by case-insensitive email.
func GetLecturerByEmail(ctx context.Context, q Querier, email string) (Lecturer, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, name, title, email FROM lecturers WHERE lower(email) = lower(?)`, email)
	return scanLecturer(row)
}

// FindLecturerByName looks up a lecturer whose name contains the given text
// case-insensitively. The shortest match wins to avoid binding "Meier" to
// "Meier-Schmidt" when a plain "Meier" exists.
func FindLecturerByName(ctx context.Context, q Querier, name string) (Lecturer, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, name, title, email FROM lecturers
		 WHERE instr(lower(name), lower(?)) > 0
		 ORDER BY length(name) ASC, id ASC LIMIT 1`, name)
	return scanLecturer(row)
}

func scanLecturer(row *sql.Row) (Lecturer, error) {
	var (
		lecturer Lecturer
		title    sql.NullString
		email    sql.NullString
	)
	err := row.Scan(&lecturer.ID, &lecturer.Name, &title, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return Lecturer{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Lecturer{}, fmt.Errorf("failed to load lecturer: %w", err)
	}
	lecturer.Title = title.String
	lecturer.Email = email.String
	return lecturer, nil
}

// CreateLecturer inserts a lecturer.
func CreateLecturer(ctx context.Context, q Querier, lecturer Lecturer) (Lecturer, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO lecturers (name, title, email) VALUES (?, ?, ?)`,
		lecturer.Name, nullString(lecturer.Title), nullString(lecturer.Email))
	if err != nil {
		return Lecturer{}, fmt.Errorf("failed to create lecturer %q: %w", lecturer.Name, err)
	}
	lecturer.ID, err = result.LastInsertId()
	if err != nil {
		return Lecturer{}, fmt.Errorf("failed to read lecturer id: %w", err)
	}
	return lecturer, nil
}

// UpdateLecturerContact fills in title and email. Callers only pass values
// for fields that are currently blank; the stored name is never touched.
func UpdateLecturerContact(ctx context.Context, q Querier, id int64, title, email string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE lecturers SET title = ?, email = ? WHERE id = ?`,
		nullString(title), nullString(email), id)
	if err != nil {
		return fmt.Errorf("failed to update lecturer %d: %w", id, err)
	}
	return nil
}

// GetRoomByCode looks up a room by its exact code.
func GetRoomByCode(ctx context.Context, q Querier, code string) (Room, error) {
	var (
		room      Room
		capacity  sql.NullInt64
		roomType  sql.NullString
		equipment sql.NullString
		active    int
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, code, building, room_number, capacity, room_type, equipment, active
		 FROM rooms WHERE code = ?`, code).
		Scan(&room.ID, &room.Code, &room.Building, &room.RoomNumber, &capacity, &roomType, &equipment, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("failed to load room %q: %w", code, err)
	}
	room.Capacity = int(capacity.Int64)
	room.RoomType = roomType.String
	room.Equipment = equipment.String
	room.Active = active != 0
	return room, nil
}

// CreateRoom inserts a room.
func CreateRoom(ctx context.Context, q Querier, room Room) (Room, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO rooms (code, building, room_number, capacity, room_type, equipment, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		room.Code, room.Building, room.RoomNumber,
		nullInt(room.Capacity), nullString(room.RoomType), nullString(room.Equipment),
		boolToInt(room.Active))
	if err != nil {
		return Room{}, fmt.Errorf("failed to create room %q: %w", room.Code, err)
	}
	room.ID, err = result.LastInsertId()
	if err != nil {
		return Room{}, fmt.Errorf("failed to read room id: %w", err)
	}
	return room, nil
}

// GetStudyProgramByCode looks up a study program by its short code.
func GetStudyProgramByCode(ctx context.Context, q Querier, code string) (StudyProgram, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, code, name, degree, faculty, active FROM study_programs WHERE code = ?`, code)
	return scanStudyProgram(row)
}

// FindStudyProgramByName looks up a study program whose display name
// contains the given text case-insensitively.
func FindStudyProgramByName(ctx context.Context, q Querier, name string) (StudyProgram, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, code, name, degree, faculty, active FROM study_programs
		 WHERE instr(lower(name), lower(?)) > 0
		 ORDER BY length(name) ASC, id ASC LIMIT 1`, name)
	return scanStudyProgram(row)
}

func scanStudyProgram(row *sql.Row) (StudyProgram, error) {
	var (
		program StudyProgram
		faculty sql.NullString
		active  int
	)
	err := row.Scan(&program.ID, &program.Code, &program.Name, &program.Degree, &faculty, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return StudyProgram{}, apperrors.ErrNotFound
	}
	if err != nil {
		return StudyProgram{}, fmt.Errorf("failed to load study program: %w", err)
	}
	program.Faculty = faculty.String
	program.Active = active != 0
	return program, nil
}

// CreateStudyProgram inserts a study program.
func CreateStudyProgram(ctx context.Context, q Querier, program StudyProgram) (StudyProgram, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO study_programs (code, name, degree, faculty, active)
		 VALUES (?, ?, ?, ?, ?)`,
		program.Code, program.Name, program.Degree, nullString(program.Faculty),
		boolToInt(program.Active))
	if err != nil {
		return StudyProgram{}, fmt.Errorf("failed to create study program %q: %w", program.Code, err)
	}
	program.ID, err = result.LastInsertId()
	if err != nil {
		return StudyProgram{}, fmt.Errorf("failed to read study program id: %w", err)
	}
	return program, nil
}

// UpdateStudyProgram refreshes the mutable fields of a study program.
func UpdateStudyProgram(ctx context.Context, q Querier, program StudyProgram) error {
	_, err := q.ExecContext(ctx,
		`UPDATE study_programs SET name = ?, degree = ?, faculty = ?, active = ? WHERE id = ?`,
		program.Name, program.Degree, nullString(program.Faculty),
		boolToInt(program.Active), program.ID)
	if err != nil {
		return fmt.Errorf("failed to update study program %d: %w", program.ID, err)
	}
	return nil
}

// IsCourseLinked reports whether a course is already linked to a study
// program.
func IsCourseLinked(ctx context.Context, q Querier, courseID, studyProgramID int64) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM course_study_programs
		 WHERE course_id = ? AND study_program_id = ?`, courseID, studyProgramID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check course link: %w", err)
	}
	return count > 0, nil
}

// LinkCourseStudyProgram links a course to a study program. The link is
// unique per (course, study program) regardless of fach-semester.
func LinkCourseStudyProgram(ctx context.Context, q Querier, link CourseStudyProgram) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO course_study_programs (course_id, study_program_id, fach_semester)
		 VALUES (?, ?, ?)`,
		link.CourseID, link.StudyProgramID, nullInt(link.FachSemester))
	if err != nil {
		return fmt.Errorf("failed to link course %d to study program %d: %w",
			link.CourseID, link.StudyProgramID, err)
	}
	return nil
}
