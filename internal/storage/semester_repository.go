package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
)

// CreateSemester inserts a semester and returns it with its ID set.
func (db *DB) CreateSemester(ctx context.Context, semester Semester) (Semester, error) {
	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO semesters (name, short_name, start_date, end_date, active)
		 VALUES (?, ?, ?, ?, ?)`,
		semester.Name,
		semester.ShortName,
		semester.StartDate.Format(dateLayout),
		semester.EndDate.Format(dateLayout),
		boolToInt(semester.Active),
	)
	if err != nil {
		return Semester{}, fmt.Errorf("failed to create semester %q: %w", semester.Name, err)
	}
	semester.ID, err = result.LastInsertId()
	if err != nil {
		return Semester{}, fmt.Errorf("failed to read semester id: %w", err)
	}
	return semester, nil
}

// GetSemesterByID looks up a semester. Returns ErrNotFound when absent.
func (db *DB) GetSemesterByID(ctx context.Context, id int64) (Semester, error) {
	return db.getSemester(ctx, `WHERE id = ?`, id)
}

// GetSemesterByName looks up a semester by its catalog display name.
func (db *DB) GetSemesterByName(ctx context.Context, name string) (Semester, error) {
	return db.getSemester(ctx, `WHERE name = ?`, name)
}

// GetSemesterByShortName looks up a semester by its short code, e.g. "SS24".
func (db *DB) GetSemesterByShortName(ctx context.Context, shortName string) (Semester, error) {
	return db.getSemester(ctx, `WHERE short_name = ?`, shortName)
}

func (db *DB) getSemester(ctx context.Context, where string, args ...any) (Semester, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, name, short_name, start_date, end_date, active FROM semesters `+where, args...)
	semester, err := scanSemester(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Semester{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Semester{}, fmt.Errorf("failed to load semester: %w", err)
	}
	return semester, nil
}

// ListSemesters returns all semesters, newest start date first.
func (db *DB) ListSemesters(ctx context.Context) ([]Semester, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, short_name, start_date, end_date, active
		 FROM semesters ORDER BY start_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list semesters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var semesters []Semester
	for rows.Next() {
		semester, err := scanSemester(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan semester: %w", err)
		}
		semesters = append(semesters, semester)
	}
	return semesters, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSemester(row rowScanner) (Semester, error) {
	var (
		semester  Semester
		startDate string
		endDate   string
		active    int
	)
	if err := row.Scan(&semester.ID, &semester.Name, &semester.ShortName, &startDate, &endDate, &active); err != nil {
		return Semester{}, err
	}
	var err error
	if semester.StartDate, err = parseDate(startDate); err != nil {
		return Semester{}, err
	}
	if semester.EndDate, err = parseDate(endDate); err != nil {
		return Semester{}, err
	}
	semester.Active = active != 0
	return semester, nil
}
