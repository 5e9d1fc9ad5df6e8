package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// InitSchema creates all necessary tables and indexes.
// Note: WAL mode and pragmas are configured in db.go.
func InitSchema(db *sql.DB) error {
	if err := createSemestersTable(db); err != nil {
		return err
	}
	if err := createStudyProgramsTable(db); err != nil {
		return err
	}
	if err := createReferenceTables(db); err != nil {
		return err
	}
	if err := createCoursesTable(db); err != nil {
		return err
	}
	if err := createScheduleEntriesTable(db); err != nil {
		return err
	}
	return createAuditTables(db)
}

func createSemestersTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS semesters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		short_name TEXT NOT NULL UNIQUE,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	);
	`

	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to create semesters table: %w", err)
	}

	return nil
}

func createStudyProgramsTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS study_programs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		degree TEXT NOT NULL CHECK(degree IN ('bachelor', 'master', 'diploma', 'doctorate')),
		faculty TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_study_programs_name ON study_programs(name);
	`

	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to create study_programs table: %w", err)
	}

	return nil
}

func createReferenceTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS course_types (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS lecturers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		title TEXT,
		email TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_lecturers_name ON lecturers(name);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_lecturers_lower_email
		ON lecturers(lower(email)) WHERE email IS NOT NULL AND email != '';
	CREATE TABLE IF NOT EXISTS rooms (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		building TEXT NOT NULL,
		room_number TEXT NOT NULL,
		capacity INTEGER,
		room_type TEXT,
		equipment TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);
	`

	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to create reference tables: %w", err)
	}

	return nil
}

func createCoursesTable(db *sql.DB) error {
	// The partial expression index arbitrates concurrent creates: at most
	// one active course per case-insensitive name within a semester.
	query := `
	CREATE TABLE IF NOT EXISTS courses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		semester_id INTEGER NOT NULL REFERENCES semesters(id),
		name TEXT NOT NULL,
		course_number TEXT,
		lecturer_id INTEGER REFERENCES lecturers(id),
		course_type_id INTEGER REFERENCES course_types(id),
		sws REAL,
		ects REAL,
		active INTEGER NOT NULL DEFAULT 1
	);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_courses_semester_lower_name
		ON courses(semester_id, lower(name)) WHERE active = 1;
	CREATE INDEX IF NOT EXISTS idx_courses_semester ON courses(semester_id);
	CREATE TABLE IF NOT EXISTS course_study_programs (
		course_id INTEGER NOT NULL REFERENCES courses(id),
		study_program_id INTEGER NOT NULL REFERENCES study_programs(id),
		fach_semester INTEGER,
		UNIQUE(course_id, study_program_id)
	);
	`

	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to create courses table: %w", err)
	}

	return nil
}

func createScheduleEntriesTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schedule_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		course_id INTEGER NOT NULL REFERENCES courses(id),
		room_id INTEGER NOT NULL REFERENCES rooms(id),
		day_of_week INTEGER NOT NULL CHECK(day_of_week BETWEEN 0 AND 6),
		start_minutes INTEGER NOT NULL,
		end_minutes INTEGER NOT NULL,
		week_pattern TEXT,
		notes TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		CHECK(start_minutes < end_minutes)
	);
	CREATE INDEX IF NOT EXISTS idx_schedule_entries_course ON schedule_entries(course_id);
	`

	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to create schedule_entries table: %w", err)
	}

	return nil
}

func createAuditTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS scraping_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		semester_id INTEGER NOT NULL REFERENCES semesters(id),
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		status TEXT NOT NULL CHECK(status IN ('running', 'completed', 'failed', 'cancelled')),
		total_entries INTEGER NOT NULL DEFAULT 0,
		new_entries INTEGER NOT NULL DEFAULT 0,
		updated_entries INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		source_url TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_scraping_runs_semester ON scraping_runs(semester_id);
	CREATE INDEX IF NOT EXISTS idx_scraping_runs_started_at ON scraping_runs(started_at);
	CREATE TABLE IF NOT EXISTS change_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scraping_run_id INTEGER NOT NULL REFERENCES scraping_runs(id),
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		change_type TEXT NOT NULL CHECK(change_type IN ('created', 'updated', 'deleted')),
		field_name TEXT,
		old_value TEXT,
		new_value TEXT,
		description TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_change_logs_run ON change_logs(scraping_run_id);
	CREATE INDEX IF NOT EXISTS idx_change_logs_entity ON change_logs(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_change_logs_created_at ON change_logs(created_at);
	`

	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("failed to create audit tables: %w", err)
	}

	return nil
}
