package storage

import "time"

// dateLayout is how semester start/end dates are stored.
const dateLayout = "2006-01-02"

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Change types recorded in the change log.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
)

// Degree kinds of a study program.
const (
	DegreeBachelor  = "bachelor"
	DegreeMaster    = "master"
	DegreeDiploma   = "diploma"
	DegreeDoctorate = "doctorate"
)

// Semester owns courses and scraping runs. Never deleted, only deactivated.
type Semester struct {
	ID        int64
	Name      string // catalog display name, e.g. "Sommersemester 2024"
	ShortName string // e.g. "SS24"
	StartDate time.Time
	EndDate   time.Time
	Active    bool
}

// StudyProgram is a shared reference entity keyed by its short code.
type StudyProgram struct {
	ID      int64
	Code    string
	Name    string
	Degree  string
	Faculty string
	Active  bool
}

// CourseType is the normalized one-character lecture kind (V, Ü, S, P, B).
type CourseType struct {
	ID   int64
	Code string
	Name string
}

// Lecturer is a shared reference entity. Email, when known, is lower-cased
// and unique.
type Lecturer struct {
	ID    int64
	Name  string
	Title string
	Email string
}

// Room is a shared reference entity keyed by its code, e.g. "MIB/1001".
type Room struct {
	ID         int64
	Code       string
	Building   string
	RoomNumber string
	Capacity   int
	RoomType   string
	Equipment  string
	Active     bool
}

// Course belongs to one semester. At most one active course per
// case-insensitive name exists within a semester.
type Course struct {
	ID           int64
	SemesterID   int64
	Name         string
	CourseNumber string
	LecturerID   int64 // 0 = unset
	CourseTypeID int64 // 0 = unset
	SWS          float64
	ECTS         float64
	Active       bool

	// Entries is the eagerly loaded schedule-entry collection. Only
	// populated by GetCourseWithEntries.
	Entries []ScheduleEntry
}

// CourseStudyProgram links a course to a study program, optionally with the
// fach-semester number it was discovered under.
type CourseStudyProgram struct {
	CourseID       int64
	StudyProgramID int64
	FachSemester   int // 0 = unknown
}

// ScheduleEntry is one recurring slot of a course. Times are minutes since
// midnight; DayOfWeek follows time.Weekday (Sunday = 0).
type ScheduleEntry struct {
	ID          int64
	CourseID    int64
	RoomID      int64
	RoomCode    string // joined in on load, not a column
	DayOfWeek   time.Weekday
	Start       int
	End         int
	WeekPattern string
	Notes       string
	Active      bool
}

// ScrapingRun is the audit record of one semester harvest.
type ScrapingRun struct {
	ID             int64
	SemesterID     int64
	StartedAt      time.Time
	EndedAt        time.Time // zero while running
	Status         string
	TotalEntries   int
	NewEntries     int
	UpdatedEntries int
	ErrorMessage   string
	SourceURL      string
}

// ChangeLog records one entity mutation within a scraping run.
type ChangeLog struct {
	ID            int64
	ScrapingRunID int64
	EntityType    string
	EntityID      int64
	ChangeType    string
	FieldName     string
	OldValue      string
	NewValue      string
	Description   string
	CreatedAt     time.Time
}

// ChangeStat is the per-type aggregation returned by the stats query.
type ChangeStat struct {
	EntityType string
	ChangeType string
	Count      int
}
