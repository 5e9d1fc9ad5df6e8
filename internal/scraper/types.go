// Package scraper implements the session layer against the legacy course
// catalog: authenticated cookie sessions, the HTML page parsers and the
// mixed UTF-8/ISO-8859-1 encoding repair for query parameters.
//
// A Session is sequential and not safe for concurrent use; parallel
// harvests hand out exclusive sessions from a Pool.
package scraper

import (
	"fmt"
	"time"
)

// SemesterOption is one entry of the catalog's semester dropdown.
type SemesterOption struct {
	DisplayName string
	Selected    bool
}

// StudyProgramOption is one study program link discovered on verz.html.
type StudyProgramOption struct {
	Code        string // query parameter stdg, sanitized
	DisplayName string // query parameter stdg1, sanitized
	Faculty     string // current faculty header at the time of discovery
	Href        string // relative link target (stgvrz.html?...)
}

// FachSemesterOption is one entry of the fach-semester dropdown on a
// program page. PostRequired is false for the option the server already
// has selected; its table is on the current page.
type FachSemesterOption struct {
	Value        string // e.g. "4.Semester"
	PostRequired bool
}

// ScheduleRow is one parsed data row of a program schedule table.
// Start and End are minutes since midnight.
type ScheduleRow struct {
	CourseType  string
	Title       string
	Lecturer    string // raw cell text, not yet sanitized
	Day         time.Weekday
	Start       int
	End         int
	RoomCode    string
	WeekPattern string
	InfoID      string // "satz" query parameter of the info link, or empty
	Category    string // last colspan=9 header above this row
	Group       string // last colspan=8 header above this row
}

// ScheduleTable is the parse result for one fach-semester page.
type ScheduleTable struct {
	Rows    []ScheduleRow
	Skipped int // rows dropped for blank title, unknown day or bad time
}

// FormatTime renders minutes since midnight as "HH:MM".
func FormatTime(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
