package scraper

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	apperrors "github.com/campustools/vover-harvester/internal/errors"
)

// fachSemesterPlaceholder is the dropdown entry that is not a real option.
const fachSemesterPlaceholder = "auswahl..."

// ParseSemesterOptions reads the semester dropdown from index.html.
func ParseSemesterOptions(doc *goquery.Document) ([]SemesterOption, error) {
	var options []SemesterOption
	doc.Find(`select[name="sem_wahl"] option`).Each(func(_ int, sel *goquery.Selection) {
		name := strings.TrimSpace(sel.Text())
		if name == "" {
			return
		}
		_, selected := sel.Attr("selected")
		options = append(options, SemesterOption{
			DisplayName: name,
			Selected:    selected,
		})
	})
	if len(options) == 0 {
		return nil, apperrors.NewValidationError("page", "no semester dropdown found")
	}
	return options, nil
}

// SelectedSemester returns the display name the server echoes as selected,
// or empty when no option carries the selected attribute.
func SelectedSemester(doc *goquery.Document) string {
	var name string
	doc.Find(`select[name="sem_wahl"] option[selected]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		name = strings.TrimSpace(sel.Text())
		return false
	})
	return name
}

// ParseFachSemesterOptions reads the fach-semester dropdown from a program
// page. The placeholder entry "Auswahl..." is skipped; every option that is
// not currently selected needs a follow-up POST to load its table.
func ParseFachSemesterOptions(doc *goquery.Document) []FachSemesterOption {
	var options []FachSemesterOption
	doc.Find(`select[name="semest"] option`).Each(func(_ int, sel *goquery.Selection) {
		value := strings.TrimSpace(sel.Text())
		if value == "" || strings.EqualFold(value, fachSemesterPlaceholder) {
			return
		}
		_, selected := sel.Attr("selected")
		options = append(options, FachSemesterOption{
			Value:        value,
			PostRequired: !selected,
		})
	})
	return options
}

// ParseStudyPrograms extracts the program list from verz.html. Rows that
// contain <b><u> set the faculty for all following program links; link rows
// carry the program code and display name in the stdg/stdg1 query
// parameters, which need encoding repair.
func ParseStudyPrograms(doc *goquery.Document, fixLegacy bool) ([]StudyProgramOption, error) {
	table := findProgramTable(doc)
	if table == nil {
		return nil, apperrors.NewValidationError("page", "no study program table found")
	}

	var (
		programs []StudyProgramOption
		faculty  string
	)
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.Find("b u").Length() > 0 {
			if text := strings.TrimSpace(row.Text()); text != "" {
				faculty = SanitizeText(text)
			}
			return
		}
		row.Find(`a[href^="stgvrz.html"]`).Each(func(_ int, link *goquery.Selection) {
			href, _ := link.Attr("href")
			program, ok := parseProgramLink(href, faculty, fixLegacy)
			if ok {
				programs = append(programs, program)
			}
		})
	})

	if len(programs) == 0 {
		return nil, apperrors.NewValidationError("page", "study program table has no links")
	}
	return programs, nil
}

func findProgramTable(doc *goquery.Document) *goquery.Selection {
	var table *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if sel.Find(`a[href^="stgvrz.html"]`).Length() > 0 {
			table = sel
			return false
		}
		return true
	})
	return table
}

func parseProgramLink(href, faculty string, fixLegacy bool) (StudyProgramOption, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return StudyProgramOption{}, false
	}
	rawQuery := rawQueryValues(u.RawQuery)
	code := DecodeQueryValue(rawQuery["stdg"], fixLegacy)
	if code == "" {
		return StudyProgramOption{}, false
	}
	name := DecodeQueryValue(rawQuery["stdg1"], fixLegacy)
	if name == "" {
		name = code
	}
	return StudyProgramOption{
		Code:        code,
		DisplayName: name,
		Faculty:     faculty,
		Href:        href,
	}, true
}

// rawQueryValues splits a query string without percent-decoding, so the
// encoding repair sees the original bytes. Later duplicates win, matching
// how the catalog renders its links.
func rawQueryValues(rawQuery string) map[string]string {
	values := make(map[string]string)
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		values[key] = value
	}
	return values
}

// ParseScheduleRows extracts the schedule table of a fach-semester page.
// Rows with a blank title, an unknown day or an unparsable time range are
// dropped and counted in Skipped.
func ParseScheduleRows(doc *goquery.Document) (ScheduleTable, error) {
	table := findScheduleTable(doc)
	if table == nil {
		return ScheduleTable{}, apperrors.NewValidationError("page", "no schedule table found")
	}

	var (
		result          ScheduleTable
		currentCategory string
		currentGroup    string
	)
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td, th")

		if cells.Length() == 1 {
			switch colspanOf(cells.First()) {
			case 9:
				currentCategory = SanitizeText(strings.TrimSpace(cells.First().Text()))
				return
			case 8:
				currentGroup = SanitizeText(strings.TrimSpace(cells.First().Text()))
				return
			}
		}
		if cells.Length() < 8 {
			return
		}
		if isHeaderRow(cells) {
			return
		}

		title := SanitizeText(strings.TrimSpace(cells.Eq(1).Text()))
		if title == "" {
			result.Skipped++
			return
		}
		day, ok := ParseDay(cells.Eq(3).Text())
		if !ok {
			result.Skipped++
			return
		}
		start, end, ok := ParseTimeRange(cells.Eq(4).Text())
		if !ok {
			result.Skipped++
			return
		}

		result.Rows = append(result.Rows, ScheduleRow{
			CourseType:  strings.TrimSpace(cells.Eq(0).Text()),
			Title:       title,
			Lecturer:    SanitizeText(strings.TrimSpace(cells.Eq(2).Text())),
			Day:         day,
			Start:       start,
			End:         end,
			RoomCode:    SanitizeText(strings.TrimSpace(cells.Eq(5).Text())),
			WeekPattern: strings.TrimSpace(cells.Eq(6).Text()),
			InfoID:      parseInfoID(cells.Eq(7)),
			Category:    currentCategory,
			Group:       currentGroup,
		})
	})

	return result, nil
}

// findScheduleTable picks the table whose header cells, lower-cased,
// include both "titel" and "zeit".
func findScheduleTable(doc *goquery.Document) *goquery.Selection {
	var table *goquery.Selection
	doc.Find("table").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		headers := make(map[string]bool)
		sel.Find("tr").First().Find("td, th").Each(func(_ int, cell *goquery.Selection) {
			headers[strings.ToLower(strings.TrimSpace(cell.Text()))] = true
		})
		if !headers["titel"] || !headers["zeit"] {
			sel.Find("tr").Each(func(_ int, row *goquery.Selection) {
				row.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
					headers[strings.ToLower(strings.TrimSpace(cell.Text()))] = true
				})
			})
		}
		if headers["titel"] && headers["zeit"] {
			table = sel
			return false
		}
		return true
	})
	return table
}

func isHeaderRow(cells *goquery.Selection) bool {
	first := strings.ToLower(strings.TrimSpace(cells.Eq(1).Text()))
	return first == "titel"
}

func colspanOf(cell *goquery.Selection) int {
	raw, ok := cell.Attr("colspan")
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 1
	}
	return n
}

func parseInfoID(cell *goquery.Selection) string {
	var infoID string
	cell.Find("a[href]").EachWithBreak(func(_ int, link *goquery.Selection) bool {
		href, _ := link.Attr("href")
		u, err := url.Parse(href)
		if err != nil {
			return true
		}
		if satz := u.Query().Get("satz"); satz != "" {
			infoID = satz
			return false
		}
		return true
	})
	return infoID
}

var dayPrefixes = []struct {
	prefix string
	day    time.Weekday
}{
	{"mo", time.Monday},
	{"di", time.Tuesday},
	{"mi", time.Wednesday},
	{"do", time.Thursday},
	{"fr", time.Friday},
	{"sa", time.Saturday},
	{"so", time.Sunday},
}

// ParseDay matches German weekday abbreviations by prefix.
func ParseDay(raw string) (time.Weekday, bool) {
	text := strings.ToLower(strings.TrimSpace(raw))
	for _, entry := range dayPrefixes {
		if strings.HasPrefix(text, entry.prefix) {
			return entry.day, true
		}
	}
	return 0, false
}

// ParseTimeRange parses "H:mm-H:mm" (spaces ignored) into minutes since
// midnight. Single-digit hours are common on the catalog, so time.Parse
// with a fixed layout is not usable here. Ranges whose start does not lie
// before the end are rejected, so the row is skipped like one with an
// unknown day rather than tripping the storage constraint later.
func ParseTimeRange(raw string) (start, end int, ok bool) {
	text := strings.ReplaceAll(raw, " ", "")
	from, to, found := strings.Cut(text, "-")
	if !found {
		return 0, 0, false
	}
	start, ok = parseClock(from)
	if !ok {
		return 0, 0, false
	}
	end, ok = parseClock(to)
	if !ok {
		return 0, 0, false
	}
	if start >= end {
		return 0, 0, false
	}
	return start, end, true
}

func parseClock(s string) (int, bool) {
	hh, mm, found := strings.Cut(s, ":")
	if !found {
		return 0, false
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}
