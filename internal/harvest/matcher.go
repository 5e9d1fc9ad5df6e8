package harvest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/campustools/vover-harvester/internal/scraper"
)

// Free-form semester identifiers ("WS 2024/25", "ss24", "Sommersemester
// 2024") are resolved against the catalog's dropdown by normalizing both
// sides and additionally accepting generated short-name variants.

var yearRegex = regexp.MustCompile(`\d{4}|\d{2}`)

// normalizeIdentifier lowercases and strips spaces, '-', '/' and '_'.
func normalizeIdentifier(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '/', '_':
			return -1
		}
		return r
	}, s)
}

// season of a semester display name.
type season int

const (
	seasonUnknown season = iota
	seasonSummer
	seasonWinter
)

func seasonOf(name string) season {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "winter") || strings.HasPrefix(normalizeIdentifier(lower), "ws"):
		return seasonWinter
	case strings.Contains(lower, "sommer") || strings.Contains(lower, "summer") ||
		strings.HasPrefix(normalizeIdentifier(lower), "ss"):
		return seasonSummer
	}
	return seasonUnknown
}

// yearsOf extracts the years mentioned in a display name, four-digit years
// preferred. Two-digit years are expanded into the 2000s.
func yearsOf(name string) []int {
	var years []int
	for _, match := range yearRegex.FindAllString(name, -1) {
		year, err := strconv.Atoi(match)
		if err != nil {
			continue
		}
		if len(match) == 2 {
			year += 2000
		}
		years = append(years, year)
	}
	return years
}

// identifierVariants generates every normalized key under which a catalog
// option should be found: the full name plus WS/SS with 2- and 4-digit
// years, single or ranged.
func identifierVariants(displayName string) []string {
	variants := []string{normalizeIdentifier(displayName)}

	var prefix string
	switch seasonOf(displayName) {
	case seasonWinter:
		prefix = "ws"
	case seasonSummer:
		prefix = "ss"
	default:
		return variants
	}

	years := yearsOf(displayName)
	if len(years) == 0 {
		return variants
	}

	first := years[0]
	second := first + 1
	if len(years) > 1 {
		second = years[len(years)-1]
	}

	add := func(v string) {
		for _, existing := range variants {
			if existing == v {
				return
			}
		}
		variants = append(variants, v)
	}

	short := first % 100
	add(prefix + itoa4(first))
	add(prefix + itoa2(short))
	if seasonOf(displayName) == seasonWinter {
		add(prefix + itoa4(first) + itoa4(second))
		add(prefix + itoa4(first) + itoa2(second%100))
		add(prefix + itoa2(short) + itoa2(second%100))
	}
	return variants
}

func itoa4(v int) string { return fmt.Sprintf("%04d", v) }

func itoa2(v int) string { return fmt.Sprintf("%02d", v) }

// MatchRemoteSemester resolves a free-form identifier against the fetched
// dropdown options.
func MatchRemoteSemester(identifier string, options []scraper.SemesterOption) (scraper.SemesterOption, bool) {
	want := normalizeIdentifier(identifier)
	if want == "" {
		return scraper.SemesterOption{}, false
	}
	for _, option := range options {
		for _, variant := range identifierVariants(option.DisplayName) {
			if variant == want {
				return option, true
			}
		}
	}
	return scraper.SemesterOption{}, false
}

// InferShortName derives the stored short code from a catalog display
// name, e.g. "Sommersemester 2024" becomes "SS24".
func InferShortName(displayName string) string {
	years := yearsOf(displayName)
	year := time.Now().Year()
	if len(years) > 0 {
		year = years[0]
	}
	switch seasonOf(displayName) {
	case seasonWinter:
		return "WS" + itoa2(year%100)
	case seasonSummer:
		return "SS" + itoa2(year%100)
	}
	return strings.ToUpper(normalizeIdentifier(displayName))
}

// SeasonDates returns the default date window of a semester: winter runs
// Oct 1 through Mar 31 of the next year, summer Apr 1 through Sep 30.
func SeasonDates(displayName string) (start, end time.Time) {
	years := yearsOf(displayName)
	year := time.Now().Year()
	if len(years) > 0 {
		year = years[0]
	}
	if seasonOf(displayName) == seasonWinter {
		return time.Date(year, time.October, 1, 0, 0, 0, 0, time.UTC),
			time.Date(year+1, time.March, 31, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, time.April, 1, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.September, 30, 0, 0, 0, 0, time.UTC)
}
