package scraper

import (
	"regexp"
	"strings"
)

// Field limits from the lecturer table.
const (
	maxLecturerName  = 200
	maxLecturerTitle = 50
	maxLecturerEmail = 150
)

// PlaceholderLecturer is stored when a cell yields no usable name.
const PlaceholderLecturer = "N.N."

// LecturerIdentity is the parse result of a raw lecturer cell.
type LecturerIdentity struct {
	Name      string
	Title     string
	Email     string
	Modified  bool // input needed repair beyond whitespace collapsing
	Truncated bool // name did not fit and was cut
}

var (
	emailRegex      = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
	whitespaceRegex = regexp.MustCompile(`\s+`)

	// Academic title tokens: known multi-part forms plus short dotted
	// abbreviations up to 6 characters ("Prof.", "Dr.", "habil.").
	knownTitleTokens = map[string]bool{
		"pd": true, "msc": true, "bsc": true, "ma": true, "ba": true,
	}
	compoundTitleRegex = regexp.MustCompile(`^[A-Za-zÄÖÜäöü]+\.-[A-Za-zÄÖÜäöü]+\.?$`)
	dottedTitleRegex   = regexp.MustCompile(`^[A-Za-zÄÖÜäöü]{1,5}\.$`)
)

// ParseLecturer extracts title, name and email from a raw lecturer cell.
// The name is never blank (placeholder "N.N.") and never exceeds 200
// characters; the email, when present, is lower-cased and capped at 150.
func ParseLecturer(raw string) LecturerIdentity {
	out := LecturerIdentity{}

	text := strings.TrimSpace(whitespaceRegex.ReplaceAllString(raw, " "))

	// Email first: remove the match and the brackets around it.
	if loc := emailRegex.FindStringIndex(text); loc != nil {
		email := strings.ToLower(text[loc[0]:loc[1]])
		if len(email) > maxLecturerEmail {
			email = email[:maxLecturerEmail]
			out.Modified = true
		}
		out.Email = email

		before := strings.TrimRight(text[:loc[0]], "<([ ")
		after := strings.TrimLeft(text[loc[1]:], ">)] ")
		text = strings.TrimSpace(before + " " + after)
		out.Modified = true
	}

	// Leading academic titles.
	var titles []string
	rest := text
	for {
		token, tail, ok := nextToken(rest)
		if !ok || !isTitleToken(token) {
			break
		}
		titles = append(titles, token)
		rest = tail
	}
	if len(titles) > 0 {
		title := strings.Join(titles, " ")
		if len(title) > maxLecturerTitle {
			title = truncateUTF8(title, maxLecturerTitle)
		}
		out.Title = title
		text = rest
		out.Modified = true
	}

	text = strings.Trim(text, "-;, ")

	// Overlong multi-lecturer cells: keep the first delimited segment.
	if len(text) > maxLecturerName {
		if idx := strings.IndexAny(text, ";/|"); idx >= 0 {
			text = strings.TrimSpace(text[:idx])
			out.Truncated = true
		}
	}
	if len(text) > maxLecturerName {
		text = truncateUTF8(text, maxLecturerName)
		out.Truncated = true
	}

	if text == "" {
		text = PlaceholderLecturer
		out.Modified = true
	}
	out.Name = text

	return out
}

func nextToken(s string) (token, tail string, ok bool) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return "", "", false
	}
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		return s[:idx], s[idx+1:], true
	}
	return s, "", true
}

func isTitleToken(token string) bool {
	if token == "" || len(token) > 12 {
		return false
	}
	lower := strings.ToLower(strings.TrimSuffix(token, "."))
	if lower == "habil" {
		return true
	}
	if knownTitleTokens[lower] {
		return true
	}
	if compoundTitleRegex.MatchString(token) {
		// Dipl.-Ing., Jun.-Prof., Priv.-Doz.
		return true
	}
	return len(token) <= 6 && dottedTitleRegex.MatchString(token)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
