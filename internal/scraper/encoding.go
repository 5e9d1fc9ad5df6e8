package scraper

import (
	"log/slog"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// The catalog mixes UTF-8 and ISO-8859-1 in query strings, and some values
// additionally carry double-UTF-8 artifacts (ß stored as ÃŸ). The repair
// below is heuristic: decode both ways, repair umlaut artifacts, and keep
// the variant without replacement characters that preserves more umlauts.

// umlautRepairs maps double-UTF-8 artifacts back to the intended character.
var umlautRepairs = [...][2]string{
	{"Ã„", "Ä"},
	{"Ã–", "Ö"},
	{"Ãœ", "Ü"},
	{"Ã¤", "ä"},
	{"Ã¶", "ö"},
	{"Ã¼", "ü"},
	{"ÃŸ", "ß"},
}

const umlauts = "ÄÖÜäöüß"

// DecodeQueryValue percent-decodes a raw query value and repairs its
// character encoding. When fixLegacy is false only plain UTF-8 decoding
// is applied.
func DecodeQueryValue(raw string, fixLegacy bool) string {
	unescaped, err := url.QueryUnescape(raw)
	if err != nil {
		// Keep the raw value; a broken escape is still better than nothing.
		unescaped = raw
	}
	if !fixLegacy {
		return unescaped
	}
	return SanitizeText(unescaped)
}

// SanitizeText repairs a string whose bytes may be UTF-8 or ISO-8859-1.
// The result never contains U+FFFD when either interpretation is clean.
func SanitizeText(s string) string {
	// Attempt 1: take the bytes as UTF-8. Invalid sequences become U+FFFD.
	utf8Attempt := RepairUmlauts(strings.ToValidUTF8(s, "�"))
	if !strings.ContainsRune(utf8Attempt, '�') {
		return utf8Attempt
	}

	// Attempt 2: take the original bytes as ISO-8859-1.
	latin, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err == nil {
		latinAttempt := RepairUmlauts(latin)
		if !strings.ContainsRune(latinAttempt, '�') &&
			countUmlauts(latinAttempt) >= countUmlauts(utf8Attempt) {
			slog.Warn("query value decoded as ISO-8859-1",
				"value", latinAttempt)
			return latinAttempt
		}
	}

	return utf8Attempt
}

// RepairUmlauts fixes double-UTF-8 umlaut artifacts and, when replacement
// characters remain in an otherwise ASCII string, retries the bytes as
// ISO-8859-1. The reinterpretation is kept only if it gains umlauts
// without introducing new replacement characters.
func RepairUmlauts(s string) string {
	for _, pair := range umlautRepairs {
		s = strings.ReplaceAll(s, pair[0], pair[1])
	}

	if strings.ContainsRune(s, '�') && asciiWithReplacements(s) {
		if latin, err := charmap.ISO8859_1.NewDecoder().String(s); err == nil {
			if !strings.ContainsRune(latin, '�') && countUmlauts(latin) > countUmlauts(s) {
				return latin
			}
		}
	}

	return s
}

// asciiWithReplacements reports whether s consists only of ASCII runes and
// replacement characters.
func asciiWithReplacements(s string) bool {
	for _, r := range s {
		if r != '�' && r >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func countUmlauts(s string) int {
	n := 0
	for _, r := range s {
		if strings.ContainsRune(umlauts, r) {
			n++
		}
	}
	return n
}
