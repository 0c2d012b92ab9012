package normalize

import (
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// isoLayouts are tried before anything else.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// emailLayouts cover RFC 2822 and the variants commonly found in archives.
// Order matters: the first successful layout wins.
var emailLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 2 Jan 2006 15:04 -0700",
	"Mon, 2 Jan 2006 15:04:05",
	"Mon, 2 Jan 06 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05",
	"02 Jan 2006 15:04:05 -0700",
	"Mon Jan 2 15:04:05 2006",
	"Mon Jan 2 15:04:05 MST 2006",
	"Mon Jan 2 15:04:05 -0700 2006",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	"Monday, January 2, 2006 15:04:05 -0700",
	"January 2, 2006 15:04:05 -0700",
	"1/2/2006 15:04:05",
	"1/2/2006",
}

var (
	reTrailingComment = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
	reSpaces          = regexp.MustCompile(`\s+`)
)

// Date parses a raw Date header. It reports false when no layout matches;
// callers substitute their own sentinel. Go's time layouts use fixed
// English month and day names, so parsing does not depend on the locale.
func Date(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	candidates := []string{s}
	cleaned := reSpaces.ReplaceAllString(s, " ")
	if stripped := reTrailingComment.ReplaceAllString(cleaned, ""); stripped != s {
		candidates = append(candidates, stripped)
	}
	if cleaned != s {
		candidates = append(candidates, cleaned)
	}

	for _, c := range candidates {
		for _, layout := range emailLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t, true
			}
		}
	}

	if t, err := mail.ParseDate(cleaned); err == nil {
		return t, true
	}

	return time.Time{}, false
}
