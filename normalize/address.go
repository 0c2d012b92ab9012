// Package normalize holds the pure helpers the scanner uses to clean up
// From/To and Date header values.
package normalize

import (
	"regexp"
	"strings"
)

var reNameAddr = regexp.MustCompile(`^(.*)<([^<>]*)>\s*$`)

// Address reduces a raw From/To header value to something displayable.
// "Name <addr>" yields the display name when present, otherwise the bare
// address. Anything else is returned trimmed and unquoted.
func Address(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := reNameAddr.FindStringSubmatch(raw); m != nil {
		if name := unquote(m[1]); name != "" {
			return name
		}
		return strings.TrimSpace(m[2])
	}
	return unquote(raw)
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}
