package mimepart

import "strings"

// MediaType returns the lower-case type/subtype of a Content-Type value, or
// "" when none is declared.
func MediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// Boundary extracts the boundary parameter of a Content-Type value. Quoted
// and bare values are accepted; a bare value ends at the next ';'.
func Boundary(contentType string) string {
	return Param(contentType, "boundary")
}

// Param finds name=value in a header value without requiring the rest of
// the value to be well formed. The name match is case-insensitive and must
// start the value or follow ';' or whitespace.
func Param(value, name string) string {
	lower := strings.ToLower(value)
	key := strings.ToLower(name) + "="
	for from := 0; from < len(lower); {
		i := strings.Index(lower[from:], key)
		if i < 0 {
			return ""
		}
		i += from
		if i == 0 || strings.ContainsRune("; \t", rune(lower[i-1])) {
			return paramValue(value[i+len(key):])
		}
		from = i + len(key)
	}
	return ""
}

func paramValue(v string) string {
	v = strings.TrimLeft(v, " \t")
	if strings.HasPrefix(v, `"`) {
		if end := strings.IndexByte(v[1:], '"'); end >= 0 {
			return v[1 : 1+end]
		}
		v = v[1:]
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
