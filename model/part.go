package model

import "strings"

// HeaderField is a single header line after unfolding.
type HeaderField struct {
	Key   string
	Value string
}

// Header is an ordered list of header fields. Duplicate keys are allowed and
// insertion order is preserved.
type Header []HeaderField

// Add appends a new field.
func (h *Header) Add(key, value string) {
	*h = append(*h, HeaderField{Key: key, Value: value})
}

// ContinueLast appends a folded continuation to the most recently added field.
// It reports false when there is no field to continue.
func (h *Header) ContinueLast(text string) bool {
	n := len(*h)
	if n == 0 {
		return false
	}
	last := &(*h)[n-1]
	if last.Value == "" {
		last.Value = text
	} else {
		last.Value += " " + text
	}
	return true
}

// Get returns the value of the first field matching key, case-insensitively.
func (h Header) Get(key string) string {
	for _, f := range h {
		if strings.EqualFold(f.Key, key) {
			return f.Value
		}
	}
	return ""
}

// DecodedPart is one MIME part with its transfer encoding removed.
type DecodedPart struct {
	Header      Header
	Body        []byte
	ContentType string
	Charset     string
}

// IsText reports whether the part is text/plain or text/html. Parts without a
// declared Content-Type default to text/plain.
func (p DecodedPart) IsText() bool {
	ct := p.MediaType()
	return ct == "text/plain" || ct == "text/html"
}

// MediaType returns the declared media type, defaulting to text/plain.
func (p DecodedPart) MediaType() string {
	if p.ContentType == "" {
		return "text/plain"
	}
	return p.ContentType
}

// Attachment is a binary payload extracted from a message.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	Data     []byte `json:"-"`
}

// RenderSource records which part of a message produced a rendered body.
type RenderSource string

const (
	RenderSourceHTML     RenderSource = "html"
	RenderSourcePlain    RenderSource = "plain"
	RenderSourceFallback RenderSource = "fallback"
)

// RenderedBody is a single markup document ready for a script-disabled display surface.
type RenderedBody struct {
	HTML   string
	Source RenderSource
}
