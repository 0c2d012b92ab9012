package model

import "time"

// SentinelDate is substituted when a message's Date header is missing or
// unparseable. It is the zero time, so callers can test it with IsZero.
var SentinelDate = time.Time{}

// MessageIndexEntry is the lightweight, randomly addressable record produced
// for every message found in an mbox archive.
type MessageIndexEntry struct {
	MessageID      string    `json:"message_id"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	Date           time.Time `json:"date"`
	BodyPreview    string    `json:"body_preview"`
	BodyOffset     int64     `json:"body_offset"`
	BodyLength     int64     `json:"body_length"`
	HasAttachments bool      `json:"has_attachments"`
}

// End returns the offset one past the last byte of the message.
func (e MessageIndexEntry) End() int64 {
	return e.BodyOffset + e.BodyLength
}

// HasDate reports whether the entry carries a parsed date rather than the sentinel.
func (e MessageIndexEntry) HasDate() bool {
	return !e.Date.Equal(SentinelDate)
}

// Envelope wraps an index entry alongside an optional error encountered while scanning.
type Envelope struct {
	Entry MessageIndexEntry
	Err   error
}

// ScanProgress reports how far a scan has advanced through an archive.
type ScanProgress struct {
	BytesRead  int64
	TotalBytes int64
}

// Fraction returns the completed share in [0, 1], or 0 when the total is unknown.
func (p ScanProgress) Fraction() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	f := float64(p.BytesRead) / float64(p.TotalBytes)
	if f > 1 {
		return 1
	}
	return f
}
