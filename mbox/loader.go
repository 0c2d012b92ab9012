package mbox

import (
	"fmt"
	"io"

	"github.com/dhcgn/mbox-indexer/model"
)

// LoadRaw reads exactly length bytes starting at offset.
func LoadRaw(a *Archive, offset, length int64) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: archive is nil", ErrUnreadableArchive)
	}
	section, err := a.Section(offset, length)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(section, raw); err != nil {
		return nil, fmt.Errorf("read message at %d: %w", offset, err)
	}
	return raw, nil
}

// LoadBody reads a message span and decodes it as UTF-8, falling back to
// Latin-1. ErrUndecodable is returned when neither applies.
func LoadBody(a *Archive, offset, length int64) (string, error) {
	raw, err := LoadRaw(a, offset, length)
	if err != nil {
		return "", err
	}
	text, err := decodeText(raw)
	if err != nil {
		return "", fmt.Errorf("message at %d: %w", offset, err)
	}
	return text, nil
}

// LoadEntry is LoadRaw for the span described by an index entry.
func LoadEntry(a *Archive, entry model.MessageIndexEntry) ([]byte, error) {
	return LoadRaw(a, entry.BodyOffset, entry.BodyLength)
}
