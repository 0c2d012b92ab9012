package mbox

import (
	"errors"
	"mime"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/charmap"
)

// ErrUndecodable is returned when bytes are neither valid UTF-8 nor Latin-1.
var ErrUndecodable = errors.New("undecodable text")

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// decodeText converts raw archive bytes to a string, trying UTF-8 first and
// falling back to Latin-1.
func decodeText(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", ErrUndecodable
	}
	return string(decoded), nil
}

// decodeHeaderWords expands RFC 2047 encoded words, returning the input
// unchanged when it cannot be decoded.
func decodeHeaderWords(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
