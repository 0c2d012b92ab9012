// Package mimepart splits raw RFC 822 messages into decoded MIME parts.
//
// Decoding is lenient throughout: malformed headers, missing boundaries and
// broken transfer encodings degrade to fewer or partially decoded parts and
// never to an error that stops the caller.
package mimepart

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mbox-indexer/model"
)

// ErrNoBoundary is reported on Message.Err when a multipart message does not
// declare a usable boundary.
var ErrNoBoundary = errors.New("multipart message without boundary")

const maxDepth = 8

// Message is the result of Decode.
type Message struct {
	Header    model.Header
	Multipart bool
	// Parts lists the leaf parts in document order. Nested multiparts are
	// flattened.
	Parts []model.DecodedPart
	// Body is the raw body following the header block, before any transfer
	// decoding.
	Body []byte
	Err  error
}

// ContentType returns the lower-case media type of the top-level message.
func (m *Message) ContentType() string {
	return MediaType(m.Header.Get("Content-Type"))
}

// Decode parses raw into headers and decoded parts. A leading mbox "From "
// separator line is skipped.
func Decode(raw []byte) *Message {
	raw = skipSeparator(raw)
	header, body := splitHeader(raw)

	msg := &Message{Header: header, Body: body}
	ct := header.Get("Content-Type")
	if !strings.HasPrefix(MediaType(ct), "multipart/") {
		msg.Parts = []model.DecodedPart{leaf(header, body)}
		return msg
	}

	msg.Multipart = true
	boundary := Boundary(ct)
	if boundary == "" {
		msg.Err = ErrNoBoundary
		return msg
	}
	msg.Parts = splitParts(body, boundary, 0)
	return msg
}

func skipSeparator(raw []byte) []byte {
	if !bytes.HasPrefix(raw, []byte("From ")) {
		return raw
	}
	i := bytes.IndexByte(raw, '\n')
	if i < 0 {
		return nil
	}
	return raw[i+1:]
}

// splitHeader cuts raw at its first blank line. Without a blank line the
// whole input is treated as header.
func splitHeader(raw []byte) (model.Header, []byte) {
	headerEnd, bodyStart := len(raw), len(raw)
	for pos := 0; pos < len(raw); {
		end := bytes.IndexByte(raw[pos:], '\n')
		next := len(raw)
		line := raw[pos:]
		if end >= 0 {
			line = raw[pos : pos+end]
			next = pos + end + 1
		}
		if len(bytes.TrimRight(line, "\r")) == 0 {
			headerEnd, bodyStart = pos, next
			break
		}
		pos = next
	}
	return parseHeader(raw[:headerEnd]), raw[bodyStart:]
}

// parseHeader reads a header block with go-message's textproto reader and
// falls back to a line parser when the block is malformed.
func parseHeader(block []byte) model.Header {
	if len(bytes.TrimSpace(block)) == 0 {
		return nil
	}

	buf := make([]byte, 0, len(block)+4)
	buf = append(buf, block...)
	if !bytes.HasSuffix(buf, []byte("\n")) {
		buf = append(buf, '\r', '\n')
	}
	buf = append(buf, '\r', '\n')

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return parseHeaderLines(block)
	}

	var h model.Header
	fields := th.Fields()
	for fields.Next() {
		h.Add(fields.Key(), unfold(fields.Value()))
	}
	return h
}

func parseHeaderLines(block []byte) model.Header {
	var h model.Header
	for _, line := range strings.Split(string(block), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			h.ContinueLast(strings.TrimSpace(line))
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		h.Add(key, strings.TrimSpace(value))
	}
	return h
}

func unfold(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return strings.TrimSpace(v)
	}
	var parts []string
	for _, line := range strings.Split(v, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

// splitParts divides a multipart body on "--boundary" lines. The preamble
// and everything after the closing delimiter are discarded.
func splitParts(body []byte, boundary string, depth int) []model.DecodedPart {
	delim := []byte("--" + boundary)
	chunks := bytes.Split(body, delim)
	if len(chunks) < 2 {
		return nil
	}

	var parts []model.DecodedPart
	for _, chunk := range chunks[1:] {
		if bytes.HasPrefix(chunk, []byte("--")) {
			break
		}
		// the rest of the delimiter line is transport padding
		if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
			chunk = chunk[i+1:]
		} else {
			continue
		}
		chunk = bytes.TrimSuffix(chunk, []byte("\n"))
		chunk = bytes.TrimSuffix(chunk, []byte("\r"))

		header, sub := splitHeader(chunk)
		ct := header.Get("Content-Type")
		if strings.HasPrefix(MediaType(ct), "multipart/") {
			if nested := Boundary(ct); nested != "" && depth+1 < maxDepth {
				parts = append(parts, splitParts(sub, nested, depth+1)...)
			}
			continue
		}
		parts = append(parts, leaf(header, sub))
	}
	return parts
}

func leaf(header model.Header, body []byte) model.DecodedPart {
	ct := header.Get("Content-Type")
	return model.DecodedPart{
		Header:      header,
		Body:        DecodeTransfer(header.Get("Content-Transfer-Encoding"), body),
		ContentType: MediaType(ct),
		Charset:     strings.ToLower(Param(ct, "charset")),
	}
}

// Text converts a text part to UTF-8 using its declared charset, falling
// back to UTF-8 and then Latin-1.
func Text(part model.DecodedPart) string {
	cs := part.Charset
	if cs != "" && cs != "utf-8" && cs != "utf8" && cs != "us-ascii" {
		if r, err := charset.Reader(cs, bytes.NewReader(part.Body)); err == nil {
			if out, err := io.ReadAll(r); err == nil {
				return string(out)
			}
		}
	}
	return decodeBytes(part.Body)
}

func decodeBytes(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(out)
}
