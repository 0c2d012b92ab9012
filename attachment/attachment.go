// Package attachment extracts binary payloads from decoded MIME parts.
package attachment

import (
	"path/filepath"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mbox-indexer/mimepart"
	"github.com/dhcgn/mbox-indexer/model"
)

const (
	defaultName     = "attachment"
	defaultMimeType = "application/octet-stream"
	maxNameBytes    = 255
)

// Extract decodes raw and returns its attachments in document order.
func Extract(raw []byte) []model.Attachment {
	return FromParts(mimepart.Decode(raw).Parts)
}

// FromParts selects attachments among parts. A part qualifies when its
// disposition is "attachment", or when its Content-Type carries a name
// parameter and the type is neither text/plain nor text/html. Duplicates
// are kept.
func FromParts(parts []model.DecodedPart) []model.Attachment {
	out := []model.Attachment{}
	for _, part := range parts {
		p := newPartHeader(part.Header)
		if !p.isAttachment(part) {
			continue
		}

		mimeType := part.ContentType
		if mimeType == "" {
			mimeType = defaultMimeType
		}
		out = append(out, model.Attachment{
			Filename: p.filename(),
			MimeType: mimeType,
			Size:     int64(len(part.Body)),
			Data:     part.Body,
		})
	}
	return out
}

type partHeader struct {
	disposition string
	dispParams  map[string]string
	typeParams  map[string]string
	rawDisp     string
	rawType     string
}

func newPartHeader(h model.Header) partHeader {
	var th textproto.Header
	for _, f := range h {
		th.Add(f.Key, f.Value)
	}
	mh := message.Header{Header: th}

	p := partHeader{
		rawDisp: h.Get("Content-Disposition"),
		rawType: h.Get("Content-Type"),
	}
	if disp, params, err := mh.ContentDisposition(); err == nil {
		p.disposition, p.dispParams = strings.ToLower(disp), params
	} else {
		p.disposition = mimepart.MediaType(p.rawDisp)
	}
	if _, params, err := mh.ContentType(); err == nil {
		p.typeParams = params
	}
	return p
}

func (p partHeader) isAttachment(part model.DecodedPart) bool {
	if p.disposition == "attachment" {
		return true
	}
	if p.param(p.typeParams, p.rawType, "name") == "" {
		return false
	}
	return !part.IsText()
}

func (p partHeader) filename() string {
	if name := p.param(p.dispParams, p.rawDisp, "filename"); name != "" {
		return name
	}
	if name := p.param(p.typeParams, p.rawType, "name"); name != "" {
		return name
	}
	return defaultName
}

// param prefers the decoded parameter and falls back to scanning the raw
// header value when it did not parse.
func (p partHeader) param(params map[string]string, raw, name string) string {
	if v := strings.TrimSpace(params[name]); v != "" {
		return v
	}
	return mimepart.Param(raw, name)
}

// SafeFilename strips directories, control characters and quotes from name
// so it can be used on disk or in a Content-Disposition header.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)

	cleaned := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 || r == '"' || r == '\'' {
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)

	if len(cleaned) > maxNameBytes {
		cleaned = strings.ToValidUTF8(cleaned[:maxNameBytes], "")
	}
	if cleaned == "" || cleaned == "." || cleaned == ".." || cleaned == "/" {
		cleaned = defaultName
	}
	return cleaned
}
