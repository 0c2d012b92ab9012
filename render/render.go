// Package render turns a raw message into a single HTML document for a
// script-disabled display surface.
package render

import (
	"bytes"
	"html"
	"html/template"
	"mime"
	"strings"
	"sync"

	"github.com/emersion/go-message/charset"
	"github.com/microcosm-cc/bluemonday"

	"github.com/dhcgn/mbox-indexer/mimepart"
	"github.com/dhcgn/mbox-indexer/model"
)

// Options controls rendering.
type Options struct {
	// Sanitize passes HTML bodies through a user-generated-content policy.
	// Leave it off when the output is shown with scripts disabled and the
	// original markup should be preserved.
	Sanitize bool
}

var (
	wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

	policyOnce sync.Once
	policy     *bluemonday.Policy

	stripOnce sync.Once
	strip     *bluemonday.Policy
)

var page = template.Must(template.New("message").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 1em; }
pre.plain { white-space: pre-wrap; word-wrap: break-word; font-family: monospace; }
</style>
</head>
<body data-source="{{.Source}}">
{{.Body}}
</body>
</html>
`))

type pageData struct {
	Title  string
	Source model.RenderSource
	Body   template.HTML
}

// Render picks the best displayable body of raw. Multipart messages prefer
// the first text/html part, then the first text/plain part, and otherwise
// show the raw body as plain text. Single-part messages are shown as HTML
// only when declared text/html.
func Render(raw []byte, opts Options) model.RenderedBody {
	msg := mimepart.Decode(raw)
	body, source := pick(msg)

	if source == model.RenderSourceHTML && opts.Sanitize {
		body = sanitizer().Sanitize(body)
	}

	var buf bytes.Buffer
	err := page.Execute(&buf, pageData{
		Title:  subject(msg.Header),
		Source: source,
		Body:   template.HTML(body),
	})
	if err != nil {
		return model.RenderedBody{HTML: body, Source: source}
	}
	return model.RenderedBody{HTML: buf.String(), Source: source}
}

func pick(msg *mimepart.Message) (string, model.RenderSource) {
	if !msg.Multipart {
		part := msg.Parts[0]
		if part.MediaType() == "text/html" {
			return mimepart.Text(part), model.RenderSourceHTML
		}
		return plain(mimepart.Text(part)), model.RenderSourcePlain
	}

	for _, part := range msg.Parts {
		if part.ContentType == "text/html" {
			return mimepart.Text(part), model.RenderSourceHTML
		}
	}
	for _, part := range msg.Parts {
		if part.MediaType() == "text/plain" {
			return plain(mimepart.Text(part)), model.RenderSourcePlain
		}
	}
	return plain(mimepart.Text(model.DecodedPart{Body: msg.Body})), model.RenderSourceFallback
}

// Text returns a plain-text rendition of raw for terminals. The first
// text/plain part wins; otherwise the first text/html part is stripped of
// markup, and otherwise the raw body is returned.
func Text(raw []byte) string {
	msg := mimepart.Decode(raw)

	var (
		htmlBody string
		hasHTML  bool
	)
	for _, part := range msg.Parts {
		switch part.MediaType() {
		case "text/plain":
			return mimepart.Text(part)
		case "text/html":
			if !hasHTML {
				htmlBody, hasHTML = mimepart.Text(part), true
			}
		}
	}
	if hasHTML {
		return strings.TrimSpace(html.UnescapeString(stripper().Sanitize(htmlBody)))
	}
	return mimepart.Text(model.DecodedPart{Body: msg.Body})
}

func plain(text string) string {
	return `<pre class="plain">` + template.HTMLEscapeString(text) + `</pre>`
}

func subject(h model.Header) string {
	s := strings.TrimSpace(h.Get("Subject"))
	if decoded, err := wordDecoder.DecodeHeader(s); err == nil {
		s = decoded
	}
	if s == "" {
		return "(No Subject)"
	}
	return s
}

func sanitizer() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.UGCPolicy()
	})
	return policy
}

func stripper() *bluemonday.Policy {
	stripOnce.Do(func() {
		strip = bluemonday.StrictPolicy()
	})
	return strip
}
