package attachment

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-indexer/model"
)

func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > 76 {
		b.WriteString(enc[:76] + "\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	return b.String()
}

func TestExtract_Base64RoundTrip(t *testing.T) {
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	raw := "From: a@example.com\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--b1\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"blob.bin\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		wrapBase64(payload) + "\r\n" +
		"--b1--\r\n"

	got := Extract([]byte(raw))
	require.Len(t, got, 1)
	assert.Equal(t, "blob.bin", got[0].Filename)
	assert.Equal(t, "application/octet-stream", got[0].MimeType)
	assert.Equal(t, int64(len(payload)), got[0].Size)
	assert.Equal(t, payload, got[0].Data)
}

func part(headers ...string) model.DecodedPart {
	var h model.Header
	for i := 0; i+1 < len(headers); i += 2 {
		h.Add(headers[i], headers[i+1])
	}
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(h.Get("Content-Type"), ";", 2)[0]))
	return model.DecodedPart{Header: h, Body: []byte("data"), ContentType: ct}
}

func TestFromParts_Rule(t *testing.T) {
	tests := []struct {
		name     string
		part     model.DecodedPart
		want     bool
		filename string
		mimeType string
	}{
		{
			name:     "disposition attachment",
			part:     part("Content-Type", "text/plain", "Content-Disposition", `attachment; filename="notes.txt"`),
			want:     true,
			filename: "notes.txt",
			mimeType: "text/plain",
		},
		{
			name:     "disposition is case-insensitive",
			part:     part("Content-Disposition", "ATTACHMENT"),
			want:     true,
			filename: "attachment",
			mimeType: "application/octet-stream",
		},
		{
			name:     "name parameter on binary type",
			part:     part("Content-Type", `image/png; name="logo.png"`, "Content-Disposition", "inline"),
			want:     true,
			filename: "logo.png",
			mimeType: "image/png",
		},
		{
			name: "name parameter on text/html is not an attachment",
			part: part("Content-Type", `text/html; name="page.html"`),
			want: false,
		},
		{
			name: "name parameter on text/plain is not an attachment",
			part: part("Content-Type", `text/plain; name="readme.txt"`, "Content-Disposition", "inline"),
			want: false,
		},
		{
			name: "inline image without name",
			part: part("Content-Type", "image/png", "Content-Disposition", "inline"),
			want: false,
		},
		{
			name:     "filename prefers disposition over name",
			part:     part("Content-Type", `application/pdf; name="type.pdf"`, "Content-Disposition", `attachment; filename="disp.pdf"`),
			want:     true,
			filename: "disp.pdf",
			mimeType: "application/pdf",
		},
		{
			name:     "rfc 2231 filename",
			part:     part("Content-Type", "application/pdf", "Content-Disposition", `attachment; filename*=UTF-8''%E2%82%AC%20rates.pdf`),
			want:     true,
			filename: "€ rates.pdf",
			mimeType: "application/pdf",
		},
		{
			name:     "malformed parameters fall back to raw scan",
			part:     part("Content-Type", `application/zip; name="a.zip"; name="b.zip"`, "Content-Disposition", `attachment; filename=broken.zip; =x`),
			want:     true,
			filename: "broken.zip",
			mimeType: "application/zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromParts([]model.DecodedPart{tt.part})
			if !tt.want {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.filename, got[0].Filename)
			assert.Equal(t, tt.mimeType, got[0].MimeType)
			assert.Equal(t, int64(4), got[0].Size)
		})
	}
}

func TestFromParts_KeepsDuplicates(t *testing.T) {
	p := part("Content-Disposition", `attachment; filename="same.txt"`)
	got := FromParts([]model.DecodedPart{p, p})
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Filename, got[1].Filename)
}

func TestExtract_NoAttachments(t *testing.T) {
	assert.Empty(t, Extract([]byte("Subject: plain\n\nhello\n")))
	assert.Empty(t, Extract([]byte("Content-Type: multipart/mixed\n\n--x\n\nbody\n")))
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":             "report.pdf",
		"../../etc/passwd":       "passwd",
		`C:\Users\evil\run.exe`:  "run.exe",
		"quo\"te's.txt":          "quotes.txt",
		"tab\tand\nnewline.txt":  "tabandnewline.txt",
		"":                       "attachment",
		"..":                     "attachment",
		"/":                      "attachment",
		strings.Repeat("a", 300): strings.Repeat("a", 255),
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeFilename(in), "input %q", in)
	}
}
