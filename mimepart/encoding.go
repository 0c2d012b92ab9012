package mimepart

import (
	"bytes"
	"encoding/base64"
	"strings"
)

// DecodeTransfer reverses a Content-Transfer-Encoding. Unknown encodings,
// 7bit, 8bit and binary pass through unchanged.
func DecodeTransfer(encoding string, body []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return DecodeQuotedPrintable(body)
	case "base64":
		return DecodeBase64(body)
	default:
		return body
	}
}

// DecodeQuotedPrintable removes soft line breaks and then replaces every
// =XX escape. Malformed escapes are kept literally.
func DecodeQuotedPrintable(in []byte) []byte {
	in = bytes.ReplaceAll(in, []byte("=\r\n"), nil)
	in = bytes.ReplaceAll(in, []byte("=\n"), nil)

	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		c := in[i]
		if c == '=' && i+2 < len(in) {
			hi, ok1 := unhex(in[i+1])
			lo, ok2 := unhex(in[i+2])
			if ok1 && ok2 {
				out = append(out, hi<<4|lo)
				i += 2
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// DecodeBase64 decodes standard base64, skipping whitespace and any other
// character outside the alphabet, with or without padding. A dangling
// trailing sextet is dropped.
func DecodeBase64(in []byte) []byte {
	clean := make([]byte, 0, len(in))
	for _, c := range in {
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9', c == '+', c == '/':
			clean = append(clean, c)
		}
	}
	if len(clean)%4 == 1 {
		clean = clean[:len(clean)-1]
	}

	out := make([]byte, base64.RawStdEncoding.DecodedLen(len(clean)))
	// Decode reports how much it wrote even on error
	n, _ := base64.RawStdEncoding.Decode(out, clean)
	return out[:n]
}
