package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-indexer/model"
)

const twoMessages = "From alice@example.com Mon Jan  1 00:00:00 2024\n" +
	"From: Alice <alice@example.com>\n" +
	"To: bob@example.com\n" +
	"Subject: Hello\n" +
	"Date: Mon, 1 Jan 2024 10:00:00 +0000\n" +
	"Message-ID: <one@example.com>\n" +
	"\n" +
	"Hi Bob.\n" +
	"From the desk of John\n" +
	"\n" +
	"From bob@example.com Tue Jan  2 00:00:00 2024\n" +
	"From: bob@example.com\n" +
	"To: \"Alice\" <alice@example.com>\n" +
	"Subject: Re: Hello\n" +
	"Message-ID: <two@example.com>\n" +
	"\n" +
	"Hi Alice.\n"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scan(t *testing.T, archive string, opts Options) []model.MessageIndexEntry {
	t.Helper()
	entries, err := ScanAll(context.Background(), NewArchiveBytes([]byte(archive)), opts, quietLogger())
	require.NoError(t, err)
	return entries
}

func TestScan_TwoMessages(t *testing.T) {
	entries := scan(t, twoMessages, Options{})
	require.Len(t, entries, 2)

	second := int64(strings.Index(twoMessages, "From bob@example.com Tue"))

	first := entries[0]
	assert.Equal(t, "one@example.com", first.MessageID)
	assert.Equal(t, "Alice", first.From)
	assert.Equal(t, "bob@example.com", first.To)
	assert.Equal(t, "Hello", first.Subject)
	assert.True(t, first.Date.Equal(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Hi Bob. From the desk of John", first.BodyPreview)
	assert.Equal(t, int64(0), first.BodyOffset)
	assert.Equal(t, second, first.BodyLength)
	assert.False(t, first.HasAttachments)

	last := entries[1]
	assert.Equal(t, "two@example.com", last.MessageID)
	assert.Equal(t, "bob@example.com", last.From)
	assert.Equal(t, "Alice", last.To)
	assert.Equal(t, "Re: Hello", last.Subject)
	assert.Equal(t, model.SentinelDate, last.Date)
	assert.False(t, last.HasDate())
	assert.Equal(t, second, last.BodyOffset)
	assert.Equal(t, int64(len(twoMessages))-second, last.BodyLength)
}

func TestScan_NegativeBoundary(t *testing.T) {
	assert.False(t, IsBoundary("From the desk of John"))
	assert.False(t, IsBoundary("From: alice@example.com"))
	assert.False(t, IsBoundary(" From alice@example.com"))
	assert.True(t, IsBoundary("From alice@example.com"))
	assert.True(t, IsBoundary("From MAILER-DAEMON Sat Jan  3 01:05:34 1996"))

	entries := scan(t, twoMessages, Options{})
	assert.Len(t, entries, 2)
	assert.Contains(t, entries[0].BodyPreview, "From the desk of John")
}

func TestScan_NMessagesIncreasingOffsets(t *testing.T) {
	const n = 50
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "From sender%d@example.com Wed Mar  6 12:00:00 2024\n", i)
		fmt.Fprintf(&b, "From: sender%d@example.com\nSubject: message %d\nMessage-ID: <%d@example.com>\n\n", i, i, i)
		fmt.Fprintf(&b, "Body of message %d.\n\n", i)
	}

	entries := scan(t, b.String(), Options{})
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("message %d", i), e.Subject)
		if i > 0 {
			assert.Greater(t, e.BodyOffset, entries[i-1].BodyOffset)
			assert.Equal(t, entries[i-1].End(), e.BodyOffset)
		}
	}
	assert.Equal(t, int64(b.Len()), entries[n-1].End())
}

func TestScan_ChunkSizeDoesNotChangeResult(t *testing.T) {
	archive := twoMessages + "From carol@example.com Thu Jan  4 00:00:00 2024\n" +
		"From: Carol <carol@example.com>\r\n" +
		"Subject: Grüße aus Köln\r\n" +
		"Message-ID: <three@example.com>\r\n" +
		"\r\n" +
		"Schöne Grüße ✓\r\n"

	want := scan(t, archive, Options{})
	require.Len(t, want, 3)
	assert.Equal(t, "Grüße aus Köln", want[2].Subject)
	assert.Equal(t, "Schöne Grüße ✓", want[2].BodyPreview)

	for _, size := range []int{1, 3, 7, 64, 1000} {
		t.Run(fmt.Sprintf("chunk=%d", size), func(t *testing.T) {
			assert.Equal(t, want, scan(t, archive, Options{ChunkSize: size}))
		})
	}
}

func TestScan_Idempotent(t *testing.T) {
	archive := twoMessages + "From x@example.com Fri Jan  5 00:00:00 2024\nSubject: no id\n\nbody\n"

	a := NewArchiveBytes([]byte(archive))
	first, err := ScanAll(context.Background(), a, Options{}, nil)
	require.NoError(t, err)
	again, err := ScanAll(context.Background(), a, Options{}, nil)
	require.NoError(t, err)

	require.Len(t, first, 3)
	require.Len(t, again, 3)
	assert.NotEmpty(t, first[2].MessageID)
	first[2].MessageID, again[2].MessageID = "", ""
	assert.Equal(t, first, again)
}

func TestScan_RoundTrip(t *testing.T) {
	a := NewArchiveBytes([]byte(twoMessages))
	entries, err := ScanAll(context.Background(), a, Options{}, nil)
	require.NoError(t, err)

	for _, e := range entries {
		raw, err := LoadEntry(a, e)
		require.NoError(t, err)

		again := scan(t, string(raw), Options{})
		require.Len(t, again, 1)
		got := again[0]
		assert.Equal(t, e.MessageID, got.MessageID)
		assert.Equal(t, e.From, got.From)
		assert.Equal(t, e.To, got.To)
		assert.Equal(t, e.Subject, got.Subject)
		assert.True(t, e.Date.Equal(got.Date))
		assert.Equal(t, e.BodyPreview, got.BodyPreview)
		assert.Equal(t, e.HasAttachments, got.HasAttachments)
		assert.Equal(t, int64(0), got.BodyOffset)
		assert.Equal(t, e.BodyLength, got.BodyLength)
	}
}

func TestScan_Headers(t *testing.T) {
	tests := []struct {
		name    string
		archive string
		check   func(t *testing.T, e model.MessageIndexEntry)
	}{
		{
			name:    "folded header continues the last inserted field",
			archive: "From a@b.c Mon Jan  1 00:00:00 2024\nX-Zeta: z\nSubject: first\n  second\n\tthird\nAlpha: a\n\n",
			check: func(t *testing.T, e model.MessageIndexEntry) {
				assert.Equal(t, "first second third", e.Subject)
			},
		},
		{
			name:    "encoded words",
			archive: "From a@b.c Mon Jan  1 00:00:00 2024\nFrom: =?ISO-8859-1?Q?Andr=E9?= <andre@example.com>\nSubject: =?UTF-8?B?SGVsbG8gV29ybGQ=?=\n\n",
			check: func(t *testing.T, e model.MessageIndexEntry) {
				assert.Equal(t, "André", e.From)
				assert.Equal(t, "Hello World", e.Subject)
			},
		},
		{
			name:    "latin-1 header",
			archive: "From a@b.c Mon Jan  1 00:00:00 2024\nSubject: Caf\xe9\n\n",
			check: func(t *testing.T, e model.MessageIndexEntry) {
				assert.Equal(t, "Café", e.Subject)
			},
		},
		{
			name:    "defaults",
			archive: "From a@b.c Mon Jan  1 00:00:00 2024\nX-Mailer: test\nDate: not a date\n\n",
			check: func(t *testing.T, e model.MessageIndexEntry) {
				assert.Equal(t, "(No Subject)", e.Subject)
				assert.Len(t, e.MessageID, 36)
				assert.Equal(t, model.SentinelDate, e.Date)
				assert.Equal(t, "", e.From)
			},
		},
		{
			name:    "multipart mixed flags attachments",
			archive: "From a@b.c Mon Jan  1 00:00:00 2024\nContent-Type: Multipart/Mixed;\n boundary=\"xyz\"\n\n",
			check: func(t *testing.T, e model.MessageIndexEntry) {
				assert.True(t, e.HasAttachments)
			},
		},
		{
			name:    "multipart alternative does not",
			archive: "From a@b.c Mon Jan  1 00:00:00 2024\nContent-Type: multipart/alternative; boundary=xyz\n\n",
			check: func(t *testing.T, e model.MessageIndexEntry) {
				assert.False(t, e.HasAttachments)
			},
		},
		{
			name:    "preview strips tags and collapses whitespace",
			archive: "From a@b.c Mon Jan  1 00:00:00 2024\nSubject: s\n\n<html><body>\n<p>Hello   <b>world</b></p>\n\n   second\tline  \n</body></html>\n",
			check: func(t *testing.T, e model.MessageIndexEntry) {
				assert.Equal(t, "Hello world second line", e.BodyPreview)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := scan(t, tt.archive, Options{})
			require.Len(t, entries, 1)
			tt.check(t, entries[0])
		})
	}
}

func TestScan_PreviewTruncated(t *testing.T) {
	body := strings.Repeat("ä", 500)
	entries := scan(t, "From a@b.c Mon Jan  1 00:00:00 2024\nSubject: s\n\n"+body+"\n"+body+"\n", Options{})
	require.Len(t, entries, 1)
	assert.Equal(t, strings.Repeat("ä", PreviewLength), entries[0].BodyPreview)

	entries = scan(t, "From a@b.c Mon Jan  1 00:00:00 2024\nSubject: s\n\n"+body+"\n", Options{PreviewLength: 10})
	assert.Equal(t, strings.Repeat("ä", 10), entries[0].BodyPreview)
}

func TestScan_EdgeCases(t *testing.T) {
	t.Run("empty archive", func(t *testing.T) {
		assert.Empty(t, scan(t, "", Options{}))
	})

	t.Run("message without headers is dropped", func(t *testing.T) {
		archive := "From a@b.c Mon Jan  1 00:00:00 2024\n\nbody only\nFrom b@b.c Mon Jan  1 00:00:00 2024\nSubject: kept\n\n"
		entries := scan(t, archive, Options{})
		require.Len(t, entries, 1)
		assert.Equal(t, "kept", entries[0].Subject)
		assert.Equal(t, int64(strings.Index(archive, "From b@")), entries[0].BodyOffset)
	})

	t.Run("bare message without separator", func(t *testing.T) {
		archive := "Subject: plain rfc822\nFrom: x@example.com\n\nhello"
		entries := scan(t, archive, Options{})
		require.Len(t, entries, 1)
		assert.Equal(t, int64(0), entries[0].BodyOffset)
		assert.Equal(t, int64(len(archive)), entries[0].BodyLength)
		assert.Equal(t, "hello", entries[0].BodyPreview)
	})

	t.Run("malformed lines are ignored", func(t *testing.T) {
		archive := "From a@b.c Mon Jan  1 00:00:00 2024\n continuation without header\nnot a header\nSubject: ok\n\n"
		entries := scan(t, archive, Options{})
		require.Len(t, entries, 1)
		assert.Equal(t, "ok", entries[0].Subject)
	})
}

func TestScan_Progress(t *testing.T) {
	var got []model.ScanProgress
	opts := Options{
		ChunkSize: 64,
		Progress:  func(p model.ScanProgress) { got = append(got, p) },
	}
	scan(t, twoMessages, opts)

	total := int64(len(twoMessages))
	require.Len(t, got, int((total+63)/64))
	for i, p := range got {
		assert.Equal(t, total, p.TotalBytes)
		if i > 0 {
			assert.Greater(t, p.BytesRead, got[i-1].BytesRead)
		}
	}
	assert.Equal(t, total, got[len(got)-1].BytesRead)
	assert.Equal(t, 1.0, got[len(got)-1].Fraction())
}

func TestEntries_SinglePass(t *testing.T) {
	seq := Entries(context.Background(), NewArchiveBytes([]byte(twoMessages)), Options{}, nil)

	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 2, n)

	for _, err := range seq {
		assert.True(t, errors.Is(err, ErrIteratorConsumed))
	}
}

func TestEntries_BreakStopsScan(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		fmt.Fprintf(&b, "From s@example.com Mon Jan  1 00:00:00 2024\nSubject: %d\n\nx\n", i)
	}

	seq := Entries(context.Background(), NewArchiveBytes([]byte(b.String())), Options{Buffer: 1, ChunkSize: 128}, nil)
	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestEntries_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var lastErr error
	for _, err := range Entries(ctx, NewArchiveBytes([]byte(twoMessages)), Options{}, nil) {
		lastErr = err
	}
	assert.True(t, errors.Is(lastErr, context.Canceled))
}

// patternReader serves an endless repetition of a single message up to size
// bytes without holding the archive in memory.
type patternReader struct {
	pattern []byte
	size    int64
}

func (p *patternReader) ReadAt(buf []byte, off int64) (int, error) {
	if off >= p.size {
		return 0, io.EOF
	}
	n := len(buf)
	if remaining := p.size - off; int64(n) > remaining {
		n = int(remaining)
	}
	plen := int64(len(p.pattern))
	for i := 0; i < n; i++ {
		buf[i] = p.pattern[(off+int64(i))%plen]
	}
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func TestScan_BoundedMemory(t *testing.T) {
	if testing.Short() {
		t.Skip("large synthetic archive")
	}

	pattern := []byte("From sender@example.com Mon Jan  1 00:00:00 2024\n" +
		"From: Sender <sender@example.com>\n" +
		"Message-ID: <fixed@example.com>\n" +
		"Subject: repeated\n" +
		"\n" +
		"<p>Some body text that repeats forever.</p>\n" +
		"\n")
	const copies = 200_000
	a := NewArchive(&patternReader{pattern: pattern, size: int64(len(pattern)) * copies}, int64(len(pattern))*copies)

	s := NewScanner(Options{}, nil)
	out := make(chan model.Envelope, 32)
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(context.Background(), a, out)
		close(out)
	}()

	n := 0
	for env := range out {
		require.NoError(t, env.Err)
		n++
	}
	require.NoError(t, <-done)

	assert.Equal(t, copies, n)
	assert.Greater(t, s.peakRetained, 0)
	assert.Less(t, s.peakRetained, ChunkSize)
}

func TestScan_GiantLineIsCapped(t *testing.T) {
	archive := "From a@b.c Mon Jan  1 00:00:00 2024\nSubject: one\n\n" +
		strings.Repeat("x", 3*MaxLineBytes) + "\n" +
		"From b@b.c Tue Jan  2 00:00:00 2024\nSubject: two\n\nshort\n"

	s := NewScanner(Options{}, nil)
	out := make(chan model.Envelope, 4)
	require.NoError(t, s.Stream(context.Background(), NewArchiveBytes([]byte(archive)), out))
	close(out)

	var entries []model.MessageIndexEntry
	for env := range out {
		entries = append(entries, env.Entry)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, int64(strings.Index(archive, "From b@")), entries[1].BodyOffset)
	assert.Equal(t, int64(len(archive)), entries[1].End())
	assert.Len(t, []rune(entries[0].BodyPreview), PreviewLength)
	assert.LessOrEqual(t, s.peakRetained, MaxLineBytes+4*PreviewLength+64)
}

func TestScan_HeaderBlockIsCapped(t *testing.T) {
	var b strings.Builder
	b.WriteString("From a@b.c Mon Jan  1 00:00:00 2024\nSubject: kept\n")
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&b, "X-Pad-%d: %s\n", i, strings.Repeat("a", maxHeaderValueBytes))
	}
	b.WriteString("X-Folded: start\n")
	for i := 0; i < 200; i++ {
		b.WriteString("  " + strings.Repeat("b", 1024) + "\n")
	}
	b.WriteString("\nbody\n")
	second := b.Len()
	b.WriteString("From b@b.c Tue Jan  2 00:00:00 2024\nSubject: two\n\nshort\n")
	archive := b.String()

	s := NewScanner(Options{}, nil)
	out := make(chan model.Envelope, 4)
	require.NoError(t, s.Stream(context.Background(), NewArchiveBytes([]byte(archive)), out))
	close(out)

	var entries []model.MessageIndexEntry
	for env := range out {
		require.NoError(t, env.Err)
		entries = append(entries, env.Entry)
	}
	require.Len(t, entries, 2)
	assert.Equal(t, "kept", entries[0].Subject)
	assert.Equal(t, "body", entries[0].BodyPreview)
	assert.Equal(t, int64(second), entries[1].BodyOffset)
	assert.Equal(t, "two", entries[1].Subject)
	assert.LessOrEqual(t, s.peakRetained, MaxHeaderBytes+maxHeaderValueBytes+4*PreviewLength+64)
}

func TestScanState_HeaderBudget(t *testing.T) {
	st := newScanState(PreviewLength)
	st.line("Subject: first", 0)
	for i := 0; i < 100; i++ {
		st.line("X-Pad: "+strings.Repeat("a", 4096), 0)
		st.line("\t"+strings.Repeat("c", 4096), 0)
	}
	assert.LessOrEqual(t, st.headerBytes, MaxHeaderBytes)
	assert.LessOrEqual(t, st.retained(), MaxHeaderBytes)
	assert.Equal(t, "first", st.header.Get("Subject"))

	st.reset(10)
	assert.Zero(t, st.headerBytes)
	st.line("Subject: again", 10)
	assert.Equal(t, "again", st.header.Get("Subject"))
}
