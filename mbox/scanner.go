package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/normalize"
)

const (
	// ChunkSize is the number of bytes read from the archive per step.
	ChunkSize = 64 * 1024
	// PreviewLength is the number of runes kept in an entry's body preview.
	PreviewLength = 160
	// MaxLineBytes caps how much of a single line is retained for parsing.
	MaxLineBytes = 4 * ChunkSize

	// MaxHeaderBytes caps the header bytes kept per message, keys included.
	MaxHeaderBytes = ChunkSize

	maxHeaderFields     = 512
	maxHeaderValueBytes = 16 * 1024
	defaultBuffer       = 32
	noSubject           = "(No Subject)"
)

// ErrIteratorConsumed is yielded when an Entries sequence is ranged over twice.
var ErrIteratorConsumed = errors.New("mbox entries already consumed")

var (
	weekdays = []string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}
	reTag    = regexp.MustCompile(`<[^>]*>`)
)

// Options tunes a scan. Zero values select the package defaults.
type Options struct {
	ChunkSize     int
	PreviewLength int
	// Buffer is the capacity of the channel behind Entries.
	Buffer int
	// Progress is invoked once per chunk with cumulative counts.
	Progress func(model.ScanProgress)
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return ChunkSize
	}
	return o.ChunkSize
}

func (o Options) previewLength() int {
	if o.PreviewLength <= 0 {
		return PreviewLength
	}
	return o.PreviewLength
}

func (o Options) buffer() int {
	if o.Buffer <= 0 {
		return defaultBuffer
	}
	return o.Buffer
}

// IsBoundary reports whether line starts a new message: it must begin with
// "From " and contain either an '@' or a three-letter weekday abbreviation.
// Body text matching the same shape is misread as a boundary.
func IsBoundary(line string) bool {
	if !strings.HasPrefix(line, "From ") {
		return false
	}
	if strings.Contains(line, "@") {
		return true
	}
	for _, day := range weekdays {
		if strings.Contains(line, day) {
			return true
		}
	}
	return false
}

// Scanner indexes an archive in a single forward pass.
type Scanner struct {
	opts   Options
	logger *slog.Logger

	// peakRetained records the largest number of bytes held in line,
	// header and preview buffers during the last Stream call.
	peakRetained int
}

// NewScanner creates a scanner. logger may be nil.
func NewScanner(opts Options, logger *slog.Logger) *Scanner {
	return &Scanner{opts: opts, logger: logger}
}

// Stream reads the archive chunk by chunk and sends one envelope per
// message to out, in file order. It blocks while out is full and returns
// when the archive is exhausted, ctx is cancelled or a read fails. Stream
// does not close out.
func (s *Scanner) Stream(ctx context.Context, a *Archive, out chan<- model.Envelope) error {
	if a == nil {
		return fmt.Errorf("%w: archive is nil", ErrUnreadableArchive)
	}

	st := newScanState(s.opts.previewLength())
	buf := make([]byte, s.opts.chunkSize())
	line := make([]byte, 0, 256)
	var (
		offset    int64
		lineStart int64
		lineLen   int64
	)
	s.peakRetained = 0

	flush := func(end int64) error {
		if lineLen == 0 {
			return nil
		}
		entry, ok := s.feed(st, line, lineStart)
		s.observe(st, len(line))
		line = line[:0]
		lineStart = end
		lineLen = 0
		if ok {
			return s.emit(ctx, out, model.Envelope{Entry: entry})
		}
		return nil
	}

	for offset < a.Size() {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := a.ReadAt(buf, offset)
		if n == 0 && readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read chunk at %d: %w", offset, readErr)
		}

		chunk := buf[:n]
		chunkStart := offset
		offset += int64(n)

		for len(chunk) > 0 {
			i := bytes.IndexByte(chunk, '\n')
			piece := chunk
			if i >= 0 {
				piece = chunk[:i+1]
			}
			if room := MaxLineBytes - len(line); room > 0 {
				line = append(line, piece[:min(room, len(piece))]...)
			}
			lineLen += int64(len(piece))
			chunk = chunk[len(piece):]

			if i >= 0 {
				end := chunkStart + int64(n-len(chunk))
				if err := flush(end); err != nil {
					return err
				}
			}
		}
		s.observe(st, len(line))

		if s.opts.Progress != nil {
			s.opts.Progress(model.ScanProgress{BytesRead: offset, TotalBytes: a.Size()})
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fmt.Errorf("read chunk at %d: %w", chunkStart, readErr)
		}
	}

	if err := flush(offset); err != nil {
		return err
	}

	if entry, ok := st.finish(offset); ok {
		return s.emit(ctx, out, model.Envelope{Entry: entry})
	}
	return nil
}

func (s *Scanner) feed(st *scanState, raw []byte, start int64) (model.MessageIndexEntry, bool) {
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	raw = bytes.TrimSuffix(raw, []byte("\r"))

	text, err := decodeText(raw)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("dropping undecodable line", "offset", start, "bytes", len(raw))
		}
		return model.MessageIndexEntry{}, false
	}
	return st.line(text, start)
}

func (s *Scanner) observe(st *scanState, lineBytes int) {
	if retained := lineBytes + st.retained(); retained > s.peakRetained {
		s.peakRetained = retained
	}
}

func (s *Scanner) emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Entries returns a lazy, single-pass sequence of index entries backed by a
// bounded channel. Breaking out of the loop stops the scan. A read failure
// or cancellation is yielded once as a final error.
func Entries(ctx context.Context, a *Archive, opts Options, logger *slog.Logger) iter.Seq2[model.MessageIndexEntry, error] {
	var used atomic.Bool
	return func(yield func(model.MessageIndexEntry, error) bool) {
		if used.Swap(true) {
			yield(model.MessageIndexEntry{}, ErrIteratorConsumed)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan model.Envelope, opts.buffer())
		done := make(chan error, 1)
		go func() {
			done <- NewScanner(opts, logger).Stream(ctx, a, out)
			close(out)
		}()

		for env := range out {
			if !yield(env.Entry, env.Err) {
				cancel()
				for range out {
				}
				<-done
				return
			}
		}

		if err := <-done; err != nil {
			yield(model.MessageIndexEntry{}, err)
		}
	}
}

// ScanAll collects every entry of a. Intended for small archives and tests.
func ScanAll(ctx context.Context, a *Archive, opts Options, logger *slog.Logger) ([]model.MessageIndexEntry, error) {
	var entries []model.MessageIndexEntry
	for entry, err := range Entries(ctx, a, opts, logger) {
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// scanState is the line-oriented state machine for the message currently
// being read.
type scanState struct {
	previewLimit int
	previewRunes int

	start       int64
	inHeaders   bool
	header      model.Header
	headerBytes int
	preview     strings.Builder
}

func newScanState(previewLength int) *scanState {
	return &scanState{previewLimit: previewLength, inHeaders: true}
}

// line consumes one decoded line starting at archive offset start. When the
// line opens a new message, the previous one is returned if it had headers.
func (st *scanState) line(text string, start int64) (model.MessageIndexEntry, bool) {
	if IsBoundary(text) {
		entry, ok := st.finish(start)
		st.reset(start)
		return entry, ok
	}

	if st.inHeaders {
		st.headerLine(text)
		return model.MessageIndexEntry{}, false
	}

	st.bodyLine(text)
	return model.MessageIndexEntry{}, false
}

func (st *scanState) headerLine(text string) {
	if strings.TrimSpace(text) == "" {
		st.inHeaders = false
		return
	}

	if text[0] == ' ' || text[0] == '\t' {
		n := len(st.header)
		if n == 0 {
			return
		}
		// one byte for the joining space
		room := min(MaxHeaderBytes-st.headerBytes, maxHeaderValueBytes-len(st.header[n-1].Value)) - 1
		if room <= 0 {
			return
		}
		cont := strings.TrimSpace(text)
		if len(cont) > room {
			cont = cont[:room]
		}
		st.header.ContinueLast(cont)
		st.headerBytes += len(cont) + 1
		return
	}

	idx := strings.IndexByte(text, ':')
	if idx <= 0 {
		return
	}
	key := strings.TrimRight(text[:idx], " \t")
	if key == "" || strings.ContainsAny(key, " \t") {
		return
	}
	if len(st.header) >= maxHeaderFields {
		return
	}
	room := min(MaxHeaderBytes-st.headerBytes-len(key), maxHeaderValueBytes)
	if room < 0 {
		return
	}
	value := strings.TrimSpace(text[idx+1:])
	if len(value) > room {
		value = value[:room]
	}
	st.header.Add(key, value)
	st.headerBytes += len(key) + len(value)
}

func (st *scanState) bodyLine(text string) {
	limit := 2 * st.previewLimit
	if st.previewRunes >= limit {
		return
	}

	stripped := strings.TrimSpace(reTag.ReplaceAllString(text, ""))
	if stripped == "" {
		return
	}
	if st.preview.Len() > 0 {
		st.preview.WriteByte(' ')
		st.previewRunes++
	}

	room := limit - st.previewRunes
	if n := utf8.RuneCountInString(stripped); n > room {
		stripped = truncateRunes(stripped, room)
	}
	st.preview.WriteString(stripped)
	st.previewRunes += utf8.RuneCountInString(stripped)
}

func (st *scanState) retained() int {
	size := st.preview.Len()
	for _, f := range st.header {
		size += len(f.Key) + len(f.Value)
	}
	return size
}

func (st *scanState) reset(start int64) {
	st.start = start
	st.inHeaders = true
	st.header = nil
	st.headerBytes = 0
	st.preview.Reset()
	st.previewRunes = 0
}

// finish converts the pending message into an index entry. Messages without
// any header are dropped.
func (st *scanState) finish(end int64) (model.MessageIndexEntry, bool) {
	if len(st.header) == 0 {
		return model.MessageIndexEntry{}, false
	}

	h := st.header
	entry := model.MessageIndexEntry{
		MessageID:      strings.Trim(strings.TrimSpace(h.Get("Message-ID")), "<> "),
		From:           normalize.Address(decodeHeaderWords(h.Get("From"))),
		To:             normalize.Address(decodeHeaderWords(h.Get("To"))),
		Subject:        strings.TrimSpace(decodeHeaderWords(h.Get("Subject"))),
		Date:           model.SentinelDate,
		BodyPreview:    previewText(st.preview.String(), st.previewLimit),
		BodyOffset:     st.start,
		BodyLength:     end - st.start,
		HasAttachments: strings.Contains(strings.ToLower(h.Get("Content-Type")), "multipart/mixed"),
	}
	if entry.Subject == "" {
		entry.Subject = noSubject
	}
	if entry.MessageID == "" {
		entry.MessageID = uuid.NewString()
	}
	if date, ok := normalize.Date(h.Get("Date")); ok {
		entry.Date = date
	}
	return entry, true
}

func previewText(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	return truncateRunes(s, limit)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
