package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/mbox-indexer/model"
)

// FileStore persists entries to a JSONL log so future runs can skip them.
// The log is replayed into memory on open; later records for an offset
// replace earlier ones.
type FileStore struct {
	*MemoryStore
	path    string
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
	}

	if err := fs.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open store file for append: %w", err)
	}
	fs.file = file
	fs.writer = bufio.NewWriterSize(file, 64*1024)

	return fs, nil
}

// Path returns the location of the log file.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var entry model.MessageIndexEntry
		if err := json.Unmarshal(text, &entry); err != nil {
			return fmt.Errorf("parse store line %d: %w", line, err)
		}

		f.mu.Lock()
		f.put(entry)
		f.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read store file: %w", err)
	}

	return nil
}

// Put records entry in memory and appends it to the log unless an identical
// record is already present.
func (f *FileStore) Put(_ context.Context, entry model.MessageIndexEntry) error {
	f.mu.Lock()
	if existing, ok := f.entries[entry.BodyOffset]; ok && sameEntry(existing, entry) {
		f.mu.Unlock()
		return nil
	}
	f.put(entry)
	f.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode store record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write store record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Prune drops rejected entries and rewrites the log with what remains.
func (f *FileStore) Prune(ctx context.Context, keep func(offset int64) bool) (int, error) {
	removed, err := f.MemoryStore.Prune(ctx, keep)
	if err != nil || removed == 0 {
		return removed, err
	}
	if err := f.compact(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}

// compact replaces the log with one record per live entry.
func (f *FileStore) compact(ctx context.Context) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return fmt.Errorf("store file is closed")
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}

	entries, err := f.MemoryStore.List(ctx, 0, 0)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create compacted log: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriterSize(tmp, 64*1024)
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			tmp.Close()
			return fmt.Errorf("encode store record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush compacted log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync compacted log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close compacted log: %w", err)
	}

	if err := f.file.Close(); err != nil {
		return fmt.Errorf("close store file: %w", err)
	}
	f.file = nil
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open store file for append: %w", err)
	}
	f.file = file
	f.writer.Reset(file)
	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileStore) Flush() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return nil
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync store file: %w", err)
	}
	return nil
}

// Close flushes and closes the store file.
func (f *FileStore) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush store file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync store file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close store file: %w", err)
	}
	f.file = nil

	return firstErr
}

func sameEntry(a, b model.MessageIndexEntry) bool {
	return a.MessageID == b.MessageID &&
		a.From == b.From &&
		a.To == b.To &&
		a.Subject == b.Subject &&
		a.Date.Equal(b.Date) &&
		a.BodyPreview == b.BodyPreview &&
		a.BodyLength == b.BodyLength &&
		a.HasAttachments == b.HasAttachments
}
