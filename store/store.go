// Package store persists index entries keyed by their byte offset in the
// archive.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/runner"
	"github.com/dhcgn/mbox-indexer/stats"
)

var (
	ErrNotFound    = errors.New("entry not found")
	ErrUnknownKind = errors.New("unknown store kind")
)

// Store is a persistent index. Offsets are unique within one archive, so
// Put replaces any entry previously stored at the same offset.
type Store interface {
	Put(ctx context.Context, entry model.MessageIndexEntry) error
	// Seen reports whether the entry stored at entry.BodyOffset still
	// describes the same message.
	Seen(ctx context.Context, entry model.MessageIndexEntry) (bool, error)
	Get(ctx context.Context, offset int64) (model.MessageIndexEntry, error)
	GetByMessageID(ctx context.Context, messageID string) (model.MessageIndexEntry, error)
	List(ctx context.Context, limit, offset int) ([]model.MessageIndexEntry, error)
	Search(ctx context.Context, query string, limit, offset int) ([]model.MessageIndexEntry, error)
	Count(ctx context.Context) (int, error)
	// Prune deletes every entry whose offset keep rejects and returns how
	// many were removed.
	Prune(ctx context.Context, keep func(offset int64) bool) (int, error)
	Close() error
}

// Flusher is implemented by stores that buffer writes.
type Flusher interface {
	Flush() error
}

// Open returns the store of the given kind at path.
func Open(ctx context.Context, kind, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreJSONL:
		return NewFileStore(path)
	case config.StoreSQLite, "":
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// Writer is a pipeline stage that persists every accepted entry.
type Writer struct {
	store  Store
	runner *runner.Runner
	logger *slog.Logger
}

// NewWriter registers a "store" stage on r that drains r.Accepted into st.
func NewWriter(st Store, r *runner.Runner, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{store: st, runner: r, logger: logger}
	r.AddStage("store", w.run)
	return w
}

func (w *Writer) run(ctx context.Context) error {
	defer w.flush()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-w.runner.Accepted():
			if !ok {
				return nil
			}
			if err := w.store.Put(ctx, entry); err != nil {
				w.runner.EmitEvent(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeError, MessageID: entry.MessageID, Offset: entry.BodyOffset, Err: err})
				return fmt.Errorf("store entry at %d: %w", entry.BodyOffset, err)
			}
			w.logger.Debug("entry stored", "messageID", entry.MessageID, "offset", entry.BodyOffset)
			w.runner.EmitEvent(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeStored, MessageID: entry.MessageID, Offset: entry.BodyOffset})
		}
	}
}

func (w *Writer) flush() {
	f, ok := w.store.(Flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		w.logger.Error("flush store", "err", err)
	}
}

type getter interface {
	Get(ctx context.Context, offset int64) (model.MessageIndexEntry, error)
}

func seen(ctx context.Context, st getter, entry model.MessageIndexEntry) (bool, error) {
	stored, err := st.Get(ctx, entry.BodyOffset)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sameMessage(stored, entry), nil
}

// sameMessage compares the span and the scanned headers. Message-IDs are
// left out because missing ones are synthesized anew on every scan.
func sameMessage(stored, entry model.MessageIndexEntry) bool {
	return stored.BodyOffset == entry.BodyOffset &&
		stored.BodyLength == entry.BodyLength &&
		stored.From == entry.From &&
		stored.To == entry.To &&
		stored.Subject == entry.Subject &&
		stored.Date.Equal(entry.Date) &&
		stored.BodyPreview == entry.BodyPreview &&
		stored.HasAttachments == entry.HasAttachments
}

// searchTerms splits a free-text query into lower-case terms.
func searchTerms(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// matchesTerms reports whether every term occurs in one of the entry's
// searchable fields.
func matchesTerms(entry model.MessageIndexEntry, terms []string) bool {
	haystack := strings.ToLower(strings.Join([]string{entry.Subject, entry.From, entry.To, entry.BodyPreview}, "\n"))
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}
