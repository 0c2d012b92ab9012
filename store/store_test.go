package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/runner"
	"github.com/dhcgn/mbox-indexer/stats"
)

func testEntry(offset int64, subject, from string) model.MessageIndexEntry {
	return model.MessageIndexEntry{
		MessageID:   fmt.Sprintf("msg-%d@test.com", offset),
		From:        from,
		To:          "recipient@test.com",
		Subject:     subject,
		Date:        time.Date(2024, 3, 1, 9, 30, 0, 0, time.FixedZone("", 2*3600)),
		BodyPreview: "preview for " + subject,
		BodyOffset:  offset,
		BodyLength:  100,
	}
}

type factory func(t *testing.T) Store

func factories() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"jsonl": func(t *testing.T) Store {
			st, err := NewFileStore(filepath.Join(t.TempDir(), "index.jsonl"))
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := OpenSQLite(context.Background(), ":memory:")
			require.NoError(t, err)
			return st
		},
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	for name, open := range factories() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()

			require.NoError(t, st.Put(ctx, testEntry(500, "Quarterly report", "Alice")))
			require.NoError(t, st.Put(ctx, testEntry(0, "Lunch plans", "Bob")))
			undated := testEntry(250, "No date here", "Carol")
			undated.Date = model.SentinelDate
			undated.HasAttachments = true
			require.NoError(t, st.Put(ctx, undated))

			n, err := st.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			ok, err := st.Seen(ctx, undated)
			require.NoError(t, err)
			assert.True(t, ok)
			moved := undated
			moved.BodyOffset = 251
			ok, err = st.Seen(ctx, moved)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := st.Get(ctx, 500)
			require.NoError(t, err)
			assert.Equal(t, "Quarterly report", got.Subject)
			assert.Equal(t, "Alice", got.From)
			assert.True(t, got.Date.Equal(testEntry(500, "", "").Date))
			assert.Equal(t, int64(100), got.BodyLength)

			got, err = st.Get(ctx, 250)
			require.NoError(t, err)
			assert.False(t, got.HasDate())
			assert.True(t, got.HasAttachments)

			_, err = st.Get(ctx, 42)
			assert.True(t, errors.Is(err, ErrNotFound))

			got, err = st.GetByMessageID(ctx, "msg-0@test.com")
			require.NoError(t, err)
			assert.Equal(t, int64(0), got.BodyOffset)
			_, err = st.GetByMessageID(ctx, "missing@test.com")
			assert.True(t, errors.Is(err, ErrNotFound))

			list, err := st.List(ctx, 0, 0)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []int64{0, 250, 500}, []int64{list[0].BodyOffset, list[1].BodyOffset, list[2].BodyOffset})

			page, err := st.List(ctx, 1, 1)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, int64(250), page[0].BodyOffset)

			empty, err := st.List(ctx, 10, 10)
			require.NoError(t, err)
			assert.Empty(t, empty)

			hits, err := st.Search(ctx, "quarterly", 10, 0)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, int64(500), hits[0].BodyOffset)

			hits, err = st.Search(ctx, "lunch bob", 10, 0)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, int64(0), hits[0].BodyOffset)

			hits, err = st.Search(ctx, "nothing-matches-this", 10, 0)
			require.NoError(t, err)
			assert.Empty(t, hits)

			all, err := st.Search(ctx, "  ", 2, 0)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestStores_SearchPages(t *testing.T) {
	ctx := context.Background()

	for name, open := range factories() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()

			for _, off := range []int64{0, 100, 200} {
				require.NoError(t, st.Put(ctx, testEntry(off, "weekly status", "Alice")))
			}
			require.NoError(t, st.Put(ctx, testEntry(300, "unrelated", "Bob")))

			first, err := st.Search(ctx, "weekly", 2, 0)
			require.NoError(t, err)
			require.Len(t, first, 2)
			rest, err := st.Search(ctx, "weekly", 2, 2)
			require.NoError(t, err)
			require.Len(t, rest, 1)

			seen := map[int64]bool{}
			for _, e := range append(first, rest...) {
				seen[e.BodyOffset] = true
			}
			assert.Equal(t, map[int64]bool{0: true, 100: true, 200: true}, seen)

			past, err := st.Search(ctx, "weekly", 2, 5)
			require.NoError(t, err)
			assert.Empty(t, past)
		})
	}
}

func TestStores_PutReplaces(t *testing.T) {
	ctx := context.Background()

	for name, open := range factories() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()

			require.NoError(t, st.Put(ctx, testEntry(10, "First", "Alice")))
			require.NoError(t, st.Put(ctx, testEntry(10, "Second", "Alice")))

			n, err := st.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			got, err := st.Get(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, "Second", got.Subject)

			hits, err := st.Search(ctx, "first", 10, 0)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

func TestStores_SeenComparesMessage(t *testing.T) {
	ctx := context.Background()

	for name, open := range factories() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()

			stored := testEntry(0, "old one", "Alice")
			require.NoError(t, st.Put(ctx, stored))

			// a rescan synthesizes a new Message-ID for id-less messages
			rescanned := stored
			rescanned.MessageID = "regenerated"
			ok, err := st.Seen(ctx, rescanned)
			require.NoError(t, err)
			assert.True(t, ok)

			// the archive was rewritten and a longer message starts at 0
			rewritten := testEntry(0, "a brand new one", "Bob")
			rewritten.BodyLength = 126
			ok, err = st.Seen(ctx, rewritten)
			require.NoError(t, err)
			assert.False(t, ok)

			sameLength := stored
			sameLength.Subject = "edited"
			ok, err = st.Seen(ctx, sameLength)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStores_Prune(t *testing.T) {
	ctx := context.Background()

	for name, open := range factories() {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()

			for _, off := range []int64{0, 100, 200, 300} {
				require.NoError(t, st.Put(ctx, testEntry(off, fmt.Sprintf("subject %d", off), "Alice")))
			}

			removed, err := st.Prune(ctx, func(off int64) bool { return off != 100 && off != 300 })
			require.NoError(t, err)
			assert.Equal(t, 2, removed)

			list, err := st.List(ctx, 0, 0)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, int64(0), list[0].BodyOffset)
			assert.Equal(t, int64(200), list[1].BodyOffset)

			hits, err := st.Search(ctx, "subject", 10, 0)
			require.NoError(t, err)
			assert.Len(t, hits, 2)

			removed, err = st.Prune(ctx, func(int64) bool { return true })
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}

func TestFileStore_PruneCompactsLog(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.jsonl")

	st, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, testEntry(0, "One", "Alice")))
	require.NoError(t, st.Put(ctx, testEntry(120, "Two", "Bob")))
	require.NoError(t, st.Put(ctx, testEntry(120, "Two again", "Bob")))

	removed, err := st.Prune(ctx, func(off int64) bool { return off == 120 })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// appends after compaction land in the new file
	require.NoError(t, st.Put(ctx, testEntry(240, "Three", "Carol")))
	require.NoError(t, st.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	list, err := reopened.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Two again", list[0].Subject)
	assert.Equal(t, "Three", list[1].Subject)
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := NewMemoryStore()
	require.NoError(t, st.Put(ctx, testEntry(0, "Kept", "Alice")))
	require.NoError(t, st.Put(ctx, testEntry(900, "Gone from archive", "Alice")))

	r, err := runner.New(config.Config{ExcludeHeader: []string{"Subject: spam"}}, st, logger)
	require.NoError(t, err)
	sweeper := NewSweeper(st, r, logger)
	NewWriter(st, r, logger)

	go func() {
		defer r.CloseMailbox()
		r.MailboxWriter() <- model.Envelope{Entry: testEntry(0, "Kept", "Alice")}
		r.MailboxWriter() <- model.Envelope{Entry: testEntry(100, "spam offer", "Alice")}
		r.MailboxWriter() <- model.Envelope{Entry: testEntry(200, "New", "Bob")}
	}()
	require.NoError(t, r.Start())

	removed, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	list, err := st.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(0), list[0].BodyOffset)
	assert.Equal(t, int64(200), list[1].BodyOffset)
}

func TestFileStore_Reload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "index.jsonl")

	st, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, testEntry(0, "One", "Alice")))
	require.NoError(t, st.Put(ctx, testEntry(120, "Two", "Bob")))
	require.NoError(t, st.Put(ctx, testEntry(120, "Two", "Bob")))
	require.NoError(t, st.Close())

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := reopened.Get(ctx, 120)
	require.NoError(t, err)
	assert.Equal(t, "Two", got.Subject)
	assert.True(t, got.Date.Equal(testEntry(0, "", "").Date))
}

func TestSQLiteStore_File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db", "index.db")

	st, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, testEntry(64, "Persisted", "Alice")))
	require.NoError(t, st.Close())

	reopened, err := OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, 64)
	require.NoError(t, err)
	assert.Equal(t, "Persisted", got.Subject)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	st, err := Open(ctx, config.StoreMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, st)

	st, err = Open(ctx, config.StoreJSONL, filepath.Join(t.TempDir(), "x.jsonl"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)
	require.NoError(t, st.Close())

	st, err = Open(ctx, "SQLite", "")
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, st)
	require.NoError(t, st.Close())

	_, err = Open(ctx, "postgres", "")
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestWriter(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := NewMemoryStore()
	require.NoError(t, st.Put(ctx, testEntry(0, "Already indexed", "Alice")))

	r, err := runner.New(config.Config{}, st, logger)
	require.NoError(t, err)
	reporter := stats.NewReporter(r, logger)
	NewWriter(st, r, logger)

	go func() {
		defer r.CloseMailbox()
		for _, off := range []int64{0, 100, 200} {
			r.MailboxWriter() <- model.Envelope{Entry: testEntry(off, "Subject", "Alice")}
		}
	}()

	require.NoError(t, r.Start())

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	summary := reporter.Summary()
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 1, summary.Duplicates)
	assert.Equal(t, 2, summary.Stored)
}
