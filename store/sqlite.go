package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dhcgn/mbox-indexer/model"
)

// SQLiteStore keeps entries in an `entries` table with an FTS5 shadow index
// over subject, sender, recipients and preview.
type SQLiteStore struct {
	db *sql.DB
}

const entryColumns = `body_offset, body_length, message_id, sender, recipients, subject, date, body_preview, has_attachments`

// OpenSQLite opens (or creates) the database at path and applies the schema.
// An empty path or ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}

	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entries (
            body_offset INTEGER PRIMARY KEY,
            body_length INTEGER NOT NULL,
            message_id TEXT NOT NULL,
            sender TEXT NOT NULL,
            recipients TEXT NOT NULL,
            subject TEXT NOT NULL,
            date TEXT,
            body_preview TEXT NOT NULL,
            has_attachments INTEGER NOT NULL DEFAULT 0,
            indexed_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_entries_message_id ON entries(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_date ON entries(date);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
            subject,
            sender,
            recipients,
            body_preview,
            content='entries',
            content_rowid='body_offset'
        );`,
		`CREATE TRIGGER IF NOT EXISTS entries_ai AFTER INSERT ON entries BEGIN
            INSERT INTO entries_fts(rowid, subject, sender, recipients, body_preview)
            VALUES (new.body_offset, new.subject, new.sender, new.recipients, new.body_preview);
        END;`,
		`CREATE TRIGGER IF NOT EXISTS entries_ad AFTER DELETE ON entries BEGIN
            INSERT INTO entries_fts(entries_fts, rowid, subject, sender, recipients, body_preview)
            VALUES ('delete', old.body_offset, old.subject, old.sender, old.recipients, old.body_preview);
        END;`,
		`CREATE TRIGGER IF NOT EXISTS entries_au AFTER UPDATE ON entries BEGIN
            INSERT INTO entries_fts(entries_fts, rowid, subject, sender, recipients, body_preview)
            VALUES ('delete', old.body_offset, old.subject, old.sender, old.recipients, old.body_preview);
            INSERT INTO entries_fts(rowid, subject, sender, recipients, body_preview)
            VALUES (new.body_offset, new.subject, new.sender, new.recipients, new.body_preview);
        END;`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry model.MessageIndexEntry) error {
	query := `INSERT INTO entries (` + entryColumns + `, indexed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(body_offset) DO UPDATE SET
            body_length = excluded.body_length,
            message_id = excluded.message_id,
            sender = excluded.sender,
            recipients = excluded.recipients,
            subject = excluded.subject,
            date = excluded.date,
            body_preview = excluded.body_preview,
            has_attachments = excluded.has_attachments,
            indexed_at = excluded.indexed_at;`
	_, err := s.db.ExecContext(ctx, query,
		entry.BodyOffset,
		entry.BodyLength,
		entry.MessageID,
		entry.From,
		entry.To,
		entry.Subject,
		formatDate(entry.Date),
		entry.BodyPreview,
		entry.HasAttachments,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Seen(ctx context.Context, entry model.MessageIndexEntry) (bool, error) {
	ok, err := seen(ctx, s, entry)
	if err != nil {
		return false, fmt.Errorf("lookup entry: %w", err)
	}
	return ok, nil
}

func (s *SQLiteStore) Get(ctx context.Context, offset int64) (model.MessageIndexEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE body_offset = ?;`, offset)
	return scanOne(row)
}

func (s *SQLiteStore) GetByMessageID(ctx context.Context, messageID string) (model.MessageIndexEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries
        WHERE message_id = ? ORDER BY body_offset LIMIT 1;`, messageID)
	return scanOne(row)
}

func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]model.MessageIndexEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries
        ORDER BY body_offset LIMIT ? OFFSET ?;`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return scanAll(rows)
}

// Search runs an FTS5 prefix query built from the terms of query. Results
// are ordered by relevance, then by offset so pages are stable.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit, offset int) ([]model.MessageIndexEntry, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return s.List(ctx, limit, offset)
	}
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	fuzzy := make([]string, len(terms))
	for i, term := range terms {
		fuzzy[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"*`
	}

	rows, err := s.db.QueryContext(ctx, `SELECT e.body_offset, e.body_length, e.message_id, e.sender,
            e.recipients, e.subject, e.date, e.body_preview, e.has_attachments
        FROM entries e
        JOIN entries_fts ON e.body_offset = entries_fts.rowid
        WHERE entries_fts MATCH ?
        ORDER BY rank, e.body_offset
        LIMIT ? OFFSET ?;`, strings.Join(fuzzy, " "), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	return scanAll(rows)
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Prune(ctx context.Context, keep func(offset int64) bool) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body_offset FROM entries;`)
	if err != nil {
		return 0, fmt.Errorf("list offsets: %w", err)
	}
	var stale []int64
	for rows.Next() {
		var off int64
		if err := rows.Scan(&off); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan offset: %w", err)
		}
		if !keep(off) {
			stale = append(stale, off)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate offsets: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM entries WHERE body_offset = ?;`)
	if err != nil {
		return 0, fmt.Errorf("prepare prune: %w", err)
	}
	defer stmt.Close()
	for _, off := range stale {
		if _, err := stmt.ExecContext(ctx, off); err != nil {
			return 0, fmt.Errorf("delete entry at %d: %w", off, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return len(stale), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.MessageIndexEntry, error) {
	var (
		entry model.MessageIndexEntry
		date  sql.NullString
	)
	err := row.Scan(
		&entry.BodyOffset,
		&entry.BodyLength,
		&entry.MessageID,
		&entry.From,
		&entry.To,
		&entry.Subject,
		&date,
		&entry.BodyPreview,
		&entry.HasAttachments,
	)
	if err != nil {
		return model.MessageIndexEntry{}, err
	}
	entry.Date = parseDate(date)
	return entry, nil
}

func scanOne(row *sql.Row) (model.MessageIndexEntry, error) {
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MessageIndexEntry{}, ErrNotFound
	}
	if err != nil {
		return model.MessageIndexEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	return entry, nil
}

func scanAll(rows *sql.Rows) ([]model.MessageIndexEntry, error) {
	defer rows.Close()

	out := []model.MessageIndexEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// formatDate stores the sentinel date as NULL.
func formatDate(t time.Time) any {
	if t.Equal(model.SentinelDate) {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseDate(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return model.SentinelDate
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return model.SentinelDate
	}
	return t
}
