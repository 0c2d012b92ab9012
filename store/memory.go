package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dhcgn/mbox-indexer/model"
)

// MemoryStore keeps entries in a map with a sorted offset list.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64]model.MessageIndexEntry
	offsets []int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]model.MessageIndexEntry)}
}

func (m *MemoryStore) Put(_ context.Context, entry model.MessageIndexEntry) error {
	m.mu.Lock()
	m.put(entry)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) put(entry model.MessageIndexEntry) {
	if _, exists := m.entries[entry.BodyOffset]; !exists {
		i := sort.Search(len(m.offsets), func(i int) bool { return m.offsets[i] >= entry.BodyOffset })
		m.offsets = append(m.offsets, 0)
		copy(m.offsets[i+1:], m.offsets[i:])
		m.offsets[i] = entry.BodyOffset
	}
	m.entries[entry.BodyOffset] = entry
}

func (m *MemoryStore) Seen(ctx context.Context, entry model.MessageIndexEntry) (bool, error) {
	return seen(ctx, m, entry)
}

func (m *MemoryStore) Get(_ context.Context, offset int64) (model.MessageIndexEntry, error) {
	m.mu.RLock()
	entry, ok := m.entries[offset]
	m.mu.RUnlock()
	if !ok {
		return model.MessageIndexEntry{}, ErrNotFound
	}
	return entry, nil
}

// GetByMessageID returns the earliest entry carrying messageID.
func (m *MemoryStore) GetByMessageID(_ context.Context, messageID string) (model.MessageIndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, off := range m.offsets {
		if entry := m.entries[off]; entry.MessageID == messageID {
			return entry, nil
		}
	}
	return model.MessageIndexEntry{}, ErrNotFound
}

// List returns entries in archive order. A non-positive limit means no limit.
func (m *MemoryStore) List(_ context.Context, limit, offset int) ([]model.MessageIndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(m.offsets) {
		return []model.MessageIndexEntry{}, nil
	}
	end := len(m.offsets)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]model.MessageIndexEntry, 0, end-offset)
	for _, off := range m.offsets[offset:end] {
		out = append(out, m.entries[off])
	}
	return out, nil
}

// Search matches every whitespace separated term case-insensitively against
// subject, sender, recipients and preview. offset skips that many matches.
func (m *MemoryStore) Search(ctx context.Context, query string, limit, offset int) ([]model.MessageIndexEntry, error) {
	terms := searchTerms(query)
	if len(terms) == 0 {
		return m.List(ctx, limit, offset)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.MessageIndexEntry{}
	skip := max(offset, 0)
	for _, off := range m.offsets {
		entry := m.entries[off]
		if !matchesTerms(entry, terms) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	n := len(m.entries)
	m.mu.RUnlock()
	return n, nil
}

func (m *MemoryStore) Prune(_ context.Context, keep func(offset int64) bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.offsets[:0]
	removed := 0
	for _, off := range m.offsets {
		if keep(off) {
			kept = append(kept, off)
			continue
		}
		delete(m.entries, off)
		removed++
	}
	m.offsets = kept
	return removed, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
