package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dhcgn/mbox-indexer/stats"
)

// Sweeper remembers every offset a scan produced. After a complete scan,
// Sweep drops stored entries at offsets the archive no longer has, which
// happens when the file was rewritten since the last run.
type Sweeper struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	scanned map[int64]struct{}
}

// NewSweeper subscribes to stream so it sees the scanned event of every
// message, filtered ones included.
func NewSweeper(st Store, stream stats.EventStream, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{store: st, logger: logger, scanned: make(map[int64]struct{})}
	stream.SubscribeStats("sweeper", s.collect)
	return s
}

func (s *Sweeper) collect(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if evt.Type != stats.EventTypeScanned {
				continue
			}
			s.mu.Lock()
			s.scanned[evt.Offset] = struct{}{}
			s.mu.Unlock()
		}
	}
}

// Sweep prunes the store. Call it only after the scan ran to the end.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.store.Prune(ctx, func(offset int64) bool {
		_, ok := s.scanned[offset]
		return ok
	})
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Info("dropped stale entries", "count", removed)
	}
	return removed, nil
}
