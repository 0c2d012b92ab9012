// Package stats folds pipeline events into run totals and ranks header values.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dhcgn/mbox-indexer/model"
)

// Stage names the pipeline stage that emitted an event.
type Stage string

const (
	StageMbox  Stage = "mbox"
	StageStore Stage = "store"
	StageIMAP  Stage = "imap"
)

type EventType string

const (
	EventTypeProgress     EventType = "progress"
	EventTypeScanned      EventType = "scanned"
	EventTypeFiltered     EventType = "filtered"
	EventTypeEnqueued     EventType = "enqueued"
	EventTypeStored       EventType = "stored"
	EventTypeUploaded     EventType = "uploaded"
	EventTypeDryRunUpload EventType = "dry_run_uploaded"
	EventTypeDuplicate    EventType = "duplicate"
	EventTypeError        EventType = "error"
)

// Event is one observation from a stage. Offset is the body offset of the
// message concerned, when there is one.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Offset    int64
	Progress  model.ScanProgress
	Err       error
	Detail    string
}

// Summary holds the totals of one run.
type Summary struct {
	Scanned        int
	Filtered       int
	Enqueued       int
	Stored         int
	Uploaded       int
	DryRunUploaded int
	Duplicates     int
	Errors         int
	BytesRead      int64
	TotalBytes     int64
	LastError      error
}

// counters maps each countable event type to the field it bumps.
var counters = map[EventType]func(*Summary) *int{
	EventTypeScanned:      func(s *Summary) *int { return &s.Scanned },
	EventTypeFiltered:     func(s *Summary) *int { return &s.Filtered },
	EventTypeEnqueued:     func(s *Summary) *int { return &s.Enqueued },
	EventTypeStored:       func(s *Summary) *int { return &s.Stored },
	EventTypeUploaded:     func(s *Summary) *int { return &s.Uploaded },
	EventTypeDryRunUpload: func(s *Summary) *int { return &s.DryRunUploaded },
	EventTypeDuplicate:    func(s *Summary) *int { return &s.Duplicates },
	EventTypeError:        func(s *Summary) *int { return &s.Errors },
}

// Written is the number of messages that reached their destination.
func (s Summary) Written() int {
	return s.Stored + s.Uploaded + s.DryRunUploaded
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"enqueued", s.Enqueued,
		"stored", s.Stored,
		"uploaded", s.Uploaded,
		"dryRunUploaded", s.DryRunUploaded,
		"duplicates", s.Duplicates,
		"errors", s.Errors,
		"read", humanize.Bytes(uint64(max(s.BytesRead, 0))),
	}
	if s.TotalBytes > 0 {
		attrs = append(attrs, "size", humanize.Bytes(uint64(s.TotalBytes)))
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates a Summary from events. It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

// Run applies events until the channel closes or ctx is done.
func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if evt.Type == EventTypeProgress {
		// progress events can arrive out of order across subscribers
		c.summary.BytesRead = max(c.summary.BytesRead, evt.Progress.BytesRead)
		c.summary.TotalBytes = evt.Progress.TotalBytes
		return
	}
	if field, ok := counters[evt.Type]; ok {
		*field(&c.summary)++
	}
	if evt.Type == EventTypeError && evt.Err != nil {
		c.summary.LastError = evt.Err
	}
}

// EventStream is the part of the runner a Reporter subscribes to.
type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter collects a run's events and logs the totals when the run ends.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", r.consume)
	return r
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)

	summary := r.collector.Snapshot()
	elapsed := time.Since(r.started)
	attrs := append(summary.LogAttrs(), "duration", elapsed.Round(time.Millisecond))
	if secs := elapsed.Seconds(); secs > 0 && summary.Scanned > 0 {
		attrs = append(attrs, "msgPerSec", fmt.Sprintf("%.1f", float64(summary.Scanned)/secs))
	}

	if err := ctx.Err(); err != nil {
		r.logger.Debug("stats collection stopped", append(attrs, "err", err)...)
		return err
	}
	r.logger.Info("run finished", attrs...)
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Counted is one row of a frequency table.
type Counted struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, highest first. Ties are
// broken alphabetically so output is stable. A negative limit keeps all.
func Top(m map[string]int, limit int) []Counted {
	rows := make([]Counted, 0, len(m))
	for k, v := range m {
		rows = append(rows, Counted{k, v})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Value != rows[j].Value {
			return rows[i].Value > rows[j].Value
		}
		return rows[i].Key < rows[j].Key
	})
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	for i, row := range Top(m, limit) {
		fmt.Printf("%3d. %s (%s)\n", i+1, row.Key, humanize.Comma(int64(row.Value)))
	}
}
