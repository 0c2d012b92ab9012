package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-indexer/stats"
)

// Bar tracks how many bytes of the archive have been scanned.
type Bar struct {
	pb         *pterm.ProgressbarPrinter
	totalBytes int64
	lastBytes  int64
	scanned    int
	mu         sync.Mutex
	enabled    bool
}

// New creates a new progress bar if logLevel is "info". The bar counts
// kilobytes so very large archives stay within the printer's int range.
func New(totalBytes int64, logLevel string) *Bar {
	bar := &Bar{
		totalBytes: totalBytes,
		enabled:    logLevel == "info" && totalBytes > 0,
	}

	if bar.enabled {
		pterm.Info.Printf("Archive size: %s\n", humanize.Bytes(uint64(totalBytes)))
		pterm.Println()

		pb, _ := pterm.DefaultProgressbar.
			WithTotal(kib(totalBytes)).
			WithTitle("Indexing").
			Start()
		bar.pb = pb
	}

	return bar
}

func kib(n int64) int {
	return int((n + 1023) / 1024)
}

// Update advances the bar on progress events and counts scanned messages.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeProgress:
		if evt.Progress.BytesRead <= b.lastBytes {
			return
		}
		b.pb.Add(kib(evt.Progress.BytesRead) - kib(b.lastBytes))
		b.lastBytes = evt.Progress.BytesRead
	case stats.EventTypeScanned:
		b.scanned++
		if b.scanned%100 == 0 {
			b.pb.UpdateTitle(fmt.Sprintf("Indexing: %s messages", humanize.Comma(int64(b.scanned))))
		}
	case stats.EventTypeError:
		// Show error messages above the progress bar
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}

	_, _ = b.pb.Stop()
	pterm.Success.Println("Indexing complete!")
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress bar functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter creates a new progress reporter with optional progress bar.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

// Summary returns the counts collected so far.
func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

// collectStats collects statistics and prints final summary.
func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	if pr.bar != nil {
		pr.bar.Stop()
	}

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if pr.logger != nil {
		pterm.Println()
		pterm.DefaultSection.Println("Summary Statistics")
		pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
		pterm.Info.Printf("Read: %s of %s\n", humanize.Bytes(uint64(summary.BytesRead)), humanize.Bytes(uint64(summary.TotalBytes)))
		pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
		pterm.Info.Printf("Filtered out: %d\n", summary.Filtered)
		pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
		pterm.Info.Printf("Stored: %d\n", summary.Stored)
		if summary.Uploaded > 0 || summary.DryRunUploaded > 0 {
			pterm.Info.Printf("Uploaded: %d\n", summary.Uploaded)
			pterm.Info.Printf("Dry-run uploaded: %d\n", summary.DryRunUploaded)
		}
		pterm.Info.Printf("Errors: %d\n", summary.Errors)
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}

	return nil
}
