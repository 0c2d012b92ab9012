// Package mbox scans mbox archives into index entries and loads individual
// messages back by byte offset.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/runner"
	"github.com/dhcgn/mbox-indexer/stats"
)

// Producer feeds a runner's mailbox channel with the entries of one archive.
type Producer struct {
	archive *Archive
	scanner *Scanner
	runner  *runner.Runner
}

// NewProducer registers an "mbox" stage on r that scans a.
func NewProducer(a *Archive, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: archive is nil", ErrUnreadableArchive)
	}

	opts := Options{
		Progress: func(p model.ScanProgress) {
			r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeProgress, Progress: p})
		},
	}
	producer := &Producer{
		archive: a,
		scanner: NewScanner(opts, logger),
		runner:  r,
	}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.scanner.Stream(ctx, p.archive, p.runner.MailboxWriter())
}

// CountMessages counts messages with the go-mbox reader. Its separator rule
// is stricter about escaping and looser about content than IsBoundary, so
// the result is a cross-check for the scanner, not a replacement.
func CountMessages(ctx context.Context, a *Archive) (int, error) {
	if a == nil {
		return 0, fmt.Errorf("%w: archive is nil", ErrUnreadableArchive)
	}
	reader := mboxlib.NewReader(io.NewSectionReader(a, 0, a.Size()))

	count := 0
	for {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		msg, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("read message %d: %w", count+1, err)
		}
		if _, err := io.Copy(io.Discard, msg); err != nil {
			return count, fmt.Errorf("drain message %d: %w", count+1, err)
		}
		count++
	}
}
