package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/filter"
	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/stats"
)

type StageFunc func(context.Context) error

// Tracker reports whether an earlier run already persisted entry. A record
// at the same offset only counts when it describes the same message span,
// so an archive rewritten in place is indexed again.
type Tracker interface {
	Seen(ctx context.Context, entry model.MessageIndexEntry) (bool, error)
}

type subscriber struct {
	name   string
	events chan stats.Event
}

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	accepted chan model.MessageIndexEntry

	subMu       sync.RWMutex
	subscribers []subscriber
	eventsDone  bool

	filter  *filter.Filter
	tracker Tracker

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce  sync.Once
	closeAcceptedOnce sync.Once
	closeEventsOnce   sync.Once
	since             time.Time
}

// New wires the bridge stage between the scanner and the consumers of
// Accepted. tracker may be nil, in which case no entry is treated as a
// duplicate.
func New(cfg config.Config, tracker Tracker, logger *slog.Logger) (*Runner, error) {
	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		accepted: make(chan model.MessageIndexEntry, 32),
		filter:   f,
		tracker:  tracker,
	}

	r.AddStage("bridge", r.bridge)
	return r, nil
}

// Config returns the configuration the runner was built from.
func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// Accepted yields entries that passed filtering and deduplication.
func (r *Runner) Accepted() <-chan model.MessageIndexEntry {
	return r.accepted
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	if r.eventsDone {
		return
	}
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive its own copy of every event.
// Subscribers must be registered before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	events := make(chan stats.Event, 128)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, subscriber{name: name, events: events})
	r.subMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// Stop cancels every stage. Start still waits for them to return.
func (r *Runner) Stop() {
	r.cancel()
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeAccepted()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeError, Err: envelope.Err})
				r.fail(fmt.Errorf("mbox envelope: %w", envelope.Err))
				continue
			}

			entry := envelope.Entry
			r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeScanned, MessageID: entry.MessageID, Offset: entry.BodyOffset})

			if !r.filter.AllowsEntry(entry) {
				r.logger.Debug("entry filtered", "messageID", entry.MessageID, "offset", entry.BodyOffset)
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeFiltered, MessageID: entry.MessageID, Offset: entry.BodyOffset})
				continue
			}

			if r.tracker != nil {
				seen, err := r.tracker.Seen(ctx, entry)
				if err != nil {
					r.EmitEvent(stats.Event{Stage: stats.StageStore, Type: stats.EventTypeError, MessageID: entry.MessageID, Offset: entry.BodyOffset, Err: err})
					return fmt.Errorf("tracker lookup: %w", err)
				}
				if seen {
					r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeDuplicate, MessageID: entry.MessageID, Offset: entry.BodyOffset})
					continue
				}
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.accepted <- entry:
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeEnqueued, MessageID: entry.MessageID, Offset: entry.BodyOffset})
			}
		}
	}
}

func (r *Runner) closeAccepted() {
	r.closeAcceptedOnce.Do(func() {
		close(r.accepted)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subMu.Lock()
		r.eventsDone = true
		for _, sub := range r.subscribers {
			close(sub.events)
		}
		r.subMu.Unlock()
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
