package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/mbox"
	"github.com/dhcgn/mbox-indexer/progress"
	"github.com/dhcgn/mbox-indexer/runner"
	"github.com/dhcgn/mbox-indexer/stats"
	"github.com/dhcgn/mbox-indexer/store"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Scan an mbox archive and write its index to a store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd, config.NeedMbox|config.NeedStore)
		defer cleanup()
		if err != nil {
			return err
		}

		logger.Info("starting index", "mbox", cfg.MboxPath, "store", cfg.StorePath, "kind", cfg.StoreKind)
		_, err = runIndex(cmd.Context(), cfg, logger)
		return err
	},
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

// runIndex opens the archive and store named by cfg and indexes into it.
func runIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (stats.Summary, error) {
	archive, err := mbox.OpenArchive(cfg.MboxPath)
	if err != nil {
		return stats.Summary{}, err
	}
	defer archive.Close()

	st, err := store.Open(ctx, cfg.StoreKind, cfg.StorePath)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close store failed", "err", err)
		}
	}()

	return indexArchive(ctx, cfg, archive, st, logger)
}

// indexArchive scans archive through the filter and dedupe bridge into st.
func indexArchive(ctx context.Context, cfg config.Config, archive *mbox.Archive, st store.Store, logger *slog.Logger) (stats.Summary, error) {
	r, err := runner.New(cfg, st, logger)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("runner.New: %w", err)
	}
	stop := context.AfterFunc(ctx, r.Stop)
	defer stop()

	bar := progress.New(archive.Size(), cfg.LogLevel)
	progress.NewProgressReporter(r, bar, logger)
	reporter := stats.NewReporter(r, logger)

	sweeper := store.NewSweeper(st, r, logger)
	store.NewWriter(st, r, logger)
	if _, err := mbox.NewProducer(archive, r, logger); err != nil {
		r.Stop()
		_ = r.Start()
		return stats.Summary{}, fmt.Errorf("mbox.NewProducer: %w", err)
	}

	if err := r.Start(); err != nil {
		return reporter.Summary(), err
	}
	if err := ctx.Err(); err != nil {
		return reporter.Summary(), err
	}
	if _, err := sweeper.Sweep(ctx); err != nil {
		return reporter.Summary(), fmt.Errorf("drop stale entries: %w", err)
	}

	total, err := st.Count(ctx)
	if err != nil {
		return reporter.Summary(), fmt.Errorf("count entries: %w", err)
	}
	logger.Info("index ready", "store", cfg.StorePath, "entries", total)
	return reporter.Summary(), nil
}
