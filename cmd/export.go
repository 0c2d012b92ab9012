package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/imap"
	"github.com/dhcgn/mbox-indexer/mbox"
	"github.com/dhcgn/mbox-indexer/progress"
	"github.com/dhcgn/mbox-indexer/runner"
	"github.com/dhcgn/mbox-indexer/stats"
	"github.com/dhcgn/mbox-indexer/store"
)

var exportedLog string

var exportCmd = &cobra.Command{
	Use:   "export-imap",
	Short: "Append the messages of an mbox archive to an IMAP folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd, config.NeedMbox|config.NeedIMAP)
		defer cleanup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		logger.Info("starting export", "mbox", cfg.MboxPath, "target", cfg.TargetFolder, "dryRun", cfg.DryRun)

		archive, err := mbox.OpenArchive(cfg.MboxPath)
		if err != nil {
			return err
		}
		defer archive.Close()

		logPath := exportedLog
		if logPath == "" {
			if logPath, err = exportedLogPath(cfg); err != nil {
				return err
			}
		}
		exported, err := store.NewFileStore(logPath)
		if err != nil {
			return fmt.Errorf("open export log: %w", err)
		}
		defer func() {
			if err := exported.Close(); err != nil {
				logger.Warn("close export log failed", "err", err)
			}
		}()

		r, err := runner.New(cfg, exported, logger)
		if err != nil {
			return fmt.Errorf("runner.New: %w", err)
		}
		stop := context.AfterFunc(ctx, r.Stop)
		defer stop()

		bar := progress.New(archive.Size(), cfg.LogLevel)
		progress.NewProgressReporter(r, bar, logger)
		stats.NewReporter(r, logger)

		if _, err := imap.NewExporter(imapOptions(r.Config()), archive, r, exported, logger); err != nil {
			r.Stop()
			_ = r.Start()
			return fmt.Errorf("imap.NewExporter: %w", err)
		}
		if _, err := mbox.NewProducer(archive, r, logger); err != nil {
			r.Stop()
			_ = r.Start()
			return fmt.Errorf("mbox.NewProducer: %w", err)
		}

		if err := r.Start(); err != nil {
			return err
		}
		return ctx.Err()
	},
}

func init() {
	config.RegisterIMAPFlags(exportCmd)
	exportCmd.Flags().StringVar(&exportedLog, "exported-log", "", "JSONL log of exported messages used to skip them on later runs (default: next to the store)")
	rootCmd.AddCommand(exportCmd)
}

func imapOptions(cfg config.Config) imap.Options {
	return imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		TargetFolder:       cfg.TargetFolder,
		DryRun:             cfg.DryRun,
	}
}

// exportedLogPath places the export log next to the index store.
func exportedLogPath(cfg config.Config) (string, error) {
	base := cfg.StorePath
	if base == "" {
		var err error
		if base, err = config.DefaultStorePath(cfg.MboxPath, config.StoreJSONL); err != nil {
			return "", err
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".exported.jsonl", nil
}
