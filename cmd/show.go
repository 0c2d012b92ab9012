package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/mbox"
	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/mimepart"
	"github.com/dhcgn/mbox-indexer/render"
	"github.com/dhcgn/mbox-indexer/store"
)

var (
	messageOffset int64
	messageLength int64
	showFormat    string
	showSanitize  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print one message by its byte offset",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd, config.NeedMbox)
		defer cleanup()
		if err != nil {
			return err
		}

		archive, err := mbox.OpenArchive(cfg.MboxPath)
		if err != nil {
			return err
		}
		defer archive.Close()

		entry, err := resolveEntry(cmd.Context(), cfg, archive, messageOffset, messageLength, logger)
		if err != nil {
			return err
		}
		raw, err := mbox.LoadEntry(archive, entry)
		if err != nil {
			return err
		}

		var out string
		switch showFormat {
		case "raw":
			_, err = os.Stdout.Write(raw)
			return err
		case "text":
			out = render.Text(raw)
		case "html":
			out = render.Render(raw, render.Options{Sanitize: showSanitize}).HTML
		default:
			return fmt.Errorf("%w: unknown --format %q", config.ErrInvalidConfig, showFormat)
		}
		_, err = fmt.Fprintln(os.Stdout, out)
		return err
	},
}

func init() {
	addEntryFlags(showCmd)
	showCmd.Flags().StringVar(&showFormat, "format", "text", "Output format: text, html, raw")
	showCmd.Flags().BoolVar(&showSanitize, "sanitize", false, "Sanitize HTML bodies (html format only)")
	rootCmd.AddCommand(showCmd)
}

func addEntryFlags(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&messageOffset, "offset", -1, "Byte offset of the message in the archive")
	cmd.Flags().Int64Var(&messageLength, "length", 0, "Message length in bytes (default: looked up in the index)")
	_ = cmd.MarkFlagRequired("offset")
}

// resolveEntry finds the entry starting at offset. An explicit length is
// trusted as is. Otherwise the store is consulted and, failing that, the
// archive is rescanned up to the offset.
func resolveEntry(ctx context.Context, cfg config.Config, archive *mbox.Archive, offset, length int64, logger *slog.Logger) (model.MessageIndexEntry, error) {
	if offset < 0 {
		return model.MessageIndexEntry{}, fmt.Errorf("%w: --offset must not be negative", config.ErrInvalidConfig)
	}
	if length > 0 {
		return model.MessageIndexEntry{BodyOffset: offset, BodyLength: length}, nil
	}

	if cfg.StoreKind != config.StoreMemory && cfg.StorePath != "" {
		if _, statErr := os.Stat(cfg.StorePath); statErr == nil {
			entry, err := lookupStored(ctx, cfg, offset)
			if err == nil {
				return entry, nil
			}
			logger.Debug("index lookup failed, rescanning archive", "offset", offset, "err", err)
		}
	}

	for entry, err := range mbox.Entries(ctx, archive, mbox.Options{}, logger) {
		if err != nil {
			return model.MessageIndexEntry{}, err
		}
		if entry.BodyOffset == offset {
			return entry, nil
		}
		if entry.BodyOffset > offset {
			break
		}
	}
	return model.MessageIndexEntry{}, fmt.Errorf("no message starts at offset %d: %w", offset, store.ErrNotFound)
}

func lookupStored(ctx context.Context, cfg config.Config, offset int64) (model.MessageIndexEntry, error) {
	st, err := store.Open(ctx, cfg.StoreKind, cfg.StorePath)
	if err != nil {
		return model.MessageIndexEntry{}, err
	}
	defer st.Close()

	return st.Get(ctx, offset)
}

// decodeEntry is shared by commands that need the MIME structure.
func decodeEntry(archive *mbox.Archive, entry model.MessageIndexEntry) (*mimepart.Message, error) {
	raw, err := mbox.LoadEntry(archive, entry)
	if err != nil {
		return nil, err
	}
	return mimepart.Decode(raw), nil
}
