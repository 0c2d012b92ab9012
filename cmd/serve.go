package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/mbox"
	"github.com/dhcgn/mbox-indexer/server"
	"github.com/dhcgn/mbox-indexer/store"
)

var serveSanitize bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an indexed archive over a read-only HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd, config.NeedMbox|config.NeedStore)
		defer cleanup()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		archive, err := mbox.OpenArchive(cfg.MboxPath)
		if err != nil {
			return err
		}
		defer archive.Close()

		st, err := store.Open(ctx, cfg.StoreKind, cfg.StorePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		count, err := st.Count(ctx)
		if err != nil {
			return fmt.Errorf("count entries: %w", err)
		}
		if count == 0 {
			logger.Info("store is empty, indexing first", "store", cfg.StorePath)
			if _, err := indexArchive(ctx, cfg, archive, st, logger); err != nil {
				return err
			}
		}

		srv := server.New(st, archive, server.Options{Sanitize: serveSanitize}, logger)
		return srv.ListenAndServe(ctx, cfg.Listen)
	},
}

func init() {
	config.RegisterServeFlags(serveCmd)
	serveCmd.Flags().BoolVar(&serveSanitize, "sanitize", false, "Sanitize HTML bodies before serving them")
	rootCmd.AddCommand(serveCmd)
}
