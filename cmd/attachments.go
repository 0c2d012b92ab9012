package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-indexer/attachment"
	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/mbox"
	"github.com/dhcgn/mbox-indexer/model"
)

var attachmentsOut string

var attachmentsCmd = &cobra.Command{
	Use:   "attachments",
	Short: "List or save the attachments of one message",
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
		msg, err := decodeEntry(archive, entry)
		if err != nil {
			return err
		}
		atts := attachment.FromParts(msg.Parts)

		if attachmentsOut == "" {
			return printAttachments(atts)
		}

		paths, err := saveAttachments(attachmentsOut, atts)
		if err != nil {
			return err
		}
		for _, p := range paths {
			logger.Info("saved attachment", "path", p)
		}
		return nil
	},
}

func init() {
	addEntryFlags(attachmentsCmd)
	attachmentsCmd.Flags().StringVar(&attachmentsOut, "out", "", "Directory to save attachments into (default: list only)")
	rootCmd.AddCommand(attachmentsCmd)
}

func printAttachments(atts []model.Attachment) error {
	if len(atts) == 0 {
		pterm.Info.Println("No attachments")
		return nil
	}
	data := pterm.TableData{{"#", "Filename", "Type", "Size"}}
	for i, a := range atts {
		data = append(data, []string{strconv.Itoa(i), a.Filename, a.MimeType, humanize.Bytes(uint64(a.Size))})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// saveAttachments writes atts into dir under sanitized names. Clashing
// names get a numeric suffix so duplicates are all kept.
func saveAttachments(dir string, atts []model.Attachment) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	used := make(map[string]bool, len(atts))
	paths := make([]string, 0, len(atts))
	for _, a := range atts {
		name := uniqueName(attachment.SafeFilename(a.Filename), used)
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, a.Data, 0o644); err != nil {
			return paths, fmt.Errorf("write attachment %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func uniqueName(name string, used map[string]bool) string {
	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; used[candidate]; i++ {
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
	used[candidate] = true
	return candidate
}
