package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-indexer/config"
	"github.com/dhcgn/mbox-indexer/filter"
	"github.com/dhcgn/mbox-indexer/mbox"
	"github.com/dhcgn/mbox-indexer/model"
	"github.com/dhcgn/mbox-indexer/stats"
)

var (
	reportDir string
	topN      int
)

var trackedFields = []string{"From", "To", "Subject", "Year"}

var statsCmd = &cobra.Command{
	Use:   "stats [mbox file]",
	Short: "Analyse the mbox file and show statistics",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if err := cmd.Flags().Set("mbox", args[0]); err != nil {
				return err
			}
		}
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

		fmt.Printf("Analyzing mbox file: %s (%s)\n", cfg.MboxPath, humanize.Bytes(uint64(archive.Size())))

		f, err := filter.New(filter.Options{
			IncludeHeader: cfg.IncludeHeader,
			IncludeBody:   cfg.IncludeBody,
			ExcludeHeader: cfg.ExcludeHeader,
			ExcludeBody:   cfg.ExcludeBody,
		})
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		counter := newFieldCounter()
		messageCount := 0
		skippedCount := 0
		for entry, err := range mbox.Entries(cmd.Context(), archive, mbox.Options{}, logger) {
			if err != nil {
				return fmt.Errorf("error reading mbox file: %w", err)
			}
			if !f.AllowsEntry(entry) {
				skippedCount++
				continue
			}
			messageCount++
			counter.add(entry)

			if messageCount%10000 == 0 {
				logger.Info("analyzing", "messages", messageCount, "skipped", skippedCount)
			}
		}

		printSummary(messageCount, skippedCount, f.GetStats())
		for _, field := range trackedFields {
			fmt.Printf("Top %d %s:\n", topN, field)
			stats.PrettyPrintTop(counter[field], topN)
			fmt.Println()
		}

		if count, err := mbox.CountMessages(cmd.Context(), archive); err != nil {
			logger.Warn("go-mbox cross-check failed", "err", err)
		} else if total := messageCount + skippedCount; count != total {
			fmt.Printf("Note: go-mbox reader counts %d messages, the index scanner found %d.\n\n", count, total)
		}

		if err := saveCSVReports(counter, trackedFields, reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}

		fmt.Printf("Reports saved to directory: %s\n", reportDir)
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	statsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	rootCmd.AddCommand(statsCmd)
}

type fieldCounter map[string]map[string]int

func newFieldCounter() fieldCounter {
	counter := make(fieldCounter, len(trackedFields))
	for _, field := range trackedFields {
		counter[field] = make(map[string]int)
	}
	return counter
}

func (c fieldCounter) add(entry model.MessageIndexEntry) {
	if entry.From != "" {
		c["From"][entry.From]++
	}
	if entry.To != "" {
		c["To"][entry.To]++
	}
	if entry.Subject != "" {
		c["Subject"][entry.Subject]++
	}
	year := "unknown"
	if entry.HasDate() {
		year = strconv.Itoa(entry.Date.Year())
	}
	c["Year"][year]++
}

func printSummary(messageCount, skippedCount int, filterStats filter.Stats) {
	total := messageCount + skippedCount
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(skippedCount) / float64(total) * 100
	}
	fmt.Printf("Processed %s messages (skipped %s by filters, %.2f%%)\n\n",
		humanize.Comma(int64(messageCount)), humanize.Comma(int64(skippedCount)), filterPercent)

	sections := []struct {
		title    string
		patterns []string
		hits     []int
	}{
		{"Include Header Filters", filterStats.IncludeHeaderPatterns, filterStats.IncludeHeaderHits},
		{"Include Body Filters", filterStats.IncludeBodyPatterns, filterStats.IncludeBodyHits},
		{"Exclude Header Filters", filterStats.ExcludeHeaderPatterns, filterStats.ExcludeHeaderHits},
		{"Exclude Body Filters", filterStats.ExcludeBodyPatterns, filterStats.ExcludeBodyHits},
	}
	printed := false
	for _, s := range sections {
		if len(s.patterns) == 0 {
			continue
		}
		printed = true
		fmt.Printf("%s:\n", s.title)
		for _, h := range filter.Hits(s.patterns, s.hits) {
			mark := "✗"
			if h.Count > 0 {
				mark = "✓"
			}
			fmt.Printf("  %s %s: %d hits\n", mark, h.Pattern, h.Count)
		}
		fmt.Println()
	}
	if printed {
		fmt.Println("---")
		fmt.Println()
	}
}

func saveCSVReports(counter fieldCounter, fields []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, field := range fields {
		filename := fmt.Sprintf("report_%s.csv", normalizeHeaderName(field))
		if err := writeCSVReport(filepath.Join(dir, filename), stats.Top(counter[field], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, rows []stats.Counted) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.Key, strconv.Itoa(row.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
