package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cryptsend/models"
)

const defaultHistoryLimit = 20

func newHistoryCommand(root *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent transfers",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			env, err := loadEnvironment(c, root)
			if err != nil {
				return err
			}
			if env.cfg.DisableHistory {
				return errors.New("history is disabled in config")
			}

			store, err := env.openHistory()
			if err != nil {
				return err
			}
			defer env.closeHistory(store)

			transfers, err := store.ListTransfers(limit)
			if err != nil {
				return fmt.Errorf("list transfers: %w", err)
			}

			out := c.OutOrStdout()
			if asJSON {
				encoder := json.NewEncoder(out)
				encoder.SetIndent("", "  ")
				if transfers == nil {
					transfers = []models.Transfer{}
				}
				return encoder.Encode(transfers)
			}

			if len(transfers) == 0 {
				fmt.Fprintln(out, "No transfers recorded.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tDIRECTION\tSTATUS\tFILE\tSIZE\tPEER")
			for _, t := range transfers {
				status := t.Status
				if t.ErrorKind != "" {
					status += " (" + t.ErrorKind + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					time.UnixMilli(t.StartedAt).Format("2006-01-02 15:04"),
					t.Direction,
					status,
					t.Filename,
					formatSize(t.Filesize),
					t.PeerAddress,
				)
			}
			return w.Flush()
		},
	}

	historyCmd.Flags().IntVar(&limit, "limit", defaultHistoryLimit, "Maximum number of transfers to show")
	historyCmd.Flags().BoolVar(&asJSON, "json", false, "Print transfers as JSON")
	return historyCmd
}

// formatSize formats a byte count as a human-readable string (e.g. "1.4 MiB").
func formatSize(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(1024), 0
	for n := bytes / 1024; n >= 1024; n /= 1024 {
		div *= 1024
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
