package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"market-radar/internal/app"
)

var (
	replayFile   string
	replayDryRun bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed recorded samples from a CSV file through the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFile == "" {
			return errors.New("--file must be provided")
		}

		h, err := getApp().Replay(cmd.Context(), app.ReplayOptions{
			Path:   replayFile,
			DryRun: replayDryRun,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "processed: %d\nfindings: %d\nsent: %d\nsuppressed: %d\n",
			h.Processed, h.Findings, h.Dispatch.Sent, h.Dispatch.Suppressed)
		return nil
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "CSV with timestamp,venue,symbol,market_type,price,volume")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Log alerts instead of delivering or auditing them")
}
