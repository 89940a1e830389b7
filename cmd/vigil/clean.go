package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/state"
)

var (
	cleanMaxAge   time.Duration
	cleanKeepLast int
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old runs",
	Long: `Delete finished runs outside the retention window together with their
event logs. Defaults come from the retention section of the configuration.
Pending and running runs and the latest run are never deleted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := state.PruneOptions{OlderThan: env.cfg.Retention.MaxAge, KeepLast: env.cfg.Retention.KeepLast}
		if cmd.Flags().Changed("max-age") {
			opts.OlderThan = cleanMaxAge
		}
		if cmd.Flags().Changed("keep-last") {
			opts.KeepLast = cleanKeepLast
		}
		if opts.OlderThan <= 0 && opts.KeepLast <= 0 {
			printStatus("-", "No retention bound set; nothing to do", color.FgYellow)
			return nil
		}

		pruned, err := env.newReaper().Prune(cmd.Context(), opts)
		if err != nil {
			return fmt.Errorf("prune runs: %w", err)
		}
		printStatus("✓", fmt.Sprintf("Removed %d runs", len(pruned)), color.FgGreen)
		return nil
	},
}

func init() {
	cleanCmd.Flags().DurationVar(&cleanMaxAge, "max-age", 0, "Delete finished runs older than this")
	cleanCmd.Flags().IntVar(&cleanKeepLast, "keep-last", 0, "Keep only this many recent finished runs")
}
