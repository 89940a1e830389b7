package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Abort runs whose worker died",
	Long: `Mark running runs whose worker process no longer exists as aborted, and
abort pending runs that never got a worker. The gate does this on every
invocation; this command does it on demand.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.newReaper().Reap(cmd.Context())
		if err != nil {
			return fmt.Errorf("reap runs: %w", err)
		}
		if len(report.Orphaned)+len(report.Stale) == 0 {
			printStatus("✓", "No orphaned runs", color.FgGreen)
			return nil
		}
		for _, id := range report.Orphaned {
			printStatus("✗", "Aborted orphaned run "+id, color.FgYellow)
		}
		for _, id := range report.Stale {
			printStatus("✗", "Aborted stale pending run "+id, color.FgYellow)
		}
		return nil
	},
}
