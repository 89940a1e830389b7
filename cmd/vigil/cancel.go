package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/runner"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run",
	Long: `Stop a pending or running run. A live worker is signalled and records
the run as aborted; tools that had not finished are recorded as skipped.
Without an id the latest run is cancelled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := openEnv(cmd.Context(), "")
		if err != nil {
			return err
		}
		defer env.Close()

		var id string
		if len(args) > 0 {
			id = args[0]
		}
		id, err = env.resolveRunID(cmd.Context(), id)
		if err != nil {
			return err
		}

		c := &runner.Canceller{Store: env.store, EventsDir: env.eventsDir, Logger: env.log.Logger}
		signalled, err := c.Cancel(cmd.Context(), id)
		switch {
		case errors.Is(err, runner.ErrRunFinished):
			printStatus("-", fmt.Sprintf("Run %s already finished", id), color.FgYellow)
			return nil
		case err != nil:
			return err
		case signalled:
			printStatus("✓", fmt.Sprintf("Signalled worker of run %s", id), color.FgGreen)
		default:
			printStatus("✓", fmt.Sprintf("Aborted run %s", id), color.FgGreen)
		}
		return nil
	},
}
