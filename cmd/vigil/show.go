package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var showJSON bool

var showCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show one run with tool output",
	Long: `Display a run with its tool results and the output excerpts of every
tool that did not pass. Without an id the latest run is shown.`,
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
		run, err := env.store.GetRun(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		return printRun(run, showJSON, true)
	},
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the run as JSON")
}
