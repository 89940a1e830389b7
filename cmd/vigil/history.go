package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/internal/tui"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	historyLimit  int
	historyStatus []string
)

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"ls"},
	Short:   "List recent runs",
	Args:    cobra.NoArgs,
	RunE:    runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs to show (0 = all)")
	historyCmd.Flags().StringSliceVar(&historyStatus, "status", nil, "Only show runs with these statuses")
}

func runHistory(cmd *cobra.Command, args []string) error {
	filter := state.RunFilter{Limit: historyLimit}
	for _, s := range historyStatus {
		status := models.RunStatus(s)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	env, err := openEnv(cmd.Context(), "")
	if err != nil {
		return err
	}
	defer env.Close()

	runs, err := env.store.ListRuns(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	fmt.Println(tui.RunHistory(runs, time.Now()))
	return nil
}
