package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/tui"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run",
	Long: `Display the latest validation run with its per-tool results.

The latest run is the one the next commit will be judged by.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the run as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := openEnv(cmd.Context(), "")
	if err != nil {
		return err
	}
	defer env.Close()

	run, err := env.store.GetLatest(cmd.Context())
	if err != nil {
		return fmt.Errorf("get latest run: %w", err)
	}
	if run == nil {
		if statusJSON {
			fmt.Println("null")
			return nil
		}
		fmt.Println("No runs yet. Install the hook with 'vigil install' and commit something.")
		return nil
	}
	return printRun(run, statusJSON, false)
}

// printRun prints run as JSON or as a detail view.
func printRun(run *models.Run, asJSON, withExcerpts bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}
	fmt.Println(tui.RunDetail(run, time.Now(), withExcerpts))
	return nil
}
