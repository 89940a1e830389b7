package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/tui"
)

var watchPlain bool

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Follow a run live",
	Long: `Follow a run's progress as its tools start and finish.

Without an id the latest run is followed. Detaching with q leaves the run
going in the background. Plain line output is used when stdout is not a
terminal or --plain is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		env, err := openEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		var id string
		if len(args) > 0 {
			id = args[0]
		}
		id, err = env.resolveRunID(ctx, id)
		if err != nil {
			return err
		}

		plain := watchPlain || !isatty.IsTerminal(os.Stdout.Fd())
		p, err := tui.Watch(ctx, id, events.LogPath(env.eventsDir, id), tui.WatchOptions{
			Plain:        plain,
			PollInterval: env.cfg.Gate.PollInterval,
			Out:          os.Stdout,
		})
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("watch run %s: %w", id, err)
		}
		if plain && p.Finished {
			fmt.Printf("run %s %s\n", id, p.Status)
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Print one line per event instead of the live view")
}
