package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/gate"
	"github.com/ShayCichocki/vigil/internal/logging"
	"github.com/ShayCichocki/vigil/internal/runner"
)

var gateChangeset string

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Run the pre-commit gate",
	Long: `Decide whether the commit may proceed based on the previous run, then
start validating the changeset being committed.

Exit codes:
  0  commit may proceed
  1  commit blocked by a failed previous run
  2  vigil could not decide`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return exitCodeError{code: runGate(cmd.Context())}
	},
}

func init() {
	gateCmd.Flags().StringVar(&gateChangeset, "changeset", "", "Changeset ref to validate (default: HEAD..<staged tree>)")
}

// runGate keeps default signal handling: an interrupt kills the hook, which
// blocks the commit.
func runGate(ctx context.Context) int {
	env, err := openEnv(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigil: %v\n", err)
		return gate.ExitError
	}
	defer env.Close()

	ref := gateChangeset
	if ref == "" {
		ref, err = env.git.ChangesetRef(ctx)
		if err != nil {
			env.log.Error("resolve changeset failed", "error", err)
			fmt.Fprintln(os.Stderr, "vigil: could not determine the staged changeset")
			return gate.ExitError
		}
	}

	// Git hooks inherit no usable stdin, so prompts go through the terminal.
	var prompter gate.Prompter
	interactive := false
	if tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0); err == nil {
		defer tty.Close()
		if isatty.IsTerminal(tty.Fd()) {
			interactive = true
			prompter = &gate.LinePrompter{In: tty, Out: tty}
		}
	}

	launcher := runner.New(env.store, &runner.ProcessSpawner{
		Dir:    env.root,
		LogDir: logging.Dir(env.storeDir),
	}, runner.Options{
		Policy:    env.cfg.Launch.Policy,
		EventsDir: env.eventsDir,
		Logger:    env.log.Logger,
	})

	g := gate.New(env.store, launcher, env.newReaper(), prompter, gate.Options{
		Prompt:       env.cfg.Gate.Prompt,
		Interactive:  interactive,
		NonBlocking:  env.cfg.Mode.NonBlocking,
		PollInterval: env.cfg.Gate.PollInterval,
		Out:          os.Stderr,
		Logger:       env.log.Logger,
	})
	return g.Run(ctx, ref)
}
