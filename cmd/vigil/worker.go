package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/executor"
	"github.com/ShayCichocki/vigil/internal/registry"
	"github.com/ShayCichocki/vigil/internal/runner"
	"github.com/ShayCichocki/vigil/pkg/models"
)

var (
	workerRunID     string
	workerChangeset string
)

var workerCmd = &cobra.Command{
	Use:    runner.WorkerCommand,
	Short:  "Execute a run (started by the gate)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerRunID, "run-id", "", "Run to execute")
	workerCmd.Flags().StringVar(&workerChangeset, "changeset", "", "Changeset ref of the run")
	_ = workerCmd.MarkFlagRequired("run-id")
	_ = workerCmd.MarkFlagRequired("changeset")
}

func runWorker(ctx context.Context) error {
	// The terminal that launched the hook may close while the run continues.
	signal.Ignore(syscall.SIGHUP)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openEnv(ctx, workerRunID)
	if err != nil {
		return err
	}
	defer env.Close()

	reg, err := registry.FromConfig(env.cfg)
	if err != nil {
		reason := "invalid tool configuration: " + err.Error()
		env.log.Error("load registry failed", "run_id", workerRunID, "error", err)
		if terr := env.store.Transition(context.WithoutCancel(ctx), workerRunID, models.RunAborted, reason); terr != nil {
			env.log.Error("abort run failed", "run_id", workerRunID, "error", terr)
		}
		return fmt.Errorf("load tools: %w", err)
	}

	w := &runner.Worker{
		Store:     env.store,
		Registry:  reg,
		Procs:     exec.NewProcessRunner(),
		Git:       env.git,
		EventsDir: env.eventsDir,
		Executor: executor.Options{
			Workers:      env.cfg.WorkerCount(),
			QueueDepth:   env.cfg.Executor.QueueDepth,
			ExcerptBytes: env.cfg.Executor.ExcerptBytes,
			ClassLimits:  env.cfg.Executor.ClassLimits,
			RunTimeout:   env.cfg.Executor.RunTimeout,
			Dir:          env.root,
		},
		Logger: env.log.Logger,
	}
	status, err := w.Run(ctx, workerRunID, workerChangeset)
	if err != nil {
		return err
	}
	env.log.Info("worker finished", "run_id", workerRunID, "status", status)
	return nil
}
