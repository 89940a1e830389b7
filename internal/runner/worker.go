package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/executor"
	"github.com/ShayCichocki/vigil/internal/registry"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// WorkerStore is the subset of the run store a worker writes to.
type WorkerStore interface {
	executor.Store
	MarkRunning(ctx context.Context, runID string, pid int) error
}

// ChangedFiles lists the files a changeset touches.
type ChangedFiles interface {
	ChangedFiles(ctx context.Context, ref string) ([]string, error)
}

// Worker executes one run inside the detached process.
type Worker struct {
	Store     WorkerStore
	Registry  *registry.Registry
	Procs     exec.ProcessRunner
	Git       ChangedFiles
	EventsDir string
	Executor  executor.Options
	Logger    *slog.Logger
	// PID defaults to the current process.
	PID int
}

// Run claims the run, resolves the changeset and executes every tool.
// Cancelling ctx aborts the run. The returned status is terminal unless
// the run could not be claimed.
func (w *Worker) Run(ctx context.Context, runID, changesetRef string) (models.RunStatus, error) {
	log := w.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("run_id", runID)
	pid := w.PID
	if pid == 0 {
		pid = os.Getpid()
	}

	if err := w.Store.MarkRunning(ctx, runID, pid); err != nil {
		// The run was reaped or cancelled before this worker got to it.
		log.Error("claim run failed", "pid", pid, "error", err)
		return "", fmt.Errorf("claim run %s: %w", runID, err)
	}
	log.Info("worker started", "pid", pid, "changeset", changesetRef)

	writer, err := events.OpenWriter(w.EventsDir, runID)
	if err != nil {
		// Viewers lose progress but the run itself is still recorded.
		log.Warn("open event log failed", "error", err)
	}
	var appender events.Appender
	if writer != nil {
		defer writer.Close()
		appender = writer
	}

	files, err := w.Git.ChangedFiles(ctx, changesetRef)
	if err != nil {
		reason := "resolve changeset: " + err.Error()
		log.Error("resolve changeset failed", "error", err)
		if terr := w.Store.Transition(context.WithoutCancel(ctx), runID, models.RunAborted, reason); terr != nil {
			log.Error("abort run failed", "error", terr)
		}
		if appender != nil {
			_ = appender.Append(models.Event{
				Type:    models.EventFinished,
				Payload: models.EventPayload{Status: string(models.RunAborted), Message: reason, Error: err.Error()},
			})
		}
		return models.RunAborted, fmt.Errorf("resolve changeset: %w", err)
	}

	opts := w.Executor
	opts.Logger = log
	ex := executor.New(w.Store, w.Registry, w.Procs, appender, opts)
	return ex.Execute(ctx, executor.Request{RunID: runID, Changeset: changesetRef, Files: files})
}
