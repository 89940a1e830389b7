// Package runner detaches validation from the hook process. Launch allocates
// a run and hands it to an independent worker process; the worker drives the
// executor and finalizes the run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/vigil/internal/config"
	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// ErrAlreadyRunning is returned by Launch under the refuse policy when a
// live run already covers the changeset.
var ErrAlreadyRunning = errors.New("validation already running")

// DefaultLaunchWindow is how long a pending run without an owner is
// assumed to be mid-launch by another hook.
const DefaultLaunchWindow = 10 * time.Second

// Store is the subset of the run store Launch needs.
type Store interface {
	CreateRunUnlessActive(ctx context.Context, changesetRef string, isActive func(*models.Run) bool) (*models.Run, bool, error)
	SetOwner(ctx context.Context, runID string, pid int) error
	Transition(ctx context.Context, runID string, next models.RunStatus, reason string) error
}

// Spawner starts the worker process for a run and returns its pid.
// The process must outlive the caller.
type Spawner interface {
	Spawn(ctx context.Context, runID, changesetRef string) (int, error)
}

// Options configures a Runner.
type Options struct {
	// Policy is config.PolicyJoin or config.PolicyRefuse.
	Policy string
	// EventsDir receives the latest-run alias.
	EventsDir    string
	LaunchWindow time.Duration
	// Alive reports process liveness (default exec.ProcessAlive).
	Alive  func(pid int) bool
	Now    func() time.Time
	Logger *slog.Logger
}

// Runner launches background validation runs.
type Runner struct {
	store   Store
	spawner Spawner
	opts    Options
	log     *slog.Logger
}

// New creates a Runner.
func New(store Store, spawner Spawner, opts Options) *Runner {
	if opts.Policy == "" {
		opts.Policy = config.PolicyJoin
	}
	if opts.LaunchWindow <= 0 {
		opts.LaunchWindow = DefaultLaunchWindow
	}
	if opts.Alive == nil {
		opts.Alive = exec.ProcessAlive
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{store: store, spawner: spawner, opts: opts, log: logger}
}

// Launch allocates a run for changesetRef, starts its worker and returns
// the run id without waiting for any progress. If a live run already
// covers the changeset, the join policy returns that run's id and the
// refuse policy returns it together with ErrAlreadyRunning.
func (r *Runner) Launch(ctx context.Context, changesetRef string) (string, error) {
	run, created, err := r.store.CreateRunUnlessActive(ctx, changesetRef, r.isActive)
	if err != nil {
		return "", err
	}
	if !created {
		r.log.Info("run already active", "run_id", run.ID, "status", run.Status, "pid", run.OwnerPID, "policy", r.opts.Policy)
		if r.opts.Policy == config.PolicyRefuse {
			return run.ID, fmt.Errorf("changeset %s (run %s): %w", changesetRef, run.ID, ErrAlreadyRunning)
		}
		return run.ID, nil
	}

	pid, err := r.spawner.Spawn(ctx, run.ID, changesetRef)
	if err != nil {
		r.log.Error("spawn worker failed", "run_id", run.ID, "error", err)
		// The run can never progress without a worker.
		if terr := r.store.Transition(context.WithoutCancel(ctx), run.ID, models.RunAborted, "launch failed: "+err.Error()); terr != nil {
			r.log.Error("abort unlaunched run failed", "run_id", run.ID, "error", terr)
		}
		return "", fmt.Errorf("spawn worker: %w", err)
	}

	// The worker records itself when it starts; this covers the gap until then.
	if err := r.store.SetOwner(ctx, run.ID, pid); err != nil {
		r.log.Warn("record worker pid failed", "run_id", run.ID, "pid", pid, "error", err)
	}
	if r.opts.EventsDir != "" {
		if err := events.WriteLatest(r.opts.EventsDir, run.ID); err != nil {
			r.log.Warn("update latest alias failed", "run_id", run.ID, "error", err)
		}
	}

	r.log.Info("run launched", "run_id", run.ID, "pid", pid, "changeset", changesetRef)
	return run.ID, nil
}

// isActive reports whether an existing non-terminal run still has, or is
// about to have, a live worker.
func (r *Runner) isActive(run *models.Run) bool {
	if run.OwnerPID > 0 {
		return r.opts.Alive(run.OwnerPID)
	}
	return run.Status == models.RunPending && r.opts.Now().Sub(run.CreatedAt) < r.opts.LaunchWindow
}
