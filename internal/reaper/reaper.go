// Package reaper reclaims runs abandoned by a crashed or killed worker and
// applies retention.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/state"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// Abort reasons recorded on reaped runs.
const (
	ReasonOrphaned = "orphaned"
	ReasonStale    = "stale pending run"
)

// DefaultGracePeriod protects a just-started worker that has not yet
// recorded its pid.
const DefaultGracePeriod = 30 * time.Second

// Store is the subset of the run store the reaper uses.
type Store interface {
	ListRuns(ctx context.Context, filter state.RunFilter) ([]models.Run, error)
	Transition(ctx context.Context, runID string, next models.RunStatus, reason string) error
	Prune(ctx context.Context, opts state.PruneOptions) ([]string, error)
}

// Options configures a Reaper.
type Options struct {
	GracePeriod time.Duration
	// Retention is applied after the orphan sweep. The zero value prunes nothing.
	Retention state.PruneOptions
	// EventsDir holds the per-run event logs.
	EventsDir string
	// LogDir holds per-run worker logs (<run_id>.log, <run_id>.out).
	LogDir string
	Alive  func(pid int) bool
	// KillGroup defaults to exec.KillToolGroup.
	KillGroup func(pgid, sid int) (bool, error)
	Now       func() time.Time
	Logger    *slog.Logger
}

// Report lists what a sweep changed.
type Report struct {
	Orphaned []string
	Stale    []string
	Pruned   []string
}

// Reaper detects orphaned runs.
type Reaper struct {
	store Store
	opts  Options
	log   *slog.Logger
}

// New creates a Reaper.
func New(store Store, opts Options) *Reaper {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Alive == nil {
		opts.Alive = exec.ProcessAlive
	}
	if opts.KillGroup == nil {
		opts.KillGroup = exec.KillToolGroup
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reaper{store: store, opts: opts, log: logger}
}

// Sweep reaps orphaned and stale runs, then prunes.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	report, err := r.Reap(ctx)
	if err != nil {
		return report, err
	}
	pruned, err := r.Prune(ctx, r.opts.Retention)
	report.Pruned = pruned
	return report, err
}

// Reap aborts every running run whose worker is dead and has been running
// longer than the grace period, and every pending run that never got a
// live worker within the grace period. Runs with a live owner are never
// touched.
func (r *Reaper) Reap(ctx context.Context) (Report, error) {
	var report Report
	runs, err := r.store.ListRuns(ctx, state.RunFilter{Statuses: []models.RunStatus{models.RunPending, models.RunRunning}})
	if err != nil {
		return report, fmt.Errorf("list active runs: %w", err)
	}

	now := r.opts.Now()
	for i := range runs {
		run := &runs[i]
		if run.OwnerPID > 0 && r.opts.Alive(run.OwnerPID) {
			continue
		}

		since := run.CreatedAt
		if run.StartedAt != nil {
			since = *run.StartedAt
		}
		if now.Sub(since) < r.opts.GracePeriod {
			continue
		}

		reason := ReasonOrphaned
		if run.Status == models.RunPending {
			reason = ReasonStale
		}
		if err := r.store.Transition(ctx, run.ID, models.RunAborted, reason); err != nil {
			if errors.Is(err, state.ErrInvalidTransition) {
				// Finalized concurrently by its worker.
				continue
			}
			return report, fmt.Errorf("abort %s: %w", run.ID, err)
		}
		r.log.Warn("run reaped", "run_id", run.ID, "status", run.Status, "pid", run.OwnerPID, "reason", reason)
		r.appendFinished(run.ID, reason)
		if run.OwnerPID > 0 {
			r.killTools(run)
		}

		if reason == ReasonOrphaned {
			report.Orphaned = append(report.Orphaned, run.ID)
		} else {
			report.Stale = append(report.Stale, run.ID)
		}
	}
	return report, nil
}

// Prune deletes finalized runs outside the retention window together with
// their event logs.
func (r *Reaper) Prune(ctx context.Context, opts state.PruneOptions) ([]string, error) {
	pruned, err := r.store.Prune(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	if r.opts.EventsDir != "" {
		for _, id := range pruned {
			if err := events.RemoveRunLog(r.opts.EventsDir, id); err != nil {
				r.log.Warn("remove event log failed", "run_id", id, "error", err)
			}
		}
	}
	if r.opts.LogDir != "" {
		for _, id := range pruned {
			for _, ext := range []string{".log", ".out"} {
				err := os.Remove(filepath.Join(r.opts.LogDir, id+ext))
				if err != nil && !errors.Is(err, os.ErrNotExist) {
					r.log.Warn("remove worker log failed", "run_id", id, "error", err)
				}
			}
		}
	}
	if len(pruned) > 0 {
		r.log.Info("runs pruned", "count", len(pruned))
	}
	return pruned, nil
}

// killTools stops validators the dead worker left behind. The worker led
// its own session, so the owner pid is the session of every tool group.
func (r *Reaper) killTools(run *models.Run) {
	killed, err := KillTools(r.opts.EventsDir, run.ID, run.OwnerPID, r.opts.KillGroup)
	if err != nil {
		r.log.Warn("kill leftover tools failed", "run_id", run.ID, "error", err)
	}
	if len(killed) > 0 {
		r.log.Warn("killed leftover tools", "run_id", run.ID, "pgids", killed)
	}
}

// KillTools sends kill to every tool process group recorded in the event
// log of runID that has no finished event, restricted to session sid. It
// returns the groups that were signalled.
func KillTools(eventsDir, runID string, sid int, kill func(pgid, sid int) (bool, error)) ([]int, error) {
	if eventsDir == "" {
		return nil, nil
	}
	pgids, err := events.UnfinishedToolPIDs(eventsDir, runID)
	if err != nil {
		return nil, fmt.Errorf("read tool pids: %w", err)
	}
	var killed []int
	var errs []error
	for _, pgid := range pgids {
		ok, err := kill(pgid, sid)
		if err != nil {
			errs = append(errs, fmt.Errorf("kill group %d: %w", pgid, err))
			continue
		}
		if ok {
			killed = append(killed, pgid)
		}
	}
	return killed, errors.Join(errs...)
}

func (r *Reaper) appendFinished(runID, reason string) {
	if r.opts.EventsDir == "" {
		return
	}
	err := events.AppendOnce(r.opts.EventsDir, runID, models.Event{
		Type:    models.EventFinished,
		Payload: models.EventPayload{Status: string(models.RunAborted), Message: reason},
	})
	if err != nil {
		r.log.Warn("append reap event failed", "run_id", runID, "error", err)
	}
}
