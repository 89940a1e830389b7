package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/reaper"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// ErrRunFinished is returned when cancelling a run that is already terminal.
var ErrRunFinished = errors.New("run already finished")

// CancelStore is the subset of the run store Cancel needs.
type CancelStore interface {
	GetRun(ctx context.Context, id string) (*models.Run, error)
	Transition(ctx context.Context, runID string, next models.RunStatus, reason string) error
}

// Canceller stops runs on request.
type Canceller struct {
	Store     CancelStore
	EventsDir string
	// Alive and Signal default to exec.ProcessAlive and exec.TerminateGroup.
	Alive  func(pid int) bool
	Signal func(pid int) error
	// KillGroup stops tools a dead worker left running. Defaults to
	// exec.KillToolGroup.
	KillGroup func(pgid, sid int) (bool, error)
	Logger    *slog.Logger
}

// Cancel stops runID. A run with a live worker is signalled and the worker
// finalizes it; signalled is true in that case. A run without a live worker
// is aborted directly.
func (c *Canceller) Cancel(ctx context.Context, runID string) (signalled bool, err error) {
	alive, signal := c.Alive, c.Signal
	if alive == nil {
		alive = exec.ProcessAlive
	}
	if signal == nil {
		signal = exec.TerminateGroup
	}
	log := c.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	run, err := c.Store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.Terminal() {
		return false, fmt.Errorf("cancel %s (%s): %w", runID, run.Status, ErrRunFinished)
	}

	if run.OwnerPID > 0 && alive(run.OwnerPID) {
		if err := signal(run.OwnerPID); err != nil {
			return false, fmt.Errorf("signal worker %d: %w", run.OwnerPID, err)
		}
		log.Info("cancel requested", "run_id", runID, "pid", run.OwnerPID)
		return true, nil
	}

	if err := c.Store.Transition(ctx, runID, models.RunAborted, "cancelled"); err != nil {
		return false, err
	}
	if c.EventsDir != "" {
		if err := events.AppendOnce(c.EventsDir, runID, models.Event{
			Type:    models.EventFinished,
			Payload: models.EventPayload{Status: string(models.RunAborted), Message: "cancelled"},
		}); err != nil {
			log.Warn("append cancel event failed", "run_id", runID, "error", err)
		}
	}
	if run.OwnerPID > 0 {
		kill := c.KillGroup
		if kill == nil {
			kill = exec.KillToolGroup
		}
		killed, err := reaper.KillTools(c.EventsDir, runID, run.OwnerPID, kill)
		if err != nil {
			log.Warn("kill leftover tools failed", "run_id", runID, "error", err)
		}
		if len(killed) > 0 {
			log.Info("killed leftover tools", "run_id", runID, "pgids", killed)
		}
	}
	log.Info("run cancelled without worker", "run_id", runID)
	return false, nil
}
