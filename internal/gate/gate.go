// Package gate decides, inside the pre-commit hook, whether a commit may
// proceed based on the previous run, then launches validation of the
// current changeset.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ShayCichocki/vigil/internal/reaper"
	"github.com/ShayCichocki/vigil/internal/runner"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// Exit codes returned to git.
const (
	// ExitAllow lets the commit proceed.
	ExitAllow = 0
	// ExitBlocked blocks the commit because a run failed.
	ExitBlocked = 1
	// ExitError blocks the commit because vigil itself could not operate.
	ExitError = 2
)

// DefaultPollInterval is how often blocking mode re-reads the run store.
const DefaultPollInterval = 250 * time.Millisecond

// Store is the read side of the run store.
type Store interface {
	GetLatest(ctx context.Context) (*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
}

// Launcher starts background validation.
type Launcher interface {
	Launch(ctx context.Context, changesetRef string) (string, error)
}

// Sweeper reclaims orphaned runs.
type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Report, error)
}

// Options configures a Gate.
type Options struct {
	// Prompt enables the interactive proceed/abort choice. Without it a
	// failed previous run always blocks.
	Prompt bool
	// Interactive reports whether a terminal is attached.
	Interactive bool
	// NonBlocking returns as soon as the run is launched. When false the
	// gate waits for the current run and blocks the commit if it fails.
	NonBlocking  bool
	PollInterval time.Duration
	// Out receives user-facing messages.
	Out    io.Writer
	Now    func() time.Time
	Logger *slog.Logger
}

// Decision is the disposition of a commit with respect to the previous run.
type Decision struct {
	Allow    bool
	Prompted bool
	// Notice is shown to the user. May be empty.
	Notice   string
	Previous *models.Run
}

// Gate is the hook-time decision point. It only reads the run store and
// never shares a call stack with the executor.
type Gate struct {
	store    Store
	launcher Launcher
	sweeper  Sweeper
	prompter Prompter
	opts     Options
	log      *slog.Logger
}

// New creates a Gate. sweeper and prompter may be nil.
func New(store Store, launcher Launcher, sweeper Sweeper, prompter Prompter, opts Options) *Gate {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{store: store, launcher: launcher, sweeper: sweeper, prompter: prompter, opts: opts, log: logger}
}

// Run executes the hook: sweep, decide on the previous run, launch the
// current changeset and map the outcome to an exit code.
func (g *Gate) Run(ctx context.Context, changesetRef string) int {
	if g.sweeper != nil {
		if report, err := g.sweeper.Sweep(ctx); err != nil {
			g.log.Warn("reaper sweep failed", "error", err)
		} else if n := len(report.Orphaned) + len(report.Stale); n > 0 {
			g.log.Info("reaped runs", "orphaned", report.Orphaned, "stale", report.Stale)
		}
	}

	prev, err := g.store.GetLatest(ctx)
	if err != nil {
		g.log.Error("read latest run failed", "error", err)
		g.fail("cannot read the run store; commit blocked")
		return ExitError
	}

	decision := g.Decide(prev)
	if decision.Prompted {
		decision.Allow = g.confirm(decision)
	}
	if decision.Notice != "" {
		g.notice(decision.Notice)
	}

	runID, err := g.launcher.Launch(ctx, changesetRef)
	switch {
	case errors.Is(err, runner.ErrAlreadyRunning):
		g.notice(fmt.Sprintf("validation of this changeset is already running (run %s)", runID))
	case err != nil:
		g.log.Error("launch failed", "changeset", changesetRef, "error", err)
		g.fail("cannot start background validation; commit blocked")
		return ExitError
	default:
		g.log.Info("validation launched", "run_id", runID, "changeset", changesetRef)
	}

	if !decision.Allow {
		g.fail("commit aborted; previous validation failed")
		return ExitBlocked
	}
	if g.opts.NonBlocking {
		return ExitAllow
	}
	return g.wait(ctx, runID)
}

// Decide maps the previous run to a decision without any I/O. A failed run
// needs confirmation when prompting is possible and is denied otherwise.
func (g *Gate) Decide(prev *models.Run) Decision {
	d := Decision{Previous: prev}
	if prev == nil {
		d.Allow = true
		return d
	}

	switch prev.Status {
	case models.RunPassed:
		d.Allow = true
	case models.RunRunning:
		d.Allow = true
		d.Notice = fmt.Sprintf("previous validation is still running (run %s, started %s)",
			prev.ID, g.ago(startedAt(prev)))
	case models.RunPending:
		d.Allow = true
		d.Notice = fmt.Sprintf("previous validation has not started yet (run %s)", prev.ID)
	case models.RunAborted:
		d.Allow = true
		reason := prev.Reason
		if reason == "" {
			reason = "unknown reason"
		}
		d.Notice = fmt.Sprintf("previous validation was aborted (%s); its result is unknown", reason)
	case models.RunFailed:
		d.Notice = Summary(prev, g.opts.Now())
		d.Prompted = g.opts.Prompt && g.opts.Interactive && g.prompter != nil
	default:
		d.Notice = fmt.Sprintf("previous run has unknown status %q", prev.Status)
	}
	return d
}

func (g *Gate) confirm(d Decision) bool {
	ok, err := g.prompter.Confirm("Commit anyway?")
	if err != nil {
		g.log.Warn("prompt failed", "error", err)
		return false
	}
	g.log.Info("gate decision", "run_id", d.Previous.ID, "proceed", ok)
	return ok
}

// wait polls the store until the run is terminal.
func (g *Gate) wait(ctx context.Context, runID string) int {
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()

	for {
		run, err := g.store.GetRun(ctx, runID)
		if err != nil {
			g.log.Error("poll run failed", "run_id", runID, "error", err)
			g.fail("cannot read the run store; commit blocked")
			return ExitError
		}
		switch run.Status {
		case models.RunPassed:
			return ExitAllow
		case models.RunFailed:
			g.notice(Summary(run, g.opts.Now()))
			g.fail("commit aborted; validation failed")
			return ExitBlocked
		case models.RunAborted:
			g.fail(fmt.Sprintf("validation aborted (%s); commit blocked", run.Reason))
			return ExitError
		}

		select {
		case <-ctx.Done():
			g.fail("interrupted while waiting for validation; commit blocked")
			return ExitError
		case <-ticker.C:
		}
	}
}

func (g *Gate) ago(t time.Time) string {
	return humanize.RelTime(t, g.opts.Now(), "ago", "from now")
}

func (g *Gate) notice(msg string) {
	fmt.Fprintf(g.opts.Out, "%s %s\n", color.YellowString("vigil:"), msg)
}

func (g *Gate) fail(msg string) {
	fmt.Fprintf(g.opts.Out, "%s %s\n", color.RedString("vigil:"), msg)
}

// Summary describes a failed run in one line.
func Summary(run *models.Run, now time.Time) string {
	when := startedAt(run)
	if run.EndedAt != nil {
		when = *run.EndedAt
	}

	var b strings.Builder
	fmt.Fprintf(&b, "previous validation failed %s: %s, %s",
		humanize.RelTime(when, now, "ago", "from now"),
		plural(run.ErrorCount(), "error"), plural(run.WarningCount(), "warning"))

	if failing := failingTools(run); len(failing) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(failing, ", "))
	}
	return b.String()
}

func failingTools(run *models.Run) []string {
	var names []string
	for name, r := range run.ToolResults {
		if r.Required && r.Status != models.ToolPassed {
			names = append(names, fmt.Sprintf("%s: %s", name, r.Status))
		}
	}
	sort.Strings(names)
	return names
}

func startedAt(run *models.Run) time.Time {
	if run.StartedAt != nil {
		return *run.StartedAt
	}
	return run.CreatedAt
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return humanize.Comma(int64(n)) + " " + word + "s"
}
