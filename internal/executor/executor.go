// Package executor drives a run to a terminal status by invoking every
// enabled validator under a bounded worker pool.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/internal/exec"
	"github.com/ShayCichocki/vigil/internal/registry"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// Abort reasons recorded on the run.
const (
	ReasonCancelled  = "cancelled"
	ReasonRunTimeout = "run timeout"
)

// errRunTimeout is the cancellation cause of a run that exceeded its run timeout.
var errRunTimeout = errors.New("run timeout exceeded")

// Store is the subset of the run store the executor writes to.
type Store interface {
	RecordToolResult(ctx context.Context, runID string, result models.ToolResult) error
	Transition(ctx context.Context, runID string, next models.RunStatus, reason string) error
}

// Options configures an Executor.
type Options struct {
	// Workers is the pool size (0 = number of CPUs).
	Workers int
	// QueueDepth bounds pending invocations.
	QueueDepth int
	// ExcerptBytes bounds each stored excerpt.
	ExcerptBytes int
	// ClassLimits caps concurrent invocations per concurrency class.
	ClassLimits map[string]int
	// RunTimeout aborts the run after this long (0 = none).
	RunTimeout time.Duration
	// Dir is the working directory of every tool.
	Dir    string
	Logger *slog.Logger
}

// Executor runs validators for one run and records their outcomes.
type Executor struct {
	store   Store
	reg     *registry.Registry
	procs   exec.ProcessRunner
	events  events.Appender
	opts    Options
	log     *slog.Logger
	classes map[string]*semaphore.Weighted
}

// New creates an Executor.
func New(store Store, reg *registry.Registry, procs exec.ProcessRunner, appender events.Appender, opts Options) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.ExcerptBytes <= 0 {
		opts.ExcerptBytes = 4096
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	classes := make(map[string]*semaphore.Weighted, len(opts.ClassLimits))
	for class, limit := range opts.ClassLimits {
		if limit > 0 {
			classes[class] = semaphore.NewWeighted(int64(limit))
		}
	}
	return &Executor{
		store:   store,
		reg:     reg,
		procs:   procs,
		events:  appender,
		opts:    opts,
		log:     logger,
		classes: classes,
	}
}

// Request identifies the work of one run.
type Request struct {
	RunID     string
	Changeset string
	// Files are the changed files of the changeset.
	Files []string
}

// runState collects results and the first infrastructure failure.
type runState struct {
	req  Request
	ctx  context.Context
	stop context.CancelCauseFunc
	// storeCtx outlives cancellation so skipped results are still recorded.
	storeCtx context.Context

	mu       sync.Mutex
	results  []models.ToolResult
	infraErr error
}

func (s *runState) addResult(r models.ToolResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *runState) fail(err error) {
	s.mu.Lock()
	if s.infraErr == nil {
		s.infraErr = err
	}
	s.mu.Unlock()
	s.stop(err)
}

func (s *runState) infra() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infraErr
}

// Execute invokes every enabled tool and finalizes the run. The run must
// already be running. It returns the terminal status; the error is non-nil
// only for an infrastructure failure, in which case the run is aborted.
// Cancelling ctx terminates in-flight tools, records unfinished tools as
// skipped and aborts the run.
func (e *Executor) Execute(ctx context.Context, req Request) (models.RunStatus, error) {
	tools := e.reg.Enabled()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	if e.opts.RunTimeout > 0 {
		timer := time.AfterFunc(e.opts.RunTimeout, func() { stop(errRunTimeout) })
		defer timer.Stop()
	}

	st := &runState{
		req:      req,
		ctx:      runCtx,
		stop:     stop,
		storeCtx: context.WithoutCancel(ctx),
	}

	e.log.Info("run started", "run_id", req.RunID, "tools", len(tools), "workers", e.opts.Workers)
	e.emit(models.Event{
		Type:    models.EventStarted,
		Payload: models.EventPayload{Status: string(models.RunRunning), Tools: names},
	})

	workers := e.opts.Workers
	if workers > len(tools) {
		workers = len(tools)
	}
	p := newPool(workers, e.opts.QueueDepth, func(t registry.Tool) { e.handle(st, t) })

	for i, t := range tools {
		if err := p.submit(runCtx, t); err != nil {
			// Nothing after this point will be dequeued.
			for _, rest := range tools[i:] {
				e.settle(st, rest, skipped(rest, "not started: "+describeCause(runCtx)), time.Time{})
			}
			break
		}
	}
	if rec := p.closeAndWait(); rec != nil {
		st.fail(fmt.Errorf("worker panic: %s", rec.String()))
	}

	return e.finalize(st, req)
}

// handle runs one tool on a pool worker.
func (e *Executor) handle(st *runState, tool registry.Tool) {
	if st.ctx.Err() != nil {
		e.settle(st, tool, skipped(tool, "not started: "+describeCause(st.ctx)), time.Time{})
		return
	}

	var result models.ToolResult
	started := time.Now()
	var pc panics.Catcher
	pc.Try(func() { result, started = e.invoke(st, tool) })
	if rec := pc.Recovered(); rec != nil {
		e.log.Error("tool panicked", "run_id", st.req.RunID, "tool", tool.Name, "panic", rec.Value)
		result = panicFailure(tool, fmt.Sprint(rec.Value), e.opts.ExcerptBytes)
	}
	e.settle(st, tool, result, started)
}

// invoke waits for the tool's concurrency class, then runs its process.
func (e *Executor) invoke(st *runState, tool registry.Tool) (models.ToolResult, time.Time) {
	if sem, ok := e.classes[tool.ConcurrencyClass]; ok && tool.ConcurrencyClass != "" {
		if !sem.TryAcquire(1) {
			e.emit(models.Event{
				ToolName: tool.Name,
				Type:     models.EventProgress,
				Payload:  models.EventPayload{Message: "waiting for concurrency class " + tool.ConcurrencyClass},
			})
			if err := sem.Acquire(st.ctx, 1); err != nil {
				return skipped(tool, "not started: "+describeCause(st.ctx)), time.Now()
			}
		}
		defer sem.Release(1)
	}

	started := time.Now()
	files := tool.MatchFiles(st.req.Files)
	if len(tool.Patterns) > 0 && len(files) == 0 {
		return models.ToolResult{
			ToolName:      tool.Name,
			Status:        models.ToolPassed,
			Required:      tool.Required,
			OutputExcerpt: NoMatchingFiles,
		}, started
	}

	e.emit(models.Event{ToolName: tool.Name, Type: models.EventStarted})
	e.log.Debug("tool started", "run_id", st.req.RunID, "tool", tool.Name, "timeout", tool.Timeout)

	res, err := e.procs.Run(st.ctx, exec.Command{
		Argv:    tool.Argv(files, st.req.Changeset),
		Dir:     e.opts.Dir,
		Env:     []string{"VIGIL_RUN_ID=" + st.req.RunID, "VIGIL_CHANGESET=" + st.req.Changeset},
		Timeout: tool.Timeout,
		Started: func(pid int) {
			e.emit(models.Event{
				ToolName: tool.Name,
				Type:     models.EventProgress,
				Payload:  models.EventPayload{Message: "process started", PID: pid},
			})
		},
	})
	if err != nil {
		return startFailure(tool, err, e.opts.ExcerptBytes), started
	}
	return Classify(tool, res, e.opts.ExcerptBytes), started
}

// settle records a terminal tool result exactly once and emits its finished event.
func (e *Executor) settle(st *runState, tool registry.Tool, result models.ToolResult, started time.Time) {
	if result.Duration == 0 && !started.IsZero() {
		result.Duration = time.Since(started)
	}
	st.addResult(result)

	if err := e.store.RecordToolResult(st.storeCtx, st.req.RunID, result); err != nil {
		e.log.Error("record tool result failed", "run_id", st.req.RunID, "tool", tool.Name, "error", err)
		st.fail(fmt.Errorf("record %s result: %w", tool.Name, err))
	}

	e.log.Info("tool finished", "run_id", st.req.RunID, "tool", tool.Name, "status", result.Status,
		"errors", result.ErrorCount, "warnings", result.WarningCount, "duration", result.Duration)
	e.emit(models.Event{
		ToolName: tool.Name,
		Type:     models.EventFinished,
		Payload: models.EventPayload{
			Status:       string(result.Status),
			Duration:     result.Duration,
			ErrorCount:   result.ErrorCount,
			WarningCount: result.WarningCount,
			Message:      firstLine(result.OutputExcerpt),
		},
	})
}

// finalize reduces the results to the run's terminal status.
func (e *Executor) finalize(st *runState, req Request) (models.RunStatus, error) {
	final := models.FinalStatus(e.reg.Required(), st.results)
	reason := ""
	var runErr error

	switch cause := context.Cause(st.ctx); {
	case st.infra() != nil:
		final = models.RunAborted
		runErr = st.infra()
		reason = "infrastructure error: " + runErr.Error()
	case errors.Is(cause, errRunTimeout):
		final = models.RunAborted
		reason = ReasonRunTimeout
	case st.ctx.Err() != nil:
		final = models.RunAborted
		reason = ReasonCancelled
	}

	if err := e.store.Transition(st.storeCtx, req.RunID, final, reason); err != nil {
		e.log.Error("finalize run failed", "run_id", req.RunID, "status", final, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("finalize run: %w", err)
		}
		final = models.RunAborted
		reason = "infrastructure error: " + runErr.Error()
	}

	payload := models.EventPayload{Status: string(final), Message: reason}
	for _, r := range st.results {
		payload.ErrorCount += r.ErrorCount
		payload.WarningCount += r.WarningCount
	}
	if runErr != nil {
		payload.Error = runErr.Error()
	}
	e.emit(models.Event{Type: models.EventFinished, Payload: payload})
	e.log.Info("run finished", "run_id", req.RunID, "status", final, "reason", reason)
	return final, runErr
}

// emit appends an event. Event log failures degrade viewers but never the run.
func (e *Executor) emit(ev models.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.Append(ev); err != nil {
		e.log.Warn("append event failed", "tool", ev.ToolName, "type", ev.Type, "error", err)
	}
}

func skipped(tool registry.Tool, why string) models.ToolResult {
	return models.ToolResult{
		ToolName:      tool.Name,
		Status:        models.ToolSkipped,
		Required:      tool.Required,
		OutputExcerpt: why,
	}
}

func describeCause(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errRunTimeout):
		return ReasonRunTimeout
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		return ReasonCancelled
	case cause != nil:
		return cause.Error()
	default:
		return ReasonCancelled
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
