package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a validation run.
type RunStatus string

const (
	// RunPending indicates the run has been created but no worker owns it yet.
	RunPending RunStatus = "pending"
	// RunRunning indicates a worker process is executing the run.
	RunRunning RunStatus = "running"
	// RunPassed indicates every required tool passed.
	RunPassed RunStatus = "passed"
	// RunFailed indicates at least one required tool did not pass.
	RunFailed RunStatus = "failed"
	// RunAborted indicates the run was cancelled, orphaned, or hit an infrastructure failure.
	RunAborted RunStatus = "aborted"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPassed, RunFailed, RunAborted:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a run can never leave.
func (s RunStatus) Terminal() bool {
	return s == RunPassed || s == RunFailed || s == RunAborted
}

// CanTransition reports whether a run may move from s to next. A pending
// run may start or be aborted; only a running run may pass or fail. A
// terminal status accepts nothing.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunAborted
	case RunRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Run is one attempted validation of a changeset.
type Run struct {
	// ID is unique and sorts lexically by creation time.
	ID string `json:"id"`
	// ChangesetRef identifies what was validated.
	ChangesetRef string `json:"changeset_ref"`
	// Status is the current lifecycle state.
	Status RunStatus `json:"status"`
	// OwnerPID is the worker process executing this run (0 until spawned).
	OwnerPID int `json:"owner_pid,omitempty"`
	// CreatedAt is when the run was allocated.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the run entered running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// EndedAt is when the run reached a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// Reason explains an aborted run (e.g. "orphaned", "cancelled").
	Reason string `json:"reason,omitempty"`
	// ToolResults holds one result per invoked tool, keyed by tool name.
	ToolResults map[string]ToolResult `json:"tool_results"`
}

// ErrorCount sums error counts across all tool results.
func (r *Run) ErrorCount() int {
	n := 0
	for _, tr := range r.ToolResults {
		n += tr.ErrorCount
	}
	return n
}

// WarningCount sums warning counts across all tool results.
func (r *Run) WarningCount() int {
	n := 0
	for _, tr := range r.ToolResults {
		n += tr.WarningCount
	}
	return n
}

// Elapsed returns the run duration, or the time since start for an unfinished run.
func (r *Run) Elapsed(now time.Time) time.Duration {
	start := r.CreatedAt
	if r.StartedAt != nil {
		start = *r.StartedAt
	}
	if r.EndedAt != nil {
		return r.EndedAt.Sub(start)
	}
	return now.Sub(start)
}

// NewRunID returns a run id made of a fixed-width UTC timestamp and a random suffix,
// so ids sort by creation time and never collide within the same instant.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405.000000000Z") + "-" + randomSuffix()
}

func randomSuffix() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return id.String()[:8]
	}
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// FinalStatus reduces a set of completed tool results to the run's terminal status.
// The run fails iff some required tool has no result or a result other than passed.
// The result does not depend on the order of results.
func FinalStatus(required []string, results []ToolResult) RunStatus {
	byName := make(map[string]ToolStatus, len(results))
	for _, r := range results {
		byName[r.ToolName] = r.Status
	}
	for _, name := range required {
		if st, ok := byName[name]; !ok || st != ToolPassed {
			return RunFailed
		}
	}
	return RunPassed
}
