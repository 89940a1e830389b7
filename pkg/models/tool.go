package models

import "time"

// ToolStatus represents the outcome of one validator invocation.
type ToolStatus string

const (
	// ToolPassed indicates the tool exited cleanly with no findings above threshold.
	ToolPassed ToolStatus = "passed"
	// ToolFailed indicates the tool reported findings.
	ToolFailed ToolStatus = "failed"
	// ToolError indicates the tool crashed or produced unparseable output.
	ToolError ToolStatus = "error"
	// ToolTimeout indicates the tool exceeded its timeout and was terminated.
	ToolTimeout ToolStatus = "timeout"
	// ToolSkipped indicates the tool never finished because the run was cancelled.
	ToolSkipped ToolStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s ToolStatus) Valid() bool {
	switch s {
	case ToolPassed, ToolFailed, ToolError, ToolTimeout, ToolSkipped:
		return true
	default:
		return false
	}
}

// ToolResult is the outcome of one validator invocation within a run.
type ToolResult struct {
	ToolName     string        `json:"tool_name"`
	Status       ToolStatus    `json:"status"`
	Duration     time.Duration `json:"duration"`
	ErrorCount   int           `json:"error_count"`
	WarningCount int           `json:"warning_count"`
	// OutputExcerpt is a bounded tail of the tool's output, not the full log.
	OutputExcerpt string `json:"output_excerpt,omitempty"`
	// Required mirrors the registry flag at the time the tool ran.
	Required   bool      `json:"required"`
	RecordedAt time.Time `json:"recorded_at"`
}
