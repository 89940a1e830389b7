package models

import "time"

// OverallTool is the tool name used for events about the run as a whole.
const OverallTool = "overall"

// EventType represents the kind of progress event.
type EventType string

const (
	// EventStarted marks the start of a tool invocation or of the run.
	EventStarted EventType = "started"
	// EventProgress carries intermediate information.
	EventProgress EventType = "progress"
	// EventFinished marks the end of a tool invocation or of the run.
	EventFinished EventType = "finished"
)

// Valid returns true if the event type is a known value.
func (t EventType) Valid() bool {
	switch t {
	case EventStarted, EventProgress, EventFinished:
		return true
	default:
		return false
	}
}

// Event is one entry in a run's append-only event log.
type Event struct {
	RunID    string    `json:"run_id"`
	ToolName string    `json:"tool_name"`
	Type     EventType `json:"event_type"`
	// Seq is assigned by the writer and increases within one log file.
	Seq       int64        `json:"seq"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// EventPayload carries the variable part of an event.
type EventPayload struct {
	Status       string        `json:"status,omitempty"`
	Message      string        `json:"message,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	ErrorCount   int           `json:"error_count,omitempty"`
	WarningCount int           `json:"warning_count,omitempty"`
	// Tools lists the tools scheduled for the run (overall started events only).
	Tools []string `json:"tools,omitempty"`
	// PID is the process group of a tool process that just started.
	PID int `json:"pid,omitempty"`
}

// IsOverall returns true for events about the run rather than a single tool.
func (e Event) IsOverall() bool {
	return e.ToolName == OverallTool
}
