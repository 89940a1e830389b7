package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// ToolProgress is what the viewer knows about one tool.
type ToolProgress struct {
	Name     string
	Status   string
	Duration time.Duration
	Errors   int
	Warnings int
	Message  string
	Started  time.Time
}

// Progress folds a run's events into per-tool state.
type Progress struct {
	RunID    string
	Started  time.Time
	Finished bool
	// Status is the run status once finished.
	Status string
	Reason string
	tools  map[string]*ToolProgress
	order  []string
}

// NewProgress creates empty progress for runID.
func NewProgress(runID string) *Progress {
	return &Progress{RunID: runID, tools: make(map[string]*ToolProgress)}
}

// Apply folds one event in. Events may arrive for tools not yet announced.
func (p *Progress) Apply(e models.Event) {
	if p.RunID == "" {
		p.RunID = e.RunID
	}
	if e.IsOverall() {
		switch e.Type {
		case models.EventStarted:
			p.Started = e.Timestamp
			for _, name := range e.Payload.Tools {
				p.tool(name)
			}
		case models.EventFinished:
			p.Finished = true
			p.Status = e.Payload.Status
			p.Reason = e.Payload.Message
		}
		return
	}

	t := p.tool(e.ToolName)
	switch e.Type {
	case models.EventStarted:
		t.Status = string(models.RunRunning)
		t.Started = e.Timestamp
	case models.EventProgress:
		t.Message = e.Payload.Message
	case models.EventFinished:
		t.Status = e.Payload.Status
		t.Duration = e.Payload.Duration
		t.Errors = e.Payload.ErrorCount
		t.Warnings = e.Payload.WarningCount
		t.Message = e.Payload.Message
	}
}

func (p *Progress) tool(name string) *ToolProgress {
	if t, ok := p.tools[name]; ok {
		return t
	}
	t := &ToolProgress{Name: name, Status: string(models.RunPending)}
	p.tools[name] = t
	p.order = append(p.order, name)
	sort.Strings(p.order)
	return t
}

// Tools returns the tools in name order.
func (p *Progress) Tools() []ToolProgress {
	out := make([]ToolProgress, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, *p.tools[name])
	}
	return out
}

// Done counts tools that reached a terminal status.
func (p *Progress) Done() int {
	n := 0
	for _, t := range p.tools {
		if t.Status != string(models.RunPending) && t.Status != string(models.RunRunning) {
			n++
		}
	}
	return n
}

// FormatEvent renders one event as a plain line for non-terminal output.
func FormatEvent(e models.Event) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Local().Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(e.ToolName)
	b.WriteByte(' ')
	b.WriteString(string(e.Type))
	if e.Payload.Status != "" {
		fmt.Fprintf(&b, " status=%s", e.Payload.Status)
	}
	if e.Payload.Duration > 0 {
		fmt.Fprintf(&b, " duration=%s", formatDuration(e.Payload.Duration))
	}
	if e.Payload.ErrorCount > 0 || e.Payload.WarningCount > 0 {
		fmt.Fprintf(&b, " errors=%d warnings=%d", e.Payload.ErrorCount, e.Payload.WarningCount)
	}
	if len(e.Payload.Tools) > 0 {
		fmt.Fprintf(&b, " tools=%s", strings.Join(e.Payload.Tools, ","))
	}
	if e.Payload.Message != "" {
		fmt.Fprintf(&b, " %q", e.Payload.Message)
	}
	return b.String()
}
