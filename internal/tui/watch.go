package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/vigil/internal/events"
	"github.com/ShayCichocki/vigil/pkg/models"
)

// EventMsg delivers one event from the log to the viewer.
type EventMsg struct {
	Event models.Event
}

// TailDoneMsg signals that the event stream ended.
type TailDoneMsg struct {
	Err error
}

// WatchModel is the bubbletea model of the live viewer.
type WatchModel struct {
	progress *Progress
	spinner  spinner.Model
	events   <-chan tea.Msg
	width    int
	quitting bool
	err      error
}

// NewWatchModel creates a viewer fed by msgs, which carries EventMsg values
// and a final TailDoneMsg.
func NewWatchModel(runID string, msgs <-chan tea.Msg) *WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = runningStyle
	return &WatchModel{progress: NewProgress(runID), spinner: s, events: msgs}
}

// Progress exposes the folded state.
func (m *WatchModel) Progress() *Progress {
	return m.progress
}

func (m *WatchModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.events
		if !ok {
			return TailDoneMsg{}
		}
		return msg
	}
}

// Init implements tea.Model.
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// Update implements tea.Model.
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			// Detaches the viewer; the run keeps going.
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case EventMsg:
		m.progress.Apply(msg.Event)
		if m.progress.Finished {
			return m, tea.Quit
		}
		return m, m.waitForEvent()
	case TailDoneMsg:
		m.err = msg.Err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *WatchModel) View() string {
	p := m.progress
	var b strings.Builder

	title := "vigil ▸ run " + p.RunID
	b.WriteString(headerStyle.Render(title))
	tools := p.Tools()
	if len(tools) > 0 {
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %d/%d done", p.Done(), len(tools))))
	}
	b.WriteString("\n\n")

	nameWidth := 8
	for _, t := range tools {
		if len(t.Name) > nameWidth {
			nameWidth = len(t.Name)
		}
	}

	for _, t := range tools {
		icon := statusStyle(t.Status).Render(statusIcon(t.Status))
		if t.Status == string(models.RunRunning) {
			icon = " " + m.spinner.View() + " "
		}
		line := fmt.Sprintf("%s %-*s %s", icon, nameWidth, t.Name, statusStyle(t.Status).Render(fmt.Sprintf("%-8s", t.Status)))
		if t.Duration > 0 {
			line += " " + labelStyle.Render(formatDuration(t.Duration))
		}
		if t.Errors > 0 || t.Warnings > 0 {
			line += " " + warnStyle.Render(fmt.Sprintf("%d errors, %d warnings", t.Errors, t.Warnings))
		}
		if t.Message != "" && t.Status != string(models.ToolPassed) {
			line += " " + mutedStyle.Render(truncate(t.Message, 60))
		}
		b.WriteString(line + "\n")
	}

	b.WriteString("\n")
	switch {
	case p.Finished:
		summary := "run " + renderStatus(p.Status)
		if p.Reason != "" {
			summary += " " + mutedStyle.Render("("+p.Reason+")")
		}
		b.WriteString(summary + "\n")
	case m.err != nil:
		b.WriteString(failedStyle.Render("event stream ended: "+m.err.Error()) + "\n")
	case m.quitting:
		b.WriteString(hintStyle.Render("detached; the run continues in the background") + "\n")
	default:
		b.WriteString(hintStyle.Render("q: detach") + "\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// WatchOptions configures Watch.
type WatchOptions struct {
	// Plain prints one line per event instead of the live view.
	Plain        bool
	PollInterval time.Duration
	In           io.Reader
	Out          io.Writer
}

// Watch follows the event log at path until the run finishes, ctx is done
// or the user detaches. It returns the folded progress.
func Watch(ctx context.Context, runID, path string, opts WatchOptions) (*Progress, error) {
	if opts.Plain {
		p := NewProgress(runID)
		err := events.Tail(ctx, path, opts.PollInterval, func(e models.Event) bool {
			p.Apply(e)
			fmt.Fprintln(opts.Out, FormatEvent(e))
			return !p.Finished
		})
		return p, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan tea.Msg, 64)
	go func() {
		defer close(msgs)
		err := events.Tail(ctx, path, opts.PollInterval, func(e models.Event) bool {
			select {
			case msgs <- EventMsg{Event: e}:
				return !(e.IsOverall() && e.Type == models.EventFinished)
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			select {
			case msgs <- TailDoneMsg{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	model := NewWatchModel(runID, msgs)
	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.In != nil {
		progOpts = append(progOpts, tea.WithInput(opts.In))
	}
	if opts.Out != nil {
		progOpts = append(progOpts, tea.WithOutput(opts.Out))
	}
	if _, err := tea.NewProgram(model, progOpts...).Run(); err != nil && ctx.Err() == nil {
		return model.Progress(), fmt.Errorf("run viewer: %w", err)
	}
	return model.Progress(), nil
}
