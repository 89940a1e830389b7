package tui

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/ShayCichocki/vigil/pkg/models"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// RunHistory renders runs as a table, newest first as given.
func RunHistory(runs []models.Run, now time.Time) string {
	if len(runs) == 0 {
		return mutedStyle.Render("No runs recorded")
	}
	t := newTable("RUN", "STATUS", "CHANGESET", "ERRORS", "WARNINGS", "ELAPSED", "CREATED")
	for i := range runs {
		r := &runs[i]
		t.Row(
			r.ID,
			renderStatus(string(r.Status)),
			shortRef(r.ChangesetRef),
			strconv.Itoa(r.ErrorCount()),
			strconv.Itoa(r.WarningCount()),
			formatDuration(r.Elapsed(now)),
			humanize.RelTime(r.CreatedAt, now, "ago", "from now"),
		)
	}
	return t.String()
}

// RunDetail renders one run with its tool results. Excerpts of tools that
// did not pass are appended when withExcerpts is set.
func RunDetail(run *models.Run, now time.Time, withExcerpts bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Run:      "), run.ID)
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Status:   "), renderStatus(string(run.Status)))
	if run.Reason != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Reason:   "), run.Reason)
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Changeset:"), run.ChangesetRef)
	fmt.Fprintf(&b, "%s %s (%s)\n", labelStyle.Render("Created:  "),
		run.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.RelTime(run.CreatedAt, now, "ago", "from now"))
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Elapsed:  "), formatDuration(run.Elapsed(now)))
	if run.OwnerPID > 0 && !run.Status.Terminal() {
		fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("Worker:   "), run.OwnerPID)
	}
	fmt.Fprintf(&b, "%s %d errors, %d warnings\n", labelStyle.Render("Findings: "), run.ErrorCount(), run.WarningCount())

	results := sortedResults(run)
	if len(results) == 0 {
		b.WriteString("\n" + mutedStyle.Render("No tool results yet"))
		return b.String()
	}

	t := newTable("TOOL", "STATUS", "REQUIRED", "ERRORS", "WARNINGS", "DURATION")
	for _, r := range results {
		required := "no"
		if r.Required {
			required = "yes"
		}
		t.Row(r.ToolName, renderStatus(string(r.Status)), required,
			strconv.Itoa(r.ErrorCount), strconv.Itoa(r.WarningCount), formatDuration(r.Duration))
	}
	b.WriteString("\n")
	b.WriteString(t.String())

	if withExcerpts {
		for _, r := range results {
			if r.Status == models.ToolPassed || r.OutputExcerpt == "" {
				continue
			}
			fmt.Fprintf(&b, "\n\n%s\n%s", headerStyle.Render("── "+r.ToolName+" ──"), r.OutputExcerpt)
		}
	}
	return b.String()
}

func sortedResults(run *models.Run) []models.ToolResult {
	out := make([]models.ToolResult, 0, len(run.ToolResults))
	for _, r := range run.ToolResults {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolName < out[j].ToolName })
	return out
}

// shortRef abbreviates object ids in a changeset ref.
func shortRef(ref string) string {
	parts := strings.Split(ref, "..")
	for i, p := range parts {
		if len(p) > 10 {
			parts[i] = p[:10]
		}
	}
	return strings.Join(parts, "..")
}
