package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/nixtask/internal/events"
)

// ProgressPaneModel shows the counts of the run and a progress bar.
type ProgressPaneModel struct {
	total     int
	succeeded int
	running   int
	failed    int
	skipped   int
	pending   int

	finished bool
	exitCode int
	duration time.Duration

	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunProgressEvent:
		m.total = msg.Total
		m.succeeded = msg.Succeeded
		m.running = msg.Running
		m.failed = msg.Failed
		m.skipped = msg.Skipped
		m.pending = msg.Pending

	case events.RunFinishedEvent:
		m.finished = true
		m.exitCode = msg.ExitCode
		m.duration = msg.Duration
	}
	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", m.total)
	fmt.Fprintf(&b, "Succeeded: %s\n", StyleStatusSucceeded.Render(fmt.Sprint(m.succeeded)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(m.running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.failed)))
	fmt.Fprintf(&b, "Skipped:   %s\n", StyleStatusSkipped.Render(fmt.Sprint(m.skipped)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(m.pending)))
	b.WriteString("\n")

	if m.total > 0 {
		b.WriteString(m.bar(min(m.width-4, 40)))
		b.WriteString("\n")
	}

	if m.finished {
		b.WriteString("\n")
		b.WriteString(m.summary())
		b.WriteString("\n")
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(max(m.width-2, 1)).
		Height(max(m.height-2, 1)).
		Render(b.String())
}

// bar renders "[===!!--..]  done/total" in barWidth cells.
func (m ProgressPaneModel) bar(barWidth int) string {
	barWidth = max(barWidth, 1)
	succeededWidth := (m.succeeded * barWidth) / m.total
	failedWidth := ((m.failed + m.skipped) * barWidth) / m.total
	runningWidth := (m.running * barWidth) / m.total
	pendingWidth := max(0, barWidth-succeededWidth-failedWidth-runningWidth)

	bar := StyleStatusSucceeded.Render(strings.Repeat("=", succeededWidth))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
	bar += StyleStatusRunning.Render(strings.Repeat("-", runningWidth))
	bar += StyleStatusPending.Render(strings.Repeat(".", pendingWidth))

	done := m.succeeded + m.failed + m.skipped
	return fmt.Sprintf("[%s]  %d/%d", bar, done, m.total)
}

func (m ProgressPaneModel) summary() string {
	switch m.exitCode {
	case 0:
		return StyleStatusSucceeded.Render(fmt.Sprintf("Success in %.2fs", m.duration.Seconds()))
	case 127:
		return StyleStatusPending.Render("No tasks to run")
	default:
		return StyleStatusFailed.Render(fmt.Sprintf("Failed (exit %d)", m.exitCode))
	}
}

// Finished reports whether the run has ended, and its exit code.
func (m ProgressPaneModel) Finished() (bool, int) {
	return m.finished, m.exitCode
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
