package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/nixtask/internal/events"
)

// Task statuses as shown in the list.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// maxTaskLines bounds the output kept per task.
const maxTaskLines = 5000

// TaskState is what the TUI knows about one task.
type TaskState struct {
	TaskID    string
	Name      string
	Ref       string
	Status    string
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel holds the task list and a viewport over the selected task's output.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // first-seen order for display
	selectedIdx int
	viewport    viewport.Model
	listFocused bool
	outFocused  bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case m.listFocused:
			switch msg.String() {
			case KeyJ, KeyDown:
				if m.selectedIdx < len(m.taskOrder)-1 {
					m.selectedIdx++
					m.updateViewportContent()
				}
			case KeyK, KeyUp:
				if m.selectedIdx > 0 {
					m.selectedIdx--
					m.updateViewportContent()
				}
			}
		case m.outFocused:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		t := m.ensure(msg.ID, msg.Name, msg.Ref)
		t.Status = StatusRunning
		t.StartTime = msg.Timestamp
		if m.selected() == msg.ID {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		t, ok := m.tasks[msg.ID]
		if !ok {
			break
		}
		line := msg.Line
		if msg.Stderr {
			line = StyleStderr.Render(line)
		}
		t.Output = append(t.Output, line)
		if len(t.Output) > maxTaskLines {
			t.Output = t.Output[len(t.Output)-maxTaskLines:]
		}
		if m.selected() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		if t, ok := m.tasks[msg.ID]; ok {
			t.Status = StatusSucceeded
			t.Duration = msg.Duration
			t.Output = append(t.Output, "", fmt.Sprintf("[Succeeded in %.2fs]", msg.Duration.Seconds()))
			if m.selected() == msg.ID {
				m.updateViewportContent()
			}
		}

	case events.TaskFailedEvent:
		if t, ok := m.tasks[msg.ID]; ok {
			t.Status = StatusFailed
			t.Duration = msg.Duration
			t.Output = append(t.Output, "", fmt.Sprintf("[Failed: %v]", msg.Err))
			if m.selected() == msg.ID {
				m.updateViewportContent()
			}
		}

	case events.TaskSkippedEvent:
		t := m.ensure(msg.ID, msg.Name, "")
		t.Status = StatusSkipped

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// ensure returns the state of taskID, adding it to the list on first sight.
func (m *TaskPaneModel) ensure(taskID, name, ref string) *TaskState {
	t, ok := m.tasks[taskID]
	if !ok {
		t = &TaskState{TaskID: taskID, Name: name}
		m.tasks[taskID] = t
		m.taskOrder = append(m.taskOrder, taskID)
		if len(m.taskOrder) == 1 {
			m.selectedIdx = 0
			m.updateViewportContent()
		}
	}
	if ref != "" {
		t.Ref = ref
	}
	return t
}

// ListView renders the task list into a w x h box.
func (m TaskPaneModel) ListView(w, h int) string {
	var b strings.Builder
	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	inner := max(w-2, 1)
	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.taskOrder {
		t := m.tasks[id]
		label := t.Ref
		if label == "" {
			label = t.Name
		}
		if limit := inner - 2; limit > 3 && len(label) > limit {
			label = label[:limit-3] + "..."
		}
		line := StatusIcon(t.Status) + " " + label
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return border(m.listFocused).
		Width(inner).
		Height(max(h-2, 1)).
		Render(b.String())
}

// OutputView renders the selected task's output into a w x h box.
func (m TaskPaneModel) OutputView(w, h int) string {
	title := "Output"
	if id := m.selected(); id != "" {
		t := m.tasks[id]
		title = t.Ref
		if title == "" {
			title = t.Name
		}
	}
	content := lipgloss.JoinVertical(lipgloss.Left, StyleTitle.Render(title), m.viewport.View())
	return border(m.outFocused).
		Width(max(w-2, 1)).
		Height(max(h-2, 1)).
		Render(content)
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusSucceeded:
		return StyleStatusSucceeded.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	case StatusSkipped:
		return StyleStatusSkipped.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Task returns the state of taskID.
func (m TaskPaneModel) Task(taskID string) (*TaskState, bool) {
	t, ok := m.tasks[taskID]
	return t, ok
}

// updateViewportContent shows the selected task's output, scrolled to the bottom.
func (m *TaskPaneModel) updateViewportContent() {
	id := m.selected()
	if id == "" {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(m.tasks[id].Output, "\n"))
	m.viewport.GotoBottom()
}

// SetOutputSize sizes the output viewport for a w x h box.
func (m *TaskPaneModel) SetOutputSize(w, h int) {
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h-3, 3)
	m.updateViewportContent()
}

// SetFocused sets which half of the pane has focus.
func (m *TaskPaneModel) SetFocused(list, output bool) {
	m.listFocused = list
	m.outFocused = output
}

func border(focused bool) lipgloss.Style {
	if focused {
		return StyleFocusedBorder
	}
	return StyleUnfocusedBorder
}
