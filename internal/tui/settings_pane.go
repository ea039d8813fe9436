package tui

import (
	"errors"
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/nixtask/internal/config"
)

// Save targets.
const (
	TargetGlobal  = "global"
	TargetProject = "project"
)

// SettingsPaneModel edits the runner configuration. Saved changes apply to the next run.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	fields *settingsFields // form bindings, shared by every copy of the model
}

// settingsFields are the form bindings.
type settingsFields struct {
	saveTarget       string
	evaluator        string
	evaluatorCommand string
	shell            string
	coreutils        string
	concurrency      string
	stateDir         string
	userNamespaces   bool
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		fields:      &settingsFields{},
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the configuration into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	m.fields.saveTarget = TargetProject
	m.fields.evaluator = m.config.Evaluator
	m.fields.evaluatorCommand = m.config.EvaluatorCommand
	m.fields.shell = m.config.Shell
	m.fields.coreutils = m.config.Coreutils
	m.fields.concurrency = strconv.Itoa(m.config.Concurrency)
	m.fields.stateDir = m.config.StateDir
	m.fields.userNamespaces = m.config.Experimental.TaskUserNamespaces
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project (.nixtask/config.json)", TargetProject),
					huh.NewOption("Global (~/.nixtask/config.json)", TargetGlobal),
				).
				Value(&m.fields.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("evaluator").
				Title("Evaluator").
				Options(
					huh.NewOption("nix", config.EvaluatorNix),
					huh.NewOption("command", config.EvaluatorCommand),
				).
				Value(&m.fields.evaluator),

			huh.NewInput().
				Key("evaluatorCommand").
				Title("Evaluator Command").
				Value(&m.fields.evaluatorCommand).
				Placeholder("./tasks.sh"),
		).Title("Task Definitions"),

		huh.NewGroup(
			huh.NewInput().
				Key("concurrency").
				Title("Concurrency").
				Value(&m.fields.concurrency).
				Validate(validateConcurrency),

			huh.NewInput().
				Key("shell").
				Title("Shell").
				Value(&m.fields.shell).
				Placeholder("bash"),

			huh.NewInput().
				Key("coreutils").
				Title("Coreutils Package").
				Value(&m.fields.coreutils),

			huh.NewInput().
				Key("stateDir").
				Title("State Directory").
				Value(&m.fields.stateDir).
				Placeholder(".task-state"),

			huh.NewConfirm().
				Key("userNamespaces").
				Title("Run tasks in user namespaces (experimental)").
				Value(&m.fields.userNamespaces),
		).Title("Execution"),
	)
}

func validateConcurrency(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return errors.New("must be a whole number of at least 1")
	}
	return nil
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save applies the form to a copy of the configuration, validates it and writes it.
func (m *SettingsPaneModel) save() error {
	next := *m.config
	next.Evaluator = m.fields.evaluator
	next.EvaluatorCommand = m.fields.evaluatorCommand
	next.Shell = m.fields.shell
	next.Coreutils = m.fields.coreutils
	next.StateDir = m.fields.stateDir
	next.Experimental.TaskUserNamespaces = m.fields.userNamespaces
	n, err := strconv.Atoi(m.fields.concurrency)
	if err != nil {
		return fmt.Errorf("concurrency: %w", err)
	}
	next.Concurrency = n

	if err := next.Validate(); err != nil {
		return err
	}

	target := m.projectPath
	if m.fields.saveTarget == TargetGlobal {
		target = m.globalPath
	}
	if err := config.Save(&next, target); err != nil {
		return err
	}
	*m.config = next
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.err != nil:
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(max(m.width-4, 1)).
		Height(max(m.height-4, 1))

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (apply to the next run)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(max(w-8, 10)).WithHeight(max(h-8, 5))
	}
}

// SetVisible shows or hides the settings pane. Showing it starts a fresh form.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(max(m.width-8, 10)).WithHeight(max(m.height-8, 5))
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form was written.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
