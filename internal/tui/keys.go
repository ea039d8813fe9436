package tui

// Keys of the run view. The three panes are the task list, the selected task's output
// and the run progress.
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyEsc      = "esc"
	KeyPane1    = "1" // task list
	KeyPane2    = "2" // task output
	KeyPane3    = "3" // progress
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeySettings = "s" // nixtask config, saved to the global or project file
)

// HelpView is the footer of the run view. Quitting before the run ends cancels it.
func HelpView() string {
	return StyleHelp.Render("tab: next pane | 1 tasks  2 output  3 progress | j/k: pick task | s: settings | q: quit (cancels a running run)")
}
