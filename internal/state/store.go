// Package state persists task outputs and artifacts under identity-derived names.
//
// Records are written as {name}-{idPrefix} but always looked up by the ID prefix alone,
// because display names are not stable between evaluations while IDs are.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/nixtask/internal/scheduler"
)

// DefaultDirName is the state directory created under the run root.
const DefaultDirName = ".task-state"

// Layout describes where persisted state lives.
type Layout struct {
	Root string // <run-root>/.task-state
}

// NewLayout returns the layout rooted at runRoot/dirName.
func NewLayout(runRoot, dirName string) Layout {
	if dirName == "" {
		dirName = DefaultDirName
	}
	if filepath.IsAbs(dirName) {
		return Layout{Root: dirName}
	}
	return Layout{Root: filepath.Join(runRoot, dirName)}
}

func (l Layout) OutputDir() string    { return filepath.Join(l.Root, "output") }
func (l Layout) ArtifactsDir() string { return filepath.Join(l.Root, "artifacts") }
func (l Layout) WorkDir() string      { return filepath.Join(l.Root, "work") }
func (l Layout) HomeDir() string      { return filepath.Join(l.Root, "home") }

// OutputFile is where task's output record is written.
func (l Layout) OutputFile(task *scheduler.Task) string {
	return filepath.Join(l.OutputDir(), task.DirName()+".json")
}

// TaskArtifactsDir is where task writes its artifacts.
func (l Layout) TaskArtifactsDir(task *scheduler.Task) string {
	return filepath.Join(l.ArtifactsDir(), task.DirName())
}

// TaskWorkDir is the ephemeral working directory of a task without an explicit dir.
func (l Layout) TaskWorkDir(task *scheduler.Task) string {
	return filepath.Join(l.WorkDir(), task.DirName())
}

// TaskHomeDir is the dedicated HOME of a task.
func (l Layout) TaskHomeDir(task *scheduler.Task) string {
	return filepath.Join(l.HomeDir(), task.DirName())
}

// HistoryDB is the run ledger database path.
func (l Layout) HistoryDB() string {
	return filepath.Join(l.Root, "history.db")
}

// EnsureGlobal creates the directories every run needs.
func (l Layout) EnsureGlobal() error {
	if err := os.MkdirAll(l.OutputDir(), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return nil
}

// Store writes and prunes output records.
type Store struct {
	layout Layout
}

// NewStore creates a store over layout.
func NewStore(layout Layout) *Store {
	return &Store{layout: layout}
}

// Layout returns the store's layout.
func (s *Store) Layout() Layout {
	return s.layout
}

// WriteOutput persists value as the output record of task. A nil or JSON null value
// writes nothing. Records for the same ID prefix under an older name are removed.
func (s *Store) WriteOutput(task *scheduler.Task, value json.RawMessage) error {
	if isNull(value) {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return fmt.Errorf("output of %s is not valid JSON: %w", task.DirName(), err)
	}
	data, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output of %s: %w", task.DirName(), err)
	}

	path := s.layout.OutputFile(task)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return s.pruneStale(task, filepath.Base(path))
}

// pruneStale removes output records that share task's ID prefix but carry another name.
func (s *Store) pruneStale(task *scheduler.Task, keep string) error {
	entries, err := os.ReadDir(s.layout.OutputDir())
	if err != nil {
		return fmt.Errorf("listing outputs: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == keep {
			continue
		}
		if hasIDPrefix(strings.TrimSuffix(e.Name(), ".json"), task.IDPrefix()) {
			if err := os.Remove(filepath.Join(s.layout.OutputDir(), e.Name())); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing stale output %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// hasIDPrefix reports whether base is "{name}-{idPrefix}". The ID prefix itself may
// contain dashes, so it is matched as a suffix rather than split off.
func hasIDPrefix(base, idPrefix string) bool {
	return idPrefix != "" && strings.HasSuffix(base, "-"+idPrefix)
}

func isNull(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s == "" || s == "null"
}
