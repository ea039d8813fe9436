package scheduler

import (
	"encoding/json"
	"fmt"
)

// TaskStatus represents the current state of a task within a run.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies
	TaskRunning                     // Subprocess spawned
	TaskSucceeded                   // Exited zero and output persisted
	TaskFailed                      // Non-zero exit, or provisioning/spawn error
	TaskSkipped                     // Never started because the run already failed
)

// String returns a lowercase name for the status.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// LazySentinel marks a script that can only be produced once dependency outputs exist.
const LazySentinel = "# __TO_BE_LAZY_EVALUATED__"

// IDPrefixLen is how much of a task ID is used to name persisted state.
const IDPrefixLen = 12

// Task is a node in the dependency graph. It is immutable for the duration of a run;
// mutable run state (status, errors) lives in the DAG.
type Task struct {
	ID                   string         // Content-derived, stable across evaluations
	Name                 string         // Display only, may differ between evaluations
	Ref                  string         // Evaluator selector + attribute path, e.g. ".#tasks.x86_64-linux.build"
	DisplayPath          string         // Selector as the user typed it + attribute path
	AttributePath        string         // Path below the selector, empty for an exact match
	ExactRefMatch        bool           // Selector named this task exactly
	FlakePath            string         // Source tree the evaluator resolved
	OriginalFlakeURL     string         // Flake URL as given, used to find the local repo
	Deps                 map[string]Dep // Logical dependency name -> reference
	AllDiscoveredDeps    []*Task        // In-set targets of task and output references
	Dir                  string         // Explicit working directory, empty for ephemeral
	Path                 []string       // Tool packages whose bin/ directories form PATH
	Artifacts            []string       // Artifact names the task promises to produce
	StoreDependencies    []string       // Build inputs realised once, before the run
	ImpureEnvPassthrough []string       // Host variables exposed as IMPURE_<NAME>
	Run                  string
	ShellHook            string
	HasOutput            bool // Evaluator exposes getOutput for this task
}

// IDPrefix returns the stable leading part of the ID used for filesystem naming.
func (t *Task) IDPrefix() string {
	return IDPrefix(t.ID)
}

// DirName is the per-task name of state files and directories. The name comes first so
// truncated listings stay readable.
func (t *Task) DirName() string {
	return t.Name + "-" + t.IDPrefix()
}

// IsLazy reports whether Run must be resolved after dependencies complete.
func (t *Task) IsLazy() bool {
	return t.Run == LazySentinel
}

// ShellHookIsLazy reports whether ShellHook must be resolved after dependencies complete.
func (t *Task) ShellHookIsLazy() bool {
	return t.ShellHook == LazySentinel
}

// IDPrefix truncates id to IDPrefixLen characters.
func IDPrefix(id string) string {
	if len(id) <= IDPrefixLen {
		return id
	}
	return id[:IDPrefixLen]
}

// DepKind tags the three forms a dependency value can take.
type DepKind int

const (
	DepStatic DepKind = iota // Opaque value passed through unchanged
	DepTask                  // Another task; its persisted output and artifacts are used
	DepOutput                // Another task's output, computed by the evaluator on demand
)

func (k DepKind) String() string {
	switch k {
	case DepTask:
		return "task"
	case DepOutput:
		return "taskOutput"
	default:
		return "static"
	}
}

// Dep is one entry of Task.Deps. Task is set for DepTask and DepOutput, Value for DepStatic.
type Dep struct {
	Kind  DepKind
	Task  *Task
	Value json.RawMessage
}

// TaskDep references another task.
func TaskDep(t *Task) Dep { return Dep{Kind: DepTask, Task: t} }

// OutputDep references another task's deferred output.
func OutputDep(t *Task) Dep { return Dep{Kind: DepOutput, Task: t} }

// StaticDep wraps a pass-through value.
func StaticDep(v json.RawMessage) Dep { return Dep{Kind: DepStatic, Value: v} }
