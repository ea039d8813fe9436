package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RawTask is a task definition as the evaluator serialises it.
type RawTask struct {
	ID                   string                     `json:"id"`
	AttributePath        string                     `json:"attributePath"`
	Name                 string                     `json:"name,omitempty"`
	FlakePath            string                     `json:"flakePath,omitempty"`
	OriginalFlakeURL     string                     `json:"originalFlakeUrl,omitempty"`
	Deps                 map[string]json.RawMessage `json:"deps"`
	Dir                  string                     `json:"dir,omitempty"`
	Path                 []string                   `json:"path,omitempty"`
	Artifacts            []string                   `json:"artifacts,omitempty"`
	StoreDependencies    []string                   `json:"storeDependencies,omitempty"`
	ImpureEnvPassthrough []string                   `json:"impureEnvPassthrough,omitempty"`
	Run                  string                     `json:"run"`
	ShellHook            string                     `json:"shellHook,omitempty"`
	HasGetOutput         bool                       `json:"hasGetOutput,omitempty"`
}

// Selector names where a batch of raw tasks came from. Eval is what the evaluator was
// given, Display is what the user typed.
type Selector struct {
	Eval    string
	Display string
}

// depRef is the tagged object form of a dependency value.
type depRef struct {
	Type      string   `json:"__type"`
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Artifacts []string `json:"artifacts"`
	Task      *RawTask `json:"task"`
}

// Collect turns one evaluator response into tasks, resolving dependency values into
// references wherever they point at a task in the same response.
func Collect(raws []RawTask, sel Selector) ([]*Task, error) {
	tasks := make([]*Task, 0, len(raws))
	byID := make(map[string]*Task, len(raws))

	for i := range raws {
		raw := &raws[i]
		if raw.ID == "" {
			return nil, fmt.Errorf("task at %q has no id", raw.AttributePath)
		}
		if _, exists := byID[raw.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, raw.ID)
		}
		t := newTask(raw, sel)
		tasks = append(tasks, t)
		byID[raw.ID] = t
	}

	for i, t := range tasks {
		raw := &raws[i]
		t.Deps = make(map[string]Dep, len(raw.Deps))
		seen := make(map[string]bool)

		for name, value := range raw.Deps {
			dep, err := resolveDep(value, byID, sel)
			if err != nil {
				return nil, fmt.Errorf("task %s dep %q: %w", t.ID, name, err)
			}
			t.Deps[name] = dep

			if dep.Kind == DepStatic || dep.Task == nil {
				continue
			}
			if in, ok := byID[dep.Task.ID]; ok && in == dep.Task && !seen[dep.Task.ID] {
				seen[dep.Task.ID] = true
				t.AllDiscoveredDeps = append(t.AllDiscoveredDeps, dep.Task)
			}
		}
	}

	return tasks, nil
}

func newTask(raw *RawTask, sel Selector) *Task {
	ref := joinRef(sel.Eval, raw.AttributePath)
	name := raw.Name
	if name == "" {
		name = lastSegment(ref)
	}
	return &Task{
		ID:                   raw.ID,
		Name:                 name,
		Ref:                  ref,
		DisplayPath:          joinRef(sel.Display, raw.AttributePath),
		AttributePath:        raw.AttributePath,
		ExactRefMatch:        raw.AttributePath == "",
		FlakePath:            raw.FlakePath,
		OriginalFlakeURL:     raw.OriginalFlakeURL,
		Dir:                  raw.Dir,
		Path:                 raw.Path,
		Artifacts:            raw.Artifacts,
		StoreDependencies:    raw.StoreDependencies,
		ImpureEnvPassthrough: raw.ImpureEnvPassthrough,
		Run:                  raw.Run,
		ShellHook:            raw.ShellHook,
		HasOutput:            raw.HasGetOutput,
	}
}

func resolveDep(value json.RawMessage, byID map[string]*Task, sel Selector) (Dep, error) {
	trimmed := strings.TrimSpace(string(value))

	if strings.HasPrefix(trimmed, `"`) {
		var id string
		if err := json.Unmarshal(value, &id); err == nil {
			if t, ok := byID[id]; ok {
				return TaskDep(t), nil
			}
		}
		return StaticDep(value), nil
	}

	if !strings.HasPrefix(trimmed, "{") {
		return StaticDep(value), nil
	}

	var ref depRef
	if err := json.Unmarshal(value, &ref); err != nil {
		return Dep{}, fmt.Errorf("decoding dependency: %w", err)
	}

	switch ref.Type {
	case "task":
		if ref.ID == "" {
			return Dep{}, fmt.Errorf("task reference without id")
		}
		if t, ok := byID[ref.ID]; ok {
			return TaskDep(t), nil
		}
		return TaskDep(externalTask(ref, sel)), nil
	case "taskOutput":
		if t, ok := byID[ref.ID]; ok {
			return OutputDep(t), nil
		}
		if ref.Task != nil {
			nested, err := Collect([]RawTask{*ref.Task}, sel)
			if err != nil {
				return Dep{}, fmt.Errorf("embedded task: %w", err)
			}
			return OutputDep(nested[0]), nil
		}
		if ref.ID == "" {
			return Dep{}, fmt.Errorf("taskOutput reference without id")
		}
		return OutputDep(externalTask(ref, sel)), nil
	default:
		return StaticDep(value), nil
	}
}

// externalTask stands in for a referenced task that is not part of this evaluation. It
// carries just enough to locate persisted state.
func externalTask(ref depRef, sel Selector) *Task {
	name := ref.Name
	if name == "" {
		name = IDPrefix(ref.ID)
	}
	return &Task{
		ID:        ref.ID,
		Name:      name,
		Ref:       sel.Eval,
		Artifacts: ref.Artifacts,
		Deps:      map[string]Dep{},
	}
}

func joinRef(parts ...string) string {
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ".")
}

func lastSegment(ref string) string {
	fragment := ref
	if i := strings.Index(ref, "#"); i >= 0 {
		fragment = ref[i+1:]
	}
	if i := strings.LastIndex(fragment, "."); i >= 0 {
		return fragment[i+1:]
	}
	return fragment
}
