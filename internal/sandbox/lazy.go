package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/nixtask/internal/scheduler"
	"github.com/aristath/nixtask/internal/state"
)

// maxLazyDepth bounds recursion through deferred output references.
const maxLazyDepth = 64

// OutputResolver computes a deferred task output. The evaluator providers satisfy it.
type OutputResolver interface {
	GetOutput(ctx context.Context, task *scheduler.Task, current json.RawMessage) (json.RawMessage, error)
}

// LazyContext is what a lazy task, and taskGetDeps, sees of its dependencies.
type LazyContext struct {
	Deps map[string]any `json:"deps"`
}

// JSON encodes the context for the evaluator.
func (l LazyContext) JSON() (json.RawMessage, error) {
	l.Deps = l.depsOrEmpty()
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encoding lazy context: %w", err)
	}
	return data, nil
}

func (l LazyContext) depsOrEmpty() map[string]any {
	if l.Deps == nil {
		return map[string]any{}
	}
	return l.Deps
}

// depContext is the entry for a task reference. Absent parts are omitted.
type depContext struct {
	Output    json.RawMessage   `json:"output,omitempty"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
}

// LazyContext builds the dependency context of task from persisted state. The state
// directory is scanned once and every reference in the build resolves against that
// snapshot.
func (p *Provisioner) LazyContext(ctx context.Context, task *scheduler.Task) (LazyContext, error) {
	idx, err := state.NewIndex(p.cfg.Layout)
	if err != nil {
		return LazyContext{}, err
	}
	return p.buildLazy(ctx, task, idx, 0)
}

func (p *Provisioner) buildLazy(ctx context.Context, task *scheduler.Task, idx *state.Index, depth int) (LazyContext, error) {
	if depth > maxLazyDepth {
		return LazyContext{}, fmt.Errorf("output references nested deeper than %d at %s, circular dependency somewhere?", maxLazyDepth, task.DisplayPath)
	}

	deps := make(map[string]any, len(task.Deps))
	for name, dep := range task.Deps {
		switch dep.Kind {
		case scheduler.DepTask:
			entry, ok, err := taskContext(dep.Task, idx)
			if err != nil {
				return LazyContext{}, fmt.Errorf("dependency %q: %w", name, err)
			}
			if ok {
				deps[name] = entry
			}

		case scheduler.DepOutput:
			if p.outputs == nil {
				return LazyContext{}, fmt.Errorf("dependency %q: no resolver for deferred outputs", name)
			}
			nested, err := p.buildLazy(ctx, dep.Task, idx, depth+1)
			if err != nil {
				return LazyContext{}, err
			}
			nestedJSON, err := nested.JSON()
			if err != nil {
				return LazyContext{}, err
			}
			out, err := p.outputs.GetOutput(ctx, dep.Task, nestedJSON)
			if err != nil {
				return LazyContext{}, fmt.Errorf("dependency %q: %w", name, err)
			}
			deps[name] = depContext{Output: out}

		default:
			deps[name] = dep.Value
		}
	}
	return LazyContext{Deps: deps}, nil
}

func taskContext(dep *scheduler.Task, idx *state.Index) (depContext, bool, error) {
	var entry depContext
	found := false

	output, ok, err := idx.Output(dep)
	if err != nil {
		return entry, false, err
	}
	if ok {
		entry.Output = output
		found = true
	}

	if len(dep.Artifacts) > 0 {
		artifacts, ok, err := idx.Artifacts(dep)
		if err != nil {
			return entry, false, err
		}
		if ok {
			entry.Artifacts = artifacts
			found = true
		}
	}
	return entry, found, nil
}
