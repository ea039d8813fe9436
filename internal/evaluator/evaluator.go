// Package evaluator talks to the external program that knows the task definitions. Every
// call is a blocking round trip to a subprocess that answers in JSON.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aristath/nixtask/internal/scheduler"
)

var (
	// ErrEvaluator wraps every failed evaluator call: non-zero exit, bad JSON, schema violation.
	ErrEvaluator = errors.New("evaluator failed")
	// ErrOutputTooLarge is returned when a response exceeds the configured output cap.
	ErrOutputTooLarge = errors.New("evaluator output too large, circular dependency somewhere?")
)

// DefaultMaxOutput is the response size cap applied when none is configured.
const DefaultMaxOutput int64 = 100 * 1024 * 1024

// Provider resolves task definitions, deferred scripts and task outputs.
type Provider interface {
	// GetTasks evaluates every selector, in order, and returns the collected tasks.
	GetTasks(ctx context.Context, selectors []string) ([]*scheduler.Task, error)

	// GetLazyTask re-resolves a lazy task with the JSON-encoded lazy context. The
	// returned task keeps the identity of task.
	GetLazyTask(ctx context.Context, task *scheduler.Task, lazy json.RawMessage) (*scheduler.Task, error)

	// GetOutput computes the final output of task from the output it reported itself.
	GetOutput(ctx context.Context, task *scheduler.Task, current json.RawMessage) (json.RawMessage, error)

	// Realise materialises store paths before anything that needs them runs.
	Realise(ctx context.Context, paths []string) error
}

// Config selects and parameterises a Provider.
type Config struct {
	Type      string // "nix" or "command"
	Command   string // Executable for the "command" type
	MaxOutput int64  // Response cap in bytes; zero means DefaultMaxOutput
	WorkDir   string
	Stdout    io.Writer // Receives filtered realise progress; defaults to os.Stdout
	Stderr    io.Writer // Receives evaluator diagnostics; defaults to os.Stderr
}

// New creates the provider named by cfg.Type.
func New(cfg Config, pm *ProcessManager) (Provider, error) {
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}

	switch cfg.Type {
	case "", "nix":
		return NewNixProvider(cfg, pm), nil
	case "command":
		if cfg.Command == "" {
			return nil, fmt.Errorf("evaluator type %q requires evaluator_command", cfg.Type)
		}
		return NewCommandProvider(cfg, pm), nil
	default:
		return nil, fmt.Errorf("unknown evaluator type: %s", cfg.Type)
	}
}

// evalError wraps err with ErrEvaluator unless it already carries ErrOutputTooLarge, which
// callers report distinctly.
func evalError(what string, err error) error {
	if errors.Is(err, ErrOutputTooLarge) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrEvaluator, what, err)
}

// collectResponse validates a tasks response and turns it into tasks.
func collectResponse(data []byte, sel scheduler.Selector) ([]*scheduler.Task, error) {
	if err := validateTasks(data); err != nil {
		return nil, err
	}
	var raws []scheduler.RawTask
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: decoding tasks for %s: %v", ErrEvaluator, sel.Display, err)
	}
	tasks, err := scheduler.Collect(raws, sel)
	if err != nil {
		return nil, fmt.Errorf("collecting tasks for %s: %w", sel.Display, err)
	}
	return tasks, nil
}

// mergeLazy returns orig with its deferred fields replaced by the resolved ones. Identity,
// naming and dependency edges stay those of the original evaluation.
func mergeLazy(orig, resolved *scheduler.Task) *scheduler.Task {
	merged := *orig
	if orig.IsLazy() {
		merged.Run = resolved.Run
	}
	if orig.ShellHookIsLazy() {
		merged.ShellHook = resolved.ShellHook
	}
	if len(resolved.Path) > 0 {
		merged.Path = resolved.Path
	}
	if len(resolved.StoreDependencies) > 0 {
		merged.StoreDependencies = resolved.StoreDependencies
	}
	if len(resolved.ImpureEnvPassthrough) > 0 {
		merged.ImpureEnvPassthrough = resolved.ImpureEnvPassthrough
	}
	if resolved.Dir != "" {
		merged.Dir = resolved.Dir
	}
	return &merged
}

// lazyResult picks the single task a lazy evaluation produced.
func lazyResult(task *scheduler.Task, resolved []*scheduler.Task) (*scheduler.Task, error) {
	if len(resolved) != 1 {
		return nil, fmt.Errorf("%w: lazy evaluation of %s returned %d tasks", ErrEvaluator, task.Ref, len(resolved))
	}
	if resolved[0].IsLazy() && task.IsLazy() {
		return nil, fmt.Errorf("%w: lazy evaluation of %s is still deferred", ErrEvaluator, task.Ref)
	}
	return mergeLazy(task, resolved[0]), nil
}

func flakeKey(task *scheduler.Task) string {
	if task.FlakePath != "" {
		return task.FlakePath
	}
	return task.Ref
}
