// Package orchestrator runs a planned set of tasks: a bounded worker pool gated on
// dependency completion, with console rendering, events and run history.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/evaluator"
	"github.com/aristath/nixtask/internal/events"
	"github.com/aristath/nixtask/internal/ipc"
	"github.com/aristath/nixtask/internal/persistence"
	"github.com/aristath/nixtask/internal/sandbox"
	"github.com/aristath/nixtask/internal/scheduler"
	"github.com/aristath/nixtask/internal/state"
)

// Exit codes of a run.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitNoTasks = 127
)

// TaskEvaluator is the part of the definition provider the runner calls while tasks run.
type TaskEvaluator interface {
	GetLazyTask(ctx context.Context, task *scheduler.Task, lazy json.RawMessage) (*scheduler.Task, error)
	GetOutput(ctx context.Context, task *scheduler.Task, current json.RawMessage) (json.RawMessage, error)
	Realise(ctx context.Context, paths []string) error
}

// Provisioner prepares task environments. *sandbox.Provisioner satisfies it.
type Provisioner interface {
	Prepare(ctx context.Context, task *scheduler.Task, opts sandbox.Options) (*sandbox.Environment, error)
	Reprovision(ctx context.Context, resolved *scheduler.Task, opts sandbox.Options, env *sandbox.Environment) error
}

// RunnerConfig configures the runner.
type RunnerConfig struct {
	Concurrency int  // Max concurrent tasks (default 1)
	Interactive bool // Attach Stdin to tasks; forces Concurrency to 1
	DryRun      bool
	Debug       bool

	Shell string        // bash for background and finally commands
	Drain time.Duration // control channel drain after exit; zero means ipc.DefaultDrain
	Stdin io.Reader     // used when Interactive

	Evaluator   TaskEvaluator
	Provisioner Provisioner
	Store       *state.Store
	Console     *Console
	Bus         *events.EventBus // Optional
	Ledger      *Ledger          // Optional
	Selectors   []string         // recorded in the ledger
}

// Runner executes a plan.
type Runner struct {
	config   RunnerConfig
	dag      *scheduler.DAG
	recorder *recorder
}

// NewRunner creates a runner for the tasks in dag.
func NewRunner(cfg RunnerConfig, dag *scheduler.DAG) *Runner {
	if cfg.Concurrency <= 0 || cfg.Interactive {
		cfg.Concurrency = 1
	}
	if cfg.Console == nil {
		cfg.Console = NewConsole(io.Discard, io.Discard)
	}
	return &Runner{config: cfg, dag: dag}
}

// Result summarises a run.
type Result struct {
	Planned   int
	Ran       int
	Succeeded int
	Failed    int
	Skipped   int
	Duration  time.Duration
}

// ExitCode is 127 for an empty plan, 1 if any task failed or never got to run, else 0.
func (r Result) ExitCode() int {
	switch {
	case r.Planned == 0:
		return ExitNoTasks
	case r.Failed > 0 || r.Skipped > 0:
		return ExitFailure
	default:
		return ExitSuccess
	}
}

// IsConfigurationError reports whether err is a problem with the task set or the
// selectors rather than with a task.
func IsConfigurationError(err error) bool {
	return errors.Is(err, scheduler.ErrCycle) ||
		errors.Is(err, scheduler.ErrOnlySelector) ||
		errors.Is(err, scheduler.ErrDuplicateTask)
}

// Run executes the plan. Batches are flattened in order and fed to a pool of
// Concurrency workers; each task additionally waits for its own dependencies. The
// first failure stops new tasks from starting while running ones finish. The returned
// error is only set when the run could not be carried out at all, or when the
// evaluator output cap ended it.
func (r *Runner) Run(ctx context.Context, plan [][]string) (Result, error) {
	start := time.Now()
	logger := ctxlog.FromContext(ctx)
	ids := slices.Concat(plan...)

	r.recorder = newRecorder(r.config.Ledger, r.config.Concurrency*2)
	r.recorder.start(ctx)
	if err := r.config.Ledger.Start(ctx, r.config.Selectors, start); err != nil {
		logger.Warn("failed to record run in history", "error", err)
	}

	result, err := r.run(ctx, ids)
	result.Duration = time.Since(start)

	r.recorder.stop()
	finishCtx := context.WithoutCancel(ctx)
	if ferr := r.config.Ledger.Finish(finishCtx, result.ExitCode(), time.Now()); ferr != nil {
		logger.Warn("failed to record run result in history", "error", ferr)
	}
	r.config.Bus.Publish(events.RunFinishedEvent{ExitCode: result.ExitCode(), Duration: result.Duration, Timestamp: time.Now()})

	switch {
	case err != nil:
	case result.Planned == 0:
		r.config.Console.NoTasks()
	case result.ExitCode() == ExitSuccess:
		r.config.Console.Success(result.Duration)
	}
	return result, err
}

func (r *Runner) run(ctx context.Context, ids []string) (Result, error) {
	if len(ids) == 0 {
		return Result{}, nil
	}

	// Only planned tasks are tracked; edges to the rest count as satisfied
	dag, err := r.dag.Subset(ids)
	if err != nil {
		return Result{}, err
	}
	r.dag = dag

	if err := r.config.Store.Layout().EnsureGlobal(); err != nil {
		return Result{}, fmt.Errorf("preparing state directory: %w", err)
	}
	if err := r.prebuild(ctx, ids); err != nil {
		return Result{}, err
	}
	if r.config.DryRun {
		r.config.Console.DryRunNotice()
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r.publishProgress()

	g := new(errgroup.Group)
	g.SetLimit(r.config.Concurrency)
	concurrent := r.config.Concurrency > 1
	for _, id := range ids {
		g.Go(func() error {
			r.executeTask(runCtx, cancel, id, concurrent)
			return nil
		})
	}
	_ = g.Wait()

	p := r.dag.Progress()
	result := Result{
		Planned:   len(ids),
		Ran:       p.Succeeded + p.Failed,
		Succeeded: p.Succeeded,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
	}

	if cause := context.Cause(runCtx); errors.Is(cause, evaluator.ErrOutputTooLarge) {
		return result, cause
	}
	return result, nil
}

// prebuild realises the store dependencies of every planned task in one call.
func (r *Runner) prebuild(ctx context.Context, ids []string) error {
	var paths []string
	for _, id := range ids {
		task, _ := r.dag.Get(id)
		for _, p := range task.StoreDependencies {
			if !slices.Contains(paths, p) {
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		return nil
	}
	if err := r.config.Evaluator.Realise(ctx, paths); err != nil {
		return fmt.Errorf("realising store dependencies: %w", err)
	}
	return nil
}

// executeTask runs one task and records its outcome. Task errors end here.
func (r *Runner) executeTask(ctx context.Context, cancel context.CancelCauseFunc, id string, concurrent bool) {
	task, _ := r.dag.Get(id)
	logger := ctxlog.FromContext(ctx).With("task", task.DisplayPath)

	if err := r.dag.WaitForDependencies(ctx, id); err != nil {
		r.skip(task, err)
		return
	}
	if err := r.dag.MarkRunning(id); err != nil {
		logger.Error("failed to mark task as running", "error", err)
		return
	}
	r.publishProgress()

	start := time.Now()
	r.config.Bus.Publish(events.TaskStartedEvent{ID: task.ID, Name: task.Name, Ref: task.DisplayPath, Timestamp: start})

	output, err := r.runTask(ctx, task, concurrent)
	duration := time.Since(start)

	if err != nil {
		logger.Debug("task failed", "error", err)
		if errors.Is(err, evaluator.ErrOutputTooLarge) {
			cancel(err)
		}
		_ = r.dag.MarkFailed(id, err)
		r.config.Console.Failed(task, err)
		r.config.Bus.Publish(events.TaskFailedEvent{
			ID: task.ID, Name: task.Name, Err: err, ExitCode: ipc.ExitCode(err), Duration: duration, Timestamp: time.Now(),
		})
		r.record(task, scheduler.TaskFailed, err, duration)
	} else {
		_ = r.dag.MarkSucceeded(id)
		r.config.Bus.Publish(events.TaskCompletedEvent{
			ID: task.ID, Name: task.Name, Output: output, Duration: duration, Timestamp: time.Now(),
		})
		r.record(task, scheduler.TaskSucceeded, nil, duration)
	}
	r.publishProgress()
}

func (r *Runner) skip(task *scheduler.Task, err error) {
	_ = r.dag.MarkSkipped(task.ID, err)
	r.config.Bus.Publish(events.TaskSkippedEvent{ID: task.ID, Name: task.Name, Timestamp: time.Now()})
	r.record(task, scheduler.TaskSkipped, err, 0)
	r.publishProgress()
}

// runTask is the per-task pipeline: prepare, resolve a lazy script, spawn, wait, then
// compute and persist the output. The scoped temp dir is always removed.
func (r *Runner) runTask(ctx context.Context, task *scheduler.Task, concurrent bool) (json.RawMessage, error) {
	logger := ctxlog.FromContext(ctx).With("task", task.DisplayPath)
	r.config.Console.TaskHeader(task, r.config.DryRun)

	if r.config.Debug {
		logger.Debug("running task", "id", task.ID, "ref", task.Ref, "deps", len(task.Deps), "lazy", task.IsLazy(), "dir", task.Dir)
	}

	opts := sandbox.Options{Debug: r.config.Debug, DryRun: r.config.DryRun}
	env, err := r.config.Provisioner.Prepare(ctx, task, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := env.Cleanup(); err != nil {
			logger.Warn("failed to remove task temp dir", "dir", env.TempDir, "error", err)
		}
	}()

	script := task.Run
	if task.IsLazy() {
		built, err := r.resolveLazy(ctx, task, env)
		if err != nil {
			return nil, err
		}
		if err := r.config.Provisioner.Reprovision(ctx, built, opts, env); err != nil {
			return nil, err
		}
		script = built.Run
	}

	stdout, stderr, flush := r.config.Console.TaskStreams(task, concurrent)
	var stdin io.Reader
	if r.config.Interactive {
		stdin = r.config.Stdin
	}

	args := append(slices.Clone(env.SpawnArgs), "--norc", "--noprofile", "-c", env.Prelude+"\n"+script)
	if r.config.Debug {
		logger.Debug("spawning task", "cmd", env.SpawnCmd, "dir", env.WorkDir, "env", env.Environ())
	}

	proc, err := ipc.Spawn(ctx, ipc.SpawnSpec{
		Path:       env.SpawnCmd,
		Args:       args,
		Dir:        env.WorkDir,
		Env:        env.Environ(),
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
		Foreground: r.config.Interactive,
		Shell:      r.config.Shell,
		Relay:      r.config.Console.Relay(task),
		Drain:      r.config.Drain,
	})
	if err != nil {
		flush()
		return nil, err
	}
	waitErr := proc.Wait()
	flush()
	if waitErr != nil {
		return nil, fmt.Errorf("task exited with code %d: %w", ipc.ExitCode(waitErr), waitErr)
	}

	output := proc.Output()
	if task.HasOutput {
		computed, err := r.config.Evaluator.GetOutput(ctx, task, output)
		if err != nil {
			return nil, fmt.Errorf("computing output: %w", err)
		}
		if !isNull(computed) {
			output = computed
		}
	}

	if err := r.config.Store.WriteOutput(task, output); err != nil {
		return nil, fmt.Errorf("persisting output: %w", err)
	}
	if isNull(output) {
		return nil, nil
	}
	return output, nil
}

// resolveLazy asks the evaluator for the task's definition now that its dependencies
// have finished, and realises what that definition needs.
func (r *Runner) resolveLazy(ctx context.Context, task *scheduler.Task, env *sandbox.Environment) (*scheduler.Task, error) {
	lazy, err := env.Lazy.JSON()
	if err != nil {
		return nil, err
	}
	built, err := r.config.Evaluator.GetLazyTask(ctx, task, lazy)
	if err != nil {
		return nil, fmt.Errorf("resolving lazy task: %w", err)
	}
	if len(built.StoreDependencies) > 0 {
		if err := r.config.Evaluator.Realise(ctx, built.StoreDependencies); err != nil {
			return nil, fmt.Errorf("realising lazy task dependencies: %w", err)
		}
	}
	if built.IsLazy() {
		return nil, fmt.Errorf("%w: lazy task %s resolved to another lazy script", evaluator.ErrEvaluator, task.DisplayPath)
	}
	return built, nil
}

func (r *Runner) record(task *scheduler.Task, status scheduler.TaskStatus, err error, duration time.Duration) {
	if r.config.Ledger == nil || r.recorder == nil {
		return
	}
	tr := persistence.TaskRun{
		TaskID:   task.ID,
		Name:     task.Name,
		Ref:      task.DisplayPath,
		Status:   status.String(),
		Duration: duration,
	}
	if err != nil {
		tr.Error = err.Error()
	}
	r.recorder.record(tr)
}

func (r *Runner) publishProgress() {
	p := r.dag.Progress()
	r.config.Bus.Publish(events.RunProgressEvent{
		Total:     p.Total,
		Pending:   p.Pending,
		Running:   p.Running,
		Succeeded: p.Succeeded,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
		Timestamp: time.Now(),
	})
}

func isNull(v json.RawMessage) bool {
	s := bytes.TrimSpace(v)
	return len(s) == 0 || bytes.Equal(s, []byte("null"))
}
