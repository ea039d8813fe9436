package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/ipc"
	"github.com/aristath/nixtask/internal/sandbox"
	"github.com/aristath/nixtask/internal/scheduler"
	"github.com/aristath/nixtask/internal/state"
)

// ErrNoExactTask is returned when a shell is requested for a selector that does not name
// exactly one task.
var ErrNoExactTask = errors.New("must pass an exact path to a task to use a shell")

// ShellOptions configures OpenShell.
type ShellOptions struct {
	Debug       bool
	NoShellHook bool
	Shell       string // bash executable

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ExactTask picks the one task the selector named exactly.
func ExactTask(tasks []*scheduler.Task) (*scheduler.Task, error) {
	var found *scheduler.Task
	for _, t := range tasks {
		if !t.ExactRefMatch {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s and %s both match", ErrNoExactTask, found.DisplayPath, t.DisplayPath)
		}
		found = t
	}
	if found == nil {
		return nil, ErrNoExactTask
	}
	return found, nil
}

// OpenShell starts an interactive bash in task's environment with the task's shell hook
// applied, and returns the shell's exit code once the user leaves it.
func OpenShell(ctx context.Context, ev TaskEvaluator, prov Provisioner, store *state.Store, console *Console, task *scheduler.Task, opts ShellOptions) (int, error) {
	logger := ctxlog.FromContext(ctx)
	if opts.Debug {
		logger.Debug("starting shell for task", "id", task.ID, "ref", task.Ref, "dir", task.Dir)
	}

	envOpts := sandbox.Options{ForShell: true, Debug: opts.Debug}
	env, err := prov.Prepare(ctx, task, envOpts)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := env.Cleanup(); err != nil {
			logger.Warn("failed to remove shell temp dir", "dir", env.TempDir, "error", err)
		}
	}()

	hook, resolved, err := shellHook(ctx, ev, task, env)
	if err != nil {
		return 0, err
	}
	if resolved != nil {
		if err := prov.Reprovision(ctx, resolved, envOpts, env); err != nil {
			return 0, err
		}
	}
	if err := store.Layout().EnsureGlobal(); err != nil {
		return 0, fmt.Errorf("preparing state directory: %w", err)
	}
	if opts.NoShellHook {
		hook = ""
	}

	rcfile := filepath.Join(env.TempDir, "rcfile")
	if err := os.WriteFile(rcfile, []byte(rcScript(env, hook)), 0600); err != nil {
		return 0, fmt.Errorf("%w: writing rcfile: %w", sandbox.ErrProvisioning, err)
	}

	shell := opts.Shell
	if shell == "" {
		shell = "bash"
	}
	proc, err := ipc.Spawn(ctx, ipc.SpawnSpec{
		Path:       shell,
		Args:       []string{"--rcfile", rcfile},
		Dir:        env.WorkDir,
		Env:        env.Environ(),
		Stdin:      opts.Stdin,
		Stdout:     opts.Stdout,
		Stderr:     opts.Stderr,
		Foreground: true,
		Shell:      shell,
		Relay:      console.Relay(task),
	})
	if err != nil {
		return 0, err
	}

	// The shell's own exit status is the user's business, and any output it set is dropped
	waitErr := proc.Wait()
	code := ipc.ExitCode(waitErr)
	if code < 0 {
		return code, waitErr
	}
	return code, nil
}

// shellHook returns the hook to run and realises what it needs. A lazy hook is resolved
// through the evaluator, and the resolved task is returned alongside it.
func shellHook(ctx context.Context, ev TaskEvaluator, task *scheduler.Task, env *sandbox.Environment) (string, *scheduler.Task, error) {
	if !task.ShellHookIsLazy() {
		if len(task.StoreDependencies) > 0 {
			if err := ev.Realise(ctx, task.StoreDependencies); err != nil {
				return "", nil, fmt.Errorf("realising store dependencies: %w", err)
			}
		}
		return task.ShellHook, nil, nil
	}

	lazy, err := env.Lazy.JSON()
	if err != nil {
		return "", nil, err
	}
	built, err := ev.GetLazyTask(ctx, task, lazy)
	if err != nil {
		return "", nil, fmt.Errorf("resolving lazy shell hook: %w", err)
	}
	if len(built.StoreDependencies) > 0 {
		if err := ev.Realise(ctx, built.StoreDependencies); err != nil {
			return "", nil, fmt.Errorf("realising lazy task dependencies: %w", err)
		}
	}
	return built.ShellHook, built, nil
}

// rcScript sources the user's bashrc under the real HOME, then switches to the task
// home. set +e comes last so a failing command does not end the interactive shell.
func rcScript(env *sandbox.Environment, hook string) string {
	var b strings.Builder
	b.WriteString("if [ -f ~/.bashrc ]; then source ~/.bashrc; fi\n")
	fmt.Fprintf(&b, "export HOME=%s\n\n", shellQuote(env.HomeDir))
	b.WriteString(env.Prelude)
	b.WriteString("\n")
	if hook != "" {
		b.WriteString(hook)
		b.WriteString("\n")
	}
	b.WriteString("\nset +e\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
