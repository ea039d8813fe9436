// Package sandbox prepares the directories, environment and script prelude a task runs with.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/scheduler"
	"github.com/aristath/nixtask/internal/state"
)

// ErrProvisioning wraps every failure to set up a task environment.
var ErrProvisioning = errors.New("provisioning failed")

// StoreRoot is the immutable store prefix. Directories below it are read-only sources.
const StoreRoot = "/nix/store"

// ControlFD is the descriptor number the control channel is attached to in the child.
const ControlFD = 4

// Config holds what every task environment shares.
type Config struct {
	Layout         state.Layout
	Shell          string // bash executable
	Coreutils      string // package whose bin/ leads __taskPath
	CtlPath        string // executable providing the "ctl" subcommand
	UserNamespaces bool   // run under unshare and bind-mount the task home over /root
	MountPath      string // mount executable used inside the namespace

	Getenv func(string) string // host environment lookup; defaults to os.Getenv
}

// Options vary per Prepare call.
type Options struct {
	ForShell bool
	Debug    bool
	DryRun   bool
}

// Environment is everything needed to spawn one task.
type Environment struct {
	WorkDir      string
	HomeDir      string
	ArtifactsDir string
	OutputFile   string
	TempDir      string
	Env          map[string]string
	Lazy         LazyContext
	Prelude      string
	SpawnCmd     string
	SpawnArgs    []string

	cleanupOnce sync.Once
	cleanupErr  error
}

// Environ returns Env as sorted KEY=value pairs.
func (e *Environment) Environ() []string {
	out := make([]string, 0, len(e.Env))
	for k, v := range e.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Cleanup removes the scoped temp directory. It is safe to call more than once.
func (e *Environment) Cleanup() error {
	e.cleanupOnce.Do(func() {
		if e.TempDir != "" {
			e.cleanupErr = os.RemoveAll(e.TempDir)
		}
	})
	return e.cleanupErr
}

// Provisioner builds task environments.
type Provisioner struct {
	cfg     Config
	outputs OutputResolver
}

// NewProvisioner creates a Provisioner. outputs resolves deferred output references while
// building the lazy context and may be nil when no task uses them.
func NewProvisioner(cfg Config, outputs OutputResolver) *Provisioner {
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "mount"
	}
	return &Provisioner{cfg: cfg, outputs: outputs}
}

// Prepare creates the task's directories and computes its environment. On error nothing
// is left behind in the temp area.
func (p *Provisioner) Prepare(ctx context.Context, task *scheduler.Task, opts Options) (*Environment, error) {
	layout := p.cfg.Layout

	tmp, err := os.MkdirTemp("", "nixtask-"+task.IDPrefix()+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp dir: %w", ErrProvisioning, err)
	}
	env := &Environment{
		HomeDir:      layout.TaskHomeDir(task),
		ArtifactsDir: layout.TaskArtifactsDir(task),
		OutputFile:   layout.OutputFile(task),
		TempDir:      tmp,
	}

	if err := p.prepare(ctx, task, opts, env); err != nil {
		env.Cleanup()
		return nil, err
	}
	return env, nil
}

func (p *Provisioner) prepare(ctx context.Context, task *scheduler.Task, opts Options, env *Environment) error {
	lazy, err := p.LazyContext(ctx, task)
	if err != nil {
		return fmt.Errorf("%w: building lazy context for %s: %w", ErrProvisioning, task.DisplayPath, err)
	}
	env.Lazy = lazy
	if opts.Debug {
		ctxlog.FromContext(ctx).Debug("task lazy context", "task", task.DisplayPath, "context", lazy)
	}
	return p.provision(ctx, task, opts, env)
}

// Reprovision recomputes env from the resolved definition of a lazy task, which may set
// its own path, passthrough variables and dir. The temp dir and lazy context are kept.
func (p *Provisioner) Reprovision(ctx context.Context, resolved *scheduler.Task, opts Options, env *Environment) error {
	return p.provision(ctx, resolved, opts, env)
}

func (p *Provisioner) provision(ctx context.Context, task *scheduler.Task, opts Options, env *Environment) error {
	layout := p.cfg.Layout

	dirs := []string{env.HomeDir}
	if task.Dir == "" {
		dirs = append(dirs, layout.TaskWorkDir(task))
	}
	if len(task.Artifacts) > 0 {
		dirs = append(dirs, env.ArtifactsDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %w", ErrProvisioning, err)
		}
	}

	env.WorkDir = p.workDir(ctx, task, opts.ForShell)
	env.Env = p.environment(task, env, opts)

	prelude, err := p.prelude(env, opts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProvisioning, err)
	}
	env.Prelude = prelude

	env.SpawnCmd, env.SpawnArgs = p.cfg.Shell, nil
	if p.userNamespaces() {
		env.SpawnCmd, env.SpawnArgs = "unshare", []string{"--map-root-user", "--mount", p.cfg.Shell}
	}

	return nil
}

// workDir picks the directory a task runs in. Store sources are read-only, so a shell is
// pointed at the matching directory of the local checkout when one is known.
func (p *Provisioner) workDir(ctx context.Context, task *scheduler.Task, forShell bool) string {
	if task.Dir == "" {
		return p.cfg.Layout.TaskWorkDir(task)
	}
	if !strings.HasPrefix(task.Dir, StoreRoot+"/") {
		return task.Dir
	}
	if !forShell {
		return task.Dir
	}

	repo := LocalRepoRoot(ctx, task.OriginalFlakeURL)
	if repo == "" {
		return task.Dir
	}
	return rebaseStorePath(task.Dir, repo)
}

// rebaseStorePath maps /nix/store/<hash>-source/sub/dir onto repo/sub/dir.
func rebaseStorePath(dir, repo string) string {
	parts := strings.Split(dir, "/")
	if len(parts) < 4 {
		return dir
	}
	source := strings.Join(parts[:4], "/")
	rel, err := filepath.Rel(source, dir)
	if err != nil {
		return dir
	}
	return filepath.Join(repo, rel)
}

func (p *Provisioner) environment(task *scheduler.Task, env *Environment, opts Options) map[string]string {
	getenv := p.cfg.Getenv

	var binDirs []string
	if p.cfg.Coreutils != "" {
		binDirs = append(binDirs, p.cfg.Coreutils+"/bin")
	}
	for _, pkg := range task.Path {
		binDirs = append(binDirs, pkg+"/bin")
	}

	home := env.HomeDir
	if opts.ForShell {
		// The rcfile sources the user's own bashrc before switching HOME
		home = getenv("HOME")
	}

	vars := map[string]string{
		"HOME":                home,
		"IMPURE_HOME":         getenv("HOME"),
		"TMP":                 env.TempDir,
		"TMPDIR":              env.TempDir,
		"TEMP":                env.TempDir,
		"TEMPDIR":             env.TempDir,
		"__taskPath":          strings.Join(binDirs, ":"),
		"NIX_TASK_FLAKE_PATH": task.Ref,
		"out":                 env.ArtifactsDir,
		"TASK_CONTROL_FD":     fmt.Sprint(ControlFD),
		"__taskCtl":           p.cfg.CtlPath,
	}
	for _, name := range task.ImpureEnvPassthrough {
		vars["IMPURE_"+name] = getenv(name)
	}
	return vars
}

func (p *Provisioner) userNamespaces() bool {
	return p.cfg.UserNamespaces && runtime.GOOS == "linux"
}
