package evaluator

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/scheduler"
)

//go:embed getTasks.nix
var getTasksNix string

var (
	// nix-store prints every realised path on stdout; those lines are noise.
	bareStorePath = regexp.MustCompile(`^/nix/store/[a-z0-9]{32}-[\w\.-]+$`)
	// Realising without an out-link always warns about garbage collection.
	gcWarning = regexp.MustCompile(`the result might be removed by the garbage collector$`)
)

// lockFlags keep evaluation from touching flake.lock during a run.
var lockFlags = []string{"--no-update-lock-file", "--no-write-lock-file"}

// NixProvider evaluates tasks from flake outputs with the nix CLI.
type NixProvider struct {
	cfg     Config
	procMgr *ProcessManager
	locks   *scheduler.SourceLocks

	systemOnce sync.Once
	system     string
	systemErr  error
}

// NewNixProvider creates a NixProvider. The ProcessManager is optional.
func NewNixProvider(cfg Config, procMgr *ProcessManager) *NixProvider {
	return &NixProvider{
		cfg:     cfg,
		procMgr: procMgr,
		locks:   scheduler.NewSourceLocks(),
	}
}

// GetTasks evaluates selectors one after another. Flake evaluation may take git locks in
// the repository, so selectors are never evaluated in parallel.
func (p *NixProvider) GetTasks(ctx context.Context, selectors []string) ([]*scheduler.Task, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	system, err := p.currentSystem(ctx)
	if err != nil {
		return nil, err
	}

	var tasks []*scheduler.Task
	for _, display := range selectors {
		sel := scheduler.Selector{Eval: rewriteSelector(display, system), Display: display}
		ctxlog.FromContext(ctx).Debug("evaluating selector", "selector", display, "attribute", sel.Eval)

		out, err := p.eval(ctx, getTasksNix+"\ntasks: getTasks tasks", sel.Eval)
		if err != nil {
			return nil, evalError("getting tasks for "+display, err)
		}
		collected, err := collectResponse(out, sel)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, collected...)
	}
	return tasks, nil
}

// GetLazyTask calls the task's getLazy function with the lazy context.
func (p *NixProvider) GetLazyTask(ctx context.Context, task *scheduler.Task, lazy json.RawMessage) (*scheduler.Task, error) {
	apply := fmt.Sprintf("%s\ntasks: getTasks (tasks (builtins.fromJSON %s))", getTasksNix, nixString(string(lazy)))

	var out []byte
	err := p.locks.With(flakeKey(task), func() error {
		var err error
		out, err = p.eval(ctx, apply, task.Ref+".getLazy", lockFlags...)
		return err
	})
	if err != nil {
		return nil, evalError("resolving lazy task "+task.Ref, err)
	}

	resolved, err := collectResponse(out, scheduler.Selector{Eval: task.Ref, Display: task.DisplayPath})
	if err != nil {
		return nil, err
	}
	return lazyResult(task, resolved)
}

// GetOutput calls the task's getOutput function with the output the task set itself.
func (p *NixProvider) GetOutput(ctx context.Context, task *scheduler.Task, current json.RawMessage) (json.RawMessage, error) {
	if isNull(current) {
		current = json.RawMessage("{}")
	}
	apply := fmt.Sprintf("f: f (builtins.fromJSON %s)", nixString(string(current)))

	var out []byte
	err := p.locks.With(flakeKey(task), func() error {
		var err error
		out, err = p.eval(ctx, apply, task.Ref+".getOutput", lockFlags...)
		return err
	})
	if err != nil {
		return nil, evalError("getting output of "+task.Ref, err)
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("%w: getOutput of %s returned invalid JSON", ErrEvaluator, task.Ref)
	}
	return json.RawMessage(bytes.TrimSpace(out)), nil
}

// Realise builds the given store paths, forwarding nix-store output minus the noise.
func (p *NixProvider) Realise(ctx context.Context, paths []string) error {
	paths = uniquePaths(paths)
	if len(paths) == 0 {
		return nil
	}

	cmd := newCommand(ctx, "nix-store", append([]string{"--realise"}, paths...)...)
	cmd.Dir = p.cfg.WorkDir
	if err := streamFiltered(cmd, p.procMgr, p.cfg.Stdout, p.cfg.Stderr, bareStorePath, gcWarning); err != nil {
		return evalError("realising store dependencies", err)
	}
	return nil
}

func (p *NixProvider) eval(ctx context.Context, apply, attr string, extra ...string) ([]byte, error) {
	args := append([]string{"eval"}, extra...)
	args = append(args, "--json", "--apply", apply, attr)

	cmd := newCommand(ctx, "nix", args...)
	cmd.Dir = p.cfg.WorkDir
	stdout, stderr, err := executeCommand(ctx, cmd, p.procMgr, p.cfg.MaxOutput)
	if err != nil {
		return nil, err
	}
	if len(stderr) > 0 {
		p.cfg.Stderr.Write(stderr)
	}
	return stdout, nil
}

func (p *NixProvider) currentSystem(ctx context.Context) (string, error) {
	p.systemOnce.Do(func() {
		cmd := newCommand(ctx, "nix", "eval", "--impure", "--json", "--expr", "builtins.currentSystem")
		stdout, _, err := executeCommand(ctx, cmd, p.procMgr, p.cfg.MaxOutput)
		if err != nil {
			p.systemErr = evalError("detecting current system", err)
			return
		}
		if err := json.Unmarshal(stdout, &p.system); err != nil {
			p.systemErr = fmt.Errorf("%w: decoding current system: %v", ErrEvaluator, err)
		}
	})
	return p.system, p.systemErr
}

// rewriteSelector points a user selector at the tasks of the current system:
// "path#a.b" becomes "path#tasks.<system>.a.b".
func rewriteSelector(selector, system string) string {
	flake, attr, _ := strings.Cut(selector, "#")
	rewritten := "tasks." + system
	if attr != "" {
		rewritten += "." + attr
	}
	return flake + "#" + rewritten
}

// nixString quotes s as a Nix string literal.
func nixString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\', '$':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func uniquePaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func isNull(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return s == "" || s == "null"
}
