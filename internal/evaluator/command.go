package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/scheduler"
)

// CommandProvider speaks the evaluator contract to an arbitrary executable:
//
//	<cmd> tasks <selector>        -> JSON task list on stdout
//	<cmd> lazy <ref>              lazy context on stdin, JSON task list on stdout
//	<cmd> output <ref>            current output on stdin, final output on stdout
//	<cmd> realise <path>...       exit status only
type CommandProvider struct {
	cfg     Config
	procMgr *ProcessManager
	locks   *scheduler.SourceLocks
}

// NewCommandProvider creates a CommandProvider. The ProcessManager is optional.
func NewCommandProvider(cfg Config, procMgr *ProcessManager) *CommandProvider {
	return &CommandProvider{
		cfg:     cfg,
		procMgr: procMgr,
		locks:   scheduler.NewSourceLocks(),
	}
}

func (p *CommandProvider) GetTasks(ctx context.Context, selectors []string) ([]*scheduler.Task, error) {
	var tasks []*scheduler.Task
	for _, selector := range selectors {
		ctxlog.FromContext(ctx).Debug("evaluating selector", "selector", selector, "evaluator", p.cfg.Command)

		out, err := p.call(ctx, nil, "tasks", selector)
		if err != nil {
			return nil, evalError("getting tasks for "+selector, err)
		}
		collected, err := collectResponse(out, scheduler.Selector{Eval: selector, Display: selector})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, collected...)
	}
	return tasks, nil
}

func (p *CommandProvider) GetLazyTask(ctx context.Context, task *scheduler.Task, lazy json.RawMessage) (*scheduler.Task, error) {
	var out []byte
	err := p.locks.With(flakeKey(task), func() error {
		var err error
		out, err = p.call(ctx, lazy, "lazy", task.Ref)
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

func (p *CommandProvider) GetOutput(ctx context.Context, task *scheduler.Task, current json.RawMessage) (json.RawMessage, error) {
	if isNull(current) {
		current = json.RawMessage("{}")
	}

	var out []byte
	err := p.locks.With(flakeKey(task), func() error {
		var err error
		out, err = p.call(ctx, current, "output", task.Ref)
		return err
	})
	if err != nil {
		return nil, evalError("getting output of "+task.Ref, err)
	}
	out = bytes.TrimSpace(out)
	if !json.Valid(out) {
		return nil, fmt.Errorf("%w: output of %s is not valid JSON", ErrEvaluator, task.Ref)
	}
	return json.RawMessage(out), nil
}

func (p *CommandProvider) Realise(ctx context.Context, paths []string) error {
	paths = uniquePaths(paths)
	if len(paths) == 0 {
		return nil
	}
	cmd := newCommand(ctx, p.cfg.Command, append([]string{"realise"}, paths...)...)
	cmd.Dir = p.cfg.WorkDir
	if err := streamFiltered(cmd, p.procMgr, p.cfg.Stdout, p.cfg.Stderr, nil, nil); err != nil {
		return evalError("realising store dependencies", err)
	}
	return nil
}

func (p *CommandProvider) call(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := newCommand(ctx, p.cfg.Command, args...)
	cmd.Dir = p.cfg.WorkDir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	stdout, stderr, err := executeCommand(ctx, cmd, p.procMgr, p.cfg.MaxOutput)
	if err != nil {
		return nil, err
	}
	if len(stderr) > 0 {
		p.cfg.Stderr.Write(stderr)
	}
	return stdout, nil
}
