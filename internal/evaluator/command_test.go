package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nixtask/internal/scheduler"
)

// fakeEvaluator answers the command contract from a bash case statement.
const fakeEvaluator = `#!/usr/bin/env bash
set -e
case "$1" in
  tasks)
    if [ "$2" = "broken" ]; then echo "boom" >&2; exit 2; fi
    if [ "$2" = "invalid" ]; then echo '[{"run": 1}]'; exit 0; fi
    cat <<'JSON'
[
  {"id": "aaaaaaaaaaaaaaaa", "attributePath": "build", "deps": {}, "run": "make", "hasGetOutput": true},
  {"id": "bbbbbbbbbbbbbbbb", "attributePath": "deploy", "deps": {"b": "aaaaaaaaaaaaaaaa"},
   "run": "# __TO_BE_LAZY_EVALUATED__", "path": ["/tools/old"]}
]
JSON
    ;;
  lazy)
    ctx=$(cat)
    ver=$(printf '%s' "$ctx" | sed -n 's/.*"version":\([0-9]*\).*/\1/p')
    printf '[{"id": "bbbbbbbbbbbbbbbb", "deps": {}, "run": "deploy --version %s", "path": ["/tools/new"]}]' "$ver"
    ;;
  output)
    in=$(cat)
    n=$(printf '%s' "$in" | sed -n 's/.*"x":\([0-9]*\).*/\1/p')
    printf '{"x":%d}' $((n + 1))
    ;;
  realise)
    shift
    for p in "$@"; do echo "realised $p"; done
    ;;
  *) exit 64 ;;
esac
`

func newFakeProvider(t *testing.T) (*CommandProvider, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evaluator")
	require.NoError(t, os.WriteFile(path, []byte(fakeEvaluator), 0755))

	var stdout bytes.Buffer
	p := NewCommandProvider(Config{Command: path, MaxOutput: DefaultMaxOutput, Stdout: &stdout, Stderr: &bytes.Buffer{}}, NewProcessManager())
	return p, &stdout
}

func TestCommandProvider_GetTasks(t *testing.T) {
	p, _ := newFakeProvider(t)

	tasks, err := p.GetTasks(context.Background(), []string{".#ci"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	build, deploy := tasks[0], tasks[1]
	assert.Equal(t, ".#ci.build", build.Ref)
	assert.True(t, build.HasOutput)
	assert.True(t, deploy.IsLazy())
	assert.Equal(t, scheduler.DepTask, deploy.Deps["b"].Kind)
	assert.Same(t, build, deploy.Deps["b"].Task)
}

func TestCommandProvider_GetTasksErrors(t *testing.T) {
	p, _ := newFakeProvider(t)

	_, err := p.GetTasks(context.Background(), []string{"broken"})
	assert.ErrorIs(t, err, ErrEvaluator)
	assert.Contains(t, err.Error(), "boom")

	_, err = p.GetTasks(context.Background(), []string{"invalid"})
	assert.ErrorIs(t, err, ErrEvaluator)
}

func TestCommandProvider_GetLazyTask(t *testing.T) {
	p, _ := newFakeProvider(t)
	tasks, err := p.GetTasks(context.Background(), []string{".#ci"})
	require.NoError(t, err)
	deploy := tasks[1]

	resolved, err := p.GetLazyTask(context.Background(), deploy, json.RawMessage(`{"deps":{"b":{"output":{"version":7}}}}`))
	require.NoError(t, err)

	assert.Equal(t, "deploy --version 7", resolved.Run)
	assert.Equal(t, []string{"/tools/new"}, resolved.Path)
	assert.Equal(t, deploy.ID, resolved.ID)
	assert.Equal(t, deploy.Ref, resolved.Ref)
	assert.Len(t, resolved.AllDiscoveredDeps, 1, "dependency edges come from the first evaluation")
	assert.True(t, deploy.IsLazy(), "the original task is not modified")
}

func TestCommandProvider_GetOutput(t *testing.T) {
	p, _ := newFakeProvider(t)
	task := &scheduler.Task{ID: "aaaa", Ref: ".#ci.build"}

	out, err := p.GetOutput(context.Background(), task, json.RawMessage(`{"x":42}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":43}`, string(out))
}

func TestCommandProvider_Realise(t *testing.T) {
	p, stdout := newFakeProvider(t)

	require.NoError(t, p.Realise(context.Background(), []string{"/s/a", "/s/b", "/s/a"}))
	assert.Equal(t, "realised /s/a\nrealised /s/b\n", stdout.String())

	stdout.Reset()
	require.NoError(t, p.Realise(context.Background(), nil))
	assert.Empty(t, stdout.String())
}

func TestCommandProvider_OutputTooLarge(t *testing.T) {
	p, _ := newFakeProvider(t)
	p.cfg.MaxOutput = 16

	_, err := p.GetTasks(context.Background(), []string{".#ci"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutputTooLarge))
	assert.False(t, errors.Is(err, ErrEvaluator), "too-large output is reported on its own")
}

func TestNew(t *testing.T) {
	p, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &NixProvider{}, p)

	_, err = New(Config{Type: "command"}, nil)
	assert.Error(t, err)

	p, err = New(Config{Type: "command", Command: "/bin/true"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CommandProvider{}, p)

	_, err = New(Config{Type: "bogus"}, nil)
	assert.Error(t, err)
}
