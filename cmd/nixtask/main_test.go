package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nixtask/internal/ipc"
	"github.com/aristath/nixtask/internal/persistence"
)

// TestMain lets the test binary stand in for nixtask when a task calls back into it
// through the ctl subcommand.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "ctl" {
		os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
	}
	os.Exit(m.Run())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// evaluatorScript answers "tasks <selector>" from tasks/<selector>.json next to itself.
const evaluatorScript = `#!/usr/bin/env bash
set -e
dir=$(dirname "$0")
case "$1" in
  tasks) cat "$dir/tasks/$2.json" ;;
  output) cat ;;
  realise) exit 0 ;;
  *) exit 64 ;;
esac
`

var taskSets = map[string]string{
	"all": `[
  {"id": "aaaaaaaaaaaaaaaa1", "attributePath": "build", "deps": {},
   "run": "echo building; taskSetOutput '{\"v\":1}'", "hasGetOutput": true},
  {"id": "bbbbbbbbbbbbbbbb2", "attributePath": "test", "deps": {"b": "aaaaaaaaaaaaaaaa1"},
   "run": "echo testing"}
]`,
	"single": `[{"id": "cccccccccccccccc3", "attributePath": "", "name": "single", "deps": {}, "run": "echo alone"}]`,
	"failing": `[
  {"id": "dddddddddddddddd4", "attributePath": "broken", "deps": {}, "run": "echo nope >&2; exit 3"},
  {"id": "eeeeeeeeeeeeeeee5", "attributePath": "after", "deps": {"b": "dddddddddddddddd4"}, "run": "echo never"}
]`,
	"none": `[]`,
}

type result struct {
	code   int
	stdout string
	stderr string
}

// newProject writes a run root whose project config points at the fake evaluator.
func newProject(t *testing.T) string {
	t.Helper()
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("coreutils not available")
	}
	t.Setenv("HOME", t.TempDir())

	root := t.TempDir()
	tools := filepath.Join(root, "tools")
	require.NoError(t, os.MkdirAll(filepath.Join(tools, "tasks"), 0755))
	evaluatorPath := filepath.Join(tools, "evaluator")
	require.NoError(t, os.WriteFile(evaluatorPath, []byte(evaluatorScript), 0755))
	for name, body := range taskSets {
		require.NoError(t, os.WriteFile(filepath.Join(tools, "tasks", name+".json"), []byte(body), 0644))
	}

	cfg, err := json.Marshal(map[string]any{
		"evaluator":         "command",
		"evaluator_command": evaluatorPath,
		"shell":             bash,
		"coreutils":         filepath.Dir(filepath.Dir(sleep)),
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".nixtask"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".nixtask", "config.json"), cfg, 0644))
	return root
}

func runCLI(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr syncBuffer
	code := execute(args, strings.NewReader(""), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestCtl_SetOutput(t *testing.T) {
	for _, payload := range []string{`{"a":1}`, `-1`} {
		res := runCLI(t, "ctl", "set-output", payload)
		require.Equal(t, 0, res.code, res.stderr)

		msg, err := ipc.Decode([]byte(strings.TrimSpace(res.stdout)))
		require.NoError(t, err)
		assert.Equal(t, ipc.CmdSetOutput, msg.Cmd)
		assert.Equal(t, payload, msg.Output)
	}
}

func TestCtl_CommandsCarryEnvironment(t *testing.T) {
	t.Setenv("NIXTASK_TEST_VAR", "x")
	wd, err := os.Getwd()
	require.NoError(t, err)

	tests := []struct {
		sub string
		cmd string
	}{
		{"run-in-background", ipc.CmdRunInBackground},
		{"run-finally", ipc.CmdRunFinally},
	}
	for _, tt := range tests {
		t.Run(tt.sub, func(t *testing.T) {
			res := runCLI(t, "ctl", tt.sub, "sleep 10 --verbose")
			require.Equal(t, 0, res.code, res.stderr)

			msg, err := ipc.Decode([]byte(strings.TrimSpace(res.stdout)))
			require.NoError(t, err)
			assert.Equal(t, tt.cmd, msg.Cmd)
			assert.Equal(t, "sleep 10 --verbose", msg.Command)
			assert.Equal(t, wd, msg.Cwd)
			assert.Equal(t, "x", msg.Env["NIXTASK_TEST_VAR"])
		})
	}
}

func TestCtl_RequiresPayload(t *testing.T) {
	res := runCLI(t, "ctl", "set-output")
	assert.Equal(t, 1, res.code)
}

func TestRun_Graph(t *testing.T) {
	root := newProject(t)
	res := runCLI(t, "run", "-C", root, "--graph", "all")
	require.Equal(t, 0, res.code, res.stderr)

	var batches [][]string
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &batches))
	assert.Equal(t, [][]string{{"all.build"}, {"all.test"}}, batches)

	_, err := os.Stat(filepath.Join(root, ".task-state"))
	assert.True(t, os.IsNotExist(err), "graph mode should not touch the state directory")
}

func TestRun_SucceedsAndPersistsOutput(t *testing.T) {
	root := newProject(t)
	res := runCLI(t, "run", "-C", root, "all")
	require.Equal(t, 0, res.code, res.stderr)

	assert.Less(t, strings.Index(res.stdout, "building"), strings.Index(res.stdout, "testing"))
	assert.Contains(t, res.stdout, "Success")

	data, err := os.ReadFile(filepath.Join(root, ".task-state", "output", "build-aaaaaaaaaaaa.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))

	history := runCLI(t, "history", "-C", root)
	require.Equal(t, 0, history.code, history.stderr)
	assert.Contains(t, history.stdout, "all")

	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(root, ".task-state", "history.db"))
	require.NoError(t, err)
	runs, err := store.ListRuns(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.Len(t, runs, 1)
	assert.Equal(t, 0, runs[0].ExitCode)

	tasks := runCLI(t, "history", "-C", root, runs[0].ID)
	require.Equal(t, 0, tasks.code, tasks.stderr)
	assert.Contains(t, tasks.stdout, "all.build")
	assert.Contains(t, tasks.stdout, "succeeded")
}

func TestRun_FailureExitsOne(t *testing.T) {
	root := newProject(t)
	res := runCLI(t, "run", "-C", root, "failing")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "nope")
	assert.NotContains(t, res.stdout, "never")
}

func TestRun_NoTasks(t *testing.T) {
	root := newProject(t)
	res := runCLI(t, "run", "-C", root, "none")
	assert.Equal(t, 127, res.code)
	assert.Contains(t, res.stdout, "No tasks to run")
}

func TestRun_Only(t *testing.T) {
	root := newProject(t)

	res := runCLI(t, "run", "-C", root, "--only", "single")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "alone")

	res = runCLI(t, "run", "-C", root, "--only", "all")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "Error:")
	assert.NotContains(t, res.stdout, "building")
}

func TestRun_RejectsBadInvocations(t *testing.T) {
	root := newProject(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"tui with interactive", []string{"--tui", "-i", "all"}, "--interactive"},
		{"zero concurrency", []string{"-j", "0", "all"}, "concurrency"},
		{"evaluator failure", []string{"missing"}, "Error:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runCLI(t, append([]string{"run", "-C", root}, tt.args...)...)
			assert.Equal(t, 1, res.code)
			assert.Contains(t, res.stderr, tt.want)
		})
	}
}

func TestHistory_NoRuns(t *testing.T) {
	root := newProject(t)
	res := runCLI(t, "history", "-C", root)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "No runs recorded")
}
