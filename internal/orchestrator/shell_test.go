package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nixtask/internal/sandbox"
	"github.com/aristath/nixtask/internal/scheduler"
)

func TestExactTask(t *testing.T) {
	exact := task("A", "")
	exact.ExactRefMatch = true
	other := task("B", "")
	second := task("C", "")
	second.ExactRefMatch = true

	got, err := ExactTask([]*scheduler.Task{other, exact})
	require.NoError(t, err)
	assert.Same(t, exact, got)

	_, err = ExactTask([]*scheduler.Task{other})
	assert.ErrorIs(t, err, ErrNoExactTask)

	_, err = ExactTask([]*scheduler.Task{exact, second})
	assert.ErrorIs(t, err, ErrNoExactTask)
}

func TestRcScript(t *testing.T) {
	env := &sandbox.Environment{HomeDir: "/state/home/it's-a", Prelude: "set -e\nexport PATH=x"}

	rc := rcScript(env, "echo hook")
	lines := strings.Split(rc, "\n")
	assert.Equal(t, "if [ -f ~/.bashrc ]; then source ~/.bashrc; fi", lines[0])
	assert.Equal(t, `export HOME='/state/home/it'\''s-a'`, lines[1])
	assert.Less(t, strings.Index(rc, "export PATH=x"), strings.Index(rc, "echo hook"))
	assert.True(t, strings.HasSuffix(rc, "set +e\n"))

	assert.NotContains(t, rcScript(env, ""), "hook")
}

func TestOpenShell_ReturnsShellExitCode(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(RunnerConfig{})

	a := task("A", "")
	a.StoreDependencies = []string{"/nix/store/aaaa-go"}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	code, err := OpenShell(ctx, h.eval, cfg.Provisioner, h.store, cfg.Console, a, ShellOptions{
		Shell:  h.bash,
		Stdin:  strings.NewReader("echo inside\nexit 4\n"),
		Stdout: &out,
		Stderr: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, code)
	assert.Contains(t, out.String(), "inside")
	assert.Equal(t, [][]string{{"/nix/store/aaaa-go"}}, h.eval.realised)
}

func TestOpenShell_LazyHookFailure(t *testing.T) {
	h := newHarness(t)
	cfg := h.config(RunnerConfig{})
	h.eval.lazy = func(*scheduler.Task, json.RawMessage) (*scheduler.Task, error) {
		return nil, errors.New("no such attribute")
	}

	a := task("A", "")
	a.ShellHook = scheduler.LazySentinel

	_, err := OpenShell(context.Background(), h.eval, cfg.Provisioner, h.store, cfg.Console, a, ShellOptions{Shell: h.bash})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolving lazy shell hook")
}
