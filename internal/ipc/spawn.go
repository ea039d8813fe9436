package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/aristath/nixtask/internal/ctxlog"
)

// ControlFD is where the write end of the control pipe appears in the child.
const ControlFD = 4

// DefaultDrain bounds how long control lines are read after the task has exited.
const DefaultDrain = 200 * time.Millisecond

// SpawnSpec describes a task process.
type SpawnSpec struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader // nil means /dev/null
	Stdout io.Writer
	Stderr io.Writer

	// Foreground keeps the child in the terminal's process group so it can read an
	// inherited stdin. Other tasks get their own group and are killed as a whole.
	Foreground bool

	Shell string        // runs background and finally commands
	Relay *Relay        // prints their output
	Drain time.Duration // zero means DefaultDrain
}

// Process is a running task with its control channel attached.
type Process struct {
	cmd     *exec.Cmd
	channel *Channel
	done    chan struct{}
	waitErr error
}

// Spawn starts the task process with the control pipe on fd 4. Cancelling ctx kills it.
func Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: creating control pipe: %v", ErrSpawn, err)
	}

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	// Grandchildren left holding stdout must not keep the task from finishing
	cmd.WaitDelay = time.Second
	// ExtraFiles[i] becomes fd 3+i; fd 3 stays closed
	cmd.ExtraFiles = make([]*os.File, ControlFD-2)
	cmd.ExtraFiles[ControlFD-3] = w
	if !spec.Foreground {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Path, err)
	}
	// The child holds its own copy; ours would keep the reader from seeing EOF
	w.Close()

	drain := spec.Drain
	if drain <= 0 {
		drain = DefaultDrain
	}

	p := &Process{
		cmd:     cmd,
		channel: NewChannel(spec.Shell, spec.Relay, ctxlog.FromContext(ctx)),
		done:    make(chan struct{}),
	}

	exited := make(chan struct{})
	var exitErr error
	go func() {
		exitErr = cmd.Wait()
		if errors.Is(exitErr, exec.ErrWaitDelay) {
			exitErr = nil
		}
		close(exited)
	}()
	go func() {
		defer close(p.done)
		defer r.Close()
		p.channel.Run(ctx, r, exited, drain)
		p.waitErr = exitErr
	}()

	return p, nil
}

// Wait blocks until the task has exited and its channel is done, then returns the
// task's exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Output returns the output the task set through the channel, or nil.
func (p *Process) Output() json.RawMessage {
	return p.channel.Output()
}

// Channel exposes the control channel.
func (p *Process) Channel() *Channel {
	return p.channel
}

// Pid returns the process id of the task.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// ExitCode returns the exit status carried by err, -1 for a signal, or 0 for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
