package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// State is the lifecycle position of a Channel.
type State int

const (
	StateListening       State = iota // Task running, commands applied as they arrive
	StateDrainingFinally              // Task exited, finishing queued work
	StateDone                         // Background stopped, finally queue run
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateDrainingFinally:
		return "draining"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// maxLineSize bounds a single control line; runInBackground carries a full environment.
	maxLineSize = 16 * 1024 * 1024
	// stopGrace is how long a background command gets between SIGTERM and SIGKILL.
	stopGrace = 5 * time.Second
)

// Channel consumes the control lines of one task process.
type Channel struct {
	mu      sync.Mutex
	state   State
	output  json.RawMessage
	finally []Message
	bg      []*exec.Cmd
	bgWG    sync.WaitGroup

	shell  string
	relay  *Relay
	logger *slog.Logger
}

// NewChannel creates a channel in StateListening. Commands run with shell and print
// through relay, which may be nil to discard their output.
func NewChannel(shell string, relay *Relay, logger *slog.Logger) *Channel {
	if shell == "" {
		shell = "bash"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{shell: shell, relay: relay, logger: logger}
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Output returns the last output the task set, or nil.
func (c *Channel) Output() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// deadliner is the part of *os.File the drain needs.
type deadliner interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Run drives the channel until the task has exited, queued lines are drained,
// background commands are stopped and the finally queue has run. drain bounds how long
// lines still in the pipe are waited for once exited fires.
func (c *Channel) Run(ctx context.Context, r deadliner, exited <-chan struct{}, drain time.Duration) {
	lines := readLines(r, c.logger)

listen:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			c.handle(ctx, line, true)
		case <-exited:
			break listen
		}
	}

	c.setState(StateDrainingFinally)
	if lines != nil {
		if err := r.SetReadDeadline(time.Now().Add(drain)); err != nil {
			c.logger.Debug("control channel has no read deadline", "error", err)
		}
		for line := range lines {
			c.handle(ctx, line, false)
		}
	}

	c.stopBackground()
	c.runFinally(ctx)
	c.setState(StateDone)
}

// readLines emits each line read from r until EOF or a read error.
func readLines(r io.Reader, logger *slog.Logger) <-chan []byte {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			lines <- line
		}
		if err := scanner.Err(); err != nil {
			logger.Debug("control channel closed", "error", err)
		}
	}()
	return lines
}

// handle applies one line. While not live, background commands are refused.
func (c *Channel) handle(ctx context.Context, line []byte, live bool) {
	if len(line) == 0 {
		return
	}
	msg, err := Decode(line)
	if err != nil {
		c.logger.Warn("failed to decode control message", "error", err, "line", string(line))
		return
	}

	switch msg.Cmd {
	case CmdSetOutput:
		c.mu.Lock()
		c.output = json.RawMessage(msg.Output)
		c.mu.Unlock()
	case CmdRunInBackground:
		if !live {
			c.logger.Warn("task exited before background command could start", "command", msg.Command)
			return
		}
		c.startBackground(ctx, msg)
	case CmdRunFinally:
		c.mu.Lock()
		c.finally = append(c.finally, msg)
		c.mu.Unlock()
	}
}

// command builds the bash invocation for a background or finally command. It gets
// exactly the environment the task captured, nothing inherited.
func (c *Channel) command(ctx context.Context, msg Message) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.shell, "--noprofile", "--norc", "-c", msg.Command)
	cmd.Env = environ(msg.Env)
	cmd.Dir = msg.Cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	return cmd
}

// startRelayed starts cmd with its output relayed line by line. The returned channel is
// closed once both streams are drained.
func (c *Channel) startRelayed(cmd *exec.Cmd) (<-chan struct{}, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	drained := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relayLines(stdout, c.relay.Out)
	}()
	go func() {
		defer wg.Done()
		relayLines(stderr, c.relay.Err)
	}()
	go func() {
		wg.Wait()
		close(drained)
	}()
	return drained, nil
}

func relayLines(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	io.Copy(io.Discard, r)
}

func (c *Channel) startBackground(ctx context.Context, msg Message) {
	c.relay.Announce(msg.Command)

	cmd := c.command(ctx, msg)
	drained, err := c.startRelayed(cmd)
	if err != nil {
		c.logger.Warn("failed to start background command", "command", msg.Command, "error", err)
		return
	}

	c.mu.Lock()
	c.bg = append(c.bg, cmd)
	c.mu.Unlock()

	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		<-drained
		if err := cmd.Wait(); err != nil {
			c.logger.Debug("background command ended", "command", msg.Command, "error", err)
		}
	}()
}

// stopBackground sends SIGTERM to every background command and waits for them, escalating
// to SIGKILL after stopGrace.
func (c *Channel) stopBackground() {
	c.mu.Lock()
	bg := c.bg
	c.bg = nil
	c.mu.Unlock()

	if len(bg) == 0 {
		return
	}
	for _, cmd := range bg {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		c.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGrace):
		for _, cmd := range bg {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
	}
}

// runFinally runs the queued commands one at a time in the order they were queued. A
// failing command does not stop the rest.
func (c *Channel) runFinally(ctx context.Context) {
	// Cleanup still runs when the run is being cancelled
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	queue := c.finally
	c.finally = nil
	c.mu.Unlock()

	for _, msg := range queue {
		c.relay.Announce(msg.Command)

		cmd := c.command(ctx, msg)
		drained, err := c.startRelayed(cmd)
		if err != nil {
			c.logger.Warn("failed to start finally command", "command", msg.Command, "error", err)
			continue
		}
		<-drained
		if err := cmd.Wait(); err != nil {
			c.logger.Warn("finally command failed", "command", msg.Command, "error", err)
		}
	}
}
