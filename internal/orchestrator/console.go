package orchestrator

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"

	"github.com/aristath/nixtask/internal/events"
	"github.com/aristath/nixtask/internal/ipc"
	"github.com/aristath/nixtask/internal/scheduler"
)

// flushInterval is how long concurrent task output is buffered before it is printed.
const flushInterval = 500 * time.Millisecond

const defaultWidth = 80

var (
	styleRunRule  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleDryRun   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	styleTaskRule = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleFailRule = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleOKRule   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleSuccess  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	styleNothing  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Bold(true)
)

// Console renders run output. Everything it prints goes through one lock, and
// lastTaskID remembers whose lines were printed last so headers are only repeated
// when the speaker changes.
type Console struct {
	mu         sync.Mutex
	stdout     io.Writer
	stderr     io.Writer
	width      func() int
	lastTaskID string

	// bus, when set, receives task output instead of the terminal
	bus *events.EventBus
}

// NewConsole creates a Console printing to stdout and stderr.
func NewConsole(stdout, stderr io.Writer) *Console {
	return &Console{stdout: stdout, stderr: stderr, width: terminalWidth(stdout)}
}

// NewEventConsole creates a Console for TUI mode: task lines are published on bus and
// nothing is printed.
func NewEventConsole(bus *events.EventBus) *Console {
	c := NewConsole(io.Discard, io.Discard)
	c.bus = bus
	return c
}

func terminalWidth(w io.Writer) func() int {
	return func() int {
		f, ok := w.(*os.File)
		if !ok || !term.IsTerminal(f.Fd()) {
			return defaultWidth
		}
		width, _, err := term.GetSize(f.Fd())
		if err != nil || width <= 0 {
			return defaultWidth
		}
		return width
	}
}

// rule renders "── title ────" across the terminal width.
func (c *Console) rule(style lipgloss.Style, title string) string {
	prefix := " " + title + " "
	fill := c.width() - 2 - lipgloss.Width(prefix)
	if fill < 0 {
		fill = 0
	}
	return style.Render("──") + prefix + style.Render(strings.Repeat("─", fill))
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.stdout, format, args...)
}

// DryRunNotice announces that tasks are told to skip side effects.
func (c *Console) DryRunNotice() {
	c.printf("%s\n", styleDryRun.Render("Instructing tasks to run in dry run mode"))
}

// TaskHeader prints the header a task starts under.
func (c *Console) TaskHeader(task *scheduler.Task, dryRun bool) {
	title := "Running " + task.DisplayPath
	if dryRun {
		title += " " + styleDryRun.Render("(dry run)")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.stdout, "\n%s\n\n", c.rule(styleRunRule, title))
	c.lastTaskID = task.ID
}

// Failed prints the end-of-task failure marker.
func (c *Console) Failed(task *scheduler.Task, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.stdout, "\n%s %s\n", styleFailRule.Render("──"), styleFailed.Render("Failed"))
	if err != nil {
		fmt.Fprintf(c.stdout, "   %s: %v\n", task.DisplayPath, err)
	}
	fmt.Fprintln(c.stdout)
	c.lastTaskID = ""
}

// Success prints the trailer of a run in which every task succeeded.
func (c *Console) Success(elapsed time.Duration) {
	c.printf("\n%s %s\n   Done in %.2fs\n\n", styleOKRule.Render("──"), styleSuccess.Render("Success"), elapsed.Seconds())
}

// NoTasks prints the trailer of an empty plan.
func (c *Console) NoTasks() {
	c.printf("%s %s\n\n", styleTaskRule.Render("──"), styleNothing.Render("No tasks to run"))
}

// Relay returns the relay for a task's background and finally commands.
func (c *Console) Relay(task *scheduler.Task) *ipc.Relay {
	if c.bus != nil {
		return ipc.NewRelay(c.busWriter(task, false), c.busWriter(task, true))
	}
	return ipc.NewRelay(lockedWriter{c, c.stdout}, lockedWriter{c, c.stderr})
}

// lockedWriter writes through the console lock so whole relayed lines never land inside
// a task's flush.
type lockedWriter struct {
	c *Console
	w io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return l.w.Write(p)
}

// TaskStreams returns the stdout and stderr a task process writes to. Sequential tasks
// write straight to the terminal. Concurrent tasks are buffered per task and printed in
// bursts under a header naming the task. done must be called once the process has exited;
// it flushes what is left.
func (c *Console) TaskStreams(task *scheduler.Task, concurrent bool) (stdout, stderr io.Writer, done func()) {
	if c.bus != nil {
		out, errw := c.busWriter(task, false), c.busWriter(task, true)
		return out, errw, func() {
			out.Close()
			errw.Close()
		}
	}
	if !concurrent {
		return c.stdout, c.stderr, func() {}
	}

	b := newTaskBuffer(c, task)
	out, errw := newLineWriter(b.add, false), newLineWriter(b.add, true)
	return out, errw, func() {
		out.Close()
		errw.Close()
		b.stop()
	}
}

func (c *Console) busWriter(task *scheduler.Task, stderr bool) *lineWriter {
	return newLineWriter(func(l outputLine) {
		c.bus.Publish(events.TaskOutputEvent{ID: task.ID, Line: l.text, Stderr: l.stderr, Timestamp: time.Now()})
	}, stderr)
}

type outputLine struct {
	text   string
	stderr bool
}

// taskBuffer collects the lines of one concurrent task. The first line of a burst is
// printed at once; later lines wait for the next tick.
type taskBuffer struct {
	c    *Console
	task *scheduler.Task

	mu      sync.Mutex
	lines   []outputLine
	lastOut time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

func newTaskBuffer(c *Console, task *scheduler.Task) *taskBuffer {
	b := &taskBuffer{c: c, task: task, quit: make(chan struct{})}
	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *taskBuffer) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.quit:
			b.flush()
			return
		}
	}
}

func (b *taskBuffer) add(l outputLine) {
	b.mu.Lock()
	b.lines = append(b.lines, l)
	burst := len(b.lines) == 1 && time.Since(b.lastOut) >= flushInterval
	b.mu.Unlock()

	if burst {
		b.flush()
	}
}

func (b *taskBuffer) flush() {
	b.mu.Lock()
	lines := b.lines
	b.lines = nil
	if len(lines) > 0 {
		b.lastOut = time.Now()
	}
	b.mu.Unlock()

	if len(lines) == 0 {
		return
	}
	b.c.printLines(b.task, lines)
}

func (b *taskBuffer) stop() {
	close(b.quit)
	b.wg.Wait()
}

// printLines prints a burst, preceded by a dim header if another task spoke last.
func (c *Console) printLines(task *scheduler.Task, lines []outputLine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastTaskID != task.ID {
		fmt.Fprintf(c.stdout, "\n%s\n\n", c.rule(styleTaskRule, task.DisplayPath))
		c.lastTaskID = task.ID
	}
	for _, l := range lines {
		if l.stderr {
			fmt.Fprintln(c.stderr, l.text)
		} else {
			fmt.Fprintln(c.stdout, l.text)
		}
	}
}

// lineWriter splits what is written to it into lines. Close emits a trailing partial line.
type lineWriter struct {
	mu      sync.Mutex
	emit    func(outputLine)
	stderr  bool
	partial []byte
}

func newLineWriter(emit func(outputLine), stderr bool) *lineWriter {
	return &lineWriter{emit: emit, stderr: stderr}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.emit(outputLine{text: strings.TrimSuffix(string(data[:i]), "\r"), stderr: w.stderr})
		data = data[i+1:]
	}
	w.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(outputLine{text: string(w.partial), stderr: w.stderr})
		w.partial = nil
	}
	return nil
}
