package ipc

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

const relayPrefix = "& "

// Relay prints the output of background and finally commands. It writes whole lines
// under a lock so relayed output never interleaves mid-line.
type Relay struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer

	dim lipgloss.Style
	red lipgloss.Style
}

// NewRelay creates a Relay writing to stdout and stderr.
func NewRelay(stdout, stderr io.Writer) *Relay {
	return &Relay{
		stdout: stdout,
		stderr: stderr,
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		red:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// Announce prints the "& command" marker before a command starts.
func (r *Relay) Announce(command string) {
	r.write(r.stdout, r.dim, command)
}

// Out prints a dim stdout line of a relayed command.
func (r *Relay) Out(line string) {
	r.write(r.stdout, r.dim, line)
}

// Err prints a red stderr line of a relayed command.
func (r *Relay) Err(line string) {
	r.write(r.stderr, r.red, line)
}

// write marks every line with "& " so relayed output stays apart from the task's own
// when colour is stripped.
func (r *Relay) write(w io.Writer, style lipgloss.Style, line string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(w, style.Render(relayPrefix+line))
}
