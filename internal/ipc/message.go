// Package ipc implements the control channel between a running task and the runner: one
// JSON object per line on file descriptor 4 of the task process.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrMalformed marks a control line that is not a valid command. The line is dropped.
	ErrMalformed = errors.New("malformed control message")
	// ErrSpawn is returned when a task process cannot be started.
	ErrSpawn = errors.New("spawning task failed")
)

// Commands a task can send.
const (
	CmdSetOutput       = "setOutput"
	CmdRunInBackground = "runInBackground"
	CmdRunFinally      = "runFinally"
)

// Message is one control line. Output carries JSON text for setOutput; Command, Cwd and
// Env describe the command for the other two. On the wire env is a JSON-encoded string
// holding the environment object, like output.
type Message struct {
	Cmd     string
	Output  string
	Command string
	Cwd     string
	Env     map[string]string
}

// wireMessage is the line format. Env is kept raw so both the string snapshot and a plain
// object are accepted.
type wireMessage struct {
	Cmd     string          `json:"cmd"`
	Output  string          `json:"output,omitempty"`
	Command string          `json:"command,omitempty"`
	Cwd     string          `json:"cwd,omitempty"`
	Env     json.RawMessage `json:"env,omitempty"`
}

// Decode parses and validates one control line.
func Decode(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := Message{Cmd: w.Cmd, Output: w.Output, Command: w.Command, Cwd: w.Cwd}

	switch m.Cmd {
	case CmdSetOutput:
		if !json.Valid([]byte(m.Output)) {
			return Message{}, fmt.Errorf("%w: setOutput payload is not JSON: %q", ErrMalformed, m.Output)
		}
	case CmdRunInBackground, CmdRunFinally:
		if strings.TrimSpace(m.Command) == "" {
			return Message{}, fmt.Errorf("%w: %s without a command", ErrMalformed, m.Cmd)
		}
		env, err := decodeEnv(w.Env)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s env: %v", ErrMalformed, m.Cmd, err)
		}
		m.Env = env
	default:
		return Message{}, fmt.Errorf("%w: unknown command %q", ErrMalformed, m.Cmd)
	}
	return m, nil
}

// decodeEnv reads env either as a string holding a JSON object or as the object itself.
// Values that are not strings are dropped.
func decodeEnv(raw json.RawMessage) (map[string]string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, err
		}
		trimmed = []byte(inner)
	}

	var values map[string]any
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return nil, err
	}
	env := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			env[k] = s
		}
	}
	return env, nil
}

// EncodeMessage renders m as a single newline-terminated control line, with env as a
// JSON-encoded string.
func EncodeMessage(m Message) ([]byte, error) {
	w := wireMessage{Cmd: m.Cmd, Output: m.Output, Command: m.Command, Cwd: m.Cwd}
	if m.Env != nil {
		inner, err := json.Marshal(m.Env)
		if err != nil {
			return nil, fmt.Errorf("encoding control message env: %w", err)
		}
		if w.Env, err = json.Marshal(string(inner)); err != nil {
			return nil, fmt.Errorf("encoding control message env: %w", err)
		}
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding control message: %w", err)
	}
	return append(data, '\n'), nil
}

// EnvMap turns KEY=value pairs, as os.Environ returns them, into a map.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// environ is the inverse of EnvMap, sorted for stable process environments.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
