// Package config loads the runner configuration: built-in defaults, then the global
// ~/.nixtask/config.json, then the project .nixtask/config.json.
package config

import (
	"errors"
	"fmt"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Evaluator types.
const (
	EvaluatorNix     = "nix"
	EvaluatorCommand = "command"
)

// ExperimentalConfig holds features that may change or go away.
type ExperimentalConfig struct {
	// TaskUserNamespaces runs each task in a user and mount namespace (Linux only).
	TaskUserNamespaces bool `json:"task_user_namespaces,omitempty"`
}

// Config is the runner configuration. Zero fields in a layer leave the lower layer's
// value in place, so booleans can only be switched on by a layer.
type Config struct {
	Evaluator          string             `json:"evaluator,omitempty"`         // "nix" or "command"
	EvaluatorCommand   string             `json:"evaluator_command,omitempty"` // Executable for the "command" evaluator
	Shell              string             `json:"shell,omitempty"`             // bash used for tasks and control commands
	Coreutils          string             `json:"coreutils,omitempty"`         // Package whose bin/ leads every task PATH
	Concurrency        int                `json:"concurrency,omitempty"`
	MaxEvaluatorOutput int64              `json:"max_evaluator_output,omitempty"` // Bytes
	StateDir           string             `json:"state_dir,omitempty"`            // Relative to the run root, or absolute
	Experimental       ExperimentalConfig `json:"experimental"`
}

// Validate checks values no layer can be trusted to get right.
func (c *Config) Validate() error {
	switch c.Evaluator {
	case EvaluatorNix:
	case EvaluatorCommand:
		if c.EvaluatorCommand == "" {
			return fmt.Errorf("%w: evaluator %q needs evaluator_command", ErrInvalid, c.Evaluator)
		}
	default:
		return fmt.Errorf("%w: unknown evaluator %q", ErrInvalid, c.Evaluator)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalid, c.Concurrency)
	}
	if c.MaxEvaluatorOutput < 0 {
		return fmt.Errorf("%w: max_evaluator_output must not be negative", ErrInvalid)
	}
	if c.Shell == "" {
		return fmt.Errorf("%w: shell is empty", ErrInvalid)
	}
	return nil
}
