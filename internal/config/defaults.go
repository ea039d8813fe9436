package config

import (
	"os"
	"path/filepath"
)

// DefaultMaxEvaluatorOutput bounds what an evaluator may print before it is killed.
const DefaultMaxEvaluatorOutput = 100 * 1024 * 1024

// DefaultConfig returns the built-in configuration. Packaged builds point PKG_PATH_BASH
// and PKG_PATH_COREUTILS at the store paths of their runtime inputs.
func DefaultConfig() *Config {
	return defaultsFrom(os.Getenv)
}

func defaultsFrom(getenv func(string) string) *Config {
	shell := "bash"
	if bash := getenv("PKG_PATH_BASH"); bash != "" {
		shell = filepath.Join(bash, "bin", "bash")
	}
	return &Config{
		Evaluator:          EvaluatorNix,
		Shell:              shell,
		Coreutils:          getenv("PKG_PATH_COREUTILS"),
		Concurrency:        1,
		MaxEvaluatorOutput: DefaultMaxEvaluatorOutput,
		StateDir:           ".task-state",
	}
}
