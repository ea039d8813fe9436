package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		global      string
		project     string
		check       func(t *testing.T, cfg *Config)
		expectError bool
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.Evaluator != EvaluatorNix || cfg.Concurrency != 1 || cfg.StateDir != ".task-state" {
					t.Errorf("unexpected defaults: %+v", cfg)
				}
			},
		},
		{
			name:   "Global only - sets concurrency, keeps defaults",
			global: `{"concurrency": 4}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Concurrency != 4 {
					t.Errorf("concurrency = %d, want 4", cfg.Concurrency)
				}
				if cfg.Evaluator != EvaluatorNix {
					t.Errorf("evaluator = %q, want the default", cfg.Evaluator)
				}
			},
		},
		{
			name:    "Project overrides global - project wins",
			global:  `{"concurrency": 4, "state_dir": "/var/state"}`,
			project: `{"concurrency": 2, "evaluator": "command", "evaluator_command": "./eval.sh"}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Concurrency != 2 {
					t.Errorf("concurrency = %d, want 2", cfg.Concurrency)
				}
				if cfg.StateDir != "/var/state" {
					t.Errorf("state_dir = %q, want the global value", cfg.StateDir)
				}
				if cfg.Evaluator != EvaluatorCommand || cfg.EvaluatorCommand != "./eval.sh" {
					t.Errorf("evaluator not taken from project: %+v", cfg)
				}
			},
		},
		{
			name:    "Experimental flag from project",
			project: `{"experimental": {"task_user_namespaces": true}}`,
			check: func(t *testing.T, cfg *Config) {
				if !cfg.Experimental.TaskUserNamespaces {
					t.Error("task_user_namespaces not enabled")
				}
			},
		},
		{
			name:    "Zero values do not clear a lower layer",
			global:  `{"shell": "/opt/bash"}`,
			project: `{"shell": "", "concurrency": 0}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Shell != "/opt/bash" || cfg.Concurrency != 1 {
					t.Errorf("zero values overrode lower layers: %+v", cfg)
				}
			},
		},
		{
			name:        "Malformed global",
			global:      `{"concurrency": `,
			expectError: true,
		},
		{
			name:        "Malformed project",
			project:     `[]`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := filepath.Join(tmpDir, "global.json")
			if tt.global != "" {
				writeFile(t, globalPath, tt.global)
			}
			projectPath := filepath.Join(tmpDir, "project.json")
			if tt.project != "" {
				writeFile(t, projectPath, tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadEmptyPaths(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadDefault(t *testing.T) {
	home := t.TempDir()
	root := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".nixtask", "config.json"), `{"concurrency": 3}`)
	writeFile(t, ProjectPath(root), `{"coreutils": "/nix/store/abc-coreutils"}`)

	cfg, err := LoadDefault(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Concurrency != 3 || cfg.Coreutils != "/nix/store/abc-coreutils" {
		t.Errorf("layers not applied: %+v", cfg)
	}
}

func TestDefaultsFromPackagePaths(t *testing.T) {
	env := map[string]string{
		"PKG_PATH_BASH":      "/nix/store/xyz-bash",
		"PKG_PATH_COREUTILS": "/nix/store/abc-coreutils",
	}
	cfg := defaultsFrom(func(k string) string { return env[k] })

	if cfg.Shell != "/nix/store/xyz-bash/bin/bash" {
		t.Errorf("shell = %q", cfg.Shell)
	}
	if cfg.Coreutils != "/nix/store/abc-coreutils" {
		t.Errorf("coreutils = %q", cfg.Coreutils)
	}

	bare := defaultsFrom(func(string) string { return "" })
	if bare.Shell != "bash" || bare.Coreutils != "" {
		t.Errorf("unexpected fallbacks: %+v", bare)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "command evaluator", mutate: func(c *Config) {
			c.Evaluator = EvaluatorCommand
			c.EvaluatorCommand = "eval"
		}},
		{name: "command without executable", mutate: func(c *Config) { c.Evaluator = EvaluatorCommand }, wantErr: true},
		{name: "unknown evaluator", mutate: func(c *Config) { c.Evaluator = "guix" }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: true},
		{name: "negative output cap", mutate: func(c *Config) { c.MaxEvaluatorOutput = -1 }, wantErr: true},
		{name: "no shell", mutate: func(c *Config) { c.Shell = "" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultsFrom(func(string) string { return "" })
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("expected ErrInvalid, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
