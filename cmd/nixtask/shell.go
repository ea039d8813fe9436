package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/orchestrator"
	"github.com/aristath/nixtask/internal/state"
)

type shellOptions struct {
	debug       bool
	noShellHook bool
}

func (a *app) shellCommand() *cobra.Command {
	var opts shellOptions
	cmd := &cobra.Command{
		Use:   "shell <selector>",
		Short: "Open an interactive shell in a task's environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.shell(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "log debug information")
	cmd.Flags().BoolVar(&opts.noShellHook, "no-shell-hook", false, "do not run the task's shell hook")
	return cmd
}

func (a *app) shell(ctx context.Context, selector string, opts shellOptions) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ctx = ctxlog.WithLogger(ctx, ctxlog.New(a.stderr, opts.debug))

	provider, err := a.newProvider(cfg, a.stdout, a.stderr)
	if err != nil {
		return err
	}
	tasks, err := provider.GetTasks(ctx, []string{selector})
	if err != nil {
		return err
	}
	task, err := orchestrator.ExactTask(tasks)
	if err != nil {
		return err
	}

	layout := state.NewLayout(a.root, cfg.StateDir)
	prov, err := a.newProvisioner(cfg, layout, provider)
	if err != nil {
		return err
	}

	code, err := orchestrator.OpenShell(ctx, provider, prov, state.NewStore(layout),
		orchestrator.NewConsole(a.stdout, a.stderr), task, orchestrator.ShellOptions{
			Debug:       opts.debug,
			NoShellHook: opts.noShellHook,
			Shell:       cfg.Shell,
			Stdin:       a.stdin,
			Stdout:      a.stdout,
			Stderr:      a.stderr,
		})
	if err != nil {
		return err
	}
	if code != 0 {
		return exitError{code: code}
	}
	return nil
}
