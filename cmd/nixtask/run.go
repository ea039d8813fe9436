package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/nixtask/internal/config"
	"github.com/aristath/nixtask/internal/ctxlog"
	"github.com/aristath/nixtask/internal/evaluator"
	"github.com/aristath/nixtask/internal/events"
	"github.com/aristath/nixtask/internal/orchestrator"
	"github.com/aristath/nixtask/internal/persistence"
	"github.com/aristath/nixtask/internal/sandbox"
	"github.com/aristath/nixtask/internal/scheduler"
	"github.com/aristath/nixtask/internal/state"
	"github.com/aristath/nixtask/internal/tui"
)

type runOptions struct {
	only           bool
	interactive    bool
	concurrency    int
	concurrencySet bool // -j was given and overrides the config
	graph          bool
	dryRun         bool
	tui            bool
	debug          bool
}

func (a *app) runCommand() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <selector>...",
		Short: "Run the selected tasks and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.concurrencySet = cmd.Flags().Changed("concurrency")
			return a.run(cmd.Context(), args, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.only, "only", false, "run only the task the selector names, ignoring its dependencies")
	f.BoolVarP(&opts.interactive, "interactive", "i", false, "attach stdin to tasks (implies -j 1)")
	f.IntVarP(&opts.concurrency, "concurrency", "j", 1, "maximum number of tasks running at once")
	f.BoolVarP(&opts.graph, "graph", "g", false, "print the execution batches as JSON and exit")
	f.BoolVar(&opts.dryRun, "dry-run", false, "run tasks with taskRunShouldApply returning false")
	f.BoolVar(&opts.tui, "tui", false, "show the run in a full-screen view")
	f.BoolVar(&opts.debug, "debug", false, "log debug information")
	return cmd
}

// loadConfig reads the layered configuration for the run root, applies flag overrides and
// validates the result.
func (a *app) loadConfig(overrides ...func(*config.Config)) (*config.Config, error) {
	cfg, err := config.LoadDefault(a.root)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, override := range overrides {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) newProvider(cfg *config.Config, stdout, stderr io.Writer) (evaluator.Provider, error) {
	return evaluator.New(evaluator.Config{
		Type:      cfg.Evaluator,
		Command:   cfg.EvaluatorCommand,
		MaxOutput: cfg.MaxEvaluatorOutput,
		WorkDir:   a.root,
		Stdout:    stdout,
		Stderr:    stderr,
	}, a.procs)
}

func (a *app) newProvisioner(cfg *config.Config, layout state.Layout, outputs sandbox.OutputResolver) (*sandbox.Provisioner, error) {
	ctl, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating nixtask executable: %w", err)
	}
	return sandbox.NewProvisioner(sandbox.Config{
		Layout:         layout,
		Shell:          cfg.Shell,
		Coreutils:      cfg.Coreutils,
		CtlPath:        ctl,
		UserNamespaces: cfg.Experimental.TaskUserNamespaces,
	}, outputs), nil
}

func (a *app) run(ctx context.Context, selectors []string, opts runOptions) error {
	if opts.tui && opts.interactive {
		return errors.New("--tui cannot be combined with --interactive")
	}

	var overrides []func(*config.Config)
	if opts.concurrencySet {
		overrides = append(overrides, func(c *config.Config) { c.Concurrency = opts.concurrency })
	}
	cfg, err := a.loadConfig(overrides...)
	if err != nil {
		return err
	}

	// The TUI owns the terminal; anything printed around it would garble the screen
	stdout, stderr := a.stdout, a.stderr
	if opts.tui {
		stdout, stderr = io.Discard, io.Discard
	}
	logger := ctxlog.New(stderr, opts.debug)
	ctx = ctxlog.WithLogger(ctx, logger)

	provider, err := a.newProvider(cfg, stdout, stderr)
	if err != nil {
		return err
	}
	tasks, err := provider.GetTasks(ctx, selectors)
	if err != nil {
		return err
	}
	logger.Debug("collected tasks", "count", len(tasks), "selectors", selectors)

	dag, err := scheduler.NewDAGFromTasks(tasks)
	if err != nil {
		return err
	}
	plan, err := planRun(dag, opts.only)
	if err != nil {
		return err
	}

	if opts.graph {
		return printGraph(a.stdout, dag, plan)
	}

	layout := state.NewLayout(a.root, cfg.StateDir)
	prov, err := a.newProvisioner(cfg, layout, provider)
	if err != nil {
		return err
	}

	ledger, closeLedger := openLedger(ctx, layout)
	defer closeLedger()

	rcfg := orchestrator.RunnerConfig{
		Concurrency: cfg.Concurrency,
		Interactive: opts.interactive,
		DryRun:      opts.dryRun,
		Debug:       opts.debug,
		Shell:       cfg.Shell,
		Stdin:       a.stdin,
		Evaluator:   provider,
		Provisioner: prov,
		Store:       state.NewStore(layout),
		Ledger:      ledger,
		Selectors:   selectors,
	}

	var result orchestrator.Result
	if opts.tui {
		result, err = a.runWithTUI(ctx, cfg, rcfg, dag, plan)
	} else {
		rcfg.Console = orchestrator.NewConsole(a.stdout, a.stderr)
		result, err = orchestrator.NewRunner(rcfg, dag).Run(ctx, plan)
	}
	if err != nil {
		return err
	}
	if code := result.ExitCode(); code != 0 {
		return exitError{code: code}
	}
	return nil
}

// planRun returns the batches to execute: the single named task with --only, else every
// task in dependency order.
func planRun(dag *scheduler.DAG, only bool) ([][]string, error) {
	if only {
		return dag.Only()
	}
	if _, err := dag.Validate(); err != nil {
		return nil, err
	}
	return dag.Batches()
}

// printGraph writes the batches as indented JSON of task references.
func printGraph(w io.Writer, dag *scheduler.DAG, plan [][]string) error {
	refs := make([][]string, 0, len(plan))
	for _, batch := range plan {
		names := make([]string, 0, len(batch))
		for _, id := range batch {
			if task, ok := dag.Get(id); ok {
				names = append(names, task.DisplayPath)
			}
		}
		refs = append(refs, names)
	}
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding graph: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// openLedger opens the run history. History is best-effort: when it cannot be opened the
// run goes ahead without it.
func openLedger(ctx context.Context, layout state.Layout) (*orchestrator.Ledger, func()) {
	store, err := persistence.NewSQLiteStore(ctx, layout.HistoryDB())
	if err != nil {
		ctxlog.FromContext(ctx).Warn("run history unavailable", "error", err)
		return nil, func() {}
	}
	return orchestrator.NewLedger(store, orchestrator.DefaultRetryConfig()), func() {
		if err := store.Close(); err != nil {
			ctxlog.FromContext(ctx).Warn("closing run history", "error", err)
		}
	}
}

// runWithTUI runs the plan while a Bubble Tea program follows it on the event bus.
// Leaving the TUI cancels the run; once the run ends the view stays until the user quits.
func (a *app) runWithTUI(ctx context.Context, cfg *config.Config, rcfg orchestrator.RunnerConfig, dag *scheduler.DAG, plan [][]string) (orchestrator.Result, error) {
	globalPath, err := config.GlobalPath()
	if err != nil {
		return orchestrator.Result{}, err
	}

	bus := events.NewEventBus()
	defer bus.Close()
	rcfg.Bus = bus
	rcfg.Console = orchestrator.NewEventConsole(bus)

	model := tui.New(bus, cfg, globalPath, config.ProjectPath(a.root))
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithInput(a.stdin), tea.WithOutput(a.stdout))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		cancel()
		errChan <- err
	}()
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	result, runErr := orchestrator.NewRunner(rcfg, dag).Run(runCtx, plan)

	if err := <-errChan; err != nil && runErr == nil {
		runErr = fmt.Errorf("tui: %w", err)
	}
	return result, runErr
}
