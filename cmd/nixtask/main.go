package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/nixtask/internal/evaluator"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// exitError carries a process exit code out of a command without an error message.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// app is what every subcommand shares.
type app struct {
	root   string // run root, -C
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	procs  *evaluator.ProcessManager
}

// execute runs the CLI with args and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{stdin: stdin, stdout: stdout, stderr: stderr, procs: evaluator.NewProcessManager()}

	go func() {
		<-ctx.Done()
		// A second signal terminates immediately
		stop()
		if err := a.procs.KillAll(); err != nil {
			fmt.Fprintf(stderr, "Error killing subprocesses: %v\n", err)
		}
	}()

	cmd := a.rootCommand()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nixtask",
		Short:         "Run tasks defined in a flake, in dependency order",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.root != "" {
				return nil
			}
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determining working directory: %w", err)
			}
			a.root = wd
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&a.root, "directory", "C", "", "run root (default: current directory)")

	cmd.AddCommand(
		a.runCommand(),
		a.shellCommand(),
		a.historyCommand(),
		a.ctlCommand(),
	)
	return cmd
}
