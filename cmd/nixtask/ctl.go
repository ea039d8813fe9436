package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/nixtask/internal/ipc"
)

// ctlCommand is called by the task prelude. Each subcommand writes one control line to
// stdout, which the prelude points at the control descriptor.
func (a *app) ctlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "ctl",
		Short:  "Send a control message from inside a task",
		Hidden: true,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:                "set-output <json>",
			Short:              "Set the task's output",
			Args:               cobra.ExactArgs(1),
			DisableFlagParsing: true, // payloads such as -1 are values
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.sendControl(ipc.Message{Cmd: ipc.CmdSetOutput, Output: args[0]})
			},
		},
		a.ctlCommandMessage("run-in-background", ipc.CmdRunInBackground, "Start a command that is stopped when the task ends"),
		a.ctlCommandMessage("run-finally", ipc.CmdRunFinally, "Run a command after the task ends"),
	)
	return cmd
}

func (a *app) ctlCommandMessage(use, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:                use + " <command>...",
		Short:              short,
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("determining working directory: %w", err)
			}
			return a.sendControl(ipc.Message{
				Cmd:     name,
				Command: strings.Join(args, " "),
				Cwd:     cwd,
				Env:     ipc.EnvMap(os.Environ()),
			})
		},
	}
}

func (a *app) sendControl(m ipc.Message) error {
	line, err := ipc.EncodeMessage(m)
	if err != nil {
		return err
	}
	_, err = a.stdout.Write(line)
	return err
}
