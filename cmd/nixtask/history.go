package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aristath/nixtask/internal/persistence"
	"github.com/aristath/nixtask/internal/state"
)

var historyHeader = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var historyCell = lipgloss.NewStyle().Padding(0, 1)

func (a *app) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recent runs, or the tasks of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			return a.history(cmd.Context(), runID, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show (0 for all)")
	return cmd
}

func (a *app) history(ctx context.Context, runID string, limit int) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	path := state.NewLayout(a.root, cfg.StateDir).HistoryDB()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(a.stdout, "No runs recorded")
		return nil
	}

	store, err := persistence.NewSQLiteStore(ctx, path)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer store.Close()

	if runID != "" {
		taskRuns, err := store.GetTaskRuns(ctx, runID)
		if err != nil {
			return err
		}
		return printTaskRuns(a.stdout, taskRuns)
	}

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.stdout, "No runs recorded")
		return nil
	}
	return printRuns(a.stdout, runs)
}

func newHistoryTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return historyHeader
			}
			return historyCell
		})
}

func printRuns(w io.Writer, runs []persistence.Run) error {
	t := newHistoryTable("RUN", "STARTED", "DURATION", "EXIT", "SELECTORS")
	for _, run := range runs {
		duration, exit := "-", "running"
		if run.Finished() {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
			exit = fmt.Sprint(run.ExitCode)
		}
		t.Row(run.ID, run.StartedAt.Local().Format(time.DateTime), duration, exit, strings.Join(run.Selectors, " "))
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}

func printTaskRuns(w io.Writer, taskRuns []persistence.TaskRun) error {
	if len(taskRuns) == 0 {
		_, err := fmt.Fprintln(w, "No tasks recorded for this run")
		return err
	}
	t := newHistoryTable("TASK", "STATUS", "DURATION", "ERROR")
	for _, tr := range taskRuns {
		ref := tr.Ref
		if ref == "" {
			ref = tr.Name
		}
		t.Row(ref, tr.Status, tr.Duration.Round(time.Millisecond).String(), tr.Error)
	}
	_, err := fmt.Fprintln(w, t.Render())
	return err
}
