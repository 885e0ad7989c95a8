package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/observability"
	"github.com/jonathan/activity-ingest/internal/pipeline"
	"github.com/jonathan/activity-ingest/internal/pipeline/steps"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run, or list recent runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var (
	statusSteps  bool
	statusFilter string
	statusLimit  int
)

func init() {
	statusCmd.Flags().BoolVar(&statusSteps, "steps", false, "Include the step journal")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "Filter the run list by status (running, completed, failed)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum runs to list")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, closeFn, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	if len(args) == 0 {
		runs, err := svc.Engine.List(ctx, db.RunFilter{Status: statusFilter, Limit: statusLimit})
		if err != nil {
			return err
		}
		printRunList(out, runs)
		return nil
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}
	return showRun(ctx, out, svc.Engine, id, statusSteps)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}

	svc, closeFn, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := svc.Engine.Cancel(ctx, id); err != nil {
		return err
	}
	return showRun(ctx, cmd.OutOrStdout(), svc.Engine, id, false)
}

func showRun(ctx context.Context, out io.Writer, engine *pipeline.Engine, id uuid.UUID, withSteps bool) error {
	run, err := engine.Status(ctx, id)
	if err != nil {
		return err
	}
	printer := observability.NewPrinter(out)
	printer.PrintRun(run)
	if !withSteps {
		return nil
	}

	records, err := engine.Steps(ctx, id)
	if err != nil {
		return err
	}
	printer.PrintSteps(records)
	printProgress(out, steps.Summarize(records))
	return nil
}

func printProgress(out io.Writer, p steps.Progress) {
	line := func(label string, names []string) {
		if len(names) > 0 {
			_, _ = fmt.Fprintf(out, "%-10s %s\n", label+":", strings.Join(names, ", "))
		}
	}
	line("completed", p.Completed)
	line("waiting", p.Waiting)
	line("failed", p.Failed)
	line("pending", p.Pending)
}

func printRunList(out io.Writer, runs []db.WorkflowRun) {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "no runs")
		return
	}
	for _, r := range runs {
		_, _ = fmt.Fprintf(out, "%s  %-9s  %s  %s\n",
			r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), r.SourceURL)
	}
}
