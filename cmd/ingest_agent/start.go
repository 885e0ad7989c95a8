package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/observability"
	"github.com/jonathan/activity-ingest/internal/pipeline"
	"github.com/jonathan/activity-ingest/internal/types"
)

var startCmd = &cobra.Command{
	Use:   "start <url>",
	Short: "Start an ingest run for a listing site",
	Long: `Start a durable ingest run for the given URL and print its ID.

With --wait the command also advances the run in this process and prints the
final record. Without a DATABASE_URL runs only live in memory, so --wait is
the only way to see them finish.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var (
	startMaxDepth       int
	startMaxPages       int
	startMaxExtractions int
	startAutoImport     bool
	startUrgency        string
	startPublic         bool
	startTags           []string
	startMock           bool
	startWait           bool
	startTimeout        time.Duration
)

func init() {
	startCmd.Flags().IntVar(&startMaxDepth, "max-depth", 0, "Maximum crawl depth from the start URL")
	startCmd.Flags().IntVar(&startMaxPages, "max-pages", 0, "Maximum pages to crawl (default 150)")
	startCmd.Flags().IntVar(&startMaxExtractions, "max-extractions", 0, "Maximum pages sent to extraction (default 150)")
	startCmd.Flags().BoolVar(&startAutoImport, "auto-import", false, "Import activities when the run succeeds")
	startCmd.Flags().StringVar(&startUrgency, "urgency", "", "Default urgency for imported activities (low, medium, high)")
	startCmd.Flags().BoolVar(&startPublic, "public", false, "Mark imported activities as public")
	startCmd.Flags().StringSliceVar(&startTags, "tags", nil, "Tag hints passed to extraction")
	startCmd.Flags().BoolVar(&startMock, "mock", false, "Use the bundled fixture instead of crawling")
	startCmd.Flags().BoolVarP(&startWait, "wait", "w", false, "Advance the run here and wait until it finishes")
	startCmd.Flags().DurationVar(&startTimeout, "timeout", 30*time.Minute, "Maximum time to wait with --wait")
	rootCmd.AddCommand(startCmd)
}

// buildStartRequest turns flags into a request. Only flags the user set
// override the defaults applied by validation.
func buildStartRequest(cmd *cobra.Command, url string) types.StartRunRequest {
	req := types.StartRunRequest{URL: strings.TrimSpace(url)}
	flags := cmd.Flags()
	if flags.Changed("max-depth") {
		depth := startMaxDepth
		req.Config.MaxDepth = &depth
	}
	if flags.Changed("max-pages") {
		req.Config.MaxPages = startMaxPages
	}
	if flags.Changed("max-extractions") {
		req.Config.MaxExtractions = startMaxExtractions
	}
	if flags.Changed("urgency") {
		req.Config.UrgencyDefault = strings.ToLower(startUrgency)
	}
	req.Config.AutoImport = startAutoImport
	req.Config.IsPublic = startPublic
	req.Config.TagsHint = startTags
	req.Config.UseMockScrape = startMock
	return req
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, closeFn, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	id, err := svc.Engine.Start(ctx, buildStartRequest(cmd, args[0]))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), id.String())

	if !startWait {
		return nil
	}

	scheduler := pipeline.NewScheduler(svc.Engine, svc.Config.PollEvery(), svc.Config.BatchSize, svc.Logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer stopScheduler(scheduler)
	scheduler.RunNow()

	waitCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	run, err := svc.Engine.Wait(waitCtx, id, time.Second)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	printer := observability.NewPrinter(cmd.OutOrStdout())
	printer.PrintRun(run)
	if run != nil && run.Status == db.RunStatusFailed {
		return fmt.Errorf("run %s failed", id)
	}
	if err != nil {
		return fmt.Errorf("run %s still running: %w", id, err)
	}
	return nil
}
