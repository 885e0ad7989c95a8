package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/activity-ingest/internal/pipeline"
	"github.com/jonathan/activity-ingest/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server and a run worker",
	Long:  `Start an HTTP server that exposes REST endpoints for ingest runs, together with a scheduler that advances due runs.`,
	RunE:  runServe,
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Advance due runs without serving HTTP",
	Long:  `Start only the run scheduler. Several workers can share one database; leases keep each run on a single worker at a time.`,
	RunE:  runWorker,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (defaults to PORT or 8080)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, closeFn, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	cfg := svc.Config
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}

	scheduler := pipeline.NewScheduler(svc.Engine, cfg.PollEvery(), cfg.BatchSize, svc.Logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer stopScheduler(scheduler)

	srv, err := server.New(svc.Engine, server.Config{
		Port:           cfg.Port,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	}, svc.Logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Start(ctx)
}

func runWorker(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, closeFn, err := openService(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	if svc.DB == nil {
		svc.Logger.Warn("worker has no database - it can only see runs it starts itself")
	}

	scheduler := pipeline.NewScheduler(svc.Engine, svc.Config.PollEvery(), svc.Config.BatchSize, svc.Logger)
	if err := scheduler.Start(); err != nil {
		return err
	}
	scheduler.RunNow()

	<-ctx.Done()
	stopScheduler(scheduler)
	return nil
}

// stopScheduler gives an in-flight tick time to finish.
func stopScheduler(s *pipeline.Scheduler) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Stop(ctx)
}
