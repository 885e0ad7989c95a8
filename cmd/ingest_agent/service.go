package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonathan/activity-ingest/internal/bootstrap"
	"github.com/jonathan/activity-ingest/internal/config"
	"github.com/jonathan/activity-ingest/internal/observability"
)

const serviceName = "activity-ingest"

// loadConfig resolves the config file, environment and defaults.
func loadConfig() (config.Config, error) {
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if verbose {
		cfg.Verbose = true
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger. CLI output goes to stdout, so logs go
// to stderr.
func newLogger(cfg config.Config) *slog.Logger {
	logger := observability.NewLogger(os.Stderr, serviceName, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger
}

// openService loads configuration and wires every dependency. The returned
// func flushes error reports and closes clients.
func openService(ctx context.Context) (*bootstrap.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg)

	if err := observability.InitSentry(observability.SentryConfig{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     serviceName + "@" + version,
		ServerName:  cfg.WorkerID,
	}, logger); err != nil {
		logger.Warn("continuing without error reporting", "error", err)
	}

	svc, err := bootstrap.NewService(ctx, cfg, logger)
	if err != nil {
		observability.FlushSentry(2 * time.Second)
		return nil, nil, fmt.Errorf("failed to initialize service: %w", err)
	}

	closeFn := func() {
		observability.FlushSentry(2 * time.Second)
		if err := svc.Close(); err != nil {
			logger.Warn("failed to close service", "error", err)
		}
	}
	return svc, closeFn, nil
}
