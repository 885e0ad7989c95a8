package observability

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig configures error reporting.
type SentryConfig struct {
	DSN              string
	Environment      string
	Release          string
	ServerName       string
	TracesSampleRate float64
}

// InitSentry initializes Sentry. An empty DSN disables reporting.
func InitSentry(cfg SentryConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		logger.Warn("Sentry DSN not configured - error tracking disabled")
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
		TracesSampleRate: cfg.TracesSampleRate,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if event.Request != nil && event.Request.Headers != nil {
				delete(event.Request.Headers, "Authorization")
				delete(event.Request.Headers, "Cookie")
			}
			return event
		},
	})
	if err != nil {
		logger.Error("Failed to initialize Sentry", "error", err)
		return fmt.Errorf("sentry init: %w", err)
	}

	logger.Info("Sentry initialized", "environment", cfg.Environment, "release", cfg.Release)
	return nil
}

// ErrorReporter receives terminal failures.
type ErrorReporter interface {
	CaptureException(err error, tags map[string]string)
}

// SentryReporter reports errors through the global Sentry hub.
type SentryReporter struct {
	Logger *slog.Logger
}

// CaptureException sends err with tags on a fresh scope.
func (r SentryReporter) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
	if r.Logger != nil {
		r.Logger.Debug("Exception captured in Sentry", "error", err.Error())
	}
}

// FlushSentry waits for buffered events to be sent.
func FlushSentry(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
