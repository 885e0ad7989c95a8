// Package pipeline provides the durable orchestration of activity ingestion runs.
//
// A run is advanced by whichever worker holds its lease. Each step's outcome is
// written to the step journal before the next step starts, so a restarted
// worker skips completed steps and resumes waiting ones when they are due.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/embeddings"
	"github.com/jonathan/activity-ingest/internal/extraction"
	"github.com/jonathan/activity-ingest/internal/geocode"
	"github.com/jonathan/activity-ingest/internal/notify"
	"github.com/jonathan/activity-ingest/internal/observability"
	"github.com/jonathan/activity-ingest/internal/stages"
	"github.com/jonathan/activity-ingest/internal/types"
)

// Defaults for Options.
const (
	DefaultLeaseDuration     = 5 * time.Minute
	DefaultMaxConcurrentRuns = 4
	infraRetryDelay          = 15 * time.Second
)

// Blob prefixes. Artifacts are scoped per run; images outlive the run because
// imported activities reference them.
const (
	ArtifactPrefix = "runs"
	ImagePrefix    = "images"
)

var (
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidRequest wraps start request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrExportNotReady is returned when the export has not been produced yet.
	ErrExportNotReady = errors.New("export not ready")
	// ErrArtifactsDeleted is returned when the run's blobs were cleaned up.
	ErrArtifactsDeleted = errors.New("artifacts deleted")
)

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	RunID    string `json:"run_id"`
	Step     string `json:"step"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Attempt  int    `json:"attempt"`
	Message  string `json:"message,omitempty"`
}

// ProgressCallback is called when a step changes state
type ProgressCallback func(event ProgressEvent)

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store      Store
	Blobs      blob.Backend
	Extractors extraction.Router
	Geocoder   geocode.Geocoder
	Embedder   embeddings.BatchClient
	Images     stages.ImageFetcher
	Activities stages.ActivityStore
	Publisher  notify.Publisher
	Reporter   observability.ErrorReporter
	Logger     *slog.Logger
}

// Options tune an Engine.
type Options struct {
	// WorkerID identifies this process in run leases.
	WorkerID          string
	LeaseDuration     time.Duration
	MaxConcurrentRuns int
	// ItemConcurrency bounds per-item requests inside enrichment stages.
	ItemConcurrency int
	OnProgress      ProgressCallback
	// Now overrides the clock.
	Now func() time.Time
}

// Engine starts, advances, cancels and reports on runs.
type Engine struct {
	store      Store
	artifacts  *blob.ContentStore
	images     *blob.ContentStore
	extractors extraction.Router
	geocoder   geocode.Geocoder
	embedder   embeddings.BatchClient
	fetcher    stages.ImageFetcher
	activities stages.ActivityStore
	publisher  notify.Publisher
	reporter   observability.ErrorReporter
	logger     *slog.Logger

	workerID        string
	lease           time.Duration
	maxRuns         int
	itemConcurrency int
	onProgress      ProgressCallback
	now             func() time.Time

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
}

// New creates an Engine. Store and Blobs are required.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if deps.Blobs == nil {
		return nil, fmt.Errorf("pipeline: blob backend is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.LogPublisher{Logger: logger}
	}
	if deps.Reporter == nil {
		deps.Reporter = observability.SentryReporter{Logger: logger}
	}
	if deps.Images == nil {
		deps.Images = stages.HTTPImages{}
	}

	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		store:           deps.Store,
		artifacts:       blob.NewStore(deps.Blobs, ArtifactPrefix),
		images:          blob.NewStore(deps.Blobs, ImagePrefix),
		extractors:      deps.Extractors,
		geocoder:        deps.Geocoder,
		embedder:        deps.Embedder,
		fetcher:         deps.Images,
		activities:      deps.Activities,
		publisher:       deps.Publisher,
		reporter:        deps.Reporter,
		logger:          observability.Component(logger, "pipeline"),
		workerID:        opts.WorkerID,
		lease:           opts.LeaseDuration,
		maxRuns:         opts.MaxConcurrentRuns,
		itemConcurrency: opts.ItemConcurrency,
		onProgress:      opts.OnProgress,
		now:             opts.Now,
		active:          make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// WorkerID returns the lease owner name of this engine.
func (e *Engine) WorkerID() string { return e.workerID }

// Start validates req and records a new run, due immediately.
func (e *Engine) Start(ctx context.Context, req types.StartRunRequest) (uuid.UUID, error) {
	if err := req.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := e.now()
	run := &db.WorkflowRun{
		SourceURL: req.URL,
		Config:    req.Config,
		ResumeAt:  &now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("failed to start run: %w", err)
	}

	e.logger.Info("run started",
		"run_id", run.ID,
		"url", req.URL,
		"auto_import", req.Config.AutoImport,
		"mock_scrape", req.Config.UseMockScrape)
	return run.ID, nil
}

// Status returns the current record of a run.
func (e *Engine) Status(ctx context.Context, runID uuid.UUID) (*db.WorkflowRun, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// List returns runs matching filter.
func (e *Engine) List(ctx context.Context, filter db.RunFilter) ([]db.WorkflowRun, error) {
	return e.store.ListRuns(ctx, filter)
}

// Steps returns the step journal of a run.
func (e *Engine) Steps(ctx context.Context, runID uuid.UUID) ([]db.StepRecord, error) {
	if _, err := e.Status(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.ListSteps(ctx, runID)
}

// Export returns the NDJSON export of a run.
func (e *Engine) Export(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	run, err := e.Status(ctx, runID)
	if err != nil {
		return nil, err
	}
	h, ok := run.Artifacts[types.ArtifactFinalExport]
	if !ok {
		return nil, ErrExportNotReady
	}
	if run.ArtifactsDeletedAt != nil {
		return nil, ErrArtifactsDeleted
	}
	data, err := e.artifacts.Get(ctx, h)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, ErrArtifactsDeleted
	}
	return data, err
}

// Wait polls until the run is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID uuid.UUID, interval time.Duration) (*db.WorkflowRun, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := e.Status(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick advances every due run, at most limit of them, and returns how many it visited.
func (e *Engine) Tick(ctx context.Context, limit int) (int, error) {
	due, err := e.store.DueRuns(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due runs: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxRuns)
	for _, id := range due {
		id := id
		g.Go(func() error {
			if err := e.Advance(gctx, id); err != nil {
				e.logger.Error("failed to advance run", "run_id", id, "error", err)
			}
			return nil
		})
	}
	return len(due), g.Wait()
}

// Cancel requests cancellation. A run executing in this process is interrupted
// immediately; a run nobody holds is finished here; a run leased by another
// worker is finished by that worker before its next step.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := e.Status(ctx, runID)
	if err != nil {
		return err
	}
	if run.IsTerminal() {
		return db.ErrRunNotRunning
	}

	ok, err := e.store.RequestCancel(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	if !ok {
		return db.ErrRunNotRunning
	}
	e.logger.Info("cancellation requested", "run_id", runID)

	e.mu.Lock()
	cancel := e.active[runID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		return nil
	}

	claimed, err := e.store.ClaimRun(ctx, runID, e.workerID, e.now().Add(e.lease))
	if err != nil {
		return fmt.Errorf("failed to claim run: %w", err)
	}
	if !claimed {
		return nil
	}
	defer func() {
		if err := e.store.ReleaseRun(context.WithoutCancel(ctx), runID, e.workerID, nil); err != nil {
			e.logger.Warn("failed to release run", "run_id", runID, "error", err)
		}
	}()

	run, err = e.Status(ctx, runID)
	if err != nil {
		return err
	}
	return e.complete(ctx, run, completion{kind: outcomeCanceled})
}

func (e *Engine) track(runID uuid.UUID, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(runID uuid.UUID) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

func (e *Engine) emit(event ProgressEvent) {
	if e.onProgress != nil {
		e.onProgress(event)
	}
}
