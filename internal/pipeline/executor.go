package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/pipeline/steps"
	"github.com/jonathan/activity-ingest/internal/types"
)

// errCanceled is returned by a step boundary once cancellation was requested.
var errCanceled = errors.New("run canceled")

// suspension means the run cannot progress before until.
type suspension struct {
	until time.Time
}

func (s *suspension) Error() string {
	return fmt.Sprintf("suspended until %s", s.until.Format(time.RFC3339))
}

// stepFailure means a step failed for good and the run must fail.
type stepFailure struct {
	step string
	err  error
}

func (f *stepFailure) Error() string {
	return fmt.Sprintf("step %s failed: %v", f.step, f.err)
}

func (f *stepFailure) Unwrap() error { return f.err }

// Advance claims runID and executes it until it completes, fails or has to wait.
// It returns nil without doing anything when another worker holds the lease.
func (e *Engine) Advance(ctx context.Context, runID uuid.UUID) error {
	claimed, err := e.store.ClaimRun(ctx, runID, e.workerID, e.now().Add(e.lease))
	if err != nil {
		return fmt.Errorf("failed to claim run %s: %w", runID, err)
	}
	if !claimed {
		e.logger.Debug("run leased elsewhere", "run_id", runID)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.track(runID, cancel)
	defer func() {
		cancel()
		e.untrack(runID)
	}()

	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		e.renewLease(runCtx, runID, cancel)
	}()

	resumeAt := e.drive(runCtx, runID)
	cancel()
	<-renewed

	if err := e.store.ReleaseRun(context.WithoutCancel(ctx), runID, e.workerID, resumeAt); err != nil {
		return fmt.Errorf("failed to release run %s: %w", runID, err)
	}
	return nil
}

// renewLease extends the lease while the run executes. Once the lease is gone
// it calls stop so the run halts at its next write.
func (e *Engine) renewLease(ctx context.Context, runID uuid.UUID, stop context.CancelFunc) {
	ticker := time.NewTicker(e.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := e.store.ClaimRun(ctx, runID, e.workerID, e.now().Add(e.lease))
			if err != nil && ctx.Err() == nil {
				e.logger.Warn("failed to renew lease", "run_id", runID, "error", err)
				continue
			}
			if !ok && ctx.Err() == nil {
				e.logger.Warn("lease lost, stopping run", "run_id", runID)
				stop()
				return
			}
		}
	}
}

// drive executes the run and returns when it should be visited next, or nil
// when it reached a terminal state.
func (e *Engine) drive(ctx context.Context, runID uuid.UUID) *time.Time {
	logger := e.logger.With("run_id", runID)

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		logger.Error("failed to load run", "error", err)
		return e.later()
	}
	if run == nil || run.IsTerminal() {
		return nil
	}

	finish := func(c completion) *time.Time {
		if err := e.complete(context.WithoutCancel(ctx), run, c); err != nil {
			logger.Error("failed to complete run", "error", err)
			return e.later()
		}
		return nil
	}

	if run.CancelRequested {
		return finish(completion{kind: outcomeCanceled})
	}

	r := &runner{
		engine:    e,
		run:       run,
		artifacts: e.artifacts.Scope(run.ID.String()),
		logger:    logger,
	}
	err = r.execute(ctx)

	var susp *suspension
	var failure *stepFailure
	switch {
	case errors.Is(err, db.ErrLeaseLost):
		logger.Warn("run lease lost, abandoning run", "error", err)
		return nil
	case err == nil:
		return finish(completion{kind: outcomeSucceeded, processed: r.processed, summary: r.summary})
	case errors.Is(err, errCanceled):
		return finish(completion{kind: outcomeCanceled})
	case ctx.Err() != nil && e.cancelRequested(context.WithoutCancel(ctx), runID):
		return finish(completion{kind: outcomeCanceled})
	case errors.As(err, &failure):
		return finish(completion{kind: outcomeFailed, step: failure.step, err: failure.err})
	case errors.As(err, &susp):
		logger.Info("run suspended", "resume_at", susp.until)
		return &susp.until
	case ctx.Err() != nil:
		logger.Info("run interrupted", "error", err)
		now := e.now()
		return &now
	default:
		logger.Error("run step errored, retrying later", "error", err)
		return e.later()
	}
}

func (e *Engine) later() *time.Time {
	t := e.now().Add(infraRetryDelay)
	return &t
}

func (e *Engine) cancelRequested(ctx context.Context, runID uuid.UUID) bool {
	run, err := e.store.GetRun(ctx, runID)
	return err == nil && run != nil && run.CancelRequested
}

// runner carries the state of one Advance call.
type runner struct {
	engine    *Engine
	run       *db.WorkflowRun
	artifacts *blob.ContentStore
	logger    *slog.Logger

	processed *int
	summary   *types.ImportSummary
}

// runStep executes one journaled step. Completed steps return their recorded
// output without calling fn; waiting steps that are not due yet suspend.
func runStep[T any](ctx context.Context, r *runner, name string, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	e := r.engine

	def, err := steps.Lookup(name)
	if err != nil {
		return zero, &stepFailure{step: name, err: err}
	}

	rec, err := e.store.GetStep(ctx, r.run.ID, name)
	if err != nil {
		return zero, fmt.Errorf("failed to load step %s: %w", name, err)
	}

	now := e.now()
	if rec != nil {
		switch rec.Status {
		case db.StepStatusCompleted:
			var out T
			if err := json.Unmarshal(rec.Output, &out); err != nil {
				return zero, &stepFailure{step: name, err: fmt.Errorf("corrupt step output: %w", err)}
			}
			return out, nil
		case db.StepStatusSkipped:
			return zero, nil
		case db.StepStatusFailed:
			msg := "step failed"
			if rec.ErrorMessage != nil {
				msg = *rec.ErrorMessage
			}
			return zero, &stepFailure{step: name, err: errors.New(msg)}
		case db.StepStatusWaiting:
			if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
				return zero, &suspension{until: *rec.NextAttemptAt}
			}
		}
	} else {
		rec = &db.StepRecord{RunID: r.run.ID, Step: name, Category: def.Category}
	}

	if err := r.checkCancel(ctx); err != nil {
		return zero, err
	}
	if err := steps.ValidateDependencies(ctx, e.store, r.run.ID, name); err != nil {
		if steps.IsPermanent(err) {
			return zero, r.failStep(ctx, rec, err)
		}
		return zero, err
	}

	attempt := rec.Attempts + 1
	rec.Status = db.StepStatusInProgress
	rec.Attempts = attempt
	rec.StartedAt = &now
	rec.NextAttemptAt = nil
	rec.ErrorMessage = nil
	if err := e.store.SaveStep(ctx, e.workerID, rec); err != nil {
		return zero, fmt.Errorf("failed to save step %s: %w", name, err)
	}
	e.emit(ProgressEvent{RunID: r.run.ID.String(), Step: name, Category: def.Category, Status: db.StepStatusInProgress, Attempt: attempt})

	out, err := fn(ctx, attempt)
	if err == nil {
		data, merr := json.Marshal(out)
		switch {
		case merr != nil:
			err = steps.Permanent(fmt.Errorf("failed to marshal step output: %w", merr))
		case len(data) > steps.MaxInlinePayload:
			err = steps.Permanent(fmt.Errorf("step output is %d bytes, exceeds inline limit of %d", len(data), steps.MaxInlinePayload))
		default:
			done := e.now()
			rec.Status = db.StepStatusCompleted
			rec.Output = data
			rec.CompletedAt = &done
			if err := e.store.SaveStep(ctx, e.workerID, rec); err != nil {
				return zero, fmt.Errorf("failed to save step %s: %w", name, err)
			}
			r.logger.Info("step completed", "step", name, "attempt", attempt)
			e.emit(ProgressEvent{RunID: r.run.ID.String(), Step: name, Category: def.Category, Status: db.StepStatusCompleted, Attempt: attempt})
			return out, nil
		}
	}

	if ctx.Err() != nil {
		// The attempt was interrupted, not failed; it is redone when the run resumes.
		due := e.now()
		rec.Status = db.StepStatusWaiting
		rec.Attempts = attempt - 1
		rec.NextAttemptAt = &due
		if serr := e.store.SaveStep(context.WithoutCancel(ctx), e.workerID, rec); serr != nil {
			r.logger.Warn("failed to save interrupted step", "step", name, "error", serr)
		}
		return zero, err
	}

	if errors.Is(err, db.ErrLeaseLost) {
		return zero, err
	}

	if errors.Is(err, steps.ErrNotReady) {
		if def.Retry.Exhausted(attempt) {
			return zero, r.failStep(ctx, rec, fmt.Errorf("not ready after %d attempts", attempt))
		}
		return zero, r.waitStep(ctx, rec, def, attempt, nil)
	}

	if steps.IsPermanent(err) || def.Retry.Exhausted(attempt) {
		return zero, r.failStep(ctx, rec, err)
	}
	r.logger.Warn("step attempt failed, will retry", "step", name, "attempt", attempt, "error", err)
	return zero, r.waitStep(ctx, rec, def, attempt, err)
}

func (r *runner) waitStep(ctx context.Context, rec *db.StepRecord, def steps.StepDefinition, attempt int, cause error) error {
	next := r.engine.now().Add(def.Retry.Delay(attempt))
	rec.Status = db.StepStatusWaiting
	rec.NextAttemptAt = &next
	rec.ErrorMessage = nil
	if cause != nil {
		msg := cause.Error()
		rec.ErrorMessage = &msg
	}
	if err := r.engine.store.SaveStep(ctx, r.engine.workerID, rec); err != nil {
		return fmt.Errorf("failed to save step %s: %w", rec.Step, err)
	}
	r.engine.emit(ProgressEvent{RunID: r.run.ID.String(), Step: rec.Step, Category: rec.Category, Status: db.StepStatusWaiting, Attempt: attempt})
	return &suspension{until: next}
}

func (r *runner) failStep(ctx context.Context, rec *db.StepRecord, cause error) error {
	now := r.engine.now()
	msg := cause.Error()
	rec.Status = db.StepStatusFailed
	rec.ErrorMessage = &msg
	rec.NextAttemptAt = nil
	rec.CompletedAt = &now
	if err := r.engine.store.SaveStep(ctx, r.engine.workerID, rec); err != nil {
		return fmt.Errorf("failed to save step %s: %w", rec.Step, err)
	}
	r.logger.Error("step failed", "step", rec.Step, "attempts", rec.Attempts, "error", cause)
	r.engine.emit(ProgressEvent{RunID: r.run.ID.String(), Step: rec.Step, Category: rec.Category, Status: db.StepStatusFailed, Attempt: rec.Attempts, Message: msg})
	return &stepFailure{step: rec.Step, err: cause}
}

// skipStep records name as skipped unless it already has a journal entry.
func (r *runner) skipStep(ctx context.Context, name string) error {
	def, err := steps.Lookup(name)
	if err != nil {
		return &stepFailure{step: name, err: err}
	}
	rec, err := r.engine.store.GetStep(ctx, r.run.ID, name)
	if err != nil {
		return fmt.Errorf("failed to load step %s: %w", name, err)
	}
	if rec != nil {
		return nil
	}
	now := r.engine.now()
	rec = &db.StepRecord{
		RunID:       r.run.ID,
		Step:        name,
		Category:    def.Category,
		Status:      db.StepStatusSkipped,
		CompletedAt: &now,
	}
	if err := r.engine.store.SaveStep(ctx, r.engine.workerID, rec); err != nil {
		return fmt.Errorf("failed to save step %s: %w", name, err)
	}
	r.engine.emit(ProgressEvent{RunID: r.run.ID.String(), Step: name, Category: def.Category, Status: db.StepStatusSkipped})
	return nil
}

func (r *runner) checkCancel(ctx context.Context) error {
	run, err := r.engine.store.GetRun(ctx, r.run.ID)
	if err != nil {
		return fmt.Errorf("failed to check cancellation: %w", err)
	}
	if run != nil && run.CancelRequested {
		return errCanceled
	}
	return nil
}

// execute walks the step graph. Each call resumes after the last completed step.
func (r *runner) execute(ctx context.Context) error {
	raw, err := runStep(ctx, r, steps.StepExtract, r.extract)
	if err != nil {
		return err
	}
	std, err := runStep(ctx, r, steps.StepStandardize, func(ctx context.Context, _ int) (blobOutput, error) {
		return r.standardize(ctx, raw)
	})
	if err != nil {
		return err
	}
	r.processed = &std.Count

	images, geo, batch, err := r.enrich(ctx, std)
	if err != nil {
		return err
	}

	vectors, err := runStep(ctx, r, steps.StepEmbeddingsPoll, func(ctx context.Context, attempt int) (pollOutput, error) {
		return r.poll(ctx, batch, attempt)
	})
	if err != nil {
		return err
	}

	merged, err := runStep(ctx, r, steps.StepMerge, func(ctx context.Context, _ int) (blobOutput, error) {
		return r.merge(ctx, std, images, geo, vectors)
	})
	if err != nil {
		return err
	}
	export, err := runStep(ctx, r, steps.StepSerialize, func(ctx context.Context, _ int) (blobOutput, error) {
		return r.serialize(ctx, merged)
	})
	if err != nil {
		return err
	}

	if !r.run.Config.AutoImport {
		return r.skipStep(ctx, steps.StepImport)
	}
	summary, err := runStep(ctx, r, steps.StepImport, func(ctx context.Context, _ int) (*types.ImportSummary, error) {
		return r.importActivities(ctx, export)
	})
	if err != nil {
		return err
	}
	r.summary = summary
	return nil
}

// enrich runs the three independent enrichment steps concurrently. A waiting
// branch does not stop the others; the run resumes at the earliest due branch.
func (r *runner) enrich(ctx context.Context, std blobOutput) (images, geo blobOutput, batch batchOutput, err error) {
	var (
		mu       sync.Mutex
		earliest *time.Time
	)
	park := func(err error) error {
		var s *suspension
		if !errors.As(err, &s) {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if earliest == nil || s.until.Before(*earliest) {
			t := s.until
			earliest = &t
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := runStep(gctx, r, steps.StepImages, func(ctx context.Context, _ int) (blobOutput, error) {
			return r.images(ctx, std)
		})
		images = out
		return park(err)
	})
	g.Go(func() error {
		out, err := runStep(gctx, r, steps.StepGeocode, func(ctx context.Context, _ int) (blobOutput, error) {
			return r.geocode(ctx, std)
		})
		geo = out
		return park(err)
	})
	g.Go(func() error {
		out, err := runStep(gctx, r, steps.StepEmbeddingsSubmit, func(ctx context.Context, _ int) (batchOutput, error) {
			return r.submit(ctx, std)
		})
		batch = out
		return park(err)
	})

	if err = g.Wait(); err != nil {
		return
	}
	if earliest != nil {
		err = &suspension{until: *earliest}
	}
	return
}
