package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/notify"
	"github.com/jonathan/activity-ingest/internal/types"
)

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeCanceled
)

// canceledMessage is the error message recorded on canceled runs.
const canceledMessage = "run canceled"

// completion describes how a run ended.
type completion struct {
	kind      outcome
	processed *int
	summary   *types.ImportSummary
	step      string
	err       error
}

// complete records the terminal state of run, deletes its artifacts after a
// successful import, reports failures and publishes the completion event.
// A run that is already terminal, or leased by another worker, is left untouched.
func (e *Engine) complete(ctx context.Context, run *db.WorkflowRun, c completion) error {
	result := db.RunResult{
		Owner:               e.workerID,
		Status:              db.RunStatusCompleted,
		ActivitiesProcessed: c.processed,
		ImportSummary:       c.summary,
	}
	event := notify.RunEvent{
		RunID:               run.ID.String(),
		SourceURL:           run.SourceURL,
		Outcome:             notify.OutcomeSuccess,
		ActivitiesProcessed: c.processed,
		ImportSummary:       c.summary,
	}

	switch c.kind {
	case outcomeFailed:
		msg := "run failed"
		if c.err != nil {
			msg = c.err.Error()
		}
		result.Status = db.RunStatusFailed
		result.ErrorMessage = &msg
		event.Outcome = notify.OutcomeFailure
		event.Error = msg
	case outcomeCanceled:
		msg := canceledMessage
		result.Status = db.RunStatusFailed
		result.ErrorMessage = &msg
		event.Outcome = notify.OutcomeCanceled
		event.Error = msg
	}
	event.Status = result.Status

	if err := e.store.FinishRun(ctx, run.ID, result); err != nil {
		if errors.Is(err, db.ErrRunNotRunning) {
			e.logger.Debug("run already finished", "run_id", run.ID)
			return nil
		}
		if errors.Is(err, db.ErrLeaseLost) {
			e.logger.Warn("run leased by another worker, not finishing", "run_id", run.ID)
			return nil
		}
		return fmt.Errorf("failed to finish run: %w", err)
	}

	logger := e.logger.With("run_id", run.ID, "status", result.Status, "outcome", event.Outcome)
	if c.kind == outcomeSucceeded && run.Config.AutoImport {
		event.ArtifactsDeleted = e.cleanup(ctx, run)
	}
	if c.kind == outcomeFailed {
		e.reporter.CaptureException(c.err, map[string]string{
			"run_id": run.ID.String(),
			"step":   c.step,
		})
		logger.Error("run failed", "step", c.step, "error", c.err)
	} else {
		logger.Info("run finished", "activities_processed", derefInt(c.processed))
	}

	event.CompletedAt = e.now()
	if err := e.publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish run event", "error", err)
	}
	return nil
}

// cleanup deletes every artifact blob of run and stamps the run. Artifact keys
// stay in the run record. It reports whether all blobs were removed.
func (e *Engine) cleanup(ctx context.Context, run *db.WorkflowRun) bool {
	current, err := e.store.GetRun(ctx, run.ID)
	if err != nil || current == nil {
		e.logger.Warn("failed to load run for cleanup", "run_id", run.ID, "error", err)
		return false
	}

	ok := true
	for name, h := range current.Artifacts {
		if err := e.artifacts.Delete(ctx, h); err != nil {
			e.logger.Warn("failed to delete artifact", "run_id", run.ID, "artifact", name, "error", err)
			ok = false
		}
	}
	if !ok {
		return false
	}
	if err := e.store.MarkArtifactsDeleted(ctx, run.ID); err != nil {
		e.logger.Warn("failed to mark artifacts deleted", "run_id", run.ID, "error", err)
		return false
	}
	e.logger.Info("artifacts deleted", "run_id", run.ID, "count", len(current.Artifacts))
	return true
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
