package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/types"
)

// Store persists runs and their step journal. *db.DB and *db.Memory implement it.
// Artifact and journal writes carry the lease owner and fail with
// db.ErrLeaseLost once another worker owns the run or it is terminal.
type Store interface {
	CreateRun(ctx context.Context, run *db.WorkflowRun) error
	GetRun(ctx context.Context, runID uuid.UUID) (*db.WorkflowRun, error)
	ListRuns(ctx context.Context, filter db.RunFilter) ([]db.WorkflowRun, error)
	AddArtifact(ctx context.Context, runID uuid.UUID, owner string, name types.ArtifactName, handle blob.Handle) error
	FinishRun(ctx context.Context, runID uuid.UUID, result db.RunResult) error
	MarkArtifactsDeleted(ctx context.Context, runID uuid.UUID) error
	RequestCancel(ctx context.Context, runID uuid.UUID) (bool, error)
	ClaimRun(ctx context.Context, runID uuid.UUID, owner string, until time.Time) (bool, error)
	ReleaseRun(ctx context.Context, runID uuid.UUID, owner string, resumeAt *time.Time) error
	DueRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	SaveStep(ctx context.Context, owner string, step *db.StepRecord) error
	GetStep(ctx context.Context, runID uuid.UUID, step string) (*db.StepRecord, error)
	ListSteps(ctx context.Context, runID uuid.UUID) ([]db.StepRecord, error)
}

var (
	_ Store = (*db.DB)(nil)
	_ Store = (*db.Memory)(nil)
)
