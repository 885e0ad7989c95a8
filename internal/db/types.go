package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/types"
)

// RunStatus constants
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// StepStatus constants
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusWaiting    = "waiting"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
	StepStatusSkipped    = "skipped"
)

// StepCategory constants
const (
	StepCategoryIngestion  = "ingestion"
	StepCategoryEnrichment = "enrichment"
	StepCategoryAssembly   = "assembly"
	StepCategoryImport     = "import"
)

// WorkflowRun is the persisted record of one pipeline invocation.
type WorkflowRun struct {
	ID                  uuid.UUID                          `json:"id"`
	SourceURL           string                             `json:"source_url"`
	Status              string                             `json:"status"`
	Config              types.RunConfig                    `json:"config"`
	Artifacts           map[types.ArtifactName]blob.Handle `json:"artifacts"`
	StartedAt           time.Time                          `json:"started_at"`
	CompletedAt         *time.Time                         `json:"completed_at,omitempty"`
	ActivitiesProcessed *int                               `json:"activities_processed,omitempty"`
	ImportSummary       *types.ImportSummary               `json:"import_summary,omitempty"`
	ErrorMessage        *string                            `json:"error_message,omitempty"`
	CancelRequested     bool                               `json:"cancel_requested"`
	ResumeAt            *time.Time                         `json:"resume_at,omitempty"`
	LeaseOwner          *string                            `json:"lease_owner,omitempty"`
	LeaseUntil          *time.Time                         `json:"lease_until,omitempty"`
	ArtifactsDeletedAt  *time.Time                         `json:"artifacts_deleted_at,omitempty"`
	UpdatedAt           time.Time                          `json:"updated_at"`
}

// IsTerminal reports whether the run reached completed or failed.
func (r *WorkflowRun) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// heldBy reports whether the run is running under owner's lease.
func (r *WorkflowRun) heldBy(owner string) bool {
	return r.Status == RunStatusRunning && r.LeaseOwner != nil && *r.LeaseOwner == owner
}

// RunResult is the terminal state written by FinishRun. When Owner is set the
// run must still be leased by Owner.
type RunResult struct {
	Owner               string
	Status              string
	ActivitiesProcessed *int
	ImportSummary       *types.ImportSummary
	ErrorMessage        *string
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status string
	Limit  int
}

// StepRecord is one entry of a run's step journal.
type StepRecord struct {
	RunID         uuid.UUID       `json:"run_id"`
	Step          string          `json:"step"`
	Category      string          `json:"category"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	Output        json.RawMessage `json:"output,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
