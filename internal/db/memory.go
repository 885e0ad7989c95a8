package db

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/types"
)

// Memory is an in-process run store with the same semantics as DB.
// It backs tests and single-process local runs.
type Memory struct {
	// Now is the clock used for lease expiry and timestamps.
	Now func() time.Time

	mu    sync.Mutex
	runs  map[uuid.UUID]*WorkflowRun
	steps map[uuid.UUID]map[string]*StepRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		Now:   time.Now,
		runs:  make(map[uuid.UUID]*WorkflowRun),
		steps: make(map[uuid.UUID]map[string]*StepRecord),
	}
}

func (m *Memory) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// CreateRun inserts a new running run.
func (m *Memory) CreateRun(_ context.Context, run *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := m.now()
	run.Status = RunStatusRunning
	run.StartedAt = now
	run.UpdatedAt = now
	run.Artifacts = map[types.ArtifactName]blob.Handle{}
	m.runs[run.ID] = cloneRun(run)
	m.steps[run.ID] = make(map[string]*StepRecord)
	return nil
}

// GetRun returns a copy of the run, or nil, nil.
func (m *Memory) GetRun(_ context.Context, runID uuid.UUID) (*WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

// ListRuns returns runs newest first.
func (m *Memory) ListRuns(_ context.Context, filter RunFilter) ([]WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]WorkflowRun, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, *cloneRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// AddArtifact records a blob handle under name if owner holds the lease.
func (m *Memory) AddArtifact(_ context.Context, runID uuid.UUID, owner string, name types.ArtifactName, handle blob.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return errNotFound(runID)
	}
	if !run.heldBy(owner) {
		return ErrLeaseLost
	}
	run.Artifacts[name] = handle
	run.UpdatedAt = m.now()
	return nil
}

// FinishRun moves a running run to a terminal status.
func (m *Memory) FinishRun(_ context.Context, runID uuid.UUID, result RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != RunStatusRunning {
		return ErrRunNotRunning
	}
	if result.Owner != "" && !run.heldBy(result.Owner) {
		return ErrLeaseLost
	}
	now := m.now()
	run.Status = result.Status
	run.CompletedAt = &now
	run.ActivitiesProcessed = result.ActivitiesProcessed
	run.ImportSummary = result.ImportSummary
	run.ErrorMessage = result.ErrorMessage
	run.ResumeAt = nil
	run.UpdatedAt = now
	return nil
}

// MarkArtifactsDeleted stamps the cleanup time.
func (m *Memory) MarkArtifactsDeleted(_ context.Context, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return errNotFound(runID)
	}
	now := m.now()
	run.ArtifactsDeletedAt = &now
	return nil
}

// RequestCancel flags a running run for cancellation.
func (m *Memory) RequestCancel(_ context.Context, runID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != RunStatusRunning {
		return false, nil
	}
	now := m.now()
	run.CancelRequested = true
	run.ResumeAt = &now
	return true, nil
}

// ClaimRun takes or extends the lease on a running run.
func (m *Memory) ClaimRun(_ context.Context, runID uuid.UUID, owner string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.Status != RunStatusRunning {
		return false, nil
	}
	free := run.LeaseOwner == nil || run.LeaseUntil == nil || run.LeaseUntil.Before(m.now()) || *run.LeaseOwner == owner
	if !free {
		return false, nil
	}
	o := owner
	u := until
	run.LeaseOwner = &o
	run.LeaseUntil = &u
	return true, nil
}

// ReleaseRun drops owner's lease and schedules the next wake-up.
func (m *Memory) ReleaseRun(_ context.Context, runID uuid.UUID, owner string, resumeAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok || run.LeaseOwner == nil || *run.LeaseOwner != owner {
		return nil
	}
	run.LeaseOwner = nil
	run.LeaseUntil = nil
	if run.Status == RunStatusRunning && resumeAt != nil {
		t := *resumeAt
		run.ResumeAt = &t
	} else {
		run.ResumeAt = nil
	}
	return nil
}

// DueRuns returns running runs due at now with a free lease.
func (m *Memory) DueRuns(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*WorkflowRun, 0)
	for _, run := range m.runs {
		if run.Status != RunStatusRunning || run.ResumeAt == nil || run.ResumeAt.After(now) {
			continue
		}
		if run.LeaseUntil != nil && !run.LeaseUntil.Before(now) {
			continue
		}
		due = append(due, run)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ResumeAt.Before(*due[j].ResumeAt) })

	ids := make([]uuid.UUID, 0, len(due))
	for _, run := range due {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, run.ID)
	}
	return ids, nil
}

// SaveStep upserts a journal entry if owner holds the run's lease.
func (m *Memory) SaveStep(_ context.Context, owner string, step *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	journal, ok := m.steps[step.RunID]
	if !ok {
		return errNotFound(step.RunID)
	}
	if !m.runs[step.RunID].heldBy(owner) {
		return ErrLeaseLost
	}
	now := m.now()
	if existing, ok := journal[step.Step]; ok {
		step.CreatedAt = existing.CreatedAt
	} else {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	journal[step.Step] = cloneStep(step)
	return nil
}

// GetStep returns a journal entry, or nil, nil.
func (m *Memory) GetStep(_ context.Context, runID uuid.UUID, stepName string) (*StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[runID][stepName]
	if !ok {
		return nil, nil
	}
	return cloneStep(step), nil
}

// ListSteps returns the journal in creation order.
func (m *Memory) ListSteps(_ context.Context, runID uuid.UUID) ([]StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make([]StepRecord, 0, len(m.steps[runID]))
	for _, step := range m.steps[runID] {
		steps = append(steps, *cloneStep(step))
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].Step < steps[j].Step
		}
		return steps[i].CreatedAt.Before(steps[j].CreatedAt)
	})
	return steps, nil
}

func errNotFound(runID uuid.UUID) error {
	return &NotFoundError{RunID: runID}
}

// NotFoundError reports a missing run.
type NotFoundError struct {
	RunID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return "run " + e.RunID.String() + " not found"
}

// cloneRun deep-copies through JSON so callers never share maps or pointers.
func cloneRun(run *WorkflowRun) *WorkflowRun {
	data, _ := json.Marshal(run)
	var out WorkflowRun
	_ = json.Unmarshal(data, &out)
	if out.Artifacts == nil {
		out.Artifacts = map[types.ArtifactName]blob.Handle{}
	}
	return &out
}

func cloneStep(step *StepRecord) *StepRecord {
	out := *step
	if step.Output != nil {
		out.Output = append(json.RawMessage(nil), step.Output...)
	}
	return &out
}
