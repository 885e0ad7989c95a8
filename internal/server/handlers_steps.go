package server

import (
	"net/http"

	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/pipeline/steps"
)

// StepStatusResponse represents the status of a single step
type StepStatusResponse struct {
	Step          string  `json:"step"`
	Category      string  `json:"category"`
	Status        string  `json:"status"`
	RunID         string  `json:"run_id"`
	Attempts      int     `json:"attempts"`
	StartedAt     *string `json:"started_at,omitempty"`
	CompletedAt   *string `json:"completed_at,omitempty"`
	NextAttemptAt *string `json:"next_attempt_at,omitempty"`
	DurationMs    *int    `json:"duration_ms,omitempty"`
	Error         *string `json:"error,omitempty"`
}

// RunStepsListResponse represents the list of all steps for a run
type RunStepsListResponse struct {
	RunID   string               `json:"run_id"`
	Status  string               `json:"status"`
	Steps   []StepStatusResponse `json:"steps"`
	Summary RunStepsSummary      `json:"summary"`
}

// RunStepsSummary represents a summary of step statuses
type RunStepsSummary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Waiting    int `json:"waiting"`
	Pending    int `json:"pending"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

func (sum *RunStepsSummary) add(status string) {
	sum.Total++
	switch status {
	case db.StepStatusCompleted:
		sum.Completed++
	case db.StepStatusInProgress:
		sum.InProgress++
	case db.StepStatusWaiting:
		sum.Waiting++
	case db.StepStatusFailed:
		sum.Failed++
	case db.StepStatusSkipped:
		sum.Skipped++
	default:
		sum.Pending++
	}
}

func toStepResponse(rec db.StepRecord) StepStatusResponse {
	resp := StepStatusResponse{
		Step:          rec.Step,
		Category:      rec.Category,
		Status:        rec.Status,
		RunID:         rec.RunID.String(),
		Attempts:      rec.Attempts,
		StartedAt:     formatTime(rec.StartedAt),
		CompletedAt:   formatTime(rec.CompletedAt),
		NextAttemptAt: formatTime(rec.NextAttemptAt),
		Error:         rec.ErrorMessage,
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		ms := int(rec.CompletedAt.Sub(*rec.StartedAt).Milliseconds())
		resp.DurationMs = &ms
	}
	return resp
}

// handleListRunSteps returns every registered step of a run in execution
// order, including steps that have not started.
func (s *Server) handleListRunSteps(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		s.failure(w, err)
		return
	}
	run, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	records, err := s.engine.Steps(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}

	byName := make(map[string]db.StepRecord, len(records))
	for _, rec := range records {
		byName[rec.Step] = rec
	}

	statusFilter := r.URL.Query().Get("status")
	resp := RunStepsListResponse{
		RunID:  id.String(),
		Status: run.Status,
		Steps:  []StepStatusResponse{},
	}
	for _, name := range steps.Order {
		var step StepStatusResponse
		if rec, ok := byName[name]; ok {
			step = toStepResponse(rec)
		} else {
			step = StepStatusResponse{
				Step:     name,
				Category: steps.StepRegistry[name].Category,
				Status:   db.StepStatusPending,
				RunID:    id.String(),
			}
		}
		resp.Summary.add(step.Status)
		if statusFilter == "" || statusFilter == step.Status {
			resp.Steps = append(resp.Steps, step)
		}
	}

	s.jsonResponse(w, http.StatusOK, resp)
}
