package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/types"
)

const maxListLimit = 200

// RunCreateResponse represents the response for starting a run
type RunCreateResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunResponse is the public view of a workflow run
type RunResponse struct {
	RunID               string                             `json:"run_id"`
	SourceURL           string                             `json:"source_url"`
	Status              string                             `json:"status"`
	Config              types.RunConfig                    `json:"config"`
	Artifacts           map[types.ArtifactName]blob.Handle `json:"artifacts"`
	StartedAt           string                             `json:"started_at"`
	CompletedAt         *string                            `json:"completed_at,omitempty"`
	ActivitiesProcessed *int                               `json:"activities_processed,omitempty"`
	ImportSummary       *types.ImportSummary               `json:"import_summary,omitempty"`
	Error               *string                            `json:"error,omitempty"`
	CancelRequested     bool                               `json:"cancel_requested"`
	ResumeAt            *string                            `json:"resume_at,omitempty"`
	ArtifactsDeletedAt  *string                            `json:"artifacts_deleted_at,omitempty"`
}

// RunListResponse represents the response for listing runs
type RunListResponse struct {
	Runs  []RunResponse `json:"runs"`
	Count int           `json:"count"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func toRunResponse(run *db.WorkflowRun) RunResponse {
	artifacts := run.Artifacts
	if artifacts == nil {
		artifacts = map[types.ArtifactName]blob.Handle{}
	}
	return RunResponse{
		RunID:               run.ID.String(),
		SourceURL:           run.SourceURL,
		Status:              run.Status,
		Config:              run.Config,
		Artifacts:           artifacts,
		StartedAt:           run.StartedAt.UTC().Format(time.RFC3339),
		CompletedAt:         formatTime(run.CompletedAt),
		ActivitiesProcessed: run.ActivitiesProcessed,
		ImportSummary:       run.ImportSummary,
		Error:               run.ErrorMessage,
		CancelRequested:     run.CancelRequested,
		ResumeAt:            formatTime(run.ResumeAt),
		ArtifactsDeletedAt:  formatTime(run.ArtifactsDeletedAt),
	}
}

// parseRunID reads the {id} path value.
func parseRunID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &ErrValidation{Field: "id", Message: "must be a valid UUID"}
	}
	return id, nil
}

// handleStartRun starts a new ingest run. Work happens on the scheduler, so
// the response only carries the run ID.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req types.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	id, err := s.engine.Start(r.Context(), req)
	if err != nil {
		s.failure(w, err)
		return
	}

	w.Header().Set("Location", "/runs/"+id.String())
	s.jsonResponse(w, http.StatusAccepted, RunCreateResponse{
		RunID:  id.String(),
		Status: db.RunStatusRunning,
	})
}

// handleListRuns lists runs, newest first, optionally filtered by status.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := db.RunFilter{Status: r.URL.Query().Get("status"), Limit: 50}
	switch filter.Status {
	case "", db.RunStatusRunning, db.RunStatusCompleted, db.RunStatusFailed:
	default:
		s.failure(w, &ErrValidation{Field: "status", Message: "must be running, completed or failed"})
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.failure(w, &ErrValidation{Field: "limit", Message: "must be a positive integer"})
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	runs, err := s.engine.List(r.Context(), filter)
	if err != nil {
		s.failure(w, fmt.Errorf("failed to list runs: %w", err))
		return
	}

	resp := RunListResponse{Runs: make([]RunResponse, 0, len(runs))}
	for i := range runs {
		resp.Runs = append(resp.Runs, toRunResponse(&runs[i]))
	}
	resp.Count = len(resp.Runs)
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleGetRun returns one run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
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
	s.jsonResponse(w, http.StatusOK, toRunResponse(run))
}

// handleCancelRun requests cancellation of a running run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		s.failure(w, err)
		return
	}
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.failure(w, err)
		return
	}
	run, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, toRunResponse(run))
}

// handleExport streams the run's NDJSON export.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		s.failure(w, err)
		return
	}
	data, err := s.engine.Export(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.ndjson"`, id))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("failed to write export", "run_id", id, "error", err)
	}
}

// handleRunEvents streams run status changes until the run is terminal or
// the client disconnects.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		s.failure(w, err)
		return
	}
	// Fail with a plain status before switching to an event stream.
	run, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.failure(w, err)
		return
	}

	stream, err := openRunStream(w, id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ticker := time.NewTicker(s.eventInterval)
	defer ticker.Stop()

	var last time.Time
	idle := time.Duration(0)
	for {
		if run.IsTerminal() {
			stream.complete(run) //nolint:errcheck
			return
		}
		if !run.UpdatedAt.Equal(last) {
			last = run.UpdatedAt
			idle = 0
			if err := stream.status(run); err != nil {
				return
			}
		} else if idle >= s.heartbeatInterval {
			idle = 0
			if err := stream.heartbeat(); err != nil {
				return
			}
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			idle += s.eventInterval
		}

		run, err = s.engine.Status(r.Context(), id)
		if err != nil {
			if !errors.Is(err, r.Context().Err()) {
				stream.fail(err) //nolint:errcheck
			}
			return
		}
	}
}
