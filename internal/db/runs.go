package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/types"
)

const runColumns = `id, source_url, status, config, artifacts, started_at, completed_at,
	activities_processed, import_summary, error_message, cancel_requested, resume_at,
	lease_owner, lease_until, artifacts_deleted_at, updated_at`

// CreateRun inserts a new running run. A nil run.ID is assigned a new UUID.
func (db *DB) CreateRun(ctx context.Context, run *WorkflowRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`INSERT INTO workflow_runs (id, source_url, status, config, resume_at)
		 VALUES ($1, $2, 'running', $3, $4)
		 RETURNING status, started_at, updated_at`,
		run.ID, run.SourceURL, configJSON, run.ResumeAt,
	).Scan(&run.Status, &run.StartedAt, &run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	run.Artifacts = map[types.ArtifactName]blob.Handle{}
	return nil
}

// GetRun retrieves a run by ID. It returns nil, nil when the run does not exist.
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (*WorkflowRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (db *DB) ListRuns(ctx context.Context, filter RunFilter) ([]WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	args := []any{}
	argNum := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" WHERE status = $%d", argNum)
		args = append(args, filter.Status)
		argNum++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", argNum)
	args = append(args, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]WorkflowRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// AddArtifact records a blob handle under name. Keys are only ever added or
// overwritten, never removed. The run must be running and leased by owner,
// otherwise ErrLeaseLost is returned.
func (db *DB) AddArtifact(ctx context.Context, runID uuid.UUID, owner string, name types.ArtifactName, handle blob.Handle) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET artifacts = artifacts || jsonb_build_object($2::text, $3::text), updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND lease_owner = $4`,
		runID, string(name), string(handle), owner,
	)
	if err != nil {
		return fmt.Errorf("failed to add artifact %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to add artifact %s: %w", name, ErrLeaseLost)
	}
	return nil
}

// FinishRun moves a running run to a terminal status. It returns
// ErrRunNotRunning if the run already reached a terminal status, and
// ErrLeaseLost if result.Owner is set and no longer holds the lease.
func (db *DB) FinishRun(ctx context.Context, runID uuid.UUID, result RunResult) error {
	var summaryJSON []byte
	if result.ImportSummary != nil {
		var err error
		summaryJSON, err = json.Marshal(result.ImportSummary)
		if err != nil {
			return fmt.Errorf("failed to marshal import summary: %w", err)
		}
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET status = $2, completed_at = NOW(), activities_processed = $3,
		     import_summary = $4, error_message = $5, resume_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'running' AND ($6 = '' OR lease_owner = $6)`,
		runID, result.Status, result.ActivitiesProcessed, summaryJSON, result.ErrorMessage, result.Owner,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if result.Owner != "" {
		var status string
		err := db.pool.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE id = $1`, runID).Scan(&status)
		if err == nil && status == RunStatusRunning {
			return ErrLeaseLost
		}
	}
	return ErrRunNotRunning
}

// MarkArtifactsDeleted stamps the time cleanup removed the run's blobs.
func (db *DB) MarkArtifactsDeleted(ctx context.Context, runID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE workflow_runs SET artifacts_deleted_at = NOW(), updated_at = NOW() WHERE id = $1`,
		runID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark artifacts deleted: %w", err)
	}
	return nil
}

// RequestCancel flags a running run for cancellation. It reports whether the
// run was running.
func (db *DB) RequestCancel(ctx context.Context, runID uuid.UUID) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET cancel_requested = TRUE, resume_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`,
		runID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimRun takes or extends the lease on a running run. It succeeds when the
// lease is free, expired, or already held by owner.
func (db *DB) ClaimRun(ctx context.Context, runID uuid.UUID, owner string, until time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET lease_owner = $2, lease_until = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'running'
		   AND (lease_owner IS NULL OR lease_until IS NULL OR lease_until < NOW() OR lease_owner = $2)`,
		runID, owner, until,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseRun drops owner's lease and schedules the next wake-up.
// A nil resumeAt leaves the run unscheduled.
func (db *DB) ReleaseRun(ctx context.Context, runID uuid.UUID, owner string, resumeAt *time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE workflow_runs
		 SET lease_owner = NULL, lease_until = NULL,
		     resume_at = CASE WHEN status = 'running' THEN $3::timestamptz ELSE NULL END,
		     updated_at = NOW()
		 WHERE id = $1 AND lease_owner = $2`,
		runID, owner, resumeAt,
	)
	if err != nil {
		return fmt.Errorf("failed to release run: %w", err)
	}
	return nil
}

// DueRuns returns running runs whose resume time has passed and whose lease is free.
func (db *DB) DueRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM workflow_runs
		 WHERE status = 'running' AND resume_at IS NOT NULL AND resume_at <= $1
		   AND (lease_until IS NULL OR lease_until < $1)
		 ORDER BY resume_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due runs: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan due run: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRun(row pgx.Row) (*WorkflowRun, error) {
	var run WorkflowRun
	var configJSON, artifactsJSON, summaryJSON []byte

	err := row.Scan(&run.ID, &run.SourceURL, &run.Status, &configJSON, &artifactsJSON,
		&run.StartedAt, &run.CompletedAt, &run.ActivitiesProcessed, &summaryJSON,
		&run.ErrorMessage, &run.CancelRequested, &run.ResumeAt, &run.LeaseOwner,
		&run.LeaseUntil, &run.ArtifactsDeletedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &run.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
		}
	}
	run.Artifacts = map[types.ArtifactName]blob.Handle{}
	if len(artifactsJSON) > 0 {
		if err := json.Unmarshal(artifactsJSON, &run.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}
	if len(summaryJSON) > 0 {
		run.ImportSummary = &types.ImportSummary{}
		if err := json.Unmarshal(summaryJSON, run.ImportSummary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal import summary: %w", err)
		}
	}
	return &run, nil
}
