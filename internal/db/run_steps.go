package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const stepColumns = `run_id, step, category, status, attempts, output, error_message,
	next_attempt_at, started_at, completed_at, created_at, updated_at`

// SaveStep upserts a step journal entry. The run must be running and leased by
// owner, otherwise ErrLeaseLost is returned and the journal is left unchanged.
func (db *DB) SaveStep(ctx context.Context, owner string, step *StepRecord) error {
	var output []byte
	if len(step.Output) > 0 {
		output = step.Output
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO run_steps (run_id, step, category, status, attempts, output, error_message,
		                        next_attempt_at, started_at, completed_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		 WHERE EXISTS (
		     SELECT 1 FROM workflow_runs
		     WHERE id = $1 AND status = 'running' AND lease_owner = $11
		 )
		 ON CONFLICT (run_id, step) DO UPDATE
		 SET category = $3, status = $4, attempts = $5, output = $6, error_message = $7,
		     next_attempt_at = $8, started_at = $9, completed_at = $10, updated_at = NOW()
		 RETURNING created_at, updated_at`,
		step.RunID, step.Step, step.Category, step.Status, step.Attempts, output,
		step.ErrorMessage, step.NextAttemptAt, step.StartedAt, step.CompletedAt, owner,
	).Scan(&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to save step %s: %w", step.Step, ErrLeaseLost)
		}
		return fmt.Errorf("failed to save step %s: %w", step.Step, err)
	}
	return nil
}

// GetStep retrieves a journal entry. It returns nil, nil when the step has not run.
func (db *DB) GetStep(ctx context.Context, runID uuid.UUID, stepName string) (*StepRecord, error) {
	step, err := scanStep(db.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = $1 AND step = $2`,
		runID, stepName,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get step %s: %w", stepName, err)
	}
	return step, nil
}

// ListSteps returns a run's journal in creation order.
func (db *DB) ListSteps(ctx context.Context, runID uuid.UUID) ([]StepRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = $1 ORDER BY created_at, step`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := make([]StepRecord, 0)
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

func scanStep(row pgx.Row) (*StepRecord, error) {
	var step StepRecord
	var output []byte
	err := row.Scan(&step.RunID, &step.Step, &step.Category, &step.Status, &step.Attempts,
		&output, &step.ErrorMessage, &step.NextAttemptAt, &step.StartedAt, &step.CompletedAt,
		&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(output) > 0 {
		step.Output = output
	}
	return &step, nil
}
