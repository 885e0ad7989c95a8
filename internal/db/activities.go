package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/activity-ingest/internal/types"
)

// ActivityRepo implements the primary activity store on the activities table.
type ActivityRepo struct {
	db *DB
}

// Activities returns the activity repository backed by db.
func (db *DB) Activities() *ActivityRepo {
	return &ActivityRepo{db: db}
}

// FindByName returns activities whose name matches exactly.
func (r *ActivityRepo) FindByName(ctx context.Context, name string) ([]types.StoredActivity, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT id, name, formatted_address FROM activities WHERE name = $1`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find activities: %w", err)
	}
	defer rows.Close()

	found := make([]types.StoredActivity, 0)
	for rows.Next() {
		var a types.StoredActivity
		var id uuid.UUID
		if err := rows.Scan(&id, &a.Name, &a.FormattedAddress); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		a.ID = id.String()
		found = append(found, a)
	}
	return found, rows.Err()
}

// Insert stores a merged activity and returns its new ID.
func (r *ActivityRepo) Insert(ctx context.Context, activity types.MergedActivity) (string, error) {
	doc, err := json.Marshal(activity)
	if err != nil {
		return "", fmt.Errorf("failed to marshal activity: %w", err)
	}

	id := uuid.New()
	_, err = r.db.pool.Exec(ctx,
		`INSERT INTO activities (id, name, formatted_address, source_url, document)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, activity.Name, activity.Location.FormattedAddress, activity.SourceURL, doc,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert activity: %w", err)
	}
	return id.String(), nil
}
