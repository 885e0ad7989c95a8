package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonathan/activity-ingest/internal/types"
)

// ActivityStore is the primary document store as seen by the import stage.
type ActivityStore interface {
	FindByName(ctx context.Context, name string) ([]types.StoredActivity, error)
	Insert(ctx context.Context, activity types.MergedActivity) (string, error)
}

// Import writes activities to store. An activity is a duplicate, and skipped,
// only when a stored record has both the exact name and the exact formatted
// address. Per-record failures are counted and never stop the batch.
func Import(ctx context.Context, acts []types.MergedActivity, store ActivityStore, logger *slog.Logger) (*types.ImportSummary, error) {
	if logger == nil {
		logger = slog.Default()
	}
	summary := &types.ImportSummary{}

	for i, act := range acts {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		existing, err := store.FindByName(ctx, act.Name)
		if err != nil {
			logger.Warn("import lookup failed", "index", i, "name", act.Name, "error", err)
			summary.AddError(fmt.Sprintf("lookup %q: %v", act.Name, err))
			continue
		}
		if isDuplicate(existing, act) {
			summary.Skipped++
			continue
		}

		id, err := store.Insert(ctx, act)
		if err != nil {
			logger.Warn("import insert failed", "index", i, "name", act.Name, "error", err)
			summary.AddError(fmt.Sprintf("insert %q: %v", act.Name, err))
			continue
		}
		summary.Imported++
		logger.Debug("imported activity", "index", i, "id", id)
	}

	logger.Info("import finished",
		"imported", summary.Imported,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
	return summary, nil
}

func isDuplicate(existing []types.StoredActivity, act types.MergedActivity) bool {
	for _, e := range existing {
		if e.Name == act.Name && e.FormattedAddress == act.Location.FormattedAddress {
			return true
		}
	}
	return false
}
