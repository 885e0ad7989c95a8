package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jonathan/activity-ingest/internal/embeddings"
	"github.com/jonathan/activity-ingest/internal/pipeline/steps"
	"github.com/jonathan/activity-ingest/internal/types"
)

// EmbeddingText is the text embedded for an activity.
func EmbeddingText(act types.StandardizedActivity) string {
	parts := []string{act.Name}
	if act.Description != "" {
		parts = append(parts, act.Description)
	}
	if act.Location.Name != "" {
		parts = append(parts, act.Location.Name)
	}
	if act.Location.FormattedAddress != "" {
		parts = append(parts, act.Location.FormattedAddress)
	}
	if len(act.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(act.Tags, ", "))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// SubmitEmbeddings submits one batch covering every activity and returns its ID.
// An empty sequence submits nothing and returns "".
func SubmitEmbeddings(ctx context.Context, client embeddings.BatchClient, acts []types.StandardizedActivity, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	items := make([]embeddings.IndexedText, 0, len(acts))
	for i, act := range acts {
		text := EmbeddingText(act)
		if text == "" {
			continue
		}
		items = append(items, embeddings.IndexedText{Index: i, Text: text})
	}
	if len(items) == 0 {
		logger.Info("no activities to embed")
		return "", nil
	}

	batchID, err := client.Submit(ctx, items)
	if err != nil {
		return "", fmt.Errorf("failed to submit embedding batch: %w", err)
	}
	logger.Info("submitted embedding batch", "batch_id", batchID, "items", len(items))
	return batchID, nil
}

// PollResult is the outcome of a finished poll stage.
type PollResult struct {
	Vectors  map[int][]float32
	TimedOut bool
}

// PollEmbeddings performs one poll of batchID. attempt is 1-based. While the
// batch is pending it returns steps.ErrNotReady so the caller can suspend;
// once attempt reaches maxAttempts a pending batch, or a transient poll
// failure, yields an empty result marked TimedOut. Other provider failures are
// returned as errors.
func PollEmbeddings(ctx context.Context, client embeddings.BatchClient, batchID string, attempt, maxAttempts int, logger *slog.Logger) (*PollResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchID == "" {
		return &PollResult{Vectors: map[int][]float32{}}, nil
	}

	res, err := client.Poll(ctx, batchID)
	if err != nil {
		if ctx.Err() == nil && !steps.IsPermanent(err) && maxAttempts > 0 && attempt >= maxAttempts {
			logger.Warn("embedding batch poll failed on final attempt, continuing without embeddings",
				"batch_id", batchID, "attempts", attempt, "error", err)
			return &PollResult{Vectors: map[int][]float32{}, TimedOut: true}, nil
		}
		return nil, fmt.Errorf("failed to poll embedding batch %s: %w", batchID, err)
	}

	if !res.Pending {
		vectors := res.Vectors
		if vectors == nil {
			vectors = map[int][]float32{}
		}
		logger.Info("embedding batch completed", "batch_id", batchID, "vectors", len(vectors), "attempt", attempt)
		return &PollResult{Vectors: vectors}, nil
	}

	if maxAttempts > 0 && attempt >= maxAttempts {
		logger.Warn("embedding batch timed out, continuing without embeddings",
			"batch_id", batchID, "attempts", attempt, "status", res.Status)
		return &PollResult{Vectors: map[int][]float32{}, TimedOut: true}, nil
	}

	logger.Debug("embedding batch pending", "batch_id", batchID, "status", res.Status, "attempt", attempt)
	return nil, steps.ErrNotReady
}
