package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/embeddings"
	"github.com/jonathan/activity-ingest/internal/extraction"
	"github.com/jonathan/activity-ingest/internal/pipeline/steps"
	"github.com/jonathan/activity-ingest/internal/stages"
	"github.com/jonathan/activity-ingest/internal/types"
)

// blobOutput is the journaled output of a step that wrote one artifact.
type blobOutput struct {
	Handle blob.Handle `json:"handle"`
	Count  int         `json:"count"`
}

// batchOutput is the journaled output of the embeddings submit step.
type batchOutput struct {
	BatchID string `json:"batch_id,omitempty"`
	Count   int    `json:"count"`
}

// pollOutput is the journaled output of the embeddings poll step.
type pollOutput struct {
	Handle   blob.Handle `json:"handle"`
	Count    int         `json:"count"`
	TimedOut bool        `json:"timed_out,omitempty"`
}

func (r *runner) extract(ctx context.Context, _ int) (blobOutput, error) {
	extractor, err := r.engine.extractors.For(r.run.Config)
	if err != nil {
		return blobOutput{}, steps.Permanent(err)
	}
	records, err := extractor.CrawlAndExtract(ctx, r.run.SourceURL, extraction.LimitsFromConfig(r.run.Config))
	if err != nil {
		return blobOutput{}, fmt.Errorf("crawl %s: %w", r.run.SourceURL, err)
	}
	if records == nil {
		records = []types.RawRecord{}
	}
	return r.putJSON(ctx, types.ArtifactRawActivities, records, len(records))
}

func (r *runner) standardize(ctx context.Context, raw blobOutput) (blobOutput, error) {
	var records []types.RawRecord
	if err := r.getJSON(ctx, raw.Handle, &records); err != nil {
		return blobOutput{}, err
	}
	acts := stages.Standardize(records, r.run.Config, r.run.SourceURL, r.logger)
	if acts == nil {
		acts = []types.StandardizedActivity{}
	}
	return r.putJSON(ctx, types.ArtifactStandardizedActivities, acts, len(acts))
}

func (r *runner) images(ctx context.Context, std blobOutput) (blobOutput, error) {
	acts, err := r.loadStandardized(ctx, std)
	if err != nil {
		return blobOutput{}, err
	}
	refs, err := stages.BuildImageMap(ctx, acts, r.engine.fetcher, r.engine.images, r.engine.itemConcurrency, r.logger)
	if err != nil {
		return blobOutput{}, err
	}
	return r.putJSON(ctx, types.ArtifactImagesMap, refs, len(refs))
}

func (r *runner) geocode(ctx context.Context, std blobOutput) (blobOutput, error) {
	acts, err := r.loadStandardized(ctx, std)
	if err != nil {
		return blobOutput{}, err
	}
	results := map[int]types.GeocodeResult{}
	if r.engine.geocoder == nil {
		r.logger.Warn("no geocoder configured, skipping geocoding")
	} else {
		results, err = stages.BuildGeocodeMap(ctx, acts, r.engine.geocoder, r.engine.itemConcurrency, r.logger)
		if err != nil {
			return blobOutput{}, err
		}
	}
	return r.putJSON(ctx, types.ArtifactGeocodedMap, results, len(results))
}

func (r *runner) submit(ctx context.Context, std blobOutput) (batchOutput, error) {
	if r.engine.embedder == nil {
		r.logger.Warn("no embedding client configured, skipping embeddings")
		return batchOutput{}, nil
	}
	acts, err := r.loadStandardized(ctx, std)
	if err != nil {
		return batchOutput{}, err
	}
	batchID, err := stages.SubmitEmbeddings(ctx, r.engine.embedder, acts, r.logger)
	if err != nil {
		return batchOutput{}, err
	}
	return batchOutput{BatchID: batchID, Count: len(acts)}, nil
}

func (r *runner) poll(ctx context.Context, batch batchOutput, attempt int) (pollOutput, error) {
	var client embeddings.BatchClient = r.engine.embedder
	maxAttempts := steps.StepRegistry[steps.StepEmbeddingsPoll].Retry.MaxAttempts

	res := &stages.PollResult{Vectors: map[int][]float32{}}
	if batch.BatchID != "" {
		if client == nil {
			return pollOutput{}, steps.Permanent(errors.New("embedding batch submitted but no client configured"))
		}
		var err error
		res, err = stages.PollEmbeddings(ctx, client, batch.BatchID, attempt, maxAttempts, r.logger)
		if err != nil {
			return pollOutput{}, err
		}
	}

	out, err := r.putJSON(ctx, types.ArtifactEmbeddingsMap, res.Vectors, len(res.Vectors))
	if err != nil {
		return pollOutput{}, err
	}
	return pollOutput{Handle: out.Handle, Count: out.Count, TimedOut: res.TimedOut}, nil
}

func (r *runner) merge(ctx context.Context, std, images, geo blobOutput, vectors pollOutput) (blobOutput, error) {
	acts, err := r.loadStandardized(ctx, std)
	if err != nil {
		return blobOutput{}, err
	}
	var (
		refs    map[int]types.ImageRef
		results map[int]types.GeocodeResult
		vecs    map[int][]float32
	)
	if err := r.getJSON(ctx, images.Handle, &refs); err != nil {
		return blobOutput{}, err
	}
	if err := r.getJSON(ctx, geo.Handle, &results); err != nil {
		return blobOutput{}, err
	}
	if err := r.getJSON(ctx, vectors.Handle, &vecs); err != nil {
		return blobOutput{}, err
	}

	merged := stages.Merge(acts, refs, results, vecs)
	return r.putJSON(ctx, types.ArtifactMergedActivities, merged, len(merged))
}

func (r *runner) serialize(ctx context.Context, merged blobOutput) (blobOutput, error) {
	var acts []types.MergedActivity
	if err := r.getJSON(ctx, merged.Handle, &acts); err != nil {
		return blobOutput{}, err
	}
	data, err := stages.Serialize(acts)
	if err != nil {
		return blobOutput{}, steps.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return blobOutput{}, err
	}
	h, err := r.artifacts.Put(ctx, data)
	if err != nil {
		return blobOutput{}, err
	}
	if err := r.engine.store.AddArtifact(ctx, r.run.ID, r.engine.workerID, types.ArtifactFinalExport, h); err != nil {
		return blobOutput{}, fmt.Errorf("failed to record artifact: %w", err)
	}
	return blobOutput{Handle: h, Count: len(acts)}, nil
}

func (r *runner) importActivities(ctx context.Context, export blobOutput) (*types.ImportSummary, error) {
	if r.engine.activities == nil {
		return nil, steps.Permanent(errors.New("no activity store configured"))
	}
	data, err := r.artifacts.Get(ctx, export.Handle)
	if err != nil {
		return nil, inputError(err)
	}
	acts, err := stages.ParseNDJSON(bytes.NewReader(data))
	if err != nil {
		return nil, steps.Permanent(err)
	}
	return stages.Import(ctx, acts, r.engine.activities, r.logger)
}

func (r *runner) loadStandardized(ctx context.Context, std blobOutput) ([]types.StandardizedActivity, error) {
	var acts []types.StandardizedActivity
	if err := r.getJSON(ctx, std.Handle, &acts); err != nil {
		return nil, err
	}
	return acts, nil
}

// putJSON stores v and records it as the run's artifact name. A stopped run
// writes nothing.
func (r *runner) putJSON(ctx context.Context, name types.ArtifactName, v any, count int) (blobOutput, error) {
	if err := ctx.Err(); err != nil {
		return blobOutput{}, err
	}
	h, err := blob.PutJSON(ctx, r.artifacts, v)
	if err != nil {
		return blobOutput{}, err
	}
	if err := r.engine.store.AddArtifact(ctx, r.run.ID, r.engine.workerID, name, h); err != nil {
		return blobOutput{}, fmt.Errorf("failed to record artifact: %w", err)
	}
	return blobOutput{Handle: h, Count: count}, nil
}

func (r *runner) getJSON(ctx context.Context, h blob.Handle, v any) error {
	return inputError(blob.GetJSON(ctx, r.artifacts, h, v))
}

// inputError marks a missing input blob as permanent: the step that wrote it
// is already journaled as completed and will not run again.
func inputError(err error) error {
	if errors.Is(err, blob.ErrNotFound) {
		return steps.Permanent(err)
	}
	return err
}
