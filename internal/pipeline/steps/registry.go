// Package steps provides step definitions, dependency validation and retry policy
// for the activity ingestion pipeline.
package steps

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	dbpkg "github.com/jonathan/activity-ingest/internal/db"
)

// Step names in execution order.
const (
	StepExtract          = "extract"
	StepStandardize      = "standardize"
	StepImages           = "images"
	StepGeocode          = "geocode"
	StepEmbeddingsSubmit = "embeddings_submit"
	StepEmbeddingsPoll   = "embeddings_poll"
	StepMerge            = "merge"
	StepSerialize        = "serialize"
	StepImport           = "import"
)

// StepDefinition defines metadata for a pipeline step
type StepDefinition struct {
	Name         string
	Category     string
	Dependencies []string
	Retry        RetryPolicy
}

// Order lists every step in the order the executor visits them.
var Order = []string{
	StepExtract,
	StepStandardize,
	StepImages,
	StepGeocode,
	StepEmbeddingsSubmit,
	StepEmbeddingsPoll,
	StepMerge,
	StepSerialize,
	StepImport,
}

// FanOut lists the enrichment steps that run concurrently after standardize.
var FanOut = []string{StepImages, StepGeocode, StepEmbeddingsSubmit}

// StepRegistry holds all step definitions
var StepRegistry = map[string]StepDefinition{
	StepExtract: {
		Name:         StepExtract,
		Category:     dbpkg.StepCategoryIngestion,
		Dependencies: []string{},
		Retry:        RetryPolicy{MaxAttempts: 3, BaseDelay: DefaultRetry.BaseDelay, Factor: 2, MaxDelay: DefaultRetry.MaxDelay},
	},
	StepStandardize: {
		Name:         StepStandardize,
		Category:     dbpkg.StepCategoryIngestion,
		Dependencies: []string{StepExtract},
		Retry:        DefaultRetry,
	},
	StepImages: {
		Name:         StepImages,
		Category:     dbpkg.StepCategoryEnrichment,
		Dependencies: []string{StepStandardize},
		Retry:        DefaultRetry,
	},
	StepGeocode: {
		Name:         StepGeocode,
		Category:     dbpkg.StepCategoryEnrichment,
		Dependencies: []string{StepStandardize},
		Retry:        DefaultRetry,
	},
	StepEmbeddingsSubmit: {
		Name:         StepEmbeddingsSubmit,
		Category:     dbpkg.StepCategoryEnrichment,
		Dependencies: []string{StepStandardize},
		Retry:        DefaultRetry,
	},
	StepEmbeddingsPoll: {
		Name:         StepEmbeddingsPoll,
		Category:     dbpkg.StepCategoryEnrichment,
		Dependencies: []string{StepEmbeddingsSubmit},
		Retry:        PollPolicy,
	},
	StepMerge: {
		Name:         StepMerge,
		Category:     dbpkg.StepCategoryAssembly,
		Dependencies: []string{StepImages, StepGeocode, StepEmbeddingsPoll},
		Retry:        DefaultRetry,
	},
	StepSerialize: {
		Name:         StepSerialize,
		Category:     dbpkg.StepCategoryAssembly,
		Dependencies: []string{StepMerge},
		Retry:        DefaultRetry,
	},
	StepImport: {
		Name:         StepImport,
		Category:     dbpkg.StepCategoryImport,
		Dependencies: []string{StepSerialize},
		Retry:        DefaultRetry,
	},
}

// Lookup returns the definition for name.
func Lookup(name string) (StepDefinition, error) {
	def, ok := StepRegistry[name]
	if !ok {
		return StepDefinition{}, fmt.Errorf("unknown step: %s", name)
	}
	return def, nil
}

// Journal reads step journal entries.
type Journal interface {
	GetStep(ctx context.Context, runID uuid.UUID, step string) (*dbpkg.StepRecord, error)
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s: missing dependencies: %v", e.Step, e.MissingDependencies)
}

// Permanent marks a dependency error as non-retryable. The executor only asks for
// a step once its inputs exist, so a missing dependency means a corrupt journal.
func (e *DependencyError) Permanent() bool { return true }

// ValidateDependencies checks if all required dependencies for a step are completed
func ValidateDependencies(ctx context.Context, journal Journal, runID uuid.UUID, stepName string) error {
	def, err := Lookup(stepName)
	if err != nil {
		return err
	}

	var missing []string
	for _, dep := range def.Dependencies {
		step, err := journal.GetStep(ctx, runID, dep)
		if err != nil {
			return fmt.Errorf("failed to check dependency %s: %w", dep, err)
		}
		if step == nil || step.Status != dbpkg.StepStatusCompleted {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		return &DependencyError{
			Step:                stepName,
			MissingDependencies: missing,
		}
	}
	return nil
}

// Progress summarizes a run's journal against the registry.
type Progress struct {
	Completed []string
	Waiting   []string
	Failed    []string
	Pending   []string
}

// Summarize groups every registered step by its journal status.
func Summarize(records []dbpkg.StepRecord) Progress {
	byName := make(map[string]dbpkg.StepRecord, len(records))
	for _, r := range records {
		byName[r.Step] = r
	}

	var p Progress
	for _, name := range Order {
		r, ok := byName[name]
		switch {
		case !ok:
			p.Pending = append(p.Pending, name)
		case r.Status == dbpkg.StepStatusCompleted || r.Status == dbpkg.StepStatusSkipped:
			p.Completed = append(p.Completed, name)
		case r.Status == dbpkg.StepStatusWaiting:
			p.Waiting = append(p.Waiting, name)
		case r.Status == dbpkg.StepStatusFailed:
			p.Failed = append(p.Failed, name)
		default:
			p.Pending = append(p.Pending, name)
		}
	}
	return p
}
