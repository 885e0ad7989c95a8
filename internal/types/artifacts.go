package types

// ArtifactName is the logical key of a blob in a run's artifact map.
type ArtifactName string

// Artifact names
const (
	ArtifactRawActivities          ArtifactName = "rawActivities"
	ArtifactStandardizedActivities ArtifactName = "standardizedActivities"
	ArtifactImagesMap              ArtifactName = "imagesMap"
	ArtifactGeocodedMap            ArtifactName = "geocodedMap"
	ArtifactEmbeddingsMap          ArtifactName = "embeddingsMap"
	ArtifactMergedActivities       ArtifactName = "mergedActivities"
	ArtifactFinalExport            ArtifactName = "finalExport"
)

// AllArtifacts lists every artifact name in pipeline order.
var AllArtifacts = []ArtifactName{
	ArtifactRawActivities,
	ArtifactStandardizedActivities,
	ArtifactImagesMap,
	ArtifactGeocodedMap,
	ArtifactEmbeddingsMap,
	ArtifactMergedActivities,
	ArtifactFinalExport,
}

// MaxImportErrors bounds ImportSummary.Errors.
const MaxImportErrors = 20

// maxImportErrorLen bounds the length of a single recorded error.
const maxImportErrorLen = 300

// ImportSummary counts the outcome of the import stage.
type ImportSummary struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// AddError records a failed import, keeping at most MaxImportErrors messages.
func (s *ImportSummary) AddError(msg string) {
	s.Failed++
	if len(s.Errors) >= MaxImportErrors {
		return
	}
	if len(msg) > maxImportErrorLen {
		msg = msg[:maxImportErrorLen] + "..."
	}
	s.Errors = append(s.Errors, msg)
}

// Total returns the number of records the import stage saw.
func (s ImportSummary) Total() int {
	return s.Imported + s.Skipped + s.Failed
}
