package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/pipeline"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var validation *ErrValidation
	switch {
	case errors.As(err, &validation), errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrRunNotRunning), errors.Is(err, pipeline.ErrExportNotReady):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrArtifactsDeleted):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
