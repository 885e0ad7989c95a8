package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/pipeline"
)

func TestErrValidation(t *testing.T) {
	err := &ErrValidation{Field: "limit", Message: "must be a positive integer"}
	assert.Equal(t, "validation error: limit - must be a positive integer", err.Error())
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", fmt.Errorf("%w: url is required", pipeline.ErrInvalidRequest), http.StatusBadRequest},
		{"not found", pipeline.ErrRunNotFound, http.StatusNotFound},
		{"terminal run", fmt.Errorf("cancel: %w", db.ErrRunNotRunning), http.StatusConflict},
		{"export pending", pipeline.ErrExportNotReady, http.StatusConflict},
		{"artifacts gone", pipeline.ErrArtifactsDeleted, http.StatusGone},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
