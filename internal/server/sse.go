package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/activity-ingest/internal/db"
)

// Event names on a run's event stream.
const (
	eventStatus   = "status"
	eventComplete = "complete"
	eventError    = "error"
)

// runStream writes one run's progress as server-sent events. Event ids count
// up from 1 within a connection.
type runStream struct {
	runID   uuid.UUID
	w       io.Writer
	flusher http.Flusher
	seq     int
}

func openRunStream(w http.ResponseWriter, runID uuid.UUID) (*runStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &runStream{runID: runID, w: w, flusher: flusher}, nil
}

func (s *runStream) status(run *db.WorkflowRun) error {
	return s.send(eventStatus, toRunResponse(run))
}

// complete sends the terminal run record. Nothing follows it on the stream.
func (s *runStream) complete(run *db.WorkflowRun) error {
	return s.send(eventComplete, toRunResponse(run))
}

func (s *runStream) fail(cause error) error {
	return s.send(eventError, map[string]string{
		"run_id": s.runID.String(),
		"error":  cause.Error(),
	})
}

// heartbeat writes a comment line so idle proxies keep the connection open.
func (s *runStream) heartbeat() error {
	if _, err := io.WriteString(s.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *runStream) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
