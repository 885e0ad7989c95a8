package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/docstore"
	"github.com/jonathan/activity-ingest/internal/extraction"
	"github.com/jonathan/activity-ingest/internal/pipeline"
	"github.com/jonathan/activity-ingest/internal/pipeline/steps"
	"github.com/jonathan/activity-ingest/internal/types"
)

type stubExtractor struct{}

func (stubExtractor) CrawlAndExtract(context.Context, string, extraction.Limits) ([]types.RawRecord, error) {
	return []types.RawRecord{
		{Name: "Open Studio", City: "Portland", StartDate: "2026-06-01"},
		{Name: "Night Market", City: "Portland"},
	}, nil
}

type testServer struct {
	*Server
	engine  *pipeline.Engine
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engine, err := pipeline.New(pipeline.Deps{
		Store:      db.NewMemory(),
		Blobs:      blob.NewMemoryBackend(),
		Extractors: extraction.Router{Site: stubExtractor{}, Mock: stubExtractor{}},
		Activities: docstore.NewMemory(),
	}, pipeline.Options{WorkerID: "worker-test"})
	require.NoError(t, err)

	s, err := New(engine, Config{Port: 0}, nil)
	require.NoError(t, err)
	s.eventInterval = 10 * time.Millisecond
	t.Cleanup(s.Close)
	return &testServer{Server: s, engine: engine, handler: s.Handler()}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) startRun(t *testing.T, cfg types.RunConfig) uuid.UUID {
	t.Helper()
	rec := ts.do(http.MethodPost, "/runs", types.StartRunRequest{URL: "https://events.example.com", Config: cfg})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp RunCreateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id, err := uuid.Parse(resp.RunID)
	require.NoError(t, err)
	return id
}

// finish advances the run until it is terminal.
func (ts *testServer) finish(t *testing.T, id uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, ts.engine.Advance(ctx, id))
		run, err := ts.engine.Status(ctx, id)
		require.NoError(t, err)
		if run.IsTerminal() {
			return
		}
	}
	t.Fatalf("run %s did not finish", id)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "worker-test", body["worker_id"])
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodOptions, "/runs", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/runs", types.StartRunRequest{URL: "https://events.example.com"})

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[RunCreateResponse](t, rec)
	assert.Equal(t, db.RunStatusRunning, resp.Status)
	assert.Equal(t, "/runs/"+resp.RunID, rec.Header().Get("Location"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))

	run := decode[RunResponse](t, ts.do(http.MethodGet, "/runs/"+resp.RunID, nil))
	assert.Equal(t, "https://events.example.com", run.SourceURL)
	assert.Equal(t, 150, run.Config.MaxPages)
	assert.Equal(t, "medium", run.Config.UrgencyDefault)
	assert.NotNil(t, run.ResumeAt)
}

func TestStartRun_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"url":`},
		{"missing url", `{"config":{}}`},
		{"bad urgency", `{"url":"https://events.example.com","config":{"urgency_default":"urgent"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			ts.handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestStartRun_RateLimited(t *testing.T) {
	ts := newTestServer(t)
	ts.startRun(t, types.RunConfig{})
	ts.startRun(t, types.RunConfig{})

	rec := ts.do(http.MethodPost, "/runs", types.StartRunRequest{URL: "https://events.example.com"})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[map[string]any](t, rec)["error"])
}

func TestGetRun_Errors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodGet, "/runs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t)
	done := ts.startRun(t, types.RunConfig{})
	ts.finish(t, done)
	ts.startRun(t, types.RunConfig{})

	all := decode[RunListResponse](t, ts.do(http.MethodGet, "/runs", nil))
	assert.Equal(t, 2, all.Count)

	running := decode[RunListResponse](t, ts.do(http.MethodGet, "/runs?status=running", nil))
	require.Equal(t, 1, running.Count)
	assert.Equal(t, db.RunStatusRunning, running.Runs[0].Status)

	limited := decode[RunListResponse](t, ts.do(http.MethodGet, "/runs?limit=1", nil))
	assert.Equal(t, 1, limited.Count)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/runs?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/runs?status=paused", nil).Code)
}

func TestListRunSteps(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startRun(t, types.RunConfig{})

	before := decode[RunStepsListResponse](t, ts.do(http.MethodGet, "/runs/"+id.String()+"/steps", nil))
	assert.Len(t, before.Steps, len(steps.Order))
	assert.Equal(t, len(steps.Order), before.Summary.Pending)
	assert.Equal(t, steps.StepExtract, before.Steps[0].Step)

	ts.finish(t, id)

	after := decode[RunStepsListResponse](t, ts.do(http.MethodGet, "/runs/"+id.String()+"/steps", nil))
	assert.Equal(t, db.RunStatusCompleted, after.Status)
	assert.Equal(t, len(steps.Order), after.Summary.Total)
	assert.Equal(t, len(steps.Order)-1, after.Summary.Completed)
	assert.Equal(t, 1, after.Summary.Skipped)
	assert.Equal(t, 1, after.Steps[0].Attempts)

	skipped := decode[RunStepsListResponse](t, ts.do(http.MethodGet, "/runs/"+id.String()+"/steps?status=skipped", nil))
	require.Len(t, skipped.Steps, 1)
	assert.Equal(t, steps.StepImport, skipped.Steps[0].Step)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/runs/"+uuid.NewString()+"/steps", nil).Code)
}

func TestExport(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startRun(t, types.RunConfig{})

	rec := ts.do(http.MethodGet, "/runs/"+id.String()+"/export", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.finish(t, id)

	rec = ts.do(http.MethodGet, "/runs/"+id.String()+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Open Studio")
}

func TestExport_DeletedAfterImport(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startRun(t, types.RunConfig{AutoImport: true})
	ts.finish(t, id)

	run := decode[RunResponse](t, ts.do(http.MethodGet, "/runs/"+id.String(), nil))
	require.NotNil(t, run.ImportSummary)
	assert.Equal(t, 2, run.ImportSummary.Imported)
	assert.NotNil(t, run.ArtifactsDeletedAt)

	rec := ts.do(http.MethodGet, "/runs/"+id.String()+"/export", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startRun(t, types.RunConfig{})

	rec := ts.do(http.MethodPost, "/runs/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	run := decode[RunResponse](t, rec)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	assert.True(t, run.CancelRequested)
	require.NotNil(t, run.Error)
	assert.Equal(t, "run canceled", *run.Error)

	rec = ts.do(http.MethodPost, "/runs/"+id.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/runs/"+uuid.NewString()+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunEvents_TerminalRun(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startRun(t, types.RunConfig{})
	ts.finish(t, id)

	rec := ts.do(http.MethodGet, "/runs/"+id.String()+"/events", nil)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "id: 1\nevent: complete\n"), body)
	assert.Contains(t, body, `"status":"completed"`)
}

func TestRunEvents_StreamsUntilComplete(t *testing.T) {
	ts := newTestServer(t)
	id := ts.startRun(t, types.RunConfig{})

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/" + id.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	assert.Equal(t, "id: 1\n", readLine(t, reader))
	assert.Equal(t, "event: status\n", readLine(t, reader))

	ts.finish(t, id)

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "id: 2\nevent: complete\n")
	assert.Contains(t, string(rest), `"status":"completed"`)
}

func TestRunEvents_HeartbeatWhileIdle(t *testing.T) {
	ts := newTestServer(t)
	ts.heartbeatInterval = 20 * time.Millisecond
	id := ts.startRun(t, types.RunConfig{})

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs/" + id.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line := readLine(t, reader)
		if line == ": keep-alive\n" {
			break
		}
		require.NotEqual(t, "event: complete\n", line)
	}

	ts.finish(t, id)
	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "event: complete\n")
}

func TestRunStream_NumbersEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	runID := uuid.New()
	stream, err := openRunStream(rec, runID)
	require.NoError(t, err)

	run := &db.WorkflowRun{ID: runID, Status: db.RunStatusRunning}
	require.NoError(t, stream.status(run))
	require.NoError(t, stream.heartbeat())
	require.NoError(t, stream.fail(&db.NotFoundError{RunID: runID}))

	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 3)
	assert.True(t, strings.HasPrefix(frames[0], "id: 1\nevent: status\ndata: {"), frames[0])
	assert.Equal(t, ": keep-alive", frames[1])
	assert.True(t, strings.HasPrefix(frames[2], "id: 2\nevent: error\ndata: "), frames[2])

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[2], "id: 2\nevent: error\ndata: ")), &payload))
	assert.Equal(t, runID.String(), payload["run_id"])
	assert.NotEmpty(t, payload["error"])
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestRunEvents_UnknownRun(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/runs/"+uuid.NewString()+"/events", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
