package embeddings

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomID_RoundTrip(t *testing.T) {
	idx, ok := ParseCustomID(CustomID(42))
	assert.True(t, ok)
	assert.Equal(t, 42, idx)

	_, ok = ParseCustomID("request-1")
	assert.False(t, ok)
	_, ok = ParseCustomID("activity-x")
	assert.False(t, ok)
	_, ok = ParseCustomID("activity--1")
	assert.False(t, ok)
}

func TestParseResults(t *testing.T) {
	content := strings.Join([]string{
		`{"custom_id":"activity-2","response":{"status_code":200,"body":{"data":[{"embedding":[0.1,0.2]}]}},"error":null}`,
		`{"custom_id":"activity-0","response":{"status_code":200,"body":{"data":[{"embedding":[0.3]}]}},"error":null}`,
		`{"custom_id":"activity-5","response":{"status_code":400,"body":{}},"error":null}`,
		`{"custom_id":"activity-6","response":null,"error":{"message":"boom"}}`,
		`not json`,
		``,
	}, "\n")

	out, err := ParseResults(strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, map[int][]float32{
		2: {0.1, 0.2},
		0: {0.3},
	}, out)
}

type fakeOpenAI struct {
	status      string
	uploaded    []string
	batchReq    map[string]any
	authHeaders []string
}

func (f *fakeOpenAI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "batch", r.FormValue("purpose"))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		sc := bufio.NewScanner(file)
		for sc.Scan() {
			f.uploaded = append(f.uploaded, sc.Text())
		}
		_, _ = fmt.Fprint(w, `{"id":"file-in"}`)
	})
	mux.HandleFunc("POST /batches", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f.batchReq))
		_, _ = fmt.Fprint(w, `{"id":"batch-1","status":"validating"}`)
	})
	mux.HandleFunc("GET /batches/batch-1", func(w http.ResponseWriter, _ *http.Request) {
		switch f.status {
		case "completed":
			_, _ = fmt.Fprint(w, `{"id":"batch-1","status":"completed","output_file_id":"file-out"}`)
		case "failed":
			_, _ = fmt.Fprint(w, `{"id":"batch-1","status":"failed","errors":{"data":[{"code":"invalid","message":"bad input"}]}}`)
		default:
			_, _ = fmt.Fprintf(w, `{"id":"batch-1","status":%q}`, f.status)
		}
	})
	mux.HandleFunc("GET /files/file-out/content", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"custom_id":"activity-1","response":{"status_code":200,"body":{"data":[{"embedding":[1,2,3]}]}}}`+"\n")
	})
	return mux
}

func newFake(t *testing.T, status string) (*fakeOpenAI, *OpenAIClient) {
	t.Helper()
	f := &fakeOpenAI{status: status}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, NewOpenAIClient("sk-test", Options{BaseURL: srv.URL})
}

func TestOpenAIClient_Submit(t *testing.T) {
	f, c := newFake(t, "in_progress")

	id, err := c.Submit(context.Background(), []IndexedText{{Index: 0, Text: "a"}, {Index: 3, Text: "b"}})
	require.NoError(t, err)
	assert.Equal(t, "batch-1", id)

	require.Len(t, f.uploaded, 2)
	var line batchLine
	require.NoError(t, json.Unmarshal([]byte(f.uploaded[1]), &line))
	assert.Equal(t, "activity-3", line.CustomID)
	assert.Equal(t, "/v1/embeddings", line.URL)
	assert.Equal(t, "b", line.Body["input"])
	assert.Equal(t, DefaultModel, line.Body["model"])

	assert.Equal(t, "file-in", f.batchReq["input_file_id"])
	assert.Equal(t, "/v1/embeddings", f.batchReq["endpoint"])
	assert.Equal(t, []string{"Bearer sk-test"}, f.authHeaders)
}

func TestOpenAIClient_SubmitEmpty(t *testing.T) {
	_, c := newFake(t, "in_progress")
	_, err := c.Submit(context.Background(), nil)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.True(t, e.Permanent())
}

func TestOpenAIClient_PollPending(t *testing.T) {
	for _, status := range []string{"validating", "in_progress", "finalizing"} {
		_, c := newFake(t, status)
		res, err := c.Poll(context.Background(), "batch-1")
		require.NoError(t, err)
		assert.True(t, res.Pending, status)
		assert.Equal(t, status, res.Status)
	}
}

func TestOpenAIClient_PollCompleted(t *testing.T) {
	_, c := newFake(t, "completed")
	res, err := c.Poll(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.False(t, res.Pending)
	assert.Equal(t, map[int][]float32{1: {1, 2, 3}}, res.Vectors)
}

func TestOpenAIClient_PollFailed(t *testing.T) {
	for _, status := range []string{"failed", "expired", "cancelled"} {
		_, c := newFake(t, status)
		_, err := c.Poll(context.Background(), "batch-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrBatchFailed), status)

		var e *Error
		require.ErrorAs(t, err, &e)
		assert.True(t, e.Permanent())
	}
}

func TestOpenAIClient_HTTPErrors(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.code)
			_, _ = fmt.Fprint(w, `{"error":{"message":"nope"}}`)
		}))
		c := NewOpenAIClient("k", Options{BaseURL: srv.URL})

		_, err := c.Poll(context.Background(), "batch-1")
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, tt.code, e.StatusCode)
		assert.Equal(t, tt.permanent, e.Permanent())
		assert.Contains(t, err.Error(), "nope")
		srv.Close()
	}
}

func TestLocalClient(t *testing.T) {
	c := NewLocalClient(4)
	c.PendingPolls = 2

	id, err := c.Submit(context.Background(), []IndexedText{{Index: 0, Text: "a"}, {Index: 5, Text: "b"}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := c.Poll(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, res.Pending)
	}

	res, err := c.Poll(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, res.Pending)
	require.Len(t, res.Vectors, 2)
	assert.Len(t, res.Vectors[5], 4)
	assert.Equal(t, hashVector("a", 4), res.Vectors[0])

	_, err = c.Poll(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBatchFailed)
}
