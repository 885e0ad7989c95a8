// Package embeddings submits activity texts to the OpenAI Batch API and collects
// the resulting embedding vectors keyed by the activity's positional index.
package embeddings

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Defaults for the OpenAI batch client.
const (
	DefaultBaseURL          = "https://api.openai.com/v1"
	DefaultModel            = "text-embedding-3-small"
	DefaultCompletionWindow = "24h"
	customIDPrefix          = "activity-"
	maxResultLine           = 4 << 20
)

// Batch statuses reported by the provider.
const (
	StatusValidating = "validating"
	StatusInProgress = "in_progress"
	StatusFinalizing = "finalizing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
	StatusCancelling = "cancelling"
	StatusCancelled  = "cancelled"
)

// ErrBatchFailed is wrapped by errors for batches the provider will never complete.
var ErrBatchFailed = errors.New("embedding batch failed")

// Error is an embedding provider failure.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Cause      error
	permanent  bool
}

func (e *Error) Error() string {
	msg := "embeddings " + e.Op + " failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(": %v", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Permanent reports whether the failure cannot be fixed by retrying.
func (e *Error) Permanent() bool {
	return e.permanent
}

// IndexedText is one input carrying its position in the standardized sequence.
type IndexedText struct {
	Index int
	Text  string
}

// PollResult is the outcome of one poll. When Pending is false Vectors holds
// the parsed result map, possibly empty.
type PollResult struct {
	Status  string
	Pending bool
	Vectors map[int][]float32
}

// BatchClient submits and polls embedding batches.
type BatchClient interface {
	Submit(ctx context.Context, items []IndexedText) (string, error)
	Poll(ctx context.Context, batchID string) (*PollResult, error)
}

// CustomID encodes a positional index into a batch request ID.
func CustomID(index int) string {
	return customIDPrefix + strconv.Itoa(index)
}

// ParseCustomID decodes an index produced by CustomID.
func ParseCustomID(id string) (int, bool) {
	if !strings.HasPrefix(id, customIDPrefix) {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimPrefix(id, customIDPrefix))
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// Options configures an OpenAIClient.
type Options struct {
	BaseURL      string
	Model        string
	Organization string
	HTTPClient   *http.Client
}

// OpenAIClient implements BatchClient against the OpenAI Files and Batches APIs.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	org        string
	httpClient *http.Client
}

// NewOpenAIClient creates a batch client.
func NewOpenAIClient(apiKey string, opts Options) *OpenAIClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		model:      opts.Model,
		org:        opts.Organization,
		httpClient: httpClient,
	}
}

// Model returns the embedding model name.
func (c *OpenAIClient) Model() string { return c.model }

type batchLine struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     map[string]any `json:"body"`
}

type fileObject struct {
	ID string `json:"id"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
	ErrorFileID  string `json:"error_file_id"`
	Errors       *struct {
		Data []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"data"`
	} `json:"errors"`
}

type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int `json:"status_code"`
		Body       struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		} `json:"body"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Submit uploads the inputs as a JSONL batch file and creates a batch job.
func (c *OpenAIClient) Submit(ctx context.Context, items []IndexedText) (string, error) {
	if len(items) == 0 {
		return "", &Error{Op: "submit", Message: "no inputs", permanent: true}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		line := batchLine{
			CustomID: CustomID(item.Index),
			Method:   http.MethodPost,
			URL:      "/v1/embeddings",
			Body:     map[string]any{"model": c.model, "input": item.Text},
		}
		if err := enc.Encode(line); err != nil {
			return "", &Error{Op: "submit", Message: "encode batch line", Cause: err, permanent: true}
		}
	}

	fileID, err := c.uploadFile(ctx, buf.Bytes())
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]any{
		"input_file_id":     fileID,
		"endpoint":          "/v1/embeddings",
		"completion_window": DefaultCompletionWindow,
	})
	if err != nil {
		return "", &Error{Op: "submit", Cause: err, permanent: true}
	}

	var batch batchObject
	if err := c.doJSON(ctx, "create batch", http.MethodPost, "/batches", bytes.NewReader(body), "application/json", &batch); err != nil {
		return "", err
	}
	if batch.ID == "" {
		return "", &Error{Op: "create batch", Message: "response missing batch id"}
	}
	return batch.ID, nil
}

func (c *OpenAIClient) uploadFile(ctx context.Context, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("purpose", "batch"); err != nil {
		return "", &Error{Op: "upload file", Cause: err, permanent: true}
	}
	part, err := w.CreateFormFile("file", "embeddings.jsonl")
	if err != nil {
		return "", &Error{Op: "upload file", Cause: err, permanent: true}
	}
	if _, err := part.Write(data); err != nil {
		return "", &Error{Op: "upload file", Cause: err, permanent: true}
	}
	if err := w.Close(); err != nil {
		return "", &Error{Op: "upload file", Cause: err, permanent: true}
	}

	var file fileObject
	if err := c.doJSON(ctx, "upload file", http.MethodPost, "/files", &body, w.FormDataContentType(), &file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", &Error{Op: "upload file", Message: "response missing file id"}
	}
	return file.ID, nil
}

// Poll checks the batch once. Provider statuses failed, expired and cancelled
// produce a permanent error wrapping ErrBatchFailed.
func (c *OpenAIClient) Poll(ctx context.Context, batchID string) (*PollResult, error) {
	if batchID == "" {
		return nil, &Error{Op: "poll", Message: "empty batch id", permanent: true}
	}

	var batch batchObject
	if err := c.doJSON(ctx, "get batch", http.MethodGet, "/batches/"+batchID, nil, "", &batch); err != nil {
		return nil, err
	}

	switch batch.Status {
	case StatusCompleted:
		vectors := make(map[int][]float32)
		if batch.OutputFileID == "" {
			return &PollResult{Status: batch.Status, Vectors: vectors}, nil
		}
		content, err := c.download(ctx, batch.OutputFileID)
		if err != nil {
			return nil, err
		}
		vectors, err = ParseResults(content)
		if err != nil {
			return nil, &Error{Op: "parse results", Cause: err, permanent: true}
		}
		return &PollResult{Status: batch.Status, Vectors: vectors}, nil
	case StatusFailed, StatusExpired, StatusCancelled, StatusCancelling:
		msg := "batch " + batch.Status
		if batch.Errors != nil && len(batch.Errors.Data) > 0 {
			msg += ": " + batch.Errors.Data[0].Message
		}
		return nil, &Error{Op: "poll", Message: msg, Cause: ErrBatchFailed, permanent: true}
	default:
		return &PollResult{Status: batch.Status, Pending: true}, nil
	}
}

// ParseResults parses a batch output file into an index to vector map.
// Lines with errors, non-200 responses or unrecognized IDs are skipped.
func ParseResults(r io.Reader) (map[int][]float32, error) {
	out := make(map[int][]float32)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxResultLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal(line, &rl); err != nil {
			continue
		}
		idx, ok := ParseCustomID(rl.CustomID)
		if !ok || rl.Error != nil || rl.Response == nil || rl.Response.StatusCode != http.StatusOK {
			continue
		}
		if len(rl.Response.Body.Data) == 0 || len(rl.Response.Body.Data[0].Embedding) == 0 {
			continue
		}
		out[idx] = rl.Response.Body.Data[0].Embedding
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OpenAIClient) download(ctx context.Context, fileID string) (io.Reader, error) {
	resp, err := c.do(ctx, "download results", http.MethodGet, "/files/"+fileID+"/content", nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: "download results", Cause: err}
	}
	return bytes.NewReader(data), nil
}

func (c *OpenAIClient) doJSON(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	resp, err := c.do(ctx, op, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, Message: "invalid response body", Cause: err}
	}
	return nil
}

func (c *OpenAIClient) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Op: op, Cause: err, permanent: true}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.org != "" {
		req.Header.Set("OpenAI-Organization", c.org)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&apiErr)
		status := resp.StatusCode
		return nil, &Error{
			Op:         op,
			StatusCode: status,
			Message:    apiErr.Error.Message,
			permanent:  status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout,
		}
	}
	return resp, nil
}
