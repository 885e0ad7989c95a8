package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/activity-ingest/internal/crawling"
	"github.com/jonathan/activity-ingest/internal/llm"
	"github.com/jonathan/activity-ingest/internal/types"
)

// fakeLLM answers by matching a substring of the prompt and then decodes and
// checks the answer the way the real client does, without retrying.
type fakeLLM struct {
	mu        sync.Mutex
	responses map[string]string
	err       error
	prompts   []string
	tiers     []llm.ModelTier
}

func (f *fakeLLM) GenerateJSON(_ context.Context, req llm.Request) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	f.tiers = append(f.tiers, req.Tier)
	if f.err != nil {
		return nil, f.err
	}
	answer := `{"activities": []}`
	for marker, resp := range f.responses {
		if strings.Contains(req.Prompt, marker) {
			answer = resp
			break
		}
	}
	obj, err := llm.ExtractObject(answer)
	if err != nil {
		return nil, err
	}
	if req.Check != nil {
		if err := req.Check(obj); err != nil {
			return nil, fmt.Errorf("%w: %v", llm.ErrInvalidOutput, err)
		}
	}
	return obj, nil
}

func (f *fakeLLM) Close() error { return nil }

func newEventSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body><main>HOMEPAGE <a href="/events">Events</a></main></body></html>`)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body><main>EVENTPAGE concerts and markets</main></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSiteExtractor_CollectsAcrossPages(t *testing.T) {
	srv := newEventSite(t)
	client := &fakeLLM{responses: map[string]string{
		"HOMEPAGE":  `{"activities": [{"name": "Open House", "image_url": "/img/a.png"}]}`,
		"EVENTPAGE": "```json\n" + `{"activities": [{"name": "Concert"}, {"name": "open house"}]}` + "\n```",
	}}

	ex := NewSiteExtractor(client, false, nil)
	records, err := ex.CrawlAndExtract(context.Background(), srv.URL, Limits{MaxDepth: 1, MaxPages: 5, MaxExtractions: 10})
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "Open House", records[0].Name)
	assert.Equal(t, srv.URL+"/img/a.png", records[0].ImageURL)
	assert.Equal(t, "Concert", records[1].Name)

	// Both pages are short and go to the lite model.
	assert.Equal(t, []llm.ModelTier{llm.TierLite, llm.TierLite}, client.tiers)
}

func TestSiteExtractor_RespectsMaxExtractions(t *testing.T) {
	srv := newEventSite(t)
	client := &fakeLLM{responses: map[string]string{
		"HOMEPAGE": `{"activities": [{"name": "A"}, {"name": "B"}, {"name": "C"}]}`,
	}}

	ex := NewSiteExtractor(client, false, nil)
	records, err := ex.CrawlAndExtract(context.Background(), srv.URL, Limits{MaxDepth: 1, MaxPages: 5, MaxExtractions: 2})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Len(t, client.prompts, 1)
}

func TestSiteExtractor_NothingFound(t *testing.T) {
	srv := newEventSite(t)
	ex := NewSiteExtractor(&fakeLLM{}, false, nil)

	records, err := ex.CrawlAndExtract(context.Background(), srv.URL, Limits{MaxDepth: 1, MaxPages: 5, MaxExtractions: 10})
	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestSiteExtractor_SkipsInvalidPage(t *testing.T) {
	srv := newEventSite(t)
	client := &fakeLLM{responses: map[string]string{
		"HOMEPAGE":  `{"wrong": true}`,
		"EVENTPAGE": `{"activities": [{"name": "Concert"}]}`,
	}}

	ex := NewSiteExtractor(client, false, nil)
	records, err := ex.CrawlAndExtract(context.Background(), srv.URL, Limits{MaxDepth: 1, MaxPages: 5, MaxExtractions: 10})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Concert", records[0].Name)
}

func TestSiteExtractor_ProviderFailsEverywhere(t *testing.T) {
	srv := newEventSite(t)
	ex := NewSiteExtractor(&fakeLLM{err: errors.New("quota exceeded")}, false, nil)

	_, err := ex.CrawlAndExtract(context.Background(), srv.URL, Limits{MaxDepth: 1, MaxPages: 5, MaxExtractions: 10})
	require.Error(t, err)

	var crawlErr *crawling.CrawlError
	require.ErrorAs(t, err, &crawlErr)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.False(t, crawlErr.Permanent())
}

func TestSiteExtractor_SeedUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ex := NewSiteExtractor(&fakeLLM{}, false, nil)
	_, err := ex.CrawlAndExtract(context.Background(), srv.URL, Limits{MaxDepth: 1, MaxPages: 5})

	var crawlErr *crawling.CrawlError
	assert.ErrorAs(t, err, &crawlErr)
}

func TestBuildPrompt(t *testing.T) {
	prompt, err := BuildPrompt("https://example.com/events", "page body", 7, []string{"music", "outdoors"})
	require.NoError(t, err)

	assert.Contains(t, prompt, "https://example.com/events")
	assert.Contains(t, prompt, "page body")
	assert.Contains(t, prompt, "at most 7 activities")
	assert.Contains(t, prompt, "music, outdoors")
	assert.NotContains(t, prompt, "{{.")
}

func TestBuildPrompt_TruncatesText(t *testing.T) {
	prompt, err := BuildPrompt("https://example.com", strings.Repeat("x", MaxPageTextChars+500), 0, nil)
	require.NoError(t, err)
	assert.NotContains(t, prompt, strings.Repeat("x", MaxPageTextChars+1))
	assert.Contains(t, prompt, "at most 150 activities")
}

func TestMockExtractor(t *testing.T) {
	m, err := NewMockExtractor(nil)
	require.NoError(t, err)

	records, err := m.CrawlAndExtract(context.Background(), "https://example.com", Limits{MaxExtractions: 2})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Riverside Farmers Market", records[0].Name)

	all, err := m.CrawlAndExtract(context.Background(), "https://example.com", Limits{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRouter_For(t *testing.T) {
	mock, err := NewMockExtractor(nil)
	require.NoError(t, err)
	site := NewSiteExtractor(&fakeLLM{}, false, nil)
	r := Router{Site: site, Mock: mock}

	ex, err := r.For(types.RunConfig{UseMockScrape: true})
	require.NoError(t, err)
	assert.Same(t, mock, ex)

	ex, err = r.For(types.RunConfig{})
	require.NoError(t, err)
	assert.Same(t, site, ex)

	_, err = Router{}.For(types.RunConfig{})
	assert.Error(t, err)
}

func TestLimitsFromConfig(t *testing.T) {
	cfg := types.RunConfig{}.WithDefaults()
	l := LimitsFromConfig(cfg)
	assert.Equal(t, crawling.DefaultMaxDepth, l.MaxDepth)
	assert.Equal(t, 150, l.MaxPages)
	assert.Equal(t, 150, l.MaxExtractions)
}

func TestCheckActivityPage(t *testing.T) {
	assert.NoError(t, checkActivityPage([]byte(`{"activities": [{"name": "Concert", "tags": ["music"]}]}`)))
	assert.Error(t, checkActivityPage([]byte(`{"events": []}`)))
	assert.Error(t, checkActivityPage([]byte(`{"activities": [{"name": 5}]}`)))
}
