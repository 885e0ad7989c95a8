package crawling

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = fmt.Fprint(w, `<html><body><main>Home
			<a href="/events">Events</a>
			<a href="/missing">Broken</a>
		</main></body></html>`)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body><main>Event list
			<a href="/events/one">One</a>
			<a href="/events/two">Two</a>
		</main></body></html>`)
	})
	mux.HandleFunc("/events/one", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body><main>Event one</main></body></html>`)
	})
	mux.HandleFunc("/events/two", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, `<html><body><main>Event two</main></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestCrawl_BreadthFirst(t *testing.T) {
	srv := newSite(t)

	pages, err := Crawl(context.Background(), srv.URL, Options{MaxDepth: 2, MaxPages: 10, Delay: -1})
	require.NoError(t, err)

	var urls []string
	for _, p := range pages {
		urls = append(urls, p.URL)
	}
	assert.Equal(t, []string{
		srv.URL,
		srv.URL + "/events",
		srv.URL + "/events/one",
		srv.URL + "/events/two",
	}, urls)
	assert.Equal(t, 0, pages[0].Depth)
	assert.Equal(t, 2, pages[3].Depth)
	assert.Equal(t, "Event two", pages[3].Text)
	assert.Len(t, pages[0].Hash, 64)
}

func TestCrawl_RespectsMaxPages(t *testing.T) {
	srv := newSite(t)

	pages, err := Crawl(context.Background(), srv.URL, Options{MaxDepth: 5, MaxPages: 2, Delay: -1})
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestCrawl_RespectsMaxDepth(t *testing.T) {
	srv := newSite(t)

	pages, err := Crawl(context.Background(), srv.URL, Options{MaxDepth: 0, MaxPages: 10, Delay: -1})
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, srv.URL, pages[0].URL)
}

func TestCrawl_SeedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Crawl(context.Background(), srv.URL, Options{Delay: -1})
	require.Error(t, err)

	var crawlErr *CrawlError
	require.ErrorAs(t, err, &crawlErr)
	assert.False(t, crawlErr.Permanent())
}

func TestCrawl_InvalidSeed(t *testing.T) {
	_, err := Crawl(context.Background(), "not-a-url", Options{})

	var crawlErr *CrawlError
	require.ErrorAs(t, err, &crawlErr)
	assert.True(t, crawlErr.Permanent())
}

func TestCrawlError_PermanentFromCause(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Crawl(context.Background(), srv.URL, Options{Delay: -1})
	var crawlErr *CrawlError
	require.ErrorAs(t, err, &crawlErr)
	assert.True(t, crawlErr.Permanent())
}

func TestComputeHash_ProducesConsistentHashes(t *testing.T) {
	assert.Equal(t, computeHash("abc"), computeHash("abc"))
	assert.NotEqual(t, computeHash("abc"), computeHash("abd"))
}
