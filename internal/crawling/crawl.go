package crawling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jonathan/activity-ingest/internal/fetch"
)

const (
	// MaxPagesLimit is the hard maximum number of pages to crawl
	MaxPagesLimit = 1000
	// DefaultMaxPages is used when Options.MaxPages is unset
	DefaultMaxPages = 150
	// DefaultMaxDepth is used when Options.MaxDepth is negative
	DefaultMaxDepth = 2
	// DefaultRateLimitDelay is the delay between HTTP requests
	DefaultRateLimitDelay = 500 * time.Millisecond
	// BrowserTimeout bounds a single headless render
	BrowserTimeout = 45 * time.Second
)

// Options configures a crawl.
type Options struct {
	MaxDepth   int
	MaxPages   int
	Delay      time.Duration
	UseBrowser bool
	Fetch      *fetch.Options
	Logger     *slog.Logger
}

// Page is one crawled page.
type Page struct {
	URL   string
	HTML  string
	Text  string
	Hash  string
	Depth int
}

func (o Options) withDefaults() Options {
	if o.MaxDepth < 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxPages < 1 {
		o.MaxPages = DefaultMaxPages
	}
	if o.MaxPages > MaxPagesLimit {
		o.MaxPages = MaxPagesLimit
	}
	if o.Delay == 0 {
		o.Delay = DefaultRateLimitDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type queued struct {
	url   string
	depth int
}

// Crawl walks same-domain links breadth-first from seedURL.
// A failure to load the seed page is returned as *CrawlError; failures on
// later pages are logged and skipped.
func Crawl(ctx context.Context, seedURL string, opts Options) ([]Page, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("seed", seedURL)

	if _, err := fetch.ValidateURL(seedURL); err != nil {
		return nil, &CrawlError{Message: "invalid seed URL", Cause: err, Fatal: true}
	}

	var limiter *rate.Limiter
	if opts.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Delay), 1)
	}

	seed := NormalizeURL(seedURL)
	visited := map[string]bool{seed: true}
	queue := []queued{{url: seed, depth: 0}}
	pages := make([]Page, 0)

	for len(queue) > 0 && len(pages) < opts.MaxPages {
		next := queue[0]
		queue = queue[1:]

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, &CrawlError{Message: "crawl interrupted", Cause: err}
			}
		}

		page, err := loadPage(ctx, next.url, opts, logger)
		if err != nil {
			if next.depth == 0 {
				return nil, &CrawlError{Message: "failed to fetch seed page", Cause: err}
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, &CrawlError{Message: "crawl interrupted", Cause: err}
			}
			logger.Warn("skipping page", "url", next.url, "error", err)
			continue
		}
		page.Depth = next.depth
		pages = append(pages, *page)

		if next.depth >= opts.MaxDepth {
			continue
		}

		links, err := ExtractLinks(page.HTML, next.url)
		if err != nil {
			logger.Warn("failed to extract links", "url", next.url, "error", err)
			continue
		}
		for _, link := range links {
			if visited[link] {
				continue
			}
			visited[link] = true
			queue = append(queue, queued{url: link, depth: next.depth + 1})
		}
	}

	logger.Info("crawl finished", "pages", len(pages), "discovered", len(visited))
	return pages, nil
}

// loadPage fetches a page and extracts its text, rendering it in a browser when
// the static HTML is too thin and opts.UseBrowser is set.
func loadPage(ctx context.Context, pageURL string, opts Options, logger *slog.Logger) (*Page, error) {
	result, err := fetch.URL(ctx, pageURL, opts.Fetch)
	if err != nil {
		return nil, err
	}

	html := result.HTML
	text, err := fetch.ExtractMainText(html, fetch.EventPageSelectors())
	if err != nil {
		return nil, err
	}

	if opts.UseBrowser && fetch.ShouldUseBrowser(text) {
		rendered, berr := fetch.WithBrowser(ctx, pageURL, BrowserTimeout, logger)
		if berr != nil {
			logger.Warn("browser render failed, using static HTML", "url", pageURL, "error", berr)
		} else if renderedText, terr := fetch.ExtractMainText(rendered, fetch.EventPageSelectors()); terr == nil {
			html = rendered
			text = renderedText
		}
	}

	return &Page{
		URL:  pageURL,
		HTML: html,
		Text: text,
		Hash: computeHash(text),
	}, nil
}

// computeHash computes SHA256 hash of text content
func computeHash(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}
