// Package extraction turns a website into raw activity records by crawling it
// and asking an LLM to extract activities from each page.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jonathan/activity-ingest/internal/crawling"
	"github.com/jonathan/activity-ingest/internal/llm"
	"github.com/jonathan/activity-ingest/internal/prompts"
	"github.com/jonathan/activity-ingest/internal/schemas"
	"github.com/jonathan/activity-ingest/internal/types"
)

// MaxPageTextChars bounds the page text sent to the LLM.
const MaxPageTextChars = 30000

// Limits bounds one crawl-and-extract call.
type Limits struct {
	MaxDepth       int
	MaxPages       int
	MaxExtractions int
	TagsHint       []string
}

// LimitsFromConfig derives extraction limits from a run configuration.
func LimitsFromConfig(cfg types.RunConfig) Limits {
	return Limits{
		MaxDepth:       cfg.Depth(crawling.DefaultMaxDepth),
		MaxPages:       cfg.MaxPages,
		MaxExtractions: cfg.MaxExtractions,
		TagsHint:       cfg.TagsHint,
	}
}

// Extractor crawls a site and returns the activities found on it.
// It returns an empty slice, not an error, when the site lists no activities.
type Extractor interface {
	CrawlAndExtract(ctx context.Context, url string, limits Limits) ([]types.RawRecord, error)
}

// pagePayload is the JSON document the LLM returns per page.
type pagePayload struct {
	Activities []types.RawRecord `json:"activities"`
}

// SiteExtractor implements Extractor with the crawler and an LLM client.
type SiteExtractor struct {
	client     llm.Client
	useBrowser bool
	logger     *slog.Logger
}

// NewSiteExtractor creates a SiteExtractor.
func NewSiteExtractor(client llm.Client, useBrowser bool, logger *slog.Logger) *SiteExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SiteExtractor{
		client:     client,
		useBrowser: useBrowser,
		logger:     logger,
	}
}

// CrawlAndExtract crawls url and extracts activities page by page until
// limits.MaxExtractions records are collected.
func (e *SiteExtractor) CrawlAndExtract(ctx context.Context, url string, limits Limits) ([]types.RawRecord, error) {
	pages, err := crawling.Crawl(ctx, url, crawling.Options{
		MaxDepth:   limits.MaxDepth,
		MaxPages:   limits.MaxPages,
		UseBrowser: e.useBrowser,
		Logger:     e.logger,
	})
	if err != nil {
		return nil, err
	}

	records := make([]types.RawRecord, 0)
	seen := make(map[string]bool)
	failures := 0
	var lastErr error

	for _, page := range pages {
		if limits.MaxExtractions > 0 && len(records) >= limits.MaxExtractions {
			break
		}
		if strings.TrimSpace(page.Text) == "" {
			continue
		}

		remaining := limits.MaxExtractions - len(records)
		found, err := e.extractPage(ctx, page, remaining, limits.TagsHint)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &crawling.CrawlError{Message: "extraction interrupted", Cause: ctx.Err()}
			}
			failures++
			lastErr = err
			e.logger.Warn("extraction failed for page", "url", page.URL, "error", err)
			continue
		}

		for _, rec := range found {
			key := recordKey(rec)
			if seen[key] {
				continue
			}
			seen[key] = true
			records = append(records, rec)
			if limits.MaxExtractions > 0 && len(records) >= limits.MaxExtractions {
				break
			}
		}
	}

	if len(pages) > 0 && failures == len(pages) {
		return nil, &crawling.CrawlError{Message: "extraction failed on every page", Cause: lastErr}
	}

	e.logger.Info("extraction finished", "url", url, "pages", len(pages), "records", len(records), "failed_pages", failures)
	return records, nil
}

func (e *SiteExtractor) extractPage(ctx context.Context, page crawling.Page, limit int, tagsHint []string) ([]types.RawRecord, error) {
	prompt, err := BuildPrompt(page.URL, page.Text, limit, tagsHint)
	if err != nil {
		return nil, err
	}

	answer, err := e.client.GenerateJSON(ctx, llm.Request{
		Prompt: prompt,
		Tier:   llm.TierFor(len(page.Text)),
		Check:  checkActivityPage,
	})
	if err != nil {
		return nil, fmt.Errorf("llm extraction failed: %w", err)
	}

	var payload pagePayload
	if err := json.Unmarshal(answer, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode extraction output: %w", err)
	}
	for i := range payload.Activities {
		if payload.Activities[i].ImageURL != "" {
			payload.Activities[i].ImageURL = resolveURL(page.URL, payload.Activities[i].ImageURL)
		}
	}
	return payload.Activities, nil
}

// checkActivityPage rejects answers that do not match the page schema.
func checkActivityPage(answer []byte) error {
	return schemas.Validate(schemas.ActivityPageSchema, answer)
}

// BuildPrompt renders the extraction prompt for one page.
func BuildPrompt(pageURL, text string, limit int, tagsHint []string) (string, error) {
	template, err := prompts.Get("extraction.json", "extract-activities")
	if err != nil {
		return "", err
	}

	hint := ""
	if len(tagsHint) > 0 {
		hintTemplate, err := prompts.Get("extraction.json", "tags-hint")
		if err != nil {
			return "", err
		}
		hint = prompts.Format(hintTemplate, map[string]string{"Tags": strings.Join(tagsHint, ", ")})
	}

	if len(text) > MaxPageTextChars {
		text = text[:MaxPageTextChars]
	}
	if limit <= 0 {
		limit = types.DefaultMaxExtractions
	}

	return prompts.Format(template, map[string]string{
		"URL":      pageURL,
		"Text":     text,
		"Limit":    strconv.Itoa(limit),
		"TagsHint": hint,
	}), nil
}

// recordKey identifies a record repeated across listing and detail pages.
func recordKey(r types.RawRecord) string {
	return strings.ToLower(strings.TrimSpace(r.Name)) + "\x00" + r.StartDate + "\x00" + strings.TrimSpace(r.Address)
}
