package crawling

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jonathan/activity-ingest/internal/fetch"
)

// ExtractLinks extracts all same-domain page links from HTML content.
// Image files and non-http schemes are skipped.
func ExtractLinks(htmlContent string, baseURL string) ([]string, error) {
	// Parse base URL to get domain
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, &LinkExtractionError{
			Message: "failed to parse base URL",
			Cause:   err,
		}
	}

	if base.Scheme == "" || base.Host == "" {
		return nil, &LinkExtractionError{
			Message: fmt.Sprintf("invalid base URL: %s (must have scheme and host)", baseURL),
			Cause:   nil,
		}
	}

	// Parse HTML
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, &LinkExtractionError{
			Message: "failed to parse HTML",
			Cause:   err,
		}
	}

	linkSet := make(map[string]bool)
	links := make([]string, 0)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, exists := s.Attr("href")
		if !exists || href == "" {
			return
		}

		// Parse the link URL (could be relative or absolute)
		linkURL, err := url.Parse(href)
		if err != nil {
			// Skip malformed URLs
			return
		}

		// Resolve relative URLs
		absoluteURL := base.ResolveReference(linkURL)

		if absoluteURL.Scheme != "http" && absoluteURL.Scheme != "https" {
			return
		}
		if absoluteURL.Host != base.Host {
			return
		}

		absoluteURL.Fragment = ""
		urlString := NormalizeURL(absoluteURL.String())
		if fetch.IsImageURL(urlString) {
			return
		}

		if !linkSet[urlString] {
			linkSet[urlString] = true
			links = append(links, urlString)
		}
	})

	return links, nil
}

// NormalizeURL strips the fragment and trailing slash so equivalent links dedupe.
func NormalizeURL(raw string) string {
	if i := strings.Index(raw, "#"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSuffix(raw, "/")
}
