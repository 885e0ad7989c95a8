// Package crawling crawls activity listing sites and collects page text for extraction.
package crawling

import (
	"errors"
	"fmt"
)

// CrawlError represents a crawl or extraction failure that aborts a run's extract step.
type CrawlError struct {
	Message string
	Cause   error
	// Fatal marks failures retrying cannot fix, such as an invalid seed URL.
	Fatal bool
}

func (e *CrawlError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("crawl error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("crawl error: %s", e.Message)
}

func (e *CrawlError) Unwrap() error {
	return e.Cause
}

// Permanent reports whether the failure is not worth retrying.
// A permanent cause also makes the crawl error permanent.
func (e *CrawlError) Permanent() bool {
	if e.Fatal {
		return true
	}
	var p interface{ Permanent() bool }
	if errors.As(e.Cause, &p) {
		return p.Permanent()
	}
	return false
}

// LinkExtractionError represents a failure in extracting links from HTML
type LinkExtractionError struct {
	Message string
	Cause   error
}

func (e *LinkExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("link extraction error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("link extraction error: %s", e.Message)
}

func (e *LinkExtractionError) Unwrap() error {
	return e.Cause
}
