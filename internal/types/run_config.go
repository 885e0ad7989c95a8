// Package types provides type definitions for structured data used throughout the activity ingestion pipeline.
//
//nolint:revive // types is a standard Go package name pattern
package types

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// Run configuration defaults
const (
	DefaultMaxPages       = 150
	DefaultMaxExtractions = 150
	DefaultUrgency        = UrgencyMedium
)

// Urgency levels assigned to activities
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// RunConfig holds the per-run crawl limits and import options.
type RunConfig struct {
	MaxDepth       *int     `json:"max_depth,omitempty" validate:"omitempty,min=0,max=10"`
	MaxPages       int      `json:"max_pages" validate:"min=1,max=1000"`
	MaxExtractions int      `json:"max_extractions" validate:"min=1,max=1000"`
	AutoImport     bool     `json:"auto_import"`
	UrgencyDefault string   `json:"urgency_default" validate:"oneof=low medium high"`
	IsPublic       bool     `json:"is_public"`
	TagsHint       []string `json:"tags_hint,omitempty" validate:"max=25,dive,required,max=64"`
	UseMockScrape  bool     `json:"use_mock_scrape"`
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c RunConfig) WithDefaults() RunConfig {
	if c.MaxPages == 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.MaxExtractions == 0 {
		c.MaxExtractions = DefaultMaxExtractions
	}
	c.UrgencyDefault = strings.ToLower(strings.TrimSpace(c.UrgencyDefault))
	if c.UrgencyDefault == "" {
		c.UrgencyDefault = DefaultUrgency
	}
	return c
}

// Validate validates the RunConfig using the validator.
func (c *RunConfig) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Depth returns the crawl depth limit, or fallback when unset.
func (c RunConfig) Depth(fallback int) int {
	if c.MaxDepth == nil {
		return fallback
	}
	return *c.MaxDepth
}

// StartRunRequest is the payload accepted by the run trigger endpoints.
type StartRunRequest struct {
	URL    string    `json:"url" validate:"required,url"`
	Config RunConfig `json:"config"`
}

// Validate applies config defaults and validates the request.
func (r *StartRunRequest) Validate() error {
	r.Config = r.Config.WithDefaults()
	validate := validator.New()
	return validate.Struct(r)
}
