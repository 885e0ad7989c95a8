// Package stages implements the per-run transformation steps of the ingestion
// pipeline. Stage functions are deterministic over their inputs; per-item
// failures are logged and the item is left out of the stage output.
package stages

import (
	"log/slog"
	"strings"
	"time"

	"github.com/jonathan/activity-ingest/internal/fetch"
	"github.com/jonathan/activity-ingest/internal/types"
)

// dateLayouts are the accepted date formats, tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Standardize validates and normalizes raw records. Records without a name are
// dropped; the output order follows the input order and is the positional
// index every later stage keys on.
func Standardize(raw []types.RawRecord, cfg types.RunConfig, sourceURL string, logger *slog.Logger) []types.StandardizedActivity {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.WithDefaults()

	out := make([]types.StandardizedActivity, 0, len(raw))
	for i, r := range raw {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			logger.Warn("dropping record without name", "record", i)
			continue
		}

		act := types.StandardizedActivity{
			Name:        name,
			Description: strings.TrimSpace(r.Description),
			Urgency:     cfg.UrgencyDefault,
			IsPublic:    cfg.IsPublic,
			Location:    normalizeLocation(r),
			Tags:        normalizeTags(r.Tags),
			SourceURL:   sourceURL,
		}

		if start, ok := parseDate(r.StartDate); ok {
			act.StartDate = start.Format(time.RFC3339)
		} else if strings.TrimSpace(r.StartDate) != "" {
			logger.Debug("dropping invalid start date", "record", i, "value", r.StartDate)
		}
		if end, ok := parseDate(r.EndDate); ok {
			start, hasStart := parseDate(r.StartDate)
			if hasStart && end.Before(start) {
				logger.Debug("dropping end date before start", "record", i)
			} else {
				act.EndDate = end.Format(time.RFC3339)
			}
		} else if strings.TrimSpace(r.EndDate) != "" {
			logger.Debug("dropping invalid end date", "record", i, "value", r.EndDate)
		}

		if img := strings.TrimSpace(r.ImageURL); img != "" {
			if _, err := fetch.ValidateURL(img); err == nil {
				act.SourceImageURL = img
			} else {
				logger.Debug("dropping invalid image url", "record", i, "value", img)
			}
		}

		out = append(out, act)
	}
	return out
}

func normalizeLocation(r types.RawRecord) types.Location {
	components := types.AddressComponents{
		Street:     strings.TrimSpace(r.Address),
		City:       strings.TrimSpace(r.City),
		Region:     strings.TrimSpace(r.Region),
		PostalCode: strings.TrimSpace(r.PostalCode),
		Country:    strings.TrimSpace(r.Country),
	}

	loc := types.Location{
		Name:             strings.TrimSpace(r.LocationName),
		FormattedAddress: FormatAddress(components),
	}
	if !components.IsZero() {
		loc.Components = &components
	}
	return loc
}

// FormatAddress renders components as "street, city, region postal, country",
// skipping empty parts.
func FormatAddress(c types.AddressComponents) string {
	regionPostal := strings.TrimSpace(c.Region + " " + c.PostalCode)
	parts := make([]string, 0, 4)
	for _, p := range []string{c.Street, c.City, regionPostal, c.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
