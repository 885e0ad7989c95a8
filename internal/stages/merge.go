package stages

import (
	"github.com/jonathan/activity-ingest/internal/types"
)

// Merge joins the standardized sequence with the enrichment maps by position.
// The output always has the same length and order as acts.
func Merge(acts []types.StandardizedActivity, images map[int]types.ImageRef, geocoded map[int]types.GeocodeResult, vectors map[int][]float32) []types.MergedActivity {
	out := make([]types.MergedActivity, len(acts))
	for i, act := range acts {
		m := types.MergedActivity{StandardizedActivity: act}

		if img, ok := images[i]; ok {
			img := img
			m.Image = &img
		}
		if g, ok := geocoded[i]; ok {
			m.Location = MergeLocation(act.Location, g)
		}
		if v, ok := vectors[i]; ok && len(v) > 0 {
			m.Embedding = v
		}
		out[i] = m
	}
	return out
}

// MergeLocation overlays a geocode result on a scraped location. Each address
// component takes the geocoded value when present and the scraped one otherwise.
func MergeLocation(scraped types.Location, g types.GeocodeResult) types.Location {
	loc := types.Location{Name: scraped.Name}

	loc.FormattedAddress = g.FormattedAddress
	if loc.FormattedAddress == "" {
		loc.FormattedAddress = scraped.FormattedAddress
	}

	var base types.AddressComponents
	if scraped.Components != nil {
		base = *scraped.Components
	}
	merged := types.AddressComponents{
		Street:     prefer(g.Components.Street, base.Street),
		City:       prefer(g.Components.City, base.City),
		Region:     prefer(g.Components.Region, base.Region),
		PostalCode: prefer(g.Components.PostalCode, base.PostalCode),
		Country:    prefer(g.Components.Country, base.Country),
	}
	if !merged.IsZero() {
		loc.Components = &merged
	}

	coords := g.Coordinates
	loc.Coordinates = &coords
	return loc
}

func prefer(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}
