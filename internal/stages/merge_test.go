package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/activity-ingest/internal/types"
)

func TestMerge_LengthAndAlignment(t *testing.T) {
	acts := []types.StandardizedActivity{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	images := map[int]types.ImageRef{2: {Handle: "images/x"}}
	vectors := map[int][]float32{0: {1, 2}, 7: {9}}

	merged := Merge(acts, images, nil, vectors)
	require.Len(t, merged, 3)
	assert.Equal(t, "a", merged[0].Name)
	assert.Equal(t, []float32{1, 2}, merged[0].Embedding)
	assert.Nil(t, merged[0].Image)
	assert.Nil(t, merged[1].Image)
	assert.Nil(t, merged[1].Embedding)
	require.NotNil(t, merged[2].Image)
	assert.Equal(t, "images/x", merged[2].Image.Handle)

	assert.Empty(t, Merge(nil, images, nil, vectors))
}

func TestMergeLocation_FieldPrecedence(t *testing.T) {
	scraped := types.Location{
		Name:             "Town Hall",
		FormattedAddress: "1 Main, Springfield",
		Components: &types.AddressComponents{
			Street:     "1 Main",
			City:       "Springfield",
			PostalCode: "00000",
		},
	}
	g := types.GeocodeResult{
		FormattedAddress: "1 Main St, Springfield, IL 62701, USA",
		Coordinates:      types.Coordinates{Lat: 39.8, Lng: -89.6},
		Components: types.AddressComponents{
			Street:     "1 Main St",
			Region:     "IL",
			PostalCode: "62701",
			Country:    "US",
		},
	}

	loc := MergeLocation(scraped, g)
	assert.Equal(t, "Town Hall", loc.Name)
	assert.Equal(t, "1 Main St, Springfield, IL 62701, USA", loc.FormattedAddress)
	require.NotNil(t, loc.Components)
	assert.Equal(t, types.AddressComponents{
		Street:     "1 Main St",
		City:       "Springfield",
		Region:     "IL",
		PostalCode: "62701",
		Country:    "US",
	}, *loc.Components)
	require.NotNil(t, loc.Coordinates)
	assert.Equal(t, 39.8, loc.Coordinates.Lat)

	// The scraped location is not modified.
	assert.Equal(t, "00000", scraped.Components.PostalCode)
}

func TestMergeLocation_FallsBackToScrapedAddress(t *testing.T) {
	scraped := types.Location{FormattedAddress: "Somewhere"}
	loc := MergeLocation(scraped, types.GeocodeResult{Coordinates: types.Coordinates{Lat: 1, Lng: 1}})
	assert.Equal(t, "Somewhere", loc.FormattedAddress)
	assert.Nil(t, loc.Components)
	assert.NotNil(t, loc.Coordinates)
}
