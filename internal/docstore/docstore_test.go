package docstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/activity-ingest/internal/stages"
	"github.com/jonathan/activity-ingest/internal/types"
)

func activity(name, address string) types.MergedActivity {
	return types.MergedActivity{StandardizedActivity: types.StandardizedActivity{
		Name:     name,
		Location: types.Location{FormattedAddress: address},
	}}
}

func exerciseStore(t *testing.T, store stages.ActivityStore) {
	t.Helper()
	ctx := context.Background()

	id, err := store.Insert(ctx, activity("Market", "1 Main St"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = store.Insert(ctx, activity("Market", "2 Elm St"))
	require.NoError(t, err)
	_, err = store.Insert(ctx, activity("Concert", "1 Main St"))
	require.NoError(t, err)

	found, err := store.FindByName(ctx, "Market")
	require.NoError(t, err)
	require.Len(t, found, 2)
	addresses := []string{found[0].FormattedAddress, found[1].FormattedAddress}
	assert.ElementsMatch(t, []string{"1 Main St", "2 Elm St"}, addresses)

	none, err := store.FindByName(ctx, "market")
	require.NoError(t, err)
	assert.Empty(t, none, "lookup is exact")
}

func TestMemory(t *testing.T) {
	store := NewMemory()
	exerciseStore(t, store)
	assert.Equal(t, 3, store.Len())
}

func TestBadger(t *testing.T) {
	store, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	exerciseStore(t, store)
}

func TestToDocument(t *testing.T) {
	a := activity("Market", "1 Main St")
	a.Location.Coordinates = &types.Coordinates{Lat: 1, Lng: 2}
	a.Embedding = []float32{0.1, 0.2}
	a.Image = &types.ImageRef{Handle: "images/abc"}

	doc := toDocument(a)
	assert.Equal(t, "Market", doc["name"])
	assert.Equal(t, "1 Main St", doc["formatted_address"])
	assert.Contains(t, doc, "coordinates")
	assert.Contains(t, doc, "embedding")
	assert.Contains(t, doc, "image")
	assert.NotContains(t, doc, "address_components")
}
