package docstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/timshannon/badgerhold/v4"

	"github.com/jonathan/activity-ingest/internal/types"
)

// activityRecord is the badgerhold representation of an imported activity.
type activityRecord struct {
	ID               string
	Name             string `badgerhold:"index"`
	FormattedAddress string
	Activity         types.MergedActivity
}

// Badger stores activities in a local badger database.
type Badger struct {
	store *badgerhold.Store
}

// OpenBadger opens or creates the store in dir.
func OpenBadger(dir string) (*Badger, error) {
	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open activity store: %w", err)
	}
	return &Badger{store: store}, nil
}

// FindByName returns stored activities with exactly this name.
func (b *Badger) FindByName(_ context.Context, name string) ([]types.StoredActivity, error) {
	var records []activityRecord
	if err := b.store.Find(&records, badgerhold.Where("Name").Eq(name)); err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	found := make([]types.StoredActivity, 0, len(records))
	for _, r := range records {
		found = append(found, types.StoredActivity{ID: r.ID, Name: r.Name, FormattedAddress: r.FormattedAddress})
	}
	return found, nil
}

// Insert stores activity under a new ID.
func (b *Badger) Insert(_ context.Context, activity types.MergedActivity) (string, error) {
	id := uuid.NewString()
	record := activityRecord{
		ID:               id,
		Name:             activity.Name,
		FormattedAddress: activity.Location.FormattedAddress,
		Activity:         activity,
	}
	if err := b.store.Insert(id, &record); err != nil {
		return "", fmt.Errorf("failed to insert activity: %w", err)
	}
	return id, nil
}

// Close closes the underlying database.
func (b *Badger) Close() error {
	return b.store.Close()
}
