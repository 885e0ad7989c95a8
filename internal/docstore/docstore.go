// Package docstore implements the primary activity store used by the import stage.
package docstore

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"github.com/jonathan/activity-ingest/internal/types"
)

// DefaultCollection is the Firestore collection holding activities.
const DefaultCollection = "activities"

// Firestore stores activities as documents in a collection.
type Firestore struct {
	Client     *firestore.Client
	Collection string
}

// NewFirestore connects to Firestore in projectID.
func NewFirestore(ctx context.Context, projectID, collection string) (*Firestore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("firestore init: %w", err)
	}
	if collection == "" {
		collection = DefaultCollection
	}
	return &Firestore{Client: client, Collection: collection}, nil
}

// FindByName returns documents whose name field equals name.
func (f *Firestore) FindByName(ctx context.Context, name string) ([]types.StoredActivity, error) {
	iter := f.Client.Collection(f.Collection).Where("name", "==", name).Documents(ctx)
	defer iter.Stop()

	found := make([]types.StoredActivity, 0)
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query activities: %w", err)
		}
		data := snap.Data()
		a := types.StoredActivity{ID: snap.Ref.ID}
		a.Name, _ = data["name"].(string)
		a.FormattedAddress, _ = data["formatted_address"].(string)
		found = append(found, a)
	}
	return found, nil
}

// Insert creates a new document for activity.
func (f *Firestore) Insert(ctx context.Context, activity types.MergedActivity) (string, error) {
	ref := f.Client.Collection(f.Collection).NewDoc()
	if _, err := ref.Create(ctx, toDocument(activity)); err != nil {
		return "", fmt.Errorf("failed to insert activity: %w", err)
	}
	return ref.ID, nil
}

// Close releases the Firestore client.
func (f *Firestore) Close() error {
	return f.Client.Close()
}

// toDocument maps an activity to Firestore fields in snake_case.
func toDocument(a types.MergedActivity) map[string]interface{} {
	doc := map[string]interface{}{
		"name":              a.Name,
		"description":       a.Description,
		"urgency":           a.Urgency,
		"is_public":         a.IsPublic,
		"location_name":     a.Location.Name,
		"formatted_address": a.Location.FormattedAddress,
		"start_date":        a.StartDate,
		"end_date":          a.EndDate,
		"tags":              a.Tags,
		"source_url":        a.SourceURL,
	}
	if c := a.Location.Components; c != nil {
		doc["address_components"] = map[string]interface{}{
			"street":      c.Street,
			"city":        c.City,
			"region":      c.Region,
			"postal_code": c.PostalCode,
			"country":     c.Country,
		}
	}
	if c := a.Location.Coordinates; c != nil {
		doc["coordinates"] = map[string]interface{}{"lat": c.Lat, "lng": c.Lng}
	}
	if a.Image != nil {
		doc["image"] = map[string]interface{}{
			"handle":       a.Image.Handle,
			"content_type": a.Image.ContentType,
			"source_url":   a.Image.SourceURL,
		}
	}
	if len(a.Embedding) > 0 {
		doc["embedding"] = firestore.Vector32(a.Embedding)
	}
	return doc
}

// Memory is an in-process activity store.
type Memory struct {
	mu   sync.Mutex
	docs []memoryDoc
}

type memoryDoc struct {
	id       string
	activity types.MergedActivity
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// FindByName returns stored activities with exactly this name.
func (m *Memory) FindByName(_ context.Context, name string) ([]types.StoredActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := make([]types.StoredActivity, 0)
	for _, d := range m.docs {
		if d.activity.Name == name {
			found = append(found, types.StoredActivity{
				ID:               d.id,
				Name:             d.activity.Name,
				FormattedAddress: d.activity.Location.FormattedAddress,
			})
		}
	}
	return found, nil
}

// Insert stores activity under a new ID.
func (m *Memory) Insert(_ context.Context, activity types.MergedActivity) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.docs = append(m.docs, memoryDoc{id: id, activity: activity})
	return id, nil
}

// Len returns the number of stored activities.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}
