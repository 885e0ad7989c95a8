package blob

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/timshannon/badgerhold/v4"
)

// blobRecord is the badgerhold value type for a stored payload.
type blobRecord struct {
	Data []byte
}

// BadgerBackend stores objects in a local Badger database.
type BadgerBackend struct {
	store *badgerhold.Store
}

// OpenBadger opens (or creates) a Badger database at dir.
func OpenBadger(dir string) (*BadgerBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger blob store: %w", err)
	}
	return &BadgerBackend{store: store}, nil
}

func (b *BadgerBackend) Write(_ context.Context, key string, data []byte) error {
	return b.store.Upsert(key, &blobRecord{Data: data})
}

func (b *BadgerBackend) Read(_ context.Context, key string) ([]byte, error) {
	var rec blobRecord
	err := b.store.Get(key, &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.Data, nil
}

func (b *BadgerBackend) Remove(_ context.Context, key string) error {
	err := b.store.Delete(key, &blobRecord{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	return err
}

// Close closes the underlying database.
func (b *BadgerBackend) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
