// Package blob provides content-addressed storage for values passed between pipeline steps.
//
// Any value that scales with input size (crawl output, enrichment maps, merged records,
// the serialized export) crosses a step boundary as a Handle, never inline.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when no object exists for a handle.
var ErrNotFound = errors.New("blob not found")

// Handle identifies a stored payload. It is the backend object key.
type Handle string

// String returns the handle as a plain string.
func (h Handle) String() string { return string(h) }

// Store is the put/get/delete contract used by pipeline stages.
type Store interface {
	Put(ctx context.Context, data []byte) (Handle, error)
	Get(ctx context.Context, h Handle) ([]byte, error)
	Delete(ctx context.Context, h Handle) error
}

// Backend is a raw object store keyed by string.
// Read must return ErrNotFound (possibly wrapped) for missing keys.
// Remove must succeed for missing keys.
type Backend interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentStore implements Store on top of a Backend. Objects are keyed by
// <prefix>/<sha256>, so identical payloads within one prefix share a handle.
type ContentStore struct {
	backend Backend
	prefix  string
}

// NewStore returns a content-addressed store that writes under prefix.
func NewStore(backend Backend, prefix string) *ContentStore {
	return &ContentStore{backend: backend, prefix: strings.Trim(prefix, "/")}
}

// Scope returns a store writing under an additional path segment.
func (s *ContentStore) Scope(segment string) *ContentStore {
	return &ContentStore{backend: s.backend, prefix: path.Join(s.prefix, strings.Trim(segment, "/"))}
}

// HandleFor returns the handle Put would assign to data.
func (s *ContentStore) HandleFor(data []byte) Handle {
	if s.prefix == "" {
		return Handle(Digest(data))
	}
	return Handle(s.prefix + "/" + Digest(data))
}

// Put stores data and returns its content handle.
func (s *ContentStore) Put(ctx context.Context, data []byte) (Handle, error) {
	h := s.HandleFor(data)
	if err := s.backend.Write(ctx, string(h), data); err != nil {
		return "", fmt.Errorf("failed to put blob %s: %w", h, err)
	}
	return h, nil
}

// Get loads the payload behind h.
func (s *ContentStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	if h == "" {
		return nil, fmt.Errorf("empty blob handle: %w", ErrNotFound)
	}
	data, err := s.backend.Read(ctx, string(h))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("blob %s: %w", h, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get blob %s: %w", h, err)
	}
	return data, nil
}

// Delete removes the payload behind h. Deleting a missing blob is not an error.
func (s *ContentStore) Delete(ctx context.Context, h Handle) error {
	if h == "" {
		return nil
	}
	if err := s.backend.Remove(ctx, string(h)); err != nil {
		return fmt.Errorf("failed to delete blob %s: %w", h, err)
	}
	return nil
}

// PutJSON marshals v and stores it.
func PutJSON(ctx context.Context, s Store, v any) (Handle, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal blob payload: %w", err)
	}
	return s.Put(ctx, data)
}

// GetJSON loads the payload behind h and unmarshals it into v.
func GetJSON(ctx context.Context, s Store, h Handle, v any) error {
	data, err := s.Get(ctx, h)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal blob %s: %w", h, err)
	}
	return nil
}
