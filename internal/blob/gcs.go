package blob

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBackend stores objects in a Google Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// NewGCSBackend creates a GCS backend using application default credentials.
func NewGCSBackend(ctx context.Context, bucket string) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSBackend{client: client, bucket: bucket}, nil
}

func (g *GCSBackend) Write(ctx context.Context, key string, data []byte) error {
	wc := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return err
	}
	return wc.Close()
}

func (g *GCSBackend) Read(ctx context.Context, key string) ([]byte, error) {
	rc, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

func (g *GCSBackend) Remove(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

// Close releases the underlying client.
func (g *GCSBackend) Close() error {
	return g.client.Close()
}
