// Package bootstrap wires configuration into a ready pipeline engine.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/config"
	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/docstore"
	"github.com/jonathan/activity-ingest/internal/embeddings"
	"github.com/jonathan/activity-ingest/internal/extraction"
	"github.com/jonathan/activity-ingest/internal/geocode"
	"github.com/jonathan/activity-ingest/internal/llm"
	"github.com/jonathan/activity-ingest/internal/notify"
	"github.com/jonathan/activity-ingest/internal/observability"
	"github.com/jonathan/activity-ingest/internal/pipeline"
	"github.com/jonathan/activity-ingest/internal/stages"
)

// Service holds initialized dependencies
type Service struct {
	Config config.Config
	Engine *pipeline.Engine
	// DB is nil when no database URL is configured.
	DB     *db.DB
	Logger *slog.Logger

	closers []func() error
}

// Close releases every client opened by NewService, in reverse order.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// NewService initializes all dependencies selected by cfg.
func NewService(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	logger.Info("Initializing service",
		"blob_backend", cfg.BlobBackend,
		"docstore_backend", cfg.DocstoreBackend,
		"publisher_backend", cfg.PublisherBackend)

	// Run store
	var store pipeline.Store
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database init: %w", err)
		}
		svc.DB = database
		svc.onClose(func() error { database.Close(); return nil })
		store = database
	} else {
		logger.Warn("DATABASE_URL not set - runs are kept in memory and lost on exit")
		store = db.NewMemory()
	}

	blobs, err := openBlobs(ctx, cfg, svc)
	if err != nil {
		return nil, err
	}

	activities, err := openDocstore(ctx, cfg, svc)
	if err != nil {
		return nil, err
	}

	publisher, err := openPublisher(ctx, cfg, svc, logger)
	if err != nil {
		return nil, err
	}

	router, err := newExtractors(ctx, cfg, svc, logger)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Store:      store,
		Blobs:      blobs,
		Extractors: router,
		Images:     stages.HTTPImages{},
		Activities: activities,
		Publisher:  publisher,
		Reporter:   observability.SentryReporter{Logger: logger},
		Logger:     logger,
	}

	if cfg.GeocodeAPIKey != "" {
		deps.Geocoder = geocode.NewClient(cfg.GeocodeAPIKey, geocode.Options{})
	} else {
		logger.Warn("GOOGLE_MAPS_API_KEY not set - geocoding disabled")
	}

	if cfg.OpenAIAPIKey != "" {
		deps.Embedder = embeddings.NewOpenAIClient(cfg.OpenAIAPIKey, embeddings.Options{Model: cfg.EmbeddingModel})
	} else {
		logger.Warn("OPENAI_API_KEY not set - using local embeddings", "dimensions", cfg.EmbeddingDimensions)
		deps.Embedder = embeddings.NewLocalClient(cfg.EmbeddingDimensions)
	}

	engine, err := pipeline.New(deps, pipeline.Options{
		WorkerID:          cfg.WorkerID,
		LeaseDuration:     cfg.Lease(),
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		ItemConcurrency:   cfg.ItemConcurrency,
	})
	if err != nil {
		return nil, err
	}
	svc.Engine = engine
	return svc, nil
}

func openBlobs(ctx context.Context, cfg config.Config, svc *Service) (blob.Backend, error) {
	switch cfg.BlobBackend {
	case config.BlobS3:
		b, err := blob.NewS3Backend(ctx, blob.S3Config{
			Bucket:  cfg.BlobBucket,
			Region:  cfg.S3Region,
			Profile: cfg.S3Profile,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 init: %w", err)
		}
		return b, nil
	case config.BlobGCS:
		b, err := blob.NewGCSBackend(ctx, cfg.BlobBucket)
		if err != nil {
			return nil, fmt.Errorf("storage init: %w", err)
		}
		svc.onClose(b.Close)
		return b, nil
	case config.BlobMemory:
		return blob.NewMemoryBackend(), nil
	default:
		b, err := blob.OpenBadger(cfg.BlobDir)
		if err != nil {
			return nil, fmt.Errorf("badger init: %w", err)
		}
		svc.onClose(b.Close)
		return b, nil
	}
}

func openDocstore(ctx context.Context, cfg config.Config, svc *Service) (stages.ActivityStore, error) {
	switch cfg.DocstoreBackend {
	case config.DocsFirestore:
		fs, err := docstore.NewFirestore(ctx, cfg.FirestoreProject, cfg.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("firestore init: %w", err)
		}
		svc.onClose(fs.Close)
		return fs, nil
	case config.DocsBadger:
		b, err := docstore.OpenBadger(cfg.DocstoreDir)
		if err != nil {
			return nil, fmt.Errorf("activity store init: %w", err)
		}
		svc.onClose(b.Close)
		return b, nil
	case config.DocsMemory:
		return docstore.NewMemory(), nil
	default:
		if svc.DB == nil {
			return nil, fmt.Errorf("the postgres activity store requires DATABASE_URL")
		}
		return svc.DB.Activities(), nil
	}
}

func openPublisher(ctx context.Context, cfg config.Config, svc *Service, logger *slog.Logger) (notify.Publisher, error) {
	if cfg.PublisherBackend != config.PublishPubSub {
		logger.Info("Pub/Sub: MOCK (LogPublisher)")
		return notify.LogPublisher{Logger: logger}, nil
	}
	p, err := notify.NewPubSubPublisher(ctx, cfg.PubSubProject, cfg.PubSubTopic)
	if err != nil {
		return nil, err
	}
	svc.onClose(p.Close)
	logger.Info("Pub/Sub: REAL", "topic", cfg.PubSubTopic)
	return p, nil
}

func newExtractors(ctx context.Context, cfg config.Config, svc *Service, logger *slog.Logger) (extraction.Router, error) {
	mock, err := extraction.NewMockExtractor(logger)
	if err != nil {
		return extraction.Router{}, err
	}
	router := extraction.Router{Mock: mock}

	if cfg.APIKey == "" {
		logger.Warn("GEMINI_API_KEY not set - only mock scrape runs can extract")
		return router, nil
	}
	client, err := llm.NewClient(ctx, llm.DefaultConfig(), cfg.APIKey)
	if err != nil {
		return extraction.Router{}, fmt.Errorf("llm init: %w", err)
	}
	svc.onClose(client.Close)
	router.Site = extraction.NewSiteExtractor(client, cfg.UseBrowser, logger)
	return router, nil
}
