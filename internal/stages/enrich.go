package stages

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/activity-ingest/internal/blob"
	"github.com/jonathan/activity-ingest/internal/fetch"
	"github.com/jonathan/activity-ingest/internal/geocode"
	"github.com/jonathan/activity-ingest/internal/pipeline/steps"
	"github.com/jonathan/activity-ingest/internal/types"
)

// DefaultConcurrency bounds in-flight requests per enrichment stage.
const DefaultConcurrency = 8

// itemAttempts is how often a single item request is tried before it is dropped.
const itemAttempts = 3

// itemBackoff is the first wait between item attempts.
var itemBackoff = 250 * time.Millisecond

// ImageFetcher downloads one image.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) (*fetch.ImageResult, error)
}

// HTTPImages fetches images over HTTP with opts.
type HTTPImages struct {
	Options *fetch.Options
}

// FetchImage implements ImageFetcher.
func (h HTTPImages) FetchImage(ctx context.Context, url string) (*fetch.ImageResult, error) {
	return fetch.Image(ctx, url, h.Options)
}

// BuildImageMap downloads each activity's source image into store and returns
// the handles keyed by position. Activities without an image URL, and images
// that fail to download, are absent from the map.
func BuildImageMap(ctx context.Context, acts []types.StandardizedActivity, fetcher ImageFetcher, store blob.Store, concurrency int, logger *slog.Logger) (map[int]types.ImageRef, error) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[int]types.ImageRef)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit(concurrency))
	for i, act := range acts {
		if act.SourceImageURL == "" {
			continue
		}
		i, url := i, act.SourceImageURL
		g.Go(func() error {
			var img *fetch.ImageResult
			err := withItemRetry(gctx, func() error {
				var err error
				img, err = fetcher.FetchImage(gctx, url)
				return err
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("image download failed", "index", i, "url", url, "error", err)
				return nil
			}

			h, err := store.Put(gctx, img.Data)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				logger.Warn("image store failed", "index", i, "url", url, "error", err)
				return nil
			}

			mu.Lock()
			out[i] = types.ImageRef{
				Handle:      h.String(),
				ContentType: img.ContentType,
				Size:        len(img.Data),
				SourceURL:   url,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info("image stage finished", "activities", len(acts), "images", len(out))
	return out, nil
}

// GeocodeQuery returns the address sent to the geocoder for act, or "".
func GeocodeQuery(act types.StandardizedActivity) string {
	if act.Location.FormattedAddress != "" {
		return act.Location.FormattedAddress
	}
	return act.Location.Name
}

// BuildGeocodeMap geocodes each activity's address. Identical addresses are
// looked up once. Not-found and failed lookups are absent from the map.
func BuildGeocodeMap(ctx context.Context, acts []types.StandardizedActivity, geocoder geocode.Geocoder, concurrency int, logger *slog.Logger) (map[int]types.GeocodeResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	byAddress := make(map[string][]int)
	order := make([]string, 0)
	for i, act := range acts {
		q := GeocodeQuery(act)
		if q == "" {
			continue
		}
		if _, ok := byAddress[q]; !ok {
			order = append(order, q)
		}
		byAddress[q] = append(byAddress[q], i)
	}

	out := make(map[int]types.GeocodeResult)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit(concurrency))
	for _, address := range order {
		address := address
		g.Go(func() error {
			var res *types.GeocodeResult
			err := withItemRetry(gctx, func() error {
				var err error
				res, err = geocoder.Geocode(gctx, address)
				if errors.Is(err, geocode.ErrNotFound) {
					return steps.Permanent(err)
				}
				return err
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if errors.Is(err, geocode.ErrNotFound) {
					logger.Info("address not found", "address", address)
				} else {
					logger.Warn("geocode failed", "address", address, "error", err)
				}
				return nil
			}

			mu.Lock()
			for _, i := range byAddress[address] {
				out[i] = *res
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Info("geocode stage finished", "activities", len(acts), "geocoded", len(out))
	return out, nil
}

// withItemRetry runs fn until it succeeds, fails permanently or runs out of attempts.
func withItemRetry(ctx context.Context, fn func() error) error {
	var err error
	wait := itemBackoff
	for attempt := 1; attempt <= itemAttempts; attempt++ {
		if err = fn(); err == nil || steps.IsPermanent(err) {
			return err
		}
		if attempt == itemAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}

func limit(concurrency int) int {
	if concurrency <= 0 {
		return DefaultConcurrency
	}
	return concurrency
}
