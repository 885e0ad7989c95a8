package extraction

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jonathan/activity-ingest/internal/types"
)

//go:embed testdata/mock_activities.json
var mockActivities []byte

// MockExtractor returns a fixed set of activities without touching the network.
// Runs configured with useMockScrape use it.
type MockExtractor struct {
	Records []types.RawRecord
	logger  *slog.Logger
}

// NewMockExtractor loads the embedded fixture.
func NewMockExtractor(logger *slog.Logger) (*MockExtractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var payload pagePayload
	if err := json.Unmarshal(mockActivities, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse mock activities: %w", err)
	}
	return &MockExtractor{Records: payload.Activities, logger: logger}, nil
}

// CrawlAndExtract returns the fixture records, bounded by limits.MaxExtractions.
func (m *MockExtractor) CrawlAndExtract(ctx context.Context, url string, limits Limits) ([]types.RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(m.Records)
	if limits.MaxExtractions > 0 && n > limits.MaxExtractions {
		n = limits.MaxExtractions
	}
	out := make([]types.RawRecord, n)
	copy(out, m.Records[:n])
	m.logger.Info("mock extraction", "url", url, "records", n)
	return out, nil
}

// Router picks the mock or site extractor per run.
type Router struct {
	Site Extractor
	Mock Extractor
}

// For returns the extractor a run should use.
func (r Router) For(cfg types.RunConfig) (Extractor, error) {
	if cfg.UseMockScrape {
		if r.Mock == nil {
			return nil, fmt.Errorf("mock extractor not configured")
		}
		return r.Mock, nil
	}
	if r.Site == nil {
		return nil, fmt.Errorf("site extractor not configured")
	}
	return r.Site, nil
}
