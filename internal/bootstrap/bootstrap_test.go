package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/activity-ingest/internal/config"
	"github.com/jonathan/activity-ingest/internal/db"
	"github.com/jonathan/activity-ingest/internal/types"
)

func localConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.BlobBackend = config.BlobBadger
	cfg.BlobDir = filepath.Join(t.TempDir(), "blobs")
	cfg.DocstoreBackend = config.DocsMemory
	return cfg
}

func TestNewService_LocalBackends(t *testing.T) {
	svc, err := NewService(context.Background(), localConfig(t), nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, svc.Close()) }()

	assert.Nil(t, svc.DB)
	require.NotNil(t, svc.Engine)

	ctx := context.Background()
	id, err := svc.Engine.Start(ctx, types.StartRunRequest{
		URL:    "https://events.example.com",
		Config: types.RunConfig{UseMockScrape: true, AutoImport: true},
	})
	require.NoError(t, err)

	run, err := svc.Engine.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusRunning, run.Status)
	assert.True(t, run.Config.UseMockScrape)
	assert.NotEmpty(t, svc.Engine.WorkerID())
}

func TestNewService_SiteRunWithoutAPIKeyFails(t *testing.T) {
	cfg := localConfig(t)
	cfg.BlobBackend = config.BlobMemory
	svc, err := NewService(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer svc.Close()

	ctx := context.Background()
	id, err := svc.Engine.Start(ctx, types.StartRunRequest{URL: "https://events.example.com"})
	require.NoError(t, err)
	require.NoError(t, svc.Engine.Advance(ctx, id))

	run, err := svc.Engine.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, db.RunStatusFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "site extractor not configured")
}

func TestNewService_PostgresDocstoreNeedsDatabase(t *testing.T) {
	cfg := localConfig(t)
	cfg.DocstoreBackend = config.DocsPostgres

	svc, err := NewService(context.Background(), cfg, nil)
	assert.Nil(t, svc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}
