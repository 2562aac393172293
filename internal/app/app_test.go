package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/orchestrator"
)

// fakeService answers the reference HTTP provider API with one job that
// completes on the first status check.
func fakeService(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer vg-secret", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"id":"job-1"}`)
	})
	mux.HandleFunc("/v1/generations/job-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id":"job-1","status":"succeeded","output":{"url":"%s/files/out.mp4","asset_id":"pa-1","mime_type":"video/mp4","duration":5}}`, srv.URL)
	})
	mux.HandleFunc("/files/out.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = io.WriteString(w, "not really a video")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func memoryConfig(t *testing.T, roster string) config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("STORAGE_DIR", filepath.Join(dir, "storage"))
	t.Setenv("PROVIDERS_FILE", filepath.Join(dir, "providers.json"))
	if roster != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "providers.json"), []byte(roster), 0o600))
	}
	return config.Load()
}

func TestBuildMemoryRunsGenerationEndToEnd(t *testing.T) {
	srv := fakeService(t)
	t.Setenv("VG_KEY", "vg-secret")
	cfg := memoryConfig(t, fmt.Sprintf(`{
		"providers": [{"id": "vidgen", "base_url": %q, "rate_per_sec": 100, "burst": 10}],
		"accounts": [{"id": "vg-1", "provider_id": "vidgen", "credential_env": "VG_KEY", "max_concurrent_jobs": 1}]
	}`, srv.URL))

	ctx := context.Background()
	a, err := Build(ctx, cfg, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Equal(t, []string{"vidgen"}, a.Providers.IDs())

	acct, err := a.Pool.Get(ctx, "vg-1")
	require.NoError(t, err)
	assert.Equal(t, "vg-secret", acct.Credential)

	gen, err := a.Orchestrator.Create(ctx, orchestrator.CreateRequest{
		UserID:        "u1",
		OperationType: models.OpTextToVideo,
		ProviderID:    "vidgen",
		Inputs:        map[string]any{"prompt": "a lighthouse at dusk"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, gen.Status)

	n, err := a.Orchestrator.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	checked, err := a.Poller().PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, checked)

	gen, err = a.Orchestrator.Get(ctx, gen.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, gen.Status)
	require.NotNil(t, gen.ResultAssetID)

	asset, err := a.Store.GetAsset(ctx, *gen.ResultAssetID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncDownloaded, asset.SyncStatus)
	assert.Equal(t, "pa-1", asset.ProviderAssetID)
	assert.FileExists(t, asset.LocalPath)

	acct, err = a.Pool.Get(ctx, "vg-1")
	require.NoError(t, err)
	assert.Zero(t, acct.CurrentReservedCount)
}

func TestBuildWithoutRosterStartsEmpty(t *testing.T) {
	cfg := memoryConfig(t, "")
	a, err := Build(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.Empty(t, a.Providers.IDs())

	_, err = a.Orchestrator.Create(context.Background(), orchestrator.CreateRequest{
		UserID:        "u1",
		OperationType: models.OpTextToVideo,
		ProviderID:    "vidgen",
		Inputs:        map[string]any{"prompt": "x"},
	})
	assert.ErrorIs(t, err, orchestrator.ErrInvalidInput)
}

func TestBuildRejectsInvalidRosterAndBackend(t *testing.T) {
	cfg := memoryConfig(t, `{"accounts": [{"id": "a", "provider_id": "p", "max_concurrent_jobs": 0}]}`)
	_, err := Build(context.Background(), cfg, logging.Nop())
	assert.Error(t, err)

	cfg.StoreBackend = "sqlite"
	_, err = Build(context.Background(), cfg, logging.Nop())
	assert.ErrorContains(t, err, "unknown STORE_BACKEND")
}
