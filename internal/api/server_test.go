package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-orchestrator/internal/accounts"
	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/dedupe"
	"generation-orchestrator/internal/finalizer"
	"generation-orchestrator/internal/logging"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/orchestrator"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/provider/providertest"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/quota"
	"generation-orchestrator/internal/store"
)

type stubUploader struct {
	calls int
}

func (u *stubUploader) GetAssetForProvider(_ context.Context, assetID, target, _ string) (string, error) {
	u.calls++
	return target + "-" + assetID, nil
}

type testServer struct {
	st       *store.Memory
	orch     *orchestrator.Orchestrator
	uploader *stubUploader
	handler  http.Handler
}

func newTestServer(t *testing.T, limits quota.Limits) *testServer {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	pool := accounts.NewMemoryPool(clk, accounts.Policy{})
	require.NoError(t, pool.Upsert(context.Background(), models.ProviderAccount{ID: "a1", ProviderID: "vidgen", MaxConcurrentJobs: 1}))
	registry := provider.NewRegistry(providertest.New("vidgen"))
	guard := quota.NewGuard(limits, st, nil, clk)
	files, err := finalizer.NewFileStore(t.TempDir())
	require.NoError(t, err)
	fin := finalizer.New(st, guard, files, finalizer.NewDownloader(files, time.Second, 1<<20), nil,
		pool, registry, clk, logging.Nop(), finalizer.Options{})
	orch := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Pool:      pool,
		Cache:     dedupe.NewMemoryCache(time.Hour),
		Queue:     queue.NewMemoryQueue(time.Minute),
		Providers: registry,
		Guard:     guard,
		Artifacts: fin,
		Clock:     clk,
		Logger:    logging.Nop(),
	}, orchestrator.Config{})
	up := &stubUploader{}
	return &testServer{st: st, orch: orch, uploader: up, handler: New(orch, st, up, logging.Nop()).Router()}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func createBody(prompt string) map[string]any {
	return map[string]any{
		"operation_type": "text-to-video",
		"provider_id":    "vidgen",
		"inputs":         map[string]any{"prompt": prompt},
	}
}

func TestCreateGetCancel(t *testing.T) {
	ts := newTestServer(t, quota.Limits{})

	rec := ts.do(t, http.MethodPost, "/generations", "u1", createBody("a paper boat"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	created := decode[createResponse](t, rec)
	assert.Equal(t, models.StatusPending, created.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = ts.do(t, http.MethodGet, "/generations/"+created.GenerationID, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	g := decode[models.Generation](t, rec)
	assert.Equal(t, created.GenerationID, g.ID)
	assert.Equal(t, "a paper boat", g.CanonicalParams["prompt"])

	rec = ts.do(t, http.MethodGet, "/generations/"+created.GenerationID, "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/generations/"+created.GenerationID+"/cancel", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[map[string]string](t, rec)["status"])

	rec = ts.do(t, http.MethodPost, "/generations/"+created.GenerationID+"/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/generations/"+created.GenerationID+"/events", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[map[string][]models.Event](t, rec)["items"]
	require.Len(t, events, 2)
	assert.Equal(t, "created", events[0].Event)
	assert.Equal(t, "cancelled", events[1].Event)
}

func TestCreateRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, quota.Limits{})

	cases := []struct {
		name string
		user string
		body any
		code int
	}{
		{"missing user", "", createBody("x"), http.StatusUnauthorized},
		{"unknown operation", "u1", map[string]any{"operation_type": "dance", "provider_id": "vidgen", "inputs": map[string]any{"prompt": "x"}}, http.StatusBadRequest},
		{"missing inputs", "u1", map[string]any{"operation_type": "text-to-video", "provider_id": "vidgen"}, http.StatusBadRequest},
		{"unknown provider", "u1", map[string]any{"operation_type": "text-to-video", "provider_id": "nope", "inputs": map[string]any{"prompt": "x"}}, http.StatusBadRequest},
		{"missing prompt", "u1", map[string]any{"operation_type": "text-to-video", "provider_id": "vidgen", "inputs": map[string]any{"seed": 1}}, http.StatusBadRequest},
		{"unknown input asset", "u1", map[string]any{"operation_type": "image-to-video", "provider_id": "vidgen", "inputs": map[string]any{"prompt": "x", "image_id": "ghost"}}, http.StatusBadRequest},
		{"bad parent id", "u1", map[string]any{"operation_type": "text-to-video", "provider_id": "vidgen", "inputs": map[string]any{"prompt": "x"}, "parent_generation_id": "not-a-uuid"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/generations", tc.user, tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateQuotaExceeded(t *testing.T) {
	ts := newTestServer(t, quota.Limits{MaxQueued: 1})
	rec := ts.do(t, http.MethodPost, "/generations", "u1", createBody("one"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = ts.do(t, http.MethodPost, "/generations", "u1", createBody("two"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestDuplicateRequestFollowsLeader(t *testing.T) {
	ts := newTestServer(t, quota.Limits{})
	first := decode[createResponse](t, ts.do(t, http.MethodPost, "/generations", "u1", createBody("same")))
	rec := ts.do(t, http.MethodPost, "/generations", "u2", createBody("same"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := decode[createResponse](t, rec)
	require.NotNil(t, second.DedupeOf)
	assert.Equal(t, first.GenerationID, *second.DedupeOf)
}

func TestGetMissingGeneration(t *testing.T) {
	ts := newTestServer(t, quota.Limits{})
	rec := ts.do(t, http.MethodGet, "/generations/does-not-exist", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssetEndpoints(t *testing.T) {
	ts := newTestServer(t, quota.Limits{})
	require.NoError(t, ts.st.CreateAsset(context.Background(), models.Asset{ID: "img-1", OwnerUserID: "u1", SyncStatus: models.SyncDownloaded}))

	rec := ts.do(t, http.MethodGet, "/assets/img-1", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "img-1", decode[models.Asset](t, rec).ID)

	rec = ts.do(t, http.MethodGet, "/assets/img-1", "u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/assets/img-1/providers/vidgen", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vidgen-img-1", decode[map[string]string](t, rec)["provider_asset_id"])
	assert.Equal(t, 1, ts.uploader.calls)

	rec = ts.do(t, http.MethodGet, "/assets/missing", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFollowerReadsSharedResult(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, quota.Limits{})
	result := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("shared-video"))
	}))
	t.Cleanup(result.Close)

	leader := decode[createResponse](t, ts.do(t, http.MethodPost, "/generations", "u1", createBody("same harbour")))
	follower := decode[createResponse](t, ts.do(t, http.MethodPost, "/generations", "u2", createBody("same harbour")))
	require.NotNil(t, follower.DedupeOf)

	_, err := ts.orch.ProcessDue(ctx, 10)
	require.NoError(t, err)
	sub, err := ts.st.ActiveSubmission(ctx, leader.GenerationID)
	require.NoError(t, err)
	require.NoError(t, ts.orch.CompleteSubmission(ctx, sub, provider.ResultRef{URL: result.URL + "/out.mp4"}))

	g, err := ts.orch.Get(ctx, follower.GenerationID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, g.Status)
	require.NotNil(t, g.ResultAssetID)

	rec := ts.do(t, http.MethodGet, "/assets/"+*g.ResultAssetID, "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	asset := decode[models.Asset](t, rec)
	assert.Equal(t, "u1", asset.OwnerUserID)

	rec = ts.do(t, http.MethodPost, "/assets/"+*g.ResultAssetID+"/providers/vidgen", "u2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/assets/"+*g.ResultAssetID, "u3", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, quota.Limits{})
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
