package poller

import (
	"context"
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

type env struct {
	clk     *clock.Fake
	st      *store.Memory
	pool    *accounts.MemoryPool
	adapter *providertest.Adapter
	orch    *orchestrator.Orchestrator
	poller  *Poller
	base    string
	result  string
}

func newEnv(t *testing.T, maxRetries int, cfg Config) *env {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	pool := accounts.NewMemoryPool(clk, accounts.Policy{})
	require.NoError(t, pool.Upsert(ctx, models.ProviderAccount{ID: "a1", ProviderID: "vidgen", MaxConcurrentJobs: 2}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gone.mp4":
			http.NotFound(w, r)
			return
		case "/big.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			_, _ = w.Write(make([]byte, 2<<20))
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("rendered-video"))
	}))
	t.Cleanup(srv.Close)

	adapter := providertest.New("vidgen")
	registry := provider.NewRegistry(adapter)
	guard := quota.NewGuard(quota.Limits{}, st, nil, clk)
	files, err := finalizer.NewFileStore(t.TempDir())
	require.NoError(t, err)
	fin := finalizer.New(st, guard, files, finalizer.NewDownloader(files, 5*time.Second, 1<<20), nil,
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
	}, orchestrator.Config{
		MaxRetries:          maxRetries,
		BackoffInitial:      time.Second,
		BackoffMax:          time.Second,
		ProviderCallTimeout: time.Second,
	})
	return &env{
		clk:     clk,
		st:      st,
		pool:    pool,
		adapter: adapter,
		orch:    orch,
		poller:  New(st, pool, registry, orch, clk, logging.Nop(), cfg),
		base:    srv.URL,
		result:  srv.URL + "/out.mp4",
	}
}

func (e *env) submit(t *testing.T, prompt string) models.Generation {
	t.Helper()
	ctx := context.Background()
	g, err := e.orch.Create(ctx, orchestrator.CreateRequest{
		UserID:        "u1",
		OperationType: models.OpTextToVideo,
		ProviderID:    "vidgen",
		Inputs:        map[string]any{"prompt": prompt},
	})
	require.NoError(t, err)
	_, err = e.orch.ProcessDue(ctx, 10)
	require.NoError(t, err)
	g, err = e.orch.Get(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusProcessing, g.Status)
	return g
}

func (e *env) status(t *testing.T, id string) models.Generation {
	t.Helper()
	g, err := e.orch.Get(context.Background(), id)
	require.NoError(t, err)
	return g
}

func TestProcessingPollsThenCompleted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3, Config{})
	e.adapter.Script(providertest.Processing(), providertest.Processing(), providertest.Processing(),
		providertest.Completed(e.result))
	g := e.submit(t, "three polls")

	for i := 0; i < 3; i++ {
		n, err := e.poller.PollOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, models.StatusProcessing, e.status(t, g.ID).Status)
	}
	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)

	done := e.status(t, g.ID)
	require.Equal(t, models.StatusCompleted, done.Status)
	require.NotNil(t, done.ResultAssetID)
	asset, err := e.st.GetAsset(ctx, *done.ResultAssetID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncDownloaded, asset.SyncStatus)
	assert.Equal(t, int64(len("rendered-video")), asset.SizeBytes)

	subs, err := e.orch.Submissions(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, 3, subs[0].PollCount)
	assert.Equal(t, models.AttemptCompleted, subs[0].AttemptStatus)

	a, err := e.pool.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentReservedCount)
	assert.EqualValues(t, 1, a.SuccessCount)

	n, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStuckSubmissionTimesOut(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0, Config{SubmissionTimeout: time.Minute, StuckPollThreshold: 2})
	e.adapter.Script(providertest.Processing())
	g := e.submit(t, "never finishes")

	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	e.clk.Advance(2 * time.Minute)
	_, err = e.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, e.status(t, g.ID).Status, "one unchanged poll is not stuck yet")

	_, err = e.poller.PollOnce(ctx)
	require.NoError(t, err)
	got := e.status(t, g.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, models.ErrKindProviderTimeout, *got.ErrorKind)
	assert.Equal(t, 1, e.adapter.CancelCount())

	subs, err := e.orch.Submissions(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptTimedOut, subs[0].AttemptStatus)
}

func TestMaxPollAttempts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0, Config{MaxPollAttempts: 2})
	e.adapter.Script(providertest.Processing())
	g := e.submit(t, "slow")

	for i := 0; i < 3; i++ {
		_, err := e.poller.PollOnce(ctx)
		require.NoError(t, err)
	}
	got := e.status(t, g.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, models.ErrKindProviderTimeout, *got.ErrorKind)
}

func TestTransientProviderFailureRequeues(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1, Config{})
	e.adapter.Script(providertest.Failed("overloaded", true))
	g := e.submit(t, "overloaded")

	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	got := e.status(t, g.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	a, err := e.pool.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentReservedCount)
	assert.EqualValues(t, 1, a.FailureCount)
}

func TestPermanentProviderFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3, Config{})
	e.adapter.Script(providertest.Failed("content policy", false))
	g := e.submit(t, "rejected later")

	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	got := e.status(t, g.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, models.ErrKindProviderRejected, *got.ErrorKind)
	assert.Equal(t, "content policy", *got.ErrorMessage)
	assert.Zero(t, got.RetryCount)
}

func TestTransientCheckErrorCountsAsPoll(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 3, Config{})
	e.adapter.FailPolls(provider.Unavailable(assert.AnError))
	g := e.submit(t, "flaky status endpoint")

	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, e.status(t, g.ID).Status)
	subs, err := e.orch.Submissions(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, subs[0].PollCount)

	e.adapter.Script(providertest.Completed(e.result))
	_, err = e.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, e.status(t, g.ID).Status)
}

func TestInterruptedSubmitIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 2, Config{CallTimeout: time.Second})
	g := e.submit(t, "crash mid submit")

	// simulate a dispatcher that died inside Submit: an attempt with no job id
	subs, err := e.orch.Submissions(ctx, g.ID)
	require.NoError(t, err)
	require.NoError(t, e.st.FinishSubmission(ctx, subs[0].ID, models.AttemptCancelled, nil))
	orphan := models.ProviderSubmission{
		ID:            "orphan",
		GenerationID:  g.ID,
		AccountID:     "a1",
		ProviderID:    "vidgen",
		AttemptStatus: models.AttemptSubmitting,
		SubmittedAt:   e.clk.Now(),
	}
	require.NoError(t, e.st.CreateSubmission(ctx, orphan))

	_, err = e.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, e.status(t, g.ID).Status, "a fresh submitting attempt is left alone")

	e.clk.Advance(5 * time.Second)
	_, err = e.poller.PollOnce(ctx)
	require.NoError(t, err)
	got := e.status(t, g.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func (e *env) reserved(t *testing.T) int {
	t.Helper()
	a, err := e.pool.Get(context.Background(), "a1")
	require.NoError(t, err)
	return a.CurrentReservedCount
}

func TestUnreachableResultTimesOut(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0, Config{MaxPollAttempts: 3})
	e.adapter.Script(providertest.Completed("http://127.0.0.1:1/gone.mp4"))
	g := e.submit(t, "result host is down")

	for i := 0; i < 6 && e.status(t, g.ID).Status == models.StatusProcessing; i++ {
		e.clk.Advance(time.Hour)
		_, err := e.poller.PollOnce(ctx)
		require.NoError(t, err)
	}
	got := e.status(t, g.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, models.ErrKindProviderTimeout, *got.ErrorKind)
	assert.Equal(t, 0, e.reserved(t))

	subs, err := e.orch.Submissions(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, 4, subs[0].PollCount)
}

func TestFailedDownloadCountsAsPoll(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0, Config{})
	e.adapter.Script(providertest.Completed("http://127.0.0.1:1/gone.mp4"), providertest.Completed(e.result))
	g := e.submit(t, "result host flaps")

	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, e.status(t, g.ID).Status)
	subs, err := e.orch.Submissions(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, subs[0].PollCount)
	assert.Equal(t, 1, subs[0].UnchangedPolls)

	_, err = e.poller.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, e.status(t, g.ID).Status)
	assert.Equal(t, 0, e.reserved(t))
}

func TestExpiredResultFailsAttempt(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0, Config{})
	e.adapter.Script(providertest.Completed(e.base + "/gone.mp4"))
	g := e.submit(t, "result expired")

	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	got := e.status(t, g.ID)
	require.Equal(t, models.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, models.ErrKindProviderUnavailable, *got.ErrorKind)
	assert.Equal(t, 0, e.reserved(t))
}

func TestExpiredResultIsRetried(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 1, Config{})
	e.adapter.Script(providertest.Completed(e.base + "/gone.mp4"))
	g := e.submit(t, "result expired once")

	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	got := e.status(t, g.ID)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 0, e.reserved(t))
}

func TestOversizedResultStaysRemote(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0, Config{})
	e.adapter.Script(providertest.Completed(e.base + "/big.mp4"))
	g := e.submit(t, "very long render")

	_, err := e.poller.PollOnce(ctx)
	require.NoError(t, err)
	got := e.status(t, g.ID)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.Warning)
	assert.Equal(t, models.ErrKindStorageQuotaExceeded, *got.Warning)
	require.NotNil(t, got.ResultAssetID)

	asset, err := e.st.GetAsset(ctx, *got.ResultAssetID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncRemote, asset.SyncStatus)
	assert.Empty(t, asset.LocalPath)
	assert.Equal(t, 0, e.reserved(t))
}
