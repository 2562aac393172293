// Package app assembles the engine from configuration. Both binaries build the
// same graph; the worker additionally runs the dispatch loops and the poller.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"generation-orchestrator/internal/accounts"
	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/dedupe"
	"generation-orchestrator/internal/finalizer"
	"generation-orchestrator/internal/orchestrator"
	"generation-orchestrator/internal/poller"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/provider/restvideo"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/quota"
	"generation-orchestrator/internal/ratelimit"
	"generation-orchestrator/internal/store"
)

// App holds the wired components.
type App struct {
	Store        store.Store
	Pool         accounts.Pool
	Providers    *provider.Registry
	Finalizer    *finalizer.Finalizer
	Orchestrator *orchestrator.Orchestrator
	Roster       accounts.Roster

	Config  config.Config
	log     zerolog.Logger
	closers []func()
}

// Build connects to the configured backends and wires every component.
// STORE_BACKEND=memory keeps everything in process; the API binary then also
// runs the workers and the poller itself.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}
	c := clock.Real{}
	policy := accounts.Policy{
		FailureThreshold: cfg.AccountFailureThreshold,
		FailureWindow:    cfg.AccountFailureWindow,
		Cooldown:         cfg.AccountCooldown,
	}

	var (
		cache   dedupe.Cache
		q       queue.Queue
		limiter ratelimit.Limiter
	)
	// A lease must outlive one full dispatch, including an input upload and
	// the submit call.
	visibility := 2*cfg.ProviderCallTimeout + time.Minute
	switch cfg.StoreBackend {
	case "memory":
		st := store.NewMemory(c)
		a.Store = st
		a.Pool = accounts.NewMemoryPool(c, policy)
		cache = dedupe.NewMemoryCache(cfg.DedupeTTL)
		q = queue.NewMemoryQueue(visibility)
	case "postgres":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		if err := st.RunMigrations(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		a.Store = st
		a.Pool = accounts.NewPostgresPool(st.Pool(), c, policy)

		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cache = dedupe.NewRedisCache(client, cfg.DedupeTTL)
		q = queue.NewRedisQueue(client, visibility)
		limiter = ratelimit.NewTokenBucket(client, c, cfg.AdmissionBurst, cfg.AdmissionRefillPerSec)
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	roster, err := accounts.LoadRoster(cfg.ProvidersFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Warn().Str("path", cfg.ProvidersFile).Msg("no provider roster, starting without providers")
	case err != nil:
		a.Close()
		return nil, err
	}
	a.Roster = roster
	a.Providers = provider.NewRegistry()
	for _, p := range roster.Providers {
		adapter, err := restvideo.New(restvideo.Config{
			ID:               p.ID,
			BaseURL:          p.BaseURL,
			RatePerSecond:    p.RatePerSecond,
			Burst:            p.Burst,
			SupportsCancel:   p.SupportsCancel,
			CreditsPerSecond: p.CreditsPerSecond,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Providers.Register(adapter)
	}
	if err := a.seedAccounts(ctx); err != nil {
		a.Close()
		return nil, err
	}

	guard := quota.NewGuard(quota.Limits{
		MaxConcurrent: cfg.QuotaMaxConcurrent,
		MaxQueued:     cfg.QuotaMaxQueued,
		MaxDaily:      cfg.QuotaMaxDaily,
		StorageBytes:  cfg.QuotaStorageBytes,
	}, a.Store, limiter, c)

	files, err := finalizer.NewFileStore(cfg.StorageDir)
	if err != nil {
		a.Close()
		return nil, err
	}
	var mirror finalizer.Mirror
	if cfg.S3Bucket != "" {
		m, err := finalizer.NewS3Mirror(ctx, finalizer.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		mirror = m
	}
	a.Finalizer = finalizer.New(a.Store, guard, files,
		finalizer.NewDownloader(files, cfg.DownloadTimeout, cfg.DownloadMaxBytes), mirror,
		a.Pool, a.Providers, c, log, finalizer.Options{
			ThumbnailWidth: cfg.ThumbnailWidth,
			CallTimeout:    cfg.ProviderCallTimeout,
		})

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:     a.Store,
		Pool:      a.Pool,
		Cache:     cache,
		Queue:     q,
		Providers: a.Providers,
		Guard:     guard,
		Artifacts: a.Finalizer,
		Clock:     c,
		Logger:    log,
	}, orchestrator.Config{
		WorkerCount:         cfg.WorkerCount,
		WorkerPollInterval:  cfg.WorkerPollInterval,
		MaxRetries:          cfg.MaxRetries,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
		NoAccountRetryDelay: cfg.NoAccountRetryDelay,
		MaxQueueWait:        cfg.MaxQueueWait,
		ProviderCallTimeout: cfg.ProviderCallTimeout,
	})
	return a, nil
}

// Poller builds the status poller over the app's components.
func (a *App) Poller() *poller.Poller {
	return poller.New(a.Store, a.Pool, a.Providers, a.Orchestrator, clock.Real{}, a.log, poller.Config{
		Interval:           a.Config.StatusPollInterval,
		Concurrency:        a.Config.PollConcurrency,
		CallTimeout:        a.Config.ProviderCallTimeout,
		SubmissionTimeout:  a.Config.SubmissionTimeout,
		StuckPollThreshold: a.Config.StuckPollThreshold,
		MaxPollAttempts:    a.Config.MaxPollAttempts,
	})
}

func (a *App) seedAccounts(ctx context.Context) error {
	n, err := a.Roster.Seed(ctx, a.Pool)
	if err != nil {
		return fmt.Errorf("seed accounts: %w", err)
	}
	a.log.Info().Int("accounts", n).Strs("providers", a.Providers.IDs()).Msg("provider roster loaded")
	return nil
}

// RunEngine re-seeds the dispatch queue from the store, then runs the
// dispatch workers and the status poller until ctx is cancelled.
func (a *App) RunEngine(ctx context.Context) error {
	n, err := a.Orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}
	a.log.Info().Int("scheduled", n).Msg("dispatch queue recovered")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Orchestrator.Run(ctx) })
	g.Go(func() error { return a.Poller().Run(ctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases backend connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
