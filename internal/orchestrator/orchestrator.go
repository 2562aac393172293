// Package orchestrator drives generations through their state machine:
//
//	PENDING -> QUEUED -> PROCESSING -> COMPLETED | FAILED | CANCELLED
//
// PROCESSING returns to QUEUED on a transient retry and PENDING resolves
// straight to COMPLETED on a dedupe cache hit. Every status change is a
// compare-and-set in the store, so concurrent workers, the poller and API
// cancels never overwrite a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"generation-orchestrator/internal/accounts"
	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/dedupe"
	"generation-orchestrator/internal/finalizer"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/quota"
	"generation-orchestrator/internal/store"
)

var (
	// ErrTerminal is returned when a generation can no longer change.
	ErrTerminal = errors.New("generation is in a terminal state")
	// ErrForbidden is returned when the caller does not own the generation.
	ErrForbidden = errors.New("generation belongs to another user")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is store.ErrNotFound, re-exported for callers of this package.
	ErrNotFound = store.ErrNotFound
)

// Artifacts is the part of the finalizer the orchestrator needs.
type Artifacts interface {
	Finalize(ctx context.Context, gen models.Generation, submissionID string, ref provider.ResultRef) (finalizer.Result, error)
	GetAssetForProvider(ctx context.Context, assetID, targetProviderID, userID string) (string, error)
}

// Config holds retry and scheduling policy.
type Config struct {
	WorkerCount         int
	WorkerPollInterval  time.Duration
	MaxRetries          int
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	NoAccountRetryDelay time.Duration
	// MaxQueueWait fails a generation that could not get an account for
	// this long after being queued. Zero waits forever.
	MaxQueueWait        time.Duration
	ProviderCallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.WorkerPollInterval <= 0 {
		c.WorkerPollInterval = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.NoAccountRetryDelay <= 0 {
		c.NoAccountRetryDelay = 15 * time.Second
	}
	if c.ProviderCallTimeout <= 0 {
		c.ProviderCallTimeout = 30 * time.Second
	}
	return c
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store     store.Store
	Pool      accounts.Pool
	Cache     dedupe.Cache
	Queue     queue.Queue
	Providers *provider.Registry
	Guard     *quota.Guard
	Artifacts Artifacts
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// Orchestrator is safe for concurrent use by API handlers, workers and the poller.
type Orchestrator struct {
	store     store.Store
	pool      accounts.Pool
	cache     dedupe.Cache
	queue     queue.Queue
	providers *provider.Registry
	guard     *quota.Guard
	artifacts Artifacts
	clock     clock.Clock
	log       zerolog.Logger
	cfg       Config
}

func New(d Deps, cfg Config) *Orchestrator {
	c := d.Clock
	if c == nil {
		c = clock.Real{}
	}
	return &Orchestrator{
		store:     d.Store,
		pool:      d.Pool,
		cache:     d.Cache,
		queue:     d.Queue,
		providers: d.Providers,
		guard:     d.Guard,
		artifacts: d.Artifacts,
		clock:     c,
		log:       d.Logger.With().Str("component", "orchestrator").Logger(),
		cfg:       cfg.withDefaults(),
	}
}

// Get returns a generation by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (models.Generation, error) {
	return o.store.GetGeneration(ctx, id)
}

// Events returns the audit trail of a generation.
func (o *Orchestrator) Events(ctx context.Context, id string) ([]models.Event, error) {
	return o.store.ListEvents(ctx, id)
}

// Submissions returns every provider attempt made for a generation.
func (o *Orchestrator) Submissions(ctx context.Context, id string) ([]models.ProviderSubmission, error) {
	return o.store.ListSubmissions(ctx, id)
}

func (o *Orchestrator) event(ctx context.Context, id, event, detail string) {
	if err := o.store.AppendEvent(ctx, id, event, detail); err != nil {
		o.log.Warn().Err(err).Str("generation_id", id).Str("event", event).Msg("append event failed")
	}
}
