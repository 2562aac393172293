package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"generation-orchestrator/internal/dedupe"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/quota"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// CreateRequest is a validated-at-the-edge request for a new generation.
type CreateRequest struct {
	UserID             string
	OperationType      models.OperationType
	ProviderID         string
	Inputs             map[string]any
	CanonicalParams    map[string]any
	Priority           int
	ScheduledAt        *time.Time
	ParentGenerationID *string
}

const maxClaimAttempts = 4

// Create records a new generation. Depending on the dedupe registry the
// result is a fresh PENDING leader, a PENDING follower of a running
// generation with the same hash, or an immediately COMPLETED cache hit.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (models.Generation, error) {
	if req.UserID == "" {
		return models.Generation{}, fmt.Errorf("user id is required: %w", ErrInvalidInput)
	}
	if !models.KnownOperation(req.OperationType) {
		return models.Generation{}, fmt.Errorf("unknown operation %q: %w", req.OperationType, ErrInvalidInput)
	}
	if _, err := o.providers.Get(req.ProviderID); err != nil {
		return models.Generation{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	canonical, err := dedupe.Normalize(req.OperationType, req.Inputs, req.CanonicalParams)
	if err != nil {
		return models.Generation{}, fmt.Errorf("%v: %w", err, ErrInvalidInput)
	}
	if err := o.checkReferences(ctx, req, canonical.InputAssetIDs); err != nil {
		return models.Generation{}, err
	}
	hash, err := dedupe.Hash(req.OperationType, req.ProviderID, canonical)
	if err != nil {
		return models.Generation{}, fmt.Errorf("hash request: %w", err)
	}

	if err := o.guard.AdmitCreate(ctx, req.UserID); err != nil {
		if errors.Is(err, quota.ErrQuotaExceeded) {
			telemetry.QuotaRejects.Inc()
		}
		return models.Generation{}, err
	}

	now := o.clock.Now()
	gen := models.Generation{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		OperationType:      req.OperationType,
		ProviderID:         req.ProviderID,
		RawInputs:          req.Inputs,
		CanonicalParams:    canonical.Params,
		InputAssetIDs:      canonical.InputAssetIDs,
		ReproducibleHash:   hash,
		Status:             models.StatusPending,
		Priority:           req.Priority,
		ScheduledAt:        req.ScheduledAt,
		ParentGenerationID: req.ParentGenerationID,
		CreatedAt:          now,
	}

	// persist before claiming so a registry owner always exists in the store
	if err := o.store.CreateGeneration(ctx, gen); err != nil {
		return models.Generation{}, fmt.Errorf("create generation: %w", err)
	}

	entry, claimed, err := o.cache.Claim(ctx, hash, gen.ID)
	for attempt := 0; err == nil && attempt < maxClaimAttempts; attempt++ {
		if claimed {
			return o.startLeader(ctx, gen, "created")
		}
		existing, gerr := o.store.GetGeneration(ctx, entry.GenerationID)
		switch {
		case gerr == nil && existing.Status == models.StatusCompleted && existing.ResultAssetID != nil:
			return o.serveFromCache(ctx, gen, existing)
		case gerr == nil && !existing.Status.IsTerminal() && !existing.IsFollower():
			return o.follow(ctx, gen, existing)
		case gerr != nil && !errors.Is(gerr, store.ErrNotFound):
			err = gerr
			continue
		}

		// the owner is gone or did not produce an asset
		if claimed, err = o.cache.Replace(ctx, hash, entry.GenerationID, gen.ID); err == nil && !claimed {
			entry, claimed, err = o.cache.Claim(ctx, hash, gen.ID)
		}
	}
	if err != nil {
		o.log.Warn().Err(err).Str("generation_id", gen.ID).Str("hash", hash).Msg("dedupe lookup failed, running without it")
	} else {
		o.log.Warn().Str("generation_id", gen.ID).Str("hash", hash).Msg("hash contended, running without dedupe")
	}
	return o.startLeader(ctx, gen, "created without dedupe")
}

func (o *Orchestrator) checkReferences(ctx context.Context, req CreateRequest, inputs []string) error {
	if req.ParentGenerationID != nil {
		parent, err := o.store.GetGeneration(ctx, *req.ParentGenerationID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("parent generation %s does not exist: %w", *req.ParentGenerationID, ErrInvalidInput)
		}
		if err != nil {
			return err
		}
		if parent.UserID != req.UserID {
			return fmt.Errorf("parent generation %s: %w", parent.ID, ErrForbidden)
		}
	}
	for _, id := range inputs {
		asset, err := o.store.GetAsset(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("input asset %s does not exist: %w", id, ErrInvalidInput)
		}
		if err != nil {
			return err
		}
		if asset.OwnerUserID == "" || asset.OwnerUserID == req.UserID {
			continue
		}
		held, err := o.store.HoldsResult(ctx, req.UserID, id)
		if err != nil {
			return err
		}
		if !held {
			return fmt.Errorf("input asset %s: %w", id, ErrForbidden)
		}
	}
	return nil
}

func (o *Orchestrator) startLeader(ctx context.Context, gen models.Generation, event string) (models.Generation, error) {
	o.event(ctx, gen.ID, event, fmt.Sprintf("op=%s provider=%s priority=%d", gen.OperationType, gen.ProviderID, gen.Priority))
	if err := o.queue.Schedule(ctx, gen.ID, gen.Priority, gen.DueAt()); err != nil {
		// recovery reseeds the queue from the store
		o.log.Warn().Err(err).Str("generation_id", gen.ID).Msg("schedule failed")
	}
	telemetry.GenerationsCreated.WithLabelValues("new").Inc()
	o.log.Info().Str("generation_id", gen.ID).Str("user_id", gen.UserID).Str("provider_id", gen.ProviderID).
		Str("hash", gen.ReproducibleHash).Msg("generation created")
	return gen, nil
}

func (o *Orchestrator) serveFromCache(ctx context.Context, gen, source models.Generation) (models.Generation, error) {
	if err := o.store.SetDedupeOf(ctx, gen.ID, &source.ID); err != nil {
		return models.Generation{}, err
	}
	hit := true
	done, err := o.transition(ctx, gen.ID, store.Transition{
		From:          []models.GenerationStatus{models.StatusPending},
		To:            models.StatusCompleted,
		ResultAssetID: source.ResultAssetID,
		Warning:       source.Warning,
		CacheHit:      &hit,
	})
	if err != nil {
		return models.Generation{}, err
	}
	o.event(ctx, gen.ID, "cache_hit", "asset="+*done.ResultAssetID+" source="+source.ID)
	telemetry.GenerationsCreated.WithLabelValues("cache_hit").Inc()
	telemetry.GenerationsFinished.WithLabelValues(string(models.StatusCompleted), "").Inc()
	o.log.Info().Str("generation_id", gen.ID).Str("source_id", source.ID).Msg("generation served from cache")
	return done, nil
}

func (o *Orchestrator) follow(ctx context.Context, gen, leader models.Generation) (models.Generation, error) {
	if err := o.store.SetDedupeOf(ctx, gen.ID, &leader.ID); err != nil {
		return models.Generation{}, err
	}
	o.event(ctx, gen.ID, "created", "follower of "+leader.ID)
	telemetry.GenerationsCreated.WithLabelValues("follower").Inc()

	// the leader may have finished before the link was written
	leader, err := o.store.GetGeneration(ctx, leader.ID)
	if err == nil && leader.Status.IsTerminal() {
		o.settleFollowers(ctx, leader)
	}
	return o.store.GetGeneration(ctx, gen.ID)
}
