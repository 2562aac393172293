package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"generation-orchestrator/internal/finalizer"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// CompleteSubmission finalizes the provider result of sub and completes its
// generation and every follower. It returns an error, leaving the submission
// active, when the artifact could not be finalized yet. A result the provider
// no longer serves fails the attempt as ProviderUnavailable instead.
func (o *Orchestrator) CompleteSubmission(ctx context.Context, sub models.ProviderSubmission, ref provider.ResultRef) error {
	g, err := o.store.GetGeneration(ctx, sub.GenerationID)
	if err != nil {
		return err
	}
	if g.Status != models.StatusProcessing {
		// cancelled or already handled; just close the attempt out
		o.abandon(ctx, sub, models.AttemptCompleted, "generation is "+string(g.Status))
		return nil
	}

	res, err := o.artifacts.Finalize(ctx, g, sub.ID, ref)
	if errors.Is(err, finalizer.ErrResultGone) {
		return o.FailSubmission(ctx, sub, models.ErrKindProviderUnavailable, err.Error())
	}
	if err != nil {
		return fmt.Errorf("finalize generation %s: %w", g.ID, err)
	}

	if err := o.store.FinishSubmission(ctx, sub.ID, models.AttemptCompleted, nil); err != nil {
		if errors.Is(err, store.ErrConflict) {
			o.releaseSubmission(ctx, sub)
			return nil
		}
		return err
	}
	o.releaseSubmission(ctx, sub)
	if err := o.pool.RecordSuccess(ctx, sub.AccountID, o.clock.Now().Sub(sub.SubmittedAt)); err != nil {
		o.log.Warn().Err(err).Str("account_id", sub.AccountID).Msg("record success failed")
	}

	assetID := res.Asset.ID
	done, err := o.transition(ctx, g.ID, store.Transition{
		From:          []models.GenerationStatus{models.StatusProcessing},
		To:            models.StatusCompleted,
		ResultAssetID: &assetID,
		Warning:       res.Warning,
	})
	if errors.Is(err, store.ErrConflict) {
		o.log.Info().Str("generation_id", g.ID).Str("status", string(done.Status)).Msg("result arrived after generation left processing")
		return nil
	}
	if err != nil {
		return err
	}
	detail := "asset=" + assetID
	if res.Warning != nil {
		detail += " warning=" + string(*res.Warning)
	}
	o.event(ctx, g.ID, "completed", detail)
	telemetry.GenerationsFinished.WithLabelValues(string(models.StatusCompleted), "").Inc()
	o.log.Info().Str("generation_id", g.ID).Str("asset_id", assetID).Msg("generation completed")
	o.settleFollowers(ctx, done)
	return nil
}

// FailSubmission closes sub with an error of the given kind. Transient kinds
// send the generation back to the queue with backoff while retries remain.
func (o *Orchestrator) FailSubmission(ctx context.Context, sub models.ProviderSubmission, kind models.ErrorKind, msg string) error {
	status := models.AttemptFailed
	if kind == models.ErrKindProviderTimeout {
		status = models.AttemptTimedOut
	}
	if err := o.store.FinishSubmission(ctx, sub.ID, status, &msg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			o.releaseSubmission(ctx, sub)
			return nil
		}
		return err
	}
	o.releaseSubmission(ctx, sub)
	if kind.Transient() {
		if err := o.pool.RecordFailure(context.WithoutCancel(ctx), sub.AccountID, msg); err != nil {
			o.log.Warn().Err(err).Str("account_id", sub.AccountID).Msg("record failure failed")
		}
	}

	g, err := o.store.GetGeneration(ctx, sub.GenerationID)
	if err != nil {
		return err
	}
	if g.Status != models.StatusProcessing {
		return nil
	}
	return o.retryOrFail(ctx, g, kind, msg)
}

func (o *Orchestrator) retryOrFail(ctx context.Context, g models.Generation, kind models.ErrorKind, msg string) error {
	if !kind.Transient() || g.RetryCount >= o.cfg.MaxRetries {
		return o.fail(ctx, g, kind, msg)
	}
	retries := g.RetryCount + 1
	next := o.clock.Now().Add(backoffWithJitter(o.cfg.BackoffInitial, o.cfg.BackoffMax, retries))
	retried, err := o.transition(ctx, g.ID, store.Transition{
		From:        []models.GenerationStatus{models.StatusProcessing},
		To:          models.StatusQueued,
		RetryCount:  &retries,
		ScheduledAt: &next,
		QueuedAt:    &next,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.queue.Schedule(ctx, g.ID, g.Priority, next); err != nil {
		o.log.Warn().Err(err).Str("generation_id", g.ID).Msg("schedule retry failed")
	}
	telemetry.Retries.Inc()
	o.event(ctx, g.ID, "retry_scheduled", fmt.Sprintf("kind=%s retries=%d next_run=%s error=%s",
		kind, retried.RetryCount, next.UTC().Format(time.RFC3339), msg))
	o.log.Info().Str("generation_id", g.ID).Str("kind", string(kind)).Int("retries", retries).Time("next_run", next).
		Msg("retry scheduled")
	return nil
}

// fail moves any non-terminal generation to FAILED.
func (o *Orchestrator) fail(ctx context.Context, g models.Generation, kind models.ErrorKind, msg string) error {
	failed, err := o.transition(ctx, g.ID, store.Transition{
		From:         models.ActiveStatuses,
		To:           models.StatusFailed,
		ErrorKind:    &kind,
		ErrorMessage: &msg,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.queue.Remove(ctx, g.ID); err != nil {
		o.log.Warn().Err(err).Str("generation_id", g.ID).Msg("remove from queue failed")
	}
	o.event(ctx, g.ID, "failed", string(kind)+": "+msg)
	telemetry.GenerationsFinished.WithLabelValues(string(models.StatusFailed), string(kind)).Inc()
	o.log.Warn().Str("generation_id", g.ID).Str("kind", string(kind)).Str("error", msg).Msg("generation failed")
	o.settleFollowers(ctx, failed)
	return nil
}

// settleFollowers resolves the generations waiting on leader once the leader
// is terminal. A completed leader completes them. A rejection fails them the
// same way. Any other outcome hands the hash to the oldest follower, which
// then runs on its own.
func (o *Orchestrator) settleFollowers(ctx context.Context, leader models.Generation) {
	if leader.IsFollower() || !leader.Status.IsTerminal() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	followers, err := o.store.ListFollowers(ctx, leader.ID)
	if err != nil {
		o.log.Error().Err(err).Str("generation_id", leader.ID).Msg("list followers failed")
		return
	}

	switch {
	case leader.Status == models.StatusCompleted && leader.ResultAssetID != nil:
		if err := o.cache.Complete(ctx, leader.ReproducibleHash, leader.ID, *leader.ResultAssetID); err != nil {
			o.log.Warn().Err(err).Str("hash", leader.ReproducibleHash).Msg("record completed hash failed")
		}
		for _, f := range followers {
			o.completeFollower(ctx, f, leader)
		}
		return
	case leader.Status == models.StatusFailed && leader.ErrorKind != nil && sharesRejection(*leader.ErrorKind):
		if err := o.cache.Forget(ctx, leader.ReproducibleHash, leader.ID); err != nil {
			o.log.Warn().Err(err).Str("hash", leader.ReproducibleHash).Msg("forget hash failed")
		}
		msg := "leader " + leader.ID + " failed"
		if leader.ErrorMessage != nil {
			msg += ": " + *leader.ErrorMessage
		}
		for _, f := range followers {
			if err := o.fail(ctx, f, *leader.ErrorKind, msg); err != nil {
				o.log.Error().Err(err).Str("generation_id", f.ID).Msg("fail follower failed")
			}
		}
		return
	}

	if len(followers) == 0 {
		if err := o.cache.Forget(ctx, leader.ReproducibleHash, leader.ID); err != nil {
			o.log.Warn().Err(err).Str("hash", leader.ReproducibleHash).Msg("forget hash failed")
		}
		return
	}
	o.handOver(ctx, leader, followers)
}

// sharesRejection reports whether followers with the same hash would fail
// the same way.
func sharesRejection(kind models.ErrorKind) bool {
	return kind == models.ErrKindProviderRejected || kind == models.ErrKindInvalidInput
}

func (o *Orchestrator) completeFollower(ctx context.Context, f, leader models.Generation) {
	done, err := o.transition(ctx, f.ID, store.Transition{
		From:          []models.GenerationStatus{models.StatusPending},
		To:            models.StatusCompleted,
		ResultAssetID: leader.ResultAssetID,
		Warning:       leader.Warning,
	})
	if errors.Is(err, store.ErrConflict) {
		return
	}
	if err != nil {
		o.log.Error().Err(err).Str("generation_id", f.ID).Msg("complete follower failed")
		return
	}
	o.event(ctx, f.ID, "completed", "asset="+*done.ResultAssetID+" via "+leader.ID)
	telemetry.GenerationsFinished.WithLabelValues(string(models.StatusCompleted), "").Inc()
}

// handOver passes the hash from a dead leader to the current registry owner
// or, failing that, to the oldest follower.
func (o *Orchestrator) handOver(ctx context.Context, leader models.Generation, followers []models.Generation) {
	hash := leader.ReproducibleHash
	entry, ok, err := o.cache.Lookup(ctx, hash)
	if err != nil {
		o.log.Error().Err(err).Str("hash", hash).Msg("lookup hash owner failed")
		return
	}
	if ok && entry.GenerationID != leader.ID {
		// a later request already took the hash over
		if owner, err := o.store.GetGeneration(ctx, entry.GenerationID); err == nil && !owner.IsFollower() {
			o.repoint(ctx, followers, owner.ID)
			if owner.Status.IsTerminal() {
				o.settleFollowers(ctx, owner)
			}
			return
		}
	}

	heir := followers[0]
	claimed, err := o.cache.Replace(ctx, hash, leader.ID, heir.ID)
	if err != nil || !claimed {
		o.log.Warn().Err(err).Str("hash", hash).Str("heir", heir.ID).Msg("hand over hash failed, followers run alone")
		o.repoint(ctx, followers, "")
		for _, f := range followers {
			o.schedule(ctx, f)
		}
		return
	}
	o.repoint(ctx, followers[:1], "")
	o.repoint(ctx, followers[1:], heir.ID)
	o.event(ctx, heir.ID, "promoted", "leader "+leader.ID+" is "+string(leader.Status))
	o.log.Info().Str("generation_id", heir.ID).Str("previous_leader", leader.ID).Int("followers", len(followers)-1).
		Msg("follower promoted to leader")
	o.schedule(ctx, heir)
}

// repoint makes every generation in gens follow leaderID, or nobody when it is empty.
func (o *Orchestrator) repoint(ctx context.Context, gens []models.Generation, leaderID string) {
	var leader *string
	if leaderID != "" {
		leader = &leaderID
	}
	for _, g := range gens {
		if err := o.store.SetDedupeOf(ctx, g.ID, leader); err != nil {
			o.log.Error().Err(err).Str("generation_id", g.ID).Msg("update dedupe link failed")
		}
	}
}

func (o *Orchestrator) schedule(ctx context.Context, g models.Generation) {
	due := o.clock.Now()
	if g.ScheduledAt != nil && g.ScheduledAt.After(due) {
		due = *g.ScheduledAt
	}
	if err := o.queue.Schedule(ctx, g.ID, g.Priority, due); err != nil {
		o.log.Warn().Err(err).Str("generation_id", g.ID).Msg("schedule failed")
	}
}
