package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"generation-orchestrator/internal/accounts"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// Admit moves a PENDING generation to QUEUED once its schedule time has
// passed and its parent, if any, has completed.
func (o *Orchestrator) Admit(ctx context.Context, id string) error {
	g, err := o.store.GetGeneration(ctx, id)
	if err != nil {
		return err
	}
	_, _, err = o.admit(ctx, g)
	return err
}

// Dispatch reserves an account and submits a QUEUED generation to its
// provider. When nothing can be reserved the generation stays QUEUED and is
// retried later.
func (o *Orchestrator) Dispatch(ctx context.Context, id string) error {
	g, err := o.store.GetGeneration(ctx, id)
	if err != nil {
		return err
	}
	_, err = o.dispatch(ctx, g)
	return err
}

// admit returns the admitted generation and whether the id was put back on
// the queue for later.
func (o *Orchestrator) admit(ctx context.Context, g models.Generation) (models.Generation, bool, error) {
	if g.Status != models.StatusPending || g.IsFollower() {
		return g, false, nil
	}
	now := o.clock.Now()
	if g.ScheduledAt != nil && g.ScheduledAt.After(now) {
		return g, true, o.hold(ctx, g, *g.ScheduledAt)
	}
	if g.ParentGenerationID != nil {
		parent, err := o.store.GetGeneration(ctx, *g.ParentGenerationID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return g, false, o.fail(ctx, g, models.ErrKindDependencyFailed, "parent generation no longer exists")
		case err != nil:
			return g, false, err
		case parent.Status == models.StatusFailed || parent.Status == models.StatusCancelled:
			return g, false, o.fail(ctx, g, models.ErrKindDependencyFailed,
				fmt.Sprintf("parent generation %s is %s", parent.ID, parent.Status))
		case parent.Status != models.StatusCompleted:
			return g, true, o.hold(ctx, g, now.Add(o.cfg.NoAccountRetryDelay))
		}
	}

	queued, err := o.transition(ctx, g.ID, store.Transition{
		From:     []models.GenerationStatus{models.StatusPending},
		To:       models.StatusQueued,
		QueuedAt: &now,
	})
	if errors.Is(err, store.ErrConflict) {
		return queued, false, nil
	}
	if err != nil {
		return g, false, err
	}
	o.event(ctx, g.ID, "queued", "")
	return queued, false, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, g models.Generation) (bool, error) {
	if g.Status != models.StatusQueued {
		return false, nil
	}
	now := o.clock.Now()
	if g.ScheduledAt != nil && g.ScheduledAt.After(now) {
		return true, o.hold(ctx, g, *g.ScheduledAt)
	}

	allowed, err := o.guard.AllowDispatch(ctx, g.UserID)
	if err != nil {
		return false, err
	}
	if !allowed {
		telemetry.Backpressure.WithLabelValues("user_concurrency").Inc()
		return true, o.hold(ctx, g, now.Add(o.cfg.NoAccountRetryDelay))
	}

	adapter, err := o.providers.Get(g.ProviderID)
	if err != nil {
		return false, o.fail(ctx, g, models.ErrKindInternal, err.Error())
	}

	inputs, err := o.resolveInputs(ctx, g)
	if err != nil {
		return o.dispatchFailure(ctx, g, err)
	}
	wire, err := adapter.MapParameters(g.OperationType, g.CanonicalParams, inputs)
	if err != nil {
		return false, o.fail(ctx, g, models.ErrKindProviderRejected, err.Error())
	}
	if len(wire.Dropped) > 0 {
		o.log.Debug().Str("generation_id", g.ID).Strs("dropped", wire.Dropped).Msg("parameters not supported by provider")
	}

	credits := provider.RequiredCredits(adapter, g.OperationType, g.CanonicalParams)
	acct, err := o.pool.SelectAndReserve(ctx, g.ProviderID, g.UserID, credits)
	if err != nil {
		return o.dispatchFailure(ctx, g, err)
	}

	processing, err := o.transition(ctx, g.ID, store.Transition{
		From: []models.GenerationStatus{models.StatusQueued},
		To:   models.StatusProcessing,
	})
	if err != nil {
		o.releaseAccount(ctx, acct.ID)
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	sub := models.ProviderSubmission{
		ID:            uuid.NewString(),
		GenerationID:  g.ID,
		AccountID:     acct.ID,
		ProviderID:    g.ProviderID,
		AttemptStatus: models.AttemptSubmitting,
		SubmittedAt:   now,
	}
	if err := o.store.CreateSubmission(ctx, sub); err != nil {
		o.releaseAccount(ctx, acct.ID)
		return o.requeueAfterError(ctx, processing, fmt.Errorf("create submission: %w", err))
	}
	// a cancel may have landed between the transition and the insert
	if current, err := o.store.GetGeneration(ctx, g.ID); err == nil && current.Status != models.StatusProcessing {
		o.abandon(ctx, sub, models.AttemptCancelled, "generation is "+string(current.Status))
		return false, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderCallTimeout)
	jobID, err := adapter.Submit(callCtx, acct, wire)
	cancel()
	if err != nil {
		kind := provider.KindOf(err)
		telemetry.Submissions.WithLabelValues(g.ProviderID, "error").Inc()
		o.log.Warn().Err(err).Str("generation_id", g.ID).Str("account_id", acct.ID).Str("kind", string(kind)).
			Msg("provider submit failed")
		return false, o.FailSubmission(ctx, sub, kind, err.Error())
	}

	if credits > 0 {
		if err := o.pool.DeductCredits(ctx, acct.ID, credits); err != nil {
			o.log.Warn().Err(err).Str("account_id", acct.ID).Int64("credits", credits).Msg("deduct credits failed")
		}
	}
	if err := o.store.AttachProviderJob(ctx, sub.ID, jobID); err != nil {
		// cancelled while the submit call was in flight
		o.log.Info().Err(err).Str("generation_id", g.ID).Str("provider_job_id", jobID).Msg("submission superseded, cancelling provider job")
		o.cancelProviderJob(ctx, adapter, acct, g.ID, jobID)
		o.releaseSubmission(ctx, sub)
		return false, nil
	}
	telemetry.Submissions.WithLabelValues(g.ProviderID, "accepted").Inc()
	o.event(ctx, g.ID, "submitted", fmt.Sprintf("account=%s job=%s attempt=%d", acct.ID, jobID, g.RetryCount+1))
	o.log.Info().Str("generation_id", g.ID).Str("account_id", acct.ID).Str("provider_job_id", jobID).Msg("generation submitted")
	return false, nil
}

func (o *Orchestrator) resolveInputs(ctx context.Context, g models.Generation) ([]string, error) {
	if len(g.InputAssetIDs) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(g.InputAssetIDs))
	for _, assetID := range g.InputAssetIDs {
		id, err := o.artifacts.GetAssetForProvider(ctx, assetID, g.ProviderID, g.UserID)
		if err != nil {
			return nil, fmt.Errorf("resolve input %s: %w", assetID, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// dispatchFailure handles errors raised before a submission exists. Account
// exhaustion and transient upload errors keep the generation queued until
// MaxQueueWait runs out.
func (o *Orchestrator) dispatchFailure(ctx context.Context, g models.Generation, err error) (bool, error) {
	now := o.clock.Now()
	switch {
	case errors.Is(err, accounts.ErrNoneAvailable):
		if o.queueWaitExceeded(g, now) {
			return false, o.fail(ctx, g, models.ErrKindNoAccountAvailable, err.Error())
		}
		telemetry.Backpressure.WithLabelValues("no_account").Inc()
		o.log.Debug().Str("generation_id", g.ID).Str("provider_id", g.ProviderID).Msg("no account available, holding")
		return true, o.hold(ctx, g, now.Add(o.cfg.NoAccountRetryDelay))
	case errors.Is(err, store.ErrNotFound):
		return false, o.fail(ctx, g, models.ErrKindInvalidInput, err.Error())
	case provider.IsTransient(err):
		if o.queueWaitExceeded(g, now) {
			return false, o.fail(ctx, g, provider.KindOf(err), err.Error())
		}
		telemetry.Backpressure.WithLabelValues("input_upload").Inc()
		return true, o.hold(ctx, g, now.Add(backoffWithJitter(o.cfg.BackoffInitial, o.cfg.BackoffMax, g.RetryCount+1)))
	default:
		var perr *provider.Error
		if errors.As(err, &perr) {
			return false, o.fail(ctx, g, perr.Kind, err.Error())
		}
		return false, err
	}
}

func (o *Orchestrator) queueWaitExceeded(g models.Generation, now time.Time) bool {
	return o.cfg.MaxQueueWait > 0 && g.QueuedAt != nil && now.Sub(*g.QueuedAt) > o.cfg.MaxQueueWait
}

// requeueAfterError puts a PROCESSING generation without a live submission
// back in the queue.
func (o *Orchestrator) requeueAfterError(ctx context.Context, g models.Generation, cause error) (bool, error) {
	at := o.clock.Now().Add(o.cfg.NoAccountRetryDelay)
	if _, err := o.transition(ctx, g.ID, store.Transition{
		From:        []models.GenerationStatus{models.StatusProcessing},
		To:          models.StatusQueued,
		ScheduledAt: &at,
	}); err != nil {
		return false, errors.Join(cause, err)
	}
	if err := o.queue.Schedule(ctx, g.ID, g.Priority, at); err != nil {
		return false, errors.Join(cause, err)
	}
	return true, cause
}

// hold leaves g in its current status and makes it due again at at.
func (o *Orchestrator) hold(ctx context.Context, g models.Generation, at time.Time) error {
	if err := o.store.Reschedule(ctx, g.ID, g.Status, at); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return err
	}
	return o.queue.Schedule(ctx, g.ID, g.Priority, at)
}

// Cancel stops a generation owned by userID. An active provider job is
// cancelled best effort and its account slot is released either way.
func (o *Orchestrator) Cancel(ctx context.Context, id, userID string) (models.Generation, error) {
	g, err := o.store.GetGeneration(ctx, id)
	if err != nil {
		return models.Generation{}, err
	}
	if g.UserID != userID {
		return models.Generation{}, ErrForbidden
	}
	if g.Status.IsTerminal() {
		return g, ErrTerminal
	}

	cancelled, err := o.transition(ctx, id, store.Transition{
		From: models.ActiveStatuses,
		To:   models.StatusCancelled,
	})
	if errors.Is(err, store.ErrConflict) {
		return cancelled, ErrTerminal
	}
	if err != nil {
		return models.Generation{}, err
	}
	if err := o.queue.Remove(ctx, id); err != nil {
		o.log.Warn().Err(err).Str("generation_id", id).Msg("remove from queue failed")
	}

	sub, err := o.store.ActiveSubmission(ctx, id)
	switch {
	case err == nil:
		o.cancelSubmission(ctx, cancelled, sub)
	case !errors.Is(err, store.ErrNotFound):
		o.log.Error().Err(err).Str("generation_id", id).Msg("lookup active submission failed")
	}

	o.event(ctx, id, "cancelled", "by "+userID)
	telemetry.GenerationsFinished.WithLabelValues(string(models.StatusCancelled), "").Inc()
	o.log.Info().Str("generation_id", id).Msg("generation cancelled")
	o.settleFollowers(ctx, cancelled)
	return cancelled, nil
}

func (o *Orchestrator) cancelSubmission(ctx context.Context, g models.Generation, sub models.ProviderSubmission) {
	if err := o.store.FinishSubmission(ctx, sub.ID, models.AttemptCancelled, nil); err != nil && !errors.Is(err, store.ErrConflict) {
		o.log.Error().Err(err).Str("submission_id", sub.ID).Msg("finish submission failed")
	}
	if sub.ProviderJobID != "" {
		if adapter, err := o.providers.Get(sub.ProviderID); err == nil {
			if acct, err := o.pool.Get(ctx, sub.AccountID); err == nil {
				o.cancelProviderJob(ctx, adapter, acct, g.ID, sub.ProviderJobID)
			}
		}
	}
	o.releaseSubmission(ctx, sub)
}

func (o *Orchestrator) cancelProviderJob(ctx context.Context, adapter provider.Adapter, acct models.ProviderAccount, genID, jobID string) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.ProviderCallTimeout)
	defer cancel()
	ok, err := adapter.Cancel(callCtx, acct, jobID)
	if err != nil {
		o.log.Warn().Err(err).Str("generation_id", genID).Str("provider_job_id", jobID).Msg("provider cancel failed")
		return
	}
	if !ok {
		o.log.Debug().Str("generation_id", genID).Str("provider_job_id", jobID).Msg("provider does not support cancel")
	}
}

// abandon finishes a submission that never reached the provider.
func (o *Orchestrator) abandon(ctx context.Context, sub models.ProviderSubmission, status models.AttemptStatus, reason string) {
	if err := o.store.FinishSubmission(ctx, sub.ID, status, &reason); err != nil && !errors.Is(err, store.ErrConflict) {
		o.log.Error().Err(err).Str("submission_id", sub.ID).Msg("finish submission failed")
	}
	o.releaseSubmission(ctx, sub)
}

// releaseSubmission frees the submission's account slot exactly once.
func (o *Orchestrator) releaseSubmission(ctx context.Context, sub models.ProviderSubmission) {
	ctx = context.WithoutCancel(ctx)
	flipped, err := o.store.MarkSubmissionReleased(ctx, sub.ID)
	if err != nil {
		o.log.Error().Err(err).Str("submission_id", sub.ID).Msg("mark submission released failed")
		return
	}
	if flipped {
		o.releaseAccount(ctx, sub.AccountID)
	}
}

func (o *Orchestrator) releaseAccount(ctx context.Context, accountID string) {
	if err := o.pool.Release(context.WithoutCancel(ctx), accountID); err != nil {
		o.log.Error().Err(err).Str("account_id", accountID).Msg("release account failed")
	}
}

// transition drops From states that cannot reach To before applying t.
func (o *Orchestrator) transition(ctx context.Context, id string, t store.Transition) (models.Generation, error) {
	from := make([]models.GenerationStatus, 0, len(t.From))
	for _, s := range t.From {
		if s == t.To || models.CanTransition(s, t.To) {
			from = append(from, s)
		}
	}
	t.From = from
	g, err := o.store.TransitionGeneration(ctx, id, t)
	if err == nil {
		names := make([]string, len(from))
		for i, s := range from {
			names[i] = string(s)
		}
		o.log.Debug().Str("generation_id", id).Strs("from", names).Str("to", string(g.Status)).Msg("transition")
	}
	return g, err
}
