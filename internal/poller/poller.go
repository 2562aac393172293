// Package poller checks the provider status of every active submission on a
// fixed cadence and hands terminal outcomes to the orchestrator.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"generation-orchestrator/internal/accounts"
	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// Outcomes receives terminal submission results.
type Outcomes interface {
	CompleteSubmission(ctx context.Context, sub models.ProviderSubmission, ref provider.ResultRef) error
	FailSubmission(ctx context.Context, sub models.ProviderSubmission, kind models.ErrorKind, msg string) error
}

// Config controls polling cadence and the stuck-job rules.
type Config struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
	CallTimeout time.Duration
	// A submission times out once it is older than SubmissionTimeout and its
	// status has not changed for StuckPollThreshold polls, or once it has been
	// polled more than MaxPollAttempts times.
	SubmissionTimeout  time.Duration
	StuckPollThreshold int
	MaxPollAttempts    int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

type Poller struct {
	store     store.SubmissionStore
	pool      accounts.Pool
	providers *provider.Registry
	outcomes  Outcomes
	clock     clock.Clock
	log       zerolog.Logger
	cfg       Config
}

func New(st store.SubmissionStore, pool accounts.Pool, providers *provider.Registry, outcomes Outcomes,
	c clock.Clock, log zerolog.Logger, cfg Config) *Poller {
	if c == nil {
		c = clock.Real{}
	}
	return &Poller{
		store:     st,
		pool:      pool,
		providers: providers,
		outcomes:  outcomes,
		clock:     c,
		log:       log.With().Str("component", "poller").Logger(),
		cfg:       cfg.withDefaults(),
	}
}

// Run polls every Interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("poll cycle failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce checks every active submission once and returns how many were checked.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	subs, err := p.store.ListActiveSubmissions(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list active submissions: %w", err)
	}
	telemetry.InFlightGauge.Set(float64(len(subs)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			if err := p.check(gctx, sub); err != nil {
				p.log.Warn().Err(err).Str("submission_id", sub.ID).Str("generation_id", sub.GenerationID).Msg("status check failed")
			}
			return nil
		})
	}
	return len(subs), g.Wait()
}

func (p *Poller) check(ctx context.Context, sub models.ProviderSubmission) error {
	now := p.clock.Now()
	if sub.ProviderJobID == "" {
		// dispatch is still inside Submit, or died there
		if now.Sub(sub.SubmittedAt) > 2*p.cfg.CallTimeout {
			return p.outcomes.FailSubmission(ctx, sub, models.ErrKindProviderUnavailable, "submission interrupted before the provider answered")
		}
		return nil
	}

	adapter, err := p.providers.Get(sub.ProviderID)
	if err != nil {
		return p.outcomes.FailSubmission(ctx, sub, models.ErrKindInternal, err.Error())
	}
	acct, err := p.pool.Get(ctx, sub.AccountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", sub.AccountID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	res, err := adapter.CheckStatus(callCtx, acct, sub.ProviderJobID)
	cancel()
	if err != nil {
		telemetry.Polls.WithLabelValues(sub.ProviderID, "error").Inc()
		if !provider.IsTransient(err) {
			return p.outcomes.FailSubmission(ctx, sub, provider.KindOf(err), err.Error())
		}
		// count the failed check as a poll without progress
		return p.progress(ctx, adapter, acct, sub, sub.AttemptStatus, now)
	}

	telemetry.Polls.WithLabelValues(sub.ProviderID, string(res.State)).Inc()
	switch res.State {
	case provider.JobCompleted:
		if res.Result == nil || res.Result.URL == "" {
			return p.outcomes.FailSubmission(ctx, sub, models.ErrKindProviderUnavailable, "provider reported completion without a result")
		}
		err := p.outcomes.CompleteSubmission(ctx, sub, *res.Result)
		if err == nil {
			return nil
		}
		// the result is not stored yet; count the attempt as a poll without
		// progress so the timeout rules still release the account
		if perr := p.progress(ctx, adapter, acct, sub, sub.AttemptStatus, now); perr != nil {
			return errors.Join(err, perr)
		}
		return err
	case provider.JobFailed:
		kind := models.ErrKindProviderRejected
		if res.Transient {
			kind = models.ErrKindProviderUnavailable
		}
		msg := res.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		return p.outcomes.FailSubmission(ctx, sub, kind, msg)
	default:
		return p.progress(ctx, adapter, acct, sub, res.State.AttemptStatus(), now)
	}
}

// progress records a non-terminal poll and applies the timeout rules.
func (p *Poller) progress(ctx context.Context, adapter provider.Adapter, acct models.ProviderAccount,
	sub models.ProviderSubmission, status models.AttemptStatus, now time.Time) error {
	updated, err := p.store.RecordPoll(ctx, sub.ID, status, now)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	if !p.timedOut(updated, now) {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	if _, err := adapter.Cancel(callCtx, acct, sub.ProviderJobID); err != nil {
		p.log.Debug().Err(err).Str("provider_job_id", sub.ProviderJobID).Msg("cancel of timed out job failed")
	}
	cancel()
	msg := fmt.Sprintf("no result after %s and %d polls", now.Sub(updated.SubmittedAt).Round(time.Second), updated.PollCount)
	p.log.Warn().Str("generation_id", sub.GenerationID).Str("provider_job_id", sub.ProviderJobID).Msg(msg)
	return p.outcomes.FailSubmission(ctx, updated, models.ErrKindProviderTimeout, msg)
}

func (p *Poller) timedOut(sub models.ProviderSubmission, now time.Time) bool {
	if p.cfg.MaxPollAttempts > 0 && sub.PollCount > p.cfg.MaxPollAttempts {
		return true
	}
	return p.cfg.SubmissionTimeout > 0 && now.Sub(sub.SubmittedAt) > p.cfg.SubmissionTimeout &&
		sub.UnchangedPolls >= p.cfg.StuckPollThreshold
}
