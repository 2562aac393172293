package orchestrator

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/store"
	"generation-orchestrator/internal/telemetry"
)

// Run starts WorkerCount dispatch loops plus one housekeeping loop and
// blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.WorkerCount; i++ {
		worker := i
		g.Go(func() error {
			return o.workLoop(ctx, worker)
		})
	}
	g.Go(func() error {
		return o.housekeeping(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) workLoop(ctx context.Context, worker int) error {
	log := o.log.With().Int("worker", worker).Logger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ids, err := o.queue.PopDue(ctx, o.clock.Now(), 1)
		if err != nil {
			log.Warn().Err(err).Msg("pop due failed")
		}
		if len(ids) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.WorkerPollInterval):
			}
			continue
		}
		for _, id := range ids {
			if err := o.Process(ctx, id); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("generation_id", id).Msg("process generation failed")
			}
		}
	}
}

func (o *Orchestrator) housekeeping(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if n, err := o.queue.RequeueExpired(ctx, o.clock.Now()); err != nil {
			o.log.Warn().Err(err).Msg("requeue expired leases failed")
		} else if n > 0 {
			o.log.Info().Int("count", n).Msg("requeued generations with expired leases")
		}
		if waiting, _, err := o.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(waiting))
		}
	}
}

// ProcessDue handles every generation due at the current clock time, up to
// limit, and returns how many were popped.
func (o *Orchestrator) ProcessDue(ctx context.Context, limit int) (int, error) {
	ids, err := o.queue.PopDue(ctx, o.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if err := o.Process(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ids), errors.Join(errs...)
}

// Process advances one leased generation as far as it can go right now:
// PENDING is admitted and then dispatched, QUEUED is dispatched. Anything
// else is dropped from the queue.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	g, err := o.store.GetGeneration(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return o.queue.Ack(ctx, id)
	}
	if err != nil {
		return err
	}

	held := false
	switch g.Status {
	case models.StatusPending:
		g, held, err = o.admit(ctx, g)
		if err == nil && !held && g.Status == models.StatusQueued {
			held, err = o.dispatch(ctx, g)
		}
	case models.StatusQueued:
		held, err = o.dispatch(ctx, g)
	}
	if held {
		return err
	}
	if err != nil {
		// keep the generation in the queue; the store still has it as schedulable
		if current, gerr := o.store.GetGeneration(ctx, id); gerr == nil && !current.Status.IsTerminal() &&
			current.Status != models.StatusProcessing {
			if herr := o.hold(ctx, current, o.clock.Now().Add(o.cfg.NoAccountRetryDelay)); herr == nil {
				return err
			}
		}
	}
	return errors.Join(err, o.queue.Ack(ctx, id))
}

// Recover puts every PENDING and QUEUED leader back on the queue. Run it on
// start-up so ids lost with a queue backend are picked up again.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	gens, err := o.store.ListSchedulable(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, g := range gens {
		if err := o.queue.Schedule(ctx, g.ID, g.Priority, g.DueAt()); err != nil {
			return 0, err
		}
	}
	if len(gens) > 0 {
		o.log.Info().Int("count", len(gens)).Msg("recovered schedulable generations")
	}
	return len(gens), nil
}
