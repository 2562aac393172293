// Package quota decides whether a user may admit, run or store more work.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/ratelimit"
)

var (
	// ErrQuotaExceeded rejects a request before any provider call is made.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrStorageQuotaExceeded means an artifact could not be charged to local storage.
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")
)

// Limits are per-user ceilings. Zero disables a limit.
type Limits struct {
	MaxConcurrent int
	MaxQueued     int
	MaxDaily      int
	StorageBytes  int64
}

// Usage is the slice of the store the guard reads and charges.
type Usage interface {
	CountByStatus(ctx context.Context, userID string, statuses []models.GenerationStatus) (int, error)
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
	StorageUsed(ctx context.Context, userID string) (int64, error)
	ChargeStorage(ctx context.Context, userID, chargeKey string, bytes, ceiling int64) (bool, error)
}

// Guard applies Limits to one user at a time.
type Guard struct {
	limits  Limits
	usage   Usage
	limiter ratelimit.Limiter
	clock   clock.Clock
}

// NewGuard builds a guard. limiter may be nil when no admission bucket is configured.
func NewGuard(limits Limits, usage Usage, limiter ratelimit.Limiter, c clock.Clock) *Guard {
	if c == nil {
		c = clock.Real{}
	}
	return &Guard{limits: limits, usage: usage, limiter: limiter, clock: c}
}

// Limits returns the configured ceilings.
func (g *Guard) Limits() Limits {
	return g.limits
}

// AdmitCreate checks everything a new request must pass: the admission bucket,
// the number of unfinished generations, the daily count, and whether the
// storage ceiling has already been reached.
func (g *Guard) AdmitCreate(ctx context.Context, userID string) error {
	if g.limiter != nil {
		ok, err := g.limiter.Allow(ctx, userID)
		if err != nil {
			return fmt.Errorf("admission bucket: %w", err)
		}
		if !ok {
			return fmt.Errorf("user %s is submitting too fast: %w", userID, ErrQuotaExceeded)
		}
	}
	if g.limits.MaxQueued > 0 {
		n, err := g.usage.CountByStatus(ctx, userID, models.ActiveStatuses)
		if err != nil {
			return err
		}
		if n >= g.limits.MaxQueued {
			return fmt.Errorf("user %s has %d unfinished generations (limit %d): %w", userID, n, g.limits.MaxQueued, ErrQuotaExceeded)
		}
	}
	if g.limits.MaxDaily > 0 {
		since := g.clock.Now().Add(-24 * time.Hour)
		n, err := g.usage.CountCreatedSince(ctx, userID, since)
		if err != nil {
			return err
		}
		if n >= g.limits.MaxDaily {
			return fmt.Errorf("user %s created %d generations in 24h (limit %d): %w", userID, n, g.limits.MaxDaily, ErrQuotaExceeded)
		}
	}
	if g.limits.StorageBytes > 0 {
		used, err := g.usage.StorageUsed(ctx, userID)
		if err != nil {
			return err
		}
		if used >= g.limits.StorageBytes {
			return fmt.Errorf("user %s uses %d of %d storage bytes: %w", userID, used, g.limits.StorageBytes, ErrQuotaExceeded)
		}
	}
	return nil
}

// AllowDispatch reports whether the user may start one more provider job.
// A false answer is backpressure: the caller keeps the generation queued.
func (g *Guard) AllowDispatch(ctx context.Context, userID string) (bool, error) {
	if g.limits.MaxConcurrent <= 0 {
		return true, nil
	}
	n, err := g.usage.CountByStatus(ctx, userID, []models.GenerationStatus{models.StatusProcessing})
	if err != nil {
		return false, err
	}
	return n < g.limits.MaxConcurrent, nil
}

// ChargeStorage adds bytes to the user's usage, refusing with
// ErrStorageQuotaExceeded if that would pass the ceiling. Charging the same
// key twice counts once.
func (g *Guard) ChargeStorage(ctx context.Context, userID, chargeKey string, bytes int64) error {
	ok, err := g.usage.ChargeStorage(ctx, userID, chargeKey, bytes, g.limits.StorageBytes)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s: %d more bytes: %w", userID, bytes, ErrStorageQuotaExceeded)
	}
	return nil
}
