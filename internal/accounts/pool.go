// Package accounts manages the pool of provider accounts: selection,
// reservation of concurrency slots, credit accounting and failure cooldowns.
//
// Every read-then-write against an account (select+reserve, release, deduct)
// is performed as one atomic step: a single SQL statement for PostgresPool and
// a single critical section for MemoryPool.
package accounts

import (
	"context"
	"errors"
	"sort"
	"time"

	"generation-orchestrator/internal/models"
)

var (
	// ErrNoneAvailable means no account can take another reservation right now.
	ErrNoneAvailable = errors.New("no provider account available")
	// ErrNotFound is returned for unknown account ids.
	ErrNotFound = errors.New("account not found")
)

// Pool is the account resource manager consulted by dispatch.
type Pool interface {
	SelectAndReserve(ctx context.Context, providerID, userID string, requiredCredits int64) (models.ProviderAccount, error)
	Release(ctx context.Context, accountID string) error
	DeductCredits(ctx context.Context, accountID string, amount int64) error
	RecordSuccess(ctx context.Context, accountID string, busy time.Duration) error
	RecordFailure(ctx context.Context, accountID string, reason string) error
	Get(ctx context.Context, accountID string) (models.ProviderAccount, error)
	List(ctx context.Context, providerID string) ([]models.ProviderAccount, error)
	Upsert(ctx context.Context, a models.ProviderAccount) error
}

// Policy controls when repeated failures put an account into cooldown.
type Policy struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 3
	}
	if p.FailureWindow <= 0 {
		p.FailureWindow = 10 * time.Minute
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 15 * time.Minute
	}
	return p
}

// Eligible reports whether a is a selection candidate for the request.
func Eligible(a models.ProviderAccount, providerID, userID string, requiredCredits int64, now time.Time) bool {
	if a.ProviderID != providerID {
		return false
	}
	if a.InCooldown(now) {
		return false
	}
	if requiredCredits > 0 && a.CreditsRemaining < requiredCredits {
		return false
	}
	return a.UsableBy(userID)
}

// Rank orders candidates: lower priority_rank, then free capacity, then least
// recently used (never used first), then most credits remaining.
func Rank(candidates []models.ProviderAccount) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.PriorityRank != b.PriorityRank {
			return a.PriorityRank < b.PriorityRank
		}
		if a.HasCapacity() != b.HasCapacity() {
			return a.HasCapacity()
		}
		if !sameTime(a.LastUsedAt, b.LastUsedAt) {
			return usedBefore(a.LastUsedAt, b.LastUsedAt)
		}
		if a.CreditsRemaining != b.CreditsRemaining {
			return a.CreditsRemaining > b.CreditsRemaining
		}
		return a.ID < b.ID
	})
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func usedBefore(a, b *time.Time) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}
