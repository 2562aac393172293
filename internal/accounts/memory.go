package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/models"
)

// MemoryPool holds account state in process; a single mutex owns all of it.
type MemoryPool struct {
	mu       sync.Mutex
	clock    clock.Clock
	policy   Policy
	accounts map[string]*models.ProviderAccount
}

// NewMemoryPool builds an empty pool.
func NewMemoryPool(c clock.Clock, policy Policy) *MemoryPool {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryPool{
		clock:    c,
		policy:   policy.withDefaults(),
		accounts: make(map[string]*models.ProviderAccount),
	}
}

func (p *MemoryPool) SelectAndReserve(_ context.Context, providerID, userID string, requiredCredits int64) (models.ProviderAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	candidates := make([]models.ProviderAccount, 0, len(p.accounts))
	for _, a := range p.accounts {
		if Eligible(*a, providerID, userID, requiredCredits, now) {
			candidates = append(candidates, *a)
		}
	}
	Rank(candidates)
	for _, c := range candidates {
		if !c.HasCapacity() {
			continue
		}
		a := p.accounts[c.ID]
		a.CurrentReservedCount++
		a.LastUsedAt = &now
		return *a, nil
	}
	return models.ProviderAccount{}, fmt.Errorf("provider %s: %w", providerID, ErrNoneAvailable)
}

func (p *MemoryPool) Release(_ context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	if a.CurrentReservedCount > 0 {
		a.CurrentReservedCount--
	}
	return nil
}

func (p *MemoryPool) DeductCredits(_ context.Context, accountID string, amount int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	a.CreditsRemaining -= amount
	if a.CreditsRemaining < 0 {
		a.CreditsRemaining = 0
	}
	return nil
}

func (p *MemoryPool) RecordSuccess(_ context.Context, accountID string, busy time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	a.SuccessCount++
	if busy > 0 {
		a.TotalBusy += busy
	}
	return nil
}

func (p *MemoryPool) RecordFailure(_ context.Context, accountID string, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	now := p.clock.Now()
	a.FailureCount++
	a.LastFailureReason = &reason
	if a.WindowStartedAt == nil || now.Sub(*a.WindowStartedAt) > p.policy.FailureWindow {
		a.WindowStartedAt = &now
		a.WindowFailures = 1
	} else {
		a.WindowFailures++
	}
	if a.WindowFailures >= p.policy.FailureThreshold {
		until := now.Add(p.policy.Cooldown)
		a.CooldownUntil = &until
		a.WindowFailures = 0
		a.WindowStartedAt = nil
	}
	return nil
}

func (p *MemoryPool) Get(_ context.Context, accountID string) (models.ProviderAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.accounts[accountID]
	if !ok {
		return models.ProviderAccount{}, fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	return *a, nil
}

func (p *MemoryPool) List(_ context.Context, providerID string) ([]models.ProviderAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.ProviderAccount
	for _, a := range p.accounts {
		if providerID == "" || a.ProviderID == providerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert adds an account or refreshes its static settings, keeping runtime counters.
func (p *MemoryPool) Upsert(_ context.Context, a models.ProviderAccount) error {
	if a.ID == "" || a.ProviderID == "" {
		return fmt.Errorf("account id and provider id are required")
	}
	if a.MaxConcurrentJobs <= 0 {
		a.MaxConcurrentJobs = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.accounts[a.ID]
	if !ok {
		a.CurrentReservedCount = 0
		cp := a
		p.accounts[a.ID] = &cp
		return nil
	}
	if a.MaxConcurrentJobs < existing.CurrentReservedCount {
		return fmt.Errorf("account %s: max_concurrent_jobs %d below %d live reservations", a.ID, a.MaxConcurrentJobs, existing.CurrentReservedCount)
	}
	existing.ProviderID = a.ProviderID
	existing.Credential = a.Credential
	existing.MaxConcurrentJobs = a.MaxConcurrentJobs
	existing.IsPrivate = a.IsPrivate
	existing.OwnerUserID = a.OwnerUserID
	existing.PriorityRank = a.PriorityRank
	return nil
}

var _ Pool = (*MemoryPool)(nil)
