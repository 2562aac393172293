package models

import "time"

// ProviderAccount is a credential and capacity unit for one provider.
type ProviderAccount struct {
	ID                   string        `json:"id"`
	ProviderID           string        `json:"provider_id"`
	Credential           string        `json:"-"`
	CreditsRemaining     int64         `json:"credits_remaining"`
	MaxConcurrentJobs    int           `json:"max_concurrent_jobs"`
	CurrentReservedCount int           `json:"current_reserved_count"`
	IsPrivate            bool          `json:"is_private"`
	OwnerUserID          *string       `json:"owner_user_id,omitempty"`
	CooldownUntil        *time.Time    `json:"cooldown_until,omitempty"`
	PriorityRank         int           `json:"priority_rank"`
	LastUsedAt           *time.Time    `json:"last_used_at,omitempty"`
	SuccessCount         int64         `json:"success_count"`
	FailureCount         int64         `json:"failure_count"`
	WindowFailures       int           `json:"window_failures"`
	WindowStartedAt      *time.Time    `json:"window_started_at,omitempty"`
	TotalBusy            time.Duration `json:"total_busy"`
	LastFailureReason    *string       `json:"last_failure_reason,omitempty"`
}

// HasCapacity reports whether another reservation would stay within the concurrency limit.
func (a ProviderAccount) HasCapacity() bool {
	return a.CurrentReservedCount < a.MaxConcurrentJobs
}

// InCooldown reports whether the account is temporarily excluded from selection.
func (a ProviderAccount) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && a.CooldownUntil.After(now)
}

// UsableBy reports whether user may draw on this account.
func (a ProviderAccount) UsableBy(userID string) bool {
	if !a.IsPrivate {
		return true
	}
	return a.OwnerUserID != nil && *a.OwnerUserID == userID
}
