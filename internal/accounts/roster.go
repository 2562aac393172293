package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"

	"generation-orchestrator/internal/models"
)

// Roster is the provider and account declaration read from PROVIDERS_FILE.
type Roster struct {
	Providers []ProviderSpec `json:"providers" validate:"dive"`
	Accounts  []AccountSpec  `json:"accounts" validate:"dive"`
}

// ProviderSpec configures one deployment of the reference HTTP adapter.
type ProviderSpec struct {
	ID               string  `json:"id" validate:"required"`
	BaseURL          string  `json:"base_url" validate:"required,url"`
	RatePerSecond    float64 `json:"rate_per_sec" validate:"gte=0"`
	Burst            int     `json:"burst" validate:"gte=0"`
	SupportsCancel   bool    `json:"supports_cancel"`
	CreditsPerSecond int64   `json:"credits_per_second" validate:"gte=0"`
}

// AccountSpec declares one account. The credential itself is read from the
// environment variable named by CredentialEnv.
type AccountSpec struct {
	ID                string `json:"id" validate:"required"`
	ProviderID        string `json:"provider_id" validate:"required"`
	CredentialEnv     string `json:"credential_env"`
	Credits           int64  `json:"credits" validate:"gte=0"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs" validate:"gte=1"`
	Private           bool   `json:"private"`
	OwnerUserID       string `json:"owner_user_id" validate:"required_if=Private true"`
	PriorityRank      int    `json:"priority_rank"`
}

// LoadRoster reads and validates a roster file.
func LoadRoster(path string) (Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Roster{}, fmt.Errorf("read roster: %w", err)
	}
	var r Roster
	if err := json.Unmarshal(raw, &r); err != nil {
		return Roster{}, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if err := validator.New().Struct(r); err != nil {
		return Roster{}, fmt.Errorf("roster %s: %w", path, err)
	}
	return r, nil
}

// Seed upserts every declared account. Live counters are kept.
func (r Roster) Seed(ctx context.Context, pool Pool) (int, error) {
	for _, spec := range r.Accounts {
		if err := pool.Upsert(ctx, spec.account()); err != nil {
			return 0, err
		}
	}
	return len(r.Accounts), nil
}

func (s AccountSpec) account() models.ProviderAccount {
	a := models.ProviderAccount{
		ID:                s.ID,
		ProviderID:        s.ProviderID,
		CreditsRemaining:  s.Credits,
		MaxConcurrentJobs: s.MaxConcurrentJobs,
		IsPrivate:         s.Private,
		PriorityRank:      s.PriorityRank,
	}
	if s.CredentialEnv != "" {
		a.Credential = os.Getenv(s.CredentialEnv)
	}
	if s.OwnerUserID != "" {
		owner := s.OwnerUserID
		a.OwnerUserID = &owner
	}
	return a
}
