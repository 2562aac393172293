package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/models"
)

// PostgresPool keeps account state in the provider_accounts table.
type PostgresPool struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	policy Policy
}

// NewPostgresPool wraps an existing pgx pool.
func NewPostgresPool(pool *pgxpool.Pool, c clock.Clock, policy Policy) *PostgresPool {
	if c == nil {
		c = clock.Real{}
	}
	return &PostgresPool{pool: pool, clock: c, policy: policy.withDefaults()}
}

const accountColumns = `id, provider_id, credential, credits_remaining, max_concurrent_jobs, current_reserved_count,
	is_private, owner_user_id, cooldown_until, priority_rank, last_used_at, success_count, failure_count,
	window_failures, window_started_at, total_busy_ms, last_failure_reason`

const returningColumns = `a.id, a.provider_id, a.credential, a.credits_remaining, a.max_concurrent_jobs,
	a.current_reserved_count, a.is_private, a.owner_user_id, a.cooldown_until, a.priority_rank, a.last_used_at,
	a.success_count, a.failure_count, a.window_failures, a.window_started_at, a.total_busy_ms, a.last_failure_reason`

// SelectAndReserve picks the best-ranked eligible account with a free slot and
// increments its reservation count in the same statement. Rows locked by a
// concurrent reservation are skipped rather than waited on.
func (p *PostgresPool) SelectAndReserve(ctx context.Context, providerID, userID string, requiredCredits int64) (models.ProviderAccount, error) {
	now := p.clock.Now()
	row := p.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT id FROM provider_accounts
			WHERE provider_id = $1
				AND (cooldown_until IS NULL OR cooldown_until <= $4)
				AND ($3 <= 0 OR credits_remaining >= $3)
				AND (NOT is_private OR owner_user_id = $2)
				AND current_reserved_count < max_concurrent_jobs
			ORDER BY priority_rank ASC,
				(current_reserved_count < max_concurrent_jobs) DESC,
				last_used_at ASC NULLS FIRST,
				credits_remaining DESC,
				id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE provider_accounts a
		SET current_reserved_count = a.current_reserved_count + 1, last_used_at = $4
		FROM candidate
		WHERE a.id = candidate.id AND a.current_reserved_count < a.max_concurrent_jobs
		RETURNING `+returningColumns,
		providerID, userID, requiredCredits, now)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProviderAccount{}, fmt.Errorf("provider %s: %w", providerID, ErrNoneAvailable)
	}
	return acct, err
}

// Release frees one reservation; the count never drops below zero.
func (p *PostgresPool) Release(ctx context.Context, accountID string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE provider_accounts SET current_reserved_count = GREATEST(current_reserved_count - 1, 0) WHERE id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("release account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (p *PostgresPool) DeductCredits(ctx context.Context, accountID string, amount int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE provider_accounts SET credits_remaining = GREATEST(credits_remaining - $2, 0) WHERE id = $1
	`, accountID, amount)
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (p *PostgresPool) RecordSuccess(ctx context.Context, accountID string, busy time.Duration) error {
	if busy < 0 {
		busy = 0
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE provider_accounts SET success_count = success_count + 1, total_busy_ms = total_busy_ms + $2 WHERE id = $1
	`, accountID, busy.Milliseconds())
	if err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	return nil
}

// RecordFailure counts a failure inside the sliding window and starts a
// cooldown once the threshold is reached, all in one statement.
func (p *PostgresPool) RecordFailure(ctx context.Context, accountID string, reason string) error {
	now := p.clock.Now()
	tag, err := p.pool.Exec(ctx, `
		WITH next AS (
			SELECT id,
				CASE WHEN window_started_at IS NULL OR window_started_at < $3 THEN 1 ELSE window_failures + 1 END AS failures,
				CASE WHEN window_started_at IS NULL OR window_started_at < $3 THEN $4::timestamptz ELSE window_started_at END AS started
			FROM provider_accounts WHERE id = $1
			FOR UPDATE
		)
		UPDATE provider_accounts a
		SET failure_count = a.failure_count + 1,
			last_failure_reason = $2,
			window_failures = CASE WHEN next.failures >= $5 THEN 0 ELSE next.failures END,
			window_started_at = CASE WHEN next.failures >= $5 THEN NULL ELSE next.started END,
			cooldown_until = CASE WHEN next.failures >= $5 THEN $6 ELSE a.cooldown_until END
		FROM next
		WHERE a.id = next.id
	`, accountID, reason, now.Add(-p.policy.FailureWindow), now, p.policy.FailureThreshold, now.Add(p.policy.Cooldown))
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	return nil
}

func (p *PostgresPool) Get(ctx context.Context, accountID string) (models.ProviderAccount, error) {
	acct, err := scanAccount(p.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM provider_accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProviderAccount{}, fmt.Errorf("%s: %w", accountID, ErrNotFound)
	}
	return acct, err
}

func (p *PostgresPool) List(ctx context.Context, providerID string) ([]models.ProviderAccount, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM provider_accounts WHERE ($1 = '' OR provider_id = $1) ORDER BY id
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	var out []models.ProviderAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Upsert inserts an account or refreshes its static settings. Credits and
// runtime counters are only written on first insert.
func (p *PostgresPool) Upsert(ctx context.Context, a models.ProviderAccount) error {
	if a.ID == "" || a.ProviderID == "" {
		return fmt.Errorf("account id and provider id are required")
	}
	if a.MaxConcurrentJobs <= 0 {
		a.MaxConcurrentJobs = 1
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO provider_accounts (id, provider_id, credential, credits_remaining, max_concurrent_jobs, is_private,
			owner_user_id, priority_rank)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET provider_id = EXCLUDED.provider_id,
			credential = EXCLUDED.credential,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			is_private = EXCLUDED.is_private,
			owner_user_id = EXCLUDED.owner_user_id,
			priority_rank = EXCLUDED.priority_rank
	`, a.ID, a.ProviderID, a.Credential, a.CreditsRemaining, a.MaxConcurrentJobs, a.IsPrivate, a.OwnerUserID, a.PriorityRank)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (models.ProviderAccount, error) {
	var (
		a                      models.ProviderAccount
		owner, reason          pgtype.Text
		cooldown, used, window pgtype.Timestamptz
		busyMS                 int64
	)
	err := row.Scan(&a.ID, &a.ProviderID, &a.Credential, &a.CreditsRemaining, &a.MaxConcurrentJobs, &a.CurrentReservedCount,
		&a.IsPrivate, &owner, &cooldown, &a.PriorityRank, &used, &a.SuccessCount, &a.FailureCount,
		&a.WindowFailures, &window, &busyMS, &reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProviderAccount{}, err
	}
	if err != nil {
		return models.ProviderAccount{}, fmt.Errorf("scan account: %w", err)
	}
	a.OwnerUserID = textPtr(owner)
	a.LastFailureReason = textPtr(reason)
	a.CooldownUntil = timePtr(cooldown)
	a.LastUsedAt = timePtr(used)
	a.WindowStartedAt = timePtr(window)
	a.TotalBusy = time.Duration(busyMS) * time.Millisecond
	return a, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

var _ Pool = (*PostgresPool)(nil)
