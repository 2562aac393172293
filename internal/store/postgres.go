package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-orchestrator/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the connection pool so other Postgres-backed components share it.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const generationColumns = `id, user_id, operation_type, provider_id, raw_inputs, canonical_params, input_asset_ids,
	reproducible_hash, status, priority, scheduled_at, parent_generation_id, dedupe_of, cache_hit,
	result_asset_id, error_kind, error_message, warning, retry_count, queued_at, created_at, updated_at`

// CreateGeneration inserts a generation row.
func (s *Postgres) CreateGeneration(ctx context.Context, g models.Generation) error {
	raw, err := json.Marshal(g.RawInputs)
	if err != nil {
		return fmt.Errorf("marshal raw inputs: %w", err)
	}
	canonical, err := json.Marshal(g.CanonicalParams)
	if err != nil {
		return fmt.Errorf("marshal canonical params: %w", err)
	}
	inputs := g.InputAssetIDs
	if inputs == nil {
		inputs = []string{}
	}
	created := g.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO generations (id, user_id, operation_type, provider_id, raw_inputs, canonical_params, input_asset_ids,
			reproducible_hash, status, priority, scheduled_at, parent_generation_id, dedupe_of, cache_hit,
			result_asset_id, error_kind, error_message, warning, retry_count, queued_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $21)
	`, g.ID, g.UserID, string(g.OperationType), g.ProviderID, raw, canonical, inputs,
		g.ReproducibleHash, string(g.Status), g.Priority, g.ScheduledAt, g.ParentGenerationID, g.DedupeOf, g.CacheHit,
		g.ResultAssetID, kindString(g.ErrorKind), g.ErrorMessage, kindString(g.Warning), g.RetryCount, g.QueuedAt, created)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// GetGeneration fetches a generation by id.
func (s *Postgres) GetGeneration(ctx context.Context, id string) (models.Generation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id)
	g, err := scanGeneration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Generation{}, fmt.Errorf("generation %s: %w", id, ErrNotFound)
	}
	return g, err
}

// TransitionGeneration applies a guarded status change in a single statement.
func (s *Postgres) TransitionGeneration(ctx context.Context, id string, t Transition) (models.Generation, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE generations
		SET status = $3,
			result_asset_id = COALESCE($4, result_asset_id),
			error_kind = COALESCE($5, error_kind),
			error_message = COALESCE($6, error_message),
			warning = COALESCE($7, warning),
			retry_count = COALESCE($8, retry_count),
			scheduled_at = COALESCE($9, scheduled_at),
			queued_at = COALESCE($10, queued_at),
			cache_hit = COALESCE($11, cache_hit),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+generationColumns,
		id, statusStrings(t.From), string(t.To), t.ResultAssetID, kindString(t.ErrorKind), t.ErrorMessage,
		kindString(t.Warning), t.RetryCount, t.ScheduledAt, t.QueuedAt, t.CacheHit)
	g, err := scanGeneration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.missOrConflict(ctx, id)
	}
	return g, err
}

func (s *Postgres) missOrConflict(ctx context.Context, id string) (models.Generation, error) {
	current, err := s.GetGeneration(ctx, id)
	if err != nil {
		return models.Generation{}, err
	}
	return current, fmt.Errorf("generation %s is %s: %w", id, current.Status, ErrConflict)
}

// Reschedule moves scheduled_at if the generation is still in status.
func (s *Postgres) Reschedule(ctx context.Context, id string, status models.GenerationStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generations SET scheduled_at = $3, updated_at = NOW() WHERE id = $1 AND status = $2
	`, id, string(status), at)
	if err != nil {
		return fmt.Errorf("reschedule generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.missOrConflict(ctx, id)
		return err
	}
	return nil
}

// SetDedupeOf points a non-terminal generation at a leader, or clears the link.
func (s *Postgres) SetDedupeOf(ctx context.Context, id string, leaderID *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE generations SET dedupe_of = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, leaderID, statusStrings(models.ActiveStatuses))
	if err != nil {
		return fmt.Errorf("set dedupe_of: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, err := s.missOrConflict(ctx, id)
		return err
	}
	return nil
}

// ListFollowers returns non-terminal generations waiting on leaderID, oldest first.
func (s *Postgres) ListFollowers(ctx context.Context, leaderID string) ([]models.Generation, error) {
	return s.queryGenerations(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE dedupe_of = $1 AND status = ANY($2)
		ORDER BY created_at, id
	`, leaderID, statusStrings(models.ActiveStatuses))
}

// ListSchedulable returns PENDING and QUEUED generations that are not followers.
func (s *Postgres) ListSchedulable(ctx context.Context, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryGenerations(ctx, `
		SELECT `+generationColumns+` FROM generations
		WHERE status = ANY($1) AND dedupe_of IS NULL
		ORDER BY created_at, id
		LIMIT $2
	`, []string{string(models.StatusPending), string(models.StatusQueued)}, limit)
}

// CountByStatus counts a user's generations in any of statuses.
func (s *Postgres) CountByStatus(ctx context.Context, userID string, statuses []models.GenerationStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generations WHERE user_id = $1 AND status = ANY($2)
	`, userID, statusStrings(statuses)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return n, nil
}

// CountCreatedSince counts a user's generations created at or after since.
func (s *Postgres) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM generations WHERE user_id = $1 AND created_at >= $2
	`, userID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count daily generations: %w", err)
	}
	return n, nil
}

// AppendEvent adds an audit row.
func (s *Postgres) AppendEvent(ctx context.Context, generationID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generation_events (generation_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, generationID, event, detail)
	return err
}

// ListEvents returns the audit trail of a generation, oldest first.
func (s *Postgres) ListEvents(ctx context.Context, generationID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT generation_id, event, detail, ts FROM generation_events WHERE generation_id = $1 ORDER BY ts, id
	`, generationID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.GenerationID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const submissionColumns = `id, generation_id, account_id, provider_id, provider_job_id, attempt_status,
	submitted_at, last_polled_at, poll_count, unchanged_polls, released, last_error`

// CreateSubmission inserts a submission. The partial unique index on
// generation_id rejects a second non-terminal submission.
func (s *Postgres) CreateSubmission(ctx context.Context, sub models.ProviderSubmission) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provider_submissions (id, generation_id, account_id, provider_id, provider_job_id, attempt_status,
			submitted_at, poll_count, unchanged_polls, released)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, FALSE)
	`, sub.ID, sub.GenerationID, sub.AccountID, sub.ProviderID, sub.ProviderJobID, string(sub.AttemptStatus), sub.SubmittedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("generation %s already has an active submission: %w", sub.GenerationID, ErrConflict)
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *Postgres) GetSubmission(ctx context.Context, id string) (models.ProviderSubmission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM provider_submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProviderSubmission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, err
}

func (s *Postgres) ActiveSubmission(ctx context.Context, generationID string) (models.ProviderSubmission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `
		SELECT `+submissionColumns+` FROM provider_submissions
		WHERE generation_id = $1 AND attempt_status = ANY($2)
	`, generationID, attemptStrings(models.ActiveAttemptStatuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProviderSubmission{}, fmt.Errorf("active submission for %s: %w", generationID, ErrNotFound)
	}
	return sub, err
}

func (s *Postgres) ListSubmissions(ctx context.Context, generationID string) ([]models.ProviderSubmission, error) {
	return s.querySubmissions(ctx, `
		SELECT `+submissionColumns+` FROM provider_submissions WHERE generation_id = $1 ORDER BY submitted_at
	`, generationID)
}

func (s *Postgres) ListActiveSubmissions(ctx context.Context, limit int) ([]models.ProviderSubmission, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.querySubmissions(ctx, `
		SELECT `+submissionColumns+` FROM provider_submissions
		WHERE attempt_status = ANY($1)
		ORDER BY last_polled_at NULLS FIRST, submitted_at
		LIMIT $2
	`, attemptStrings(models.ActiveAttemptStatuses), limit)
}

// AttachProviderJob records the external job id of a submission still in submitting.
func (s *Postgres) AttachProviderJob(ctx context.Context, id, providerJobID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE provider_submissions SET provider_job_id = $2, attempt_status = $3
		WHERE id = $1 AND attempt_status = $4
	`, id, providerJobID, string(models.AttemptQueued), string(models.AttemptSubmitting))
	if err != nil {
		return fmt.Errorf("attach provider job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s no longer submitting: %w", id, ErrConflict)
	}
	return nil
}

// RecordPoll stores the latest observed provider status. unchanged_polls counts
// consecutive polls that observed the same status.
func (s *Postgres) RecordPoll(ctx context.Context, id string, status models.AttemptStatus, polledAt time.Time) (models.ProviderSubmission, error) {
	sub, err := scanSubmission(s.pool.QueryRow(ctx, `
		UPDATE provider_submissions
		SET unchanged_polls = CASE WHEN attempt_status = $2 THEN unchanged_polls + 1 ELSE 0 END,
			attempt_status = $2,
			poll_count = poll_count + 1,
			last_polled_at = $3
		WHERE id = $1 AND attempt_status = ANY($4)
		RETURNING `+submissionColumns,
		id, string(status), polledAt, attemptStrings(models.ActiveAttemptStatuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProviderSubmission{}, fmt.Errorf("submission %s not active: %w", id, ErrConflict)
	}
	return sub, err
}

// FinishSubmission moves an active submission to a terminal status.
func (s *Postgres) FinishSubmission(ctx context.Context, id string, status models.AttemptStatus, lastErr *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE provider_submissions SET attempt_status = $2, last_error = COALESCE($3, last_error)
		WHERE id = $1 AND attempt_status = ANY($4)
	`, id, string(status), lastErr, attemptStrings(models.ActiveAttemptStatuses))
	if err != nil {
		return fmt.Errorf("finish submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("submission %s not active: %w", id, ErrConflict)
	}
	return nil
}

// MarkSubmissionReleased flips the released flag once; it reports whether this call flipped it.
func (s *Postgres) MarkSubmissionReleased(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE provider_submissions SET released = TRUE WHERE id = $1 AND released = FALSE
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark released: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const assetColumns = `id, owner_user_id, generation_id, provider_id, provider_asset_id, remote_url, local_path,
	thumbnail_path, mirror_url, mime_type, size_bytes, duration_seconds, sync_status, provider_uploads,
	last_accessed_at, created_at, updated_at`

func (s *Postgres) CreateAsset(ctx context.Context, a models.Asset) error {
	uploads := a.ProviderUploads
	if uploads == nil {
		uploads = map[string]string{}
	}
	uploadsJSON, err := json.Marshal(uploads)
	if err != nil {
		return fmt.Errorf("marshal provider uploads: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO assets (id, owner_user_id, generation_id, provider_id, provider_asset_id, remote_url, local_path,
			thumbnail_path, mirror_url, mime_type, size_bytes, duration_seconds, sync_status, provider_uploads,
			last_accessed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
	`, a.ID, a.OwnerUserID, a.GenerationID, a.ProviderID, a.ProviderAssetID, a.RemoteURL, a.LocalPath,
		a.ThumbnailPath, a.MirrorURL, a.MimeType, a.SizeBytes, a.DurationSeconds, string(a.SyncStatus), uploadsJSON,
		a.LastAccessedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert asset %s: %w", a.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

func (s *Postgres) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id)
	var (
		a        models.Asset
		sync     string
		uploads  []byte
		accessed pgtype.Timestamptz
	)
	err := row.Scan(&a.ID, &a.OwnerUserID, &a.GenerationID, &a.ProviderID, &a.ProviderAssetID, &a.RemoteURL, &a.LocalPath,
		&a.ThumbnailPath, &a.MirrorURL, &a.MimeType, &a.SizeBytes, &a.DurationSeconds, &sync, &uploads,
		&accessed, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	a.SyncStatus = models.SyncStatus(sync)
	a.LastAccessedAt = timePtr(accessed)
	a.ProviderUploads = map[string]string{}
	if len(uploads) > 0 {
		if err := json.Unmarshal(uploads, &a.ProviderUploads); err != nil {
			return models.Asset{}, fmt.Errorf("unmarshal provider uploads: %w", err)
		}
	}
	return a, nil
}

func (s *Postgres) UpdateAssetLocal(ctx context.Context, id, localPath string, sizeBytes int64, status models.SyncStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE assets
		SET local_path = $2, size_bytes = CASE WHEN $3 > 0 THEN $3 ELSE size_bytes END, sync_status = $4, updated_at = NOW()
		WHERE id = $1
	`, id, localPath, sizeBytes, string(status))
	if err != nil {
		return fmt.Errorf("update asset local copy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetAssetDerivatives records the thumbnail and mirror copies; empty values keep the old ones.
func (s *Postgres) SetAssetDerivatives(ctx context.Context, id, thumbnailPath, mirrorURL string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE assets
		SET thumbnail_path = COALESCE(NULLIF($2, ''), thumbnail_path),
			mirror_url = COALESCE(NULLIF($3, ''), mirror_url),
			updated_at = NOW()
		WHERE id = $1
	`, id, thumbnailPath, mirrorURL)
	if err != nil {
		return fmt.Errorf("set asset derivatives: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetProviderUpload merges one entry into provider_uploads and stamps last_accessed_at.
func (s *Postgres) SetProviderUpload(ctx context.Context, assetID, providerID, providerAssetID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE assets
		SET provider_uploads = provider_uploads || jsonb_build_object($2::text, $3::text),
			last_accessed_at = $4, updated_at = NOW()
		WHERE id = $1
	`, assetID, providerID, providerAssetID, at)
	if err != nil {
		return fmt.Errorf("set provider upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	return nil
}

func (s *Postgres) TouchAsset(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE assets SET last_accessed_at = $2 WHERE id = $1`, id, at)
	return err
}

var errChargeRefused = errors.New("storage charge refused")

// ChargeStorage records chargeKey and adds bytes to the user's usage in one
// transaction. A concurrent charge with the same key waits on the key's row
// and then sees it as already charged.
func (s *Postgres) ChargeStorage(ctx context.Context, userID, chargeKey string, bytes, ceiling int64) (bool, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if chargeKey != "" {
			tag, err := tx.Exec(ctx, `
				INSERT INTO storage_charges (charge_key, user_id, bytes) VALUES ($1, $2, $3)
				ON CONFLICT (charge_key) DO NOTHING
			`, chargeKey, userID, bytes)
			if err != nil {
				return fmt.Errorf("record storage charge: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_storage (user_id, used_bytes) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING
		`, userID); err != nil {
			return fmt.Errorf("ensure storage row: %w", err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE user_storage SET used_bytes = used_bytes + $2
			WHERE user_id = $1 AND ($3 <= 0 OR used_bytes + $2 <= $3)
		`, userID, bytes, ceiling)
		if err != nil {
			return fmt.Errorf("charge storage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errChargeRefused
		}
		return nil
	})
	if errors.Is(err, errChargeRefused) {
		return false, nil
	}
	return err == nil, err
}

func (s *Postgres) HoldsResult(ctx context.Context, userID, assetID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM generations WHERE user_id = $1 AND result_asset_id = $2 AND status = $3
		)
	`, userID, assetID, string(models.StatusCompleted)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query result holders: %w", err)
	}
	return ok, nil
}

func (s *Postgres) StorageUsed(ctx context.Context, userID string) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx, `SELECT used_bytes FROM user_storage WHERE user_id = $1`, userID).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query storage usage: %w", err)
	}
	return used, nil
}

func (s *Postgres) queryGenerations(ctx context.Context, sql string, args ...any) ([]models.Generation, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()
	var out []models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Postgres) querySubmissions(ctx context.Context, sql string, args ...any) ([]models.ProviderSubmission, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()
	var out []models.ProviderSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanGeneration(row pgx.Row) (models.Generation, error) {
	var (
		g                                 models.Generation
		op, status                        string
		raw, canonical                    []byte
		scheduled, queued                 pgtype.Timestamptz
		parent, dedupeOf, result, errKind pgtype.Text
		errMsg, warning                   pgtype.Text
	)
	err := row.Scan(&g.ID, &g.UserID, &op, &g.ProviderID, &raw, &canonical, &g.InputAssetIDs,
		&g.ReproducibleHash, &status, &g.Priority, &scheduled, &parent, &dedupeOf, &g.CacheHit,
		&result, &errKind, &errMsg, &warning, &g.RetryCount, &queued, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Generation{}, err
	}
	if err != nil {
		return models.Generation{}, fmt.Errorf("scan generation: %w", err)
	}
	g.OperationType = models.OperationType(op)
	g.Status = models.GenerationStatus(status)
	if err := json.Unmarshal(raw, &g.RawInputs); err != nil {
		return models.Generation{}, fmt.Errorf("unmarshal raw inputs: %w", err)
	}
	if err := json.Unmarshal(canonical, &g.CanonicalParams); err != nil {
		return models.Generation{}, fmt.Errorf("unmarshal canonical params: %w", err)
	}
	g.ScheduledAt = timePtr(scheduled)
	g.QueuedAt = timePtr(queued)
	g.ParentGenerationID = textPtr(parent)
	g.DedupeOf = textPtr(dedupeOf)
	g.ResultAssetID = textPtr(result)
	g.ErrorKind = kindPtr(errKind)
	g.ErrorMessage = textPtr(errMsg)
	g.Warning = kindPtr(warning)
	return g, nil
}

func scanSubmission(row pgx.Row) (models.ProviderSubmission, error) {
	var (
		sub     models.ProviderSubmission
		status  string
		polled  pgtype.Timestamptz
		lastErr pgtype.Text
	)
	err := row.Scan(&sub.ID, &sub.GenerationID, &sub.AccountID, &sub.ProviderID, &sub.ProviderJobID, &status,
		&sub.SubmittedAt, &polled, &sub.PollCount, &sub.UnchangedPolls, &sub.Released, &lastErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProviderSubmission{}, err
	}
	if err != nil {
		return models.ProviderSubmission{}, fmt.Errorf("scan submission: %w", err)
	}
	sub.AttemptStatus = models.AttemptStatus(status)
	sub.LastPolledAt = timePtr(polled)
	sub.LastError = textPtr(lastErr)
	return sub, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func kindPtr(t pgtype.Text) *models.ErrorKind {
	if t.Valid {
		k := models.ErrorKind(t.String)
		return &k
	}
	return nil
}

func kindString(k *models.ErrorKind) *string {
	if k == nil {
		return nil
	}
	v := string(*k)
	return &v
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

var _ Store = (*Postgres)(nil)
