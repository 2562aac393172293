package store

import (
	"context"
	"errors"
	"time"

	"generation-orchestrator/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set lost against a concurrent writer.
	ErrConflict = errors.New("state changed concurrently")
)

// Transition describes a guarded status change. The update applies only if the
// current status is one of From. Nil fields are left untouched.
type Transition struct {
	From          []models.GenerationStatus
	To            models.GenerationStatus
	ResultAssetID *string
	ErrorKind     *models.ErrorKind
	ErrorMessage  *string
	Warning       *models.ErrorKind
	RetryCount    *int
	ScheduledAt   *time.Time
	QueuedAt      *time.Time
	CacheHit      *bool
}

// GenerationStore persists generations and their audit trail.
type GenerationStore interface {
	CreateGeneration(ctx context.Context, g models.Generation) error
	GetGeneration(ctx context.Context, id string) (models.Generation, error)
	TransitionGeneration(ctx context.Context, id string, t Transition) (models.Generation, error)
	Reschedule(ctx context.Context, id string, status models.GenerationStatus, at time.Time) error
	SetDedupeOf(ctx context.Context, id string, leaderID *string) error
	ListFollowers(ctx context.Context, leaderID string) ([]models.Generation, error)
	ListSchedulable(ctx context.Context, limit int) ([]models.Generation, error)
	CountByStatus(ctx context.Context, userID string, statuses []models.GenerationStatus) (int, error)
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
	AppendEvent(ctx context.Context, generationID, event, detail string) error
	ListEvents(ctx context.Context, generationID string) ([]models.Event, error)
	// HoldsResult reports whether userID has a COMPLETED generation whose
	// result is assetID, which grants read access to another user's asset.
	HoldsResult(ctx context.Context, userID, assetID string) (bool, error)
}

// SubmissionStore persists provider submissions.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, s models.ProviderSubmission) error
	GetSubmission(ctx context.Context, id string) (models.ProviderSubmission, error)
	ActiveSubmission(ctx context.Context, generationID string) (models.ProviderSubmission, error)
	ListSubmissions(ctx context.Context, generationID string) ([]models.ProviderSubmission, error)
	ListActiveSubmissions(ctx context.Context, limit int) ([]models.ProviderSubmission, error)
	AttachProviderJob(ctx context.Context, id, providerJobID string) error
	RecordPoll(ctx context.Context, id string, status models.AttemptStatus, polledAt time.Time) (models.ProviderSubmission, error)
	FinishSubmission(ctx context.Context, id string, status models.AttemptStatus, lastErr *string) error
	MarkSubmissionReleased(ctx context.Context, id string) (bool, error)
}

// AssetStore persists finalized artifacts and per-user storage usage.
type AssetStore interface {
	CreateAsset(ctx context.Context, a models.Asset) error
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	UpdateAssetLocal(ctx context.Context, id, localPath string, sizeBytes int64, status models.SyncStatus) error
	SetAssetDerivatives(ctx context.Context, id, thumbnailPath, mirrorURL string) error
	SetProviderUpload(ctx context.Context, assetID, providerID, providerAssetID string, at time.Time) error
	TouchAsset(ctx context.Context, id string, at time.Time) error
	// ChargeStorage adds bytes to the user's usage unless that passes ceiling.
	// A chargeKey that was already charged succeeds without charging again.
	ChargeStorage(ctx context.Context, userID, chargeKey string, bytes, ceiling int64) (bool, error)
	StorageUsed(ctx context.Context, userID string) (int64, error)
}

// Store is the full persistence surface of the engine.
type Store interface {
	GenerationStore
	SubmissionStore
	AssetStore
}

func containsStatus(list []models.GenerationStatus, s models.GenerationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func statusStrings(list []models.GenerationStatus) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, string(s))
	}
	return out
}

func attemptStrings(list []models.AttemptStatus) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, string(s))
	}
	return out
}
