// Package finalizer turns a provider result into a stored Asset and keeps the
// cross-provider cache of uploaded copies.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"generation-orchestrator/internal/accounts"
	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/quota"
	"generation-orchestrator/internal/store"
)

// StorageCharger charges a user's storage quota once per key.
type StorageCharger interface {
	ChargeStorage(ctx context.Context, userID, chargeKey string, bytes int64) error
}

// Options tune downloads and provider uploads.
type Options struct {
	ThumbnailWidth int
	CallTimeout    time.Duration
}

// Finalizer downloads results, records assets and serves cross-provider uploads.
type Finalizer struct {
	assets     store.AssetStore
	charger    StorageCharger
	files      *FileStore
	downloader *Downloader
	mirror     Mirror
	pool       accounts.Pool
	registry   *provider.Registry
	clock      clock.Clock
	log        zerolog.Logger
	opts       Options

	uploads singleflight.Group
}

// New wires a finalizer. mirror may be nil.
func New(assets store.AssetStore, charger StorageCharger, files *FileStore, downloader *Downloader, mirror Mirror,
	pool accounts.Pool, registry *provider.Registry, c clock.Clock, log zerolog.Logger, opts Options) *Finalizer {
	if c == nil {
		c = clock.Real{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &Finalizer{
		assets:     assets,
		charger:    charger,
		files:      files,
		downloader: downloader,
		mirror:     mirror,
		pool:       pool,
		registry:   registry,
		clock:      c,
		log:        log.With().Str("component", "finalizer").Logger(),
		opts:       opts,
	}
}

// Result is the outcome of finalizing one submission. Warning is set when
// the artifact is only available remotely.
type Result struct {
	Asset   models.Asset
	Warning *models.ErrorKind
}

// AssetIDFor derives the asset id for a submission so a retried finalize
// reuses the same record.
func AssetIDFor(submissionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("submission:"+submissionID)).String()
}

// Finalize records the result of a completed submission. A storage quota
// failure or an artifact over the download ceiling is not an error: the asset
// stays remote and Result.Warning is set. A result the provider no longer
// serves fails with ErrResultGone.
func (f *Finalizer) Finalize(ctx context.Context, gen models.Generation, submissionID string, ref provider.ResultRef) (Result, error) {
	assetID := AssetIDFor(submissionID)
	asset, err := f.assets.GetAsset(ctx, assetID)
	switch {
	case err == nil && asset.SyncStatus == models.SyncDownloaded:
		return Result{Asset: asset}, nil
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		asset = models.Asset{
			ID:              assetID,
			OwnerUserID:     gen.UserID,
			GenerationID:    gen.ID,
			ProviderID:      gen.ProviderID,
			ProviderAssetID: ref.ProviderAssetID,
			RemoteURL:       ref.URL,
			MimeType:        ref.MimeType,
			DurationSeconds: ref.DurationSeconds,
			SyncStatus:      models.SyncRemote,
			ProviderUploads: map[string]string{},
		}
		if ref.ProviderAssetID != "" {
			asset.ProviderUploads[gen.ProviderID] = ref.ProviderAssetID
		}
		if err := f.assets.CreateAsset(ctx, asset); err != nil && !errors.Is(err, store.ErrConflict) {
			return Result{}, fmt.Errorf("create asset: %w", err)
		}
	default:
		return Result{}, err
	}

	if err := f.assets.UpdateAssetLocal(ctx, assetID, "", 0, models.SyncDownloading); err != nil {
		return Result{}, err
	}
	localPath, size, contentType, err := f.downloader.Fetch(ctx, ref.URL, "generated/"+gen.ID, assetID)
	if errors.Is(err, ErrTooLarge) {
		f.log.Warn().Str("generation_id", gen.ID).Str("asset_id", assetID).Msg("artifact over the download ceiling, kept remote")
		return f.keepRemote(ctx, assetID, 0)
	}
	if err != nil {
		_ = f.assets.UpdateAssetLocal(ctx, assetID, "", 0, models.SyncRemote)
		return Result{}, fmt.Errorf("download result: %w", err)
	}
	if asset.MimeType == "" {
		asset.MimeType = contentType
	}

	// keyed by asset so a finalize retried after a later failure is not charged twice
	if err := f.charger.ChargeStorage(ctx, gen.UserID, assetID, size); err != nil {
		_ = f.files.Remove(localPath)
		if errors.Is(err, quota.ErrStorageQuotaExceeded) {
			f.log.Warn().Str("generation_id", gen.ID).Str("asset_id", assetID).Int64("bytes", size).
				Msg("storage quota exceeded, artifact kept remote")
			return f.keepRemote(ctx, assetID, size)
		}
		_ = f.assets.UpdateAssetLocal(ctx, assetID, "", size, models.SyncRemote)
		return Result{}, fmt.Errorf("charge storage: %w", err)
	}
	if err := f.assets.UpdateAssetLocal(ctx, assetID, localPath, size, models.SyncDownloaded); err != nil {
		return Result{}, err
	}

	f.derive(ctx, gen, assetID, localPath, asset.MimeType)

	asset, err = f.assets.GetAsset(ctx, assetID)
	if err != nil {
		return Result{}, err
	}
	f.log.Info().Str("generation_id", gen.ID).Str("asset_id", assetID).Int64("bytes", size).Msg("artifact stored")
	return Result{Asset: asset}, nil
}

// keepRemote records the asset as remote only and reports the result with a
// storage warning.
func (f *Finalizer) keepRemote(ctx context.Context, assetID string, size int64) (Result, error) {
	if err := f.assets.UpdateAssetLocal(ctx, assetID, "", size, models.SyncRemote); err != nil {
		return Result{}, err
	}
	asset, err := f.assets.GetAsset(ctx, assetID)
	if err != nil {
		return Result{}, err
	}
	return Result{Asset: asset, Warning: models.KindPtr(models.ErrKindStorageQuotaExceeded)}, nil
}

// derive writes the thumbnail and the mirror copy. Both are best effort.
func (f *Finalizer) derive(ctx context.Context, gen models.Generation, assetID, localPath, mimeType string) {
	var thumb, mirrorURL string
	if isImage(mimeType) {
		var err error
		if thumb, err = writeThumbnail(localPath, f.opts.ThumbnailWidth); err != nil {
			f.log.Warn().Err(err).Str("asset_id", assetID).Msg("thumbnail failed")
		}
	}
	if f.mirror != nil {
		key := "generated/" + gen.ID + "/" + assetID
		var err error
		if mirrorURL, err = f.mirror.Put(ctx, key, localPath, mimeType); err != nil {
			f.log.Warn().Err(err).Str("asset_id", assetID).Msg("mirror upload failed")
		}
	}
	if thumb == "" && mirrorURL == "" {
		return
	}
	if err := f.assets.SetAssetDerivatives(ctx, assetID, thumb, mirrorURL); err != nil {
		f.log.Warn().Err(err).Str("asset_id", assetID).Msg("record derivatives failed")
	}
}

// ensureLocal returns a local path for the asset, downloading it into the
// shared cache directory when only a remote copy exists.
func (f *Finalizer) ensureLocal(ctx context.Context, asset models.Asset) (string, error) {
	if asset.SyncStatus == models.SyncDownloaded && asset.LocalPath != "" {
		if _, err := os.Stat(asset.LocalPath); err == nil {
			return asset.LocalPath, nil
		}
	}
	if asset.RemoteURL == "" {
		return "", fmt.Errorf("asset %s has neither a local nor a remote copy", asset.ID)
	}
	localPath, size, _, err := f.downloader.Fetch(ctx, asset.RemoteURL, "cache/"+asset.ID, "source")
	if err != nil {
		return "", fmt.Errorf("download input asset: %w", err)
	}
	if err := f.assets.UpdateAssetLocal(ctx, asset.ID, localPath, size, models.SyncDownloaded); err != nil {
		return "", err
	}
	return localPath, nil
}
