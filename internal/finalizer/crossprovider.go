package finalizer

import (
	"context"
	"fmt"

	"generation-orchestrator/internal/provider"
)

// GetAssetForProvider returns target's own id for the asset, uploading it at
// most once per (asset, provider). Concurrent callers in this process share
// one upload; the stored provider_uploads entry serves every later call.
func (f *Finalizer) GetAssetForProvider(ctx context.Context, assetID, targetProviderID, userID string) (string, error) {
	asset, err := f.assets.GetAsset(ctx, assetID)
	if err != nil {
		return "", err
	}
	if id, ok := asset.ProviderUploads[targetProviderID]; ok && id != "" {
		if err := f.assets.TouchAsset(ctx, assetID, f.clock.Now()); err != nil {
			f.log.Debug().Err(err).Str("asset_id", assetID).Msg("touch asset failed")
		}
		return id, nil
	}

	v, err, _ := f.uploads.Do(assetID+"|"+targetProviderID, func() (interface{}, error) {
		// another caller may have finished the upload while we waited
		asset, err := f.assets.GetAsset(ctx, assetID)
		if err != nil {
			return nil, err
		}
		if id, ok := asset.ProviderUploads[targetProviderID]; ok && id != "" {
			return id, nil
		}
		return f.upload(ctx, asset.ID, targetProviderID, userID)
	})
	if err != nil {
		return "", err
	}
	id, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected return type from singleflight: %T", v)
	}
	return id, nil
}

func (f *Finalizer) upload(ctx context.Context, assetID, targetProviderID, userID string) (string, error) {
	adapter, err := f.registry.Get(targetProviderID)
	if err != nil {
		return "", err
	}
	asset, err := f.assets.GetAsset(ctx, assetID)
	if err != nil {
		return "", err
	}
	localPath, err := f.ensureLocal(ctx, asset)
	if err != nil {
		return "", err
	}

	acct, err := f.pool.SelectAndReserve(ctx, targetProviderID, userID, 0)
	if err != nil {
		return "", fmt.Errorf("upload %s to %s: %w", assetID, targetProviderID, err)
	}
	defer func() {
		if err := f.pool.Release(context.WithoutCancel(ctx), acct.ID); err != nil {
			f.log.Error().Err(err).Str("account_id", acct.ID).Msg("release after upload failed")
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	defer cancel()
	providerAssetID, err := adapter.UploadAsset(callCtx, acct, localPath, asset.MimeType)
	if err != nil {
		if provider.IsTransient(err) {
			_ = f.pool.RecordFailure(context.WithoutCancel(ctx), acct.ID, err.Error())
		}
		return "", fmt.Errorf("upload %s to %s: %w", assetID, targetProviderID, err)
	}
	if err := f.assets.SetProviderUpload(ctx, assetID, targetProviderID, providerAssetID, f.clock.Now()); err != nil {
		return "", err
	}
	f.log.Info().Str("asset_id", assetID).Str("provider_id", targetProviderID).
		Str("provider_asset_id", providerAssetID).Msg("asset uploaded to provider")
	return providerAssetID, nil
}
