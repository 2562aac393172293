package models

import "time"

// SyncStatus tracks whether an asset's bytes are held locally.
type SyncStatus string

const (
	SyncRemote      SyncStatus = "remote"
	SyncDownloading SyncStatus = "downloading"
	SyncDownloaded  SyncStatus = "downloaded"
)

// Asset is a finalized artifact. It references its generation by id only.
type Asset struct {
	ID              string            `json:"id"`
	OwnerUserID     string            `json:"owner_user_id"`
	GenerationID    string            `json:"generation_id"`
	ProviderID      string            `json:"provider_id"`
	ProviderAssetID string            `json:"provider_asset_id"`
	RemoteURL       string            `json:"remote_url"`
	LocalPath       string            `json:"local_path,omitempty"`
	ThumbnailPath   string            `json:"thumbnail_path,omitempty"`
	MirrorURL       string            `json:"mirror_url,omitempty"`
	MimeType        string            `json:"mime_type"`
	SizeBytes       int64             `json:"size_bytes"`
	DurationSeconds float64           `json:"duration_seconds"`
	SyncStatus      SyncStatus        `json:"sync_status"`
	ProviderUploads map[string]string `json:"provider_uploads"`
	LastAccessedAt  *time.Time        `json:"last_accessed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
