package dedupe

import (
	"context"
	"time"
)

// Entry is what the registry knows about one hash. AssetID is empty while
// the owning generation is still running.
type Entry struct {
	GenerationID string
	AssetID      string
}

// Completed reports whether the owner finished with an asset.
func (e Entry) Completed() bool {
	return e.AssetID != ""
}

// Cache maps a reproducible hash to the generation that owns it. Claim is a
// single atomic check-and-set, so two concurrent claims for one hash cannot
// both succeed.
type Cache interface {
	// Lookup returns the entry for hash, if any.
	Lookup(ctx context.Context, hash string) (Entry, bool, error)
	// Claim registers generationID as owner when hash is free. When it is
	// taken the existing entry is returned with claimed=false.
	Claim(ctx context.Context, hash, generationID string) (entry Entry, claimed bool, err error)
	// Replace hands ownership from oldID to newID if oldID still owns hash,
	// or if the entry has vanished.
	Replace(ctx context.Context, hash, oldID, newID string) (bool, error)
	// Complete records the owner's asset and restarts the entry's TTL.
	Complete(ctx context.Context, hash, generationID, assetID string) error
	// Forget drops the entry if generationID still owns it.
	Forget(ctx context.Context, hash, generationID string) error
}

const defaultTTL = 24 * time.Hour
