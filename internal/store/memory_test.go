package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/models"
)

func newGeneration(id, user string, status models.GenerationStatus) models.Generation {
	return models.Generation{
		ID:            id,
		UserID:        user,
		OperationType: models.OpTextToVideo,
		ProviderID:    "vidgen",
		Status:        status,
	}
}

func TestMemoryTransitionGuardsStatus(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(clock.NewFake(time.Unix(0, 0)))
	if err := st.CreateGeneration(ctx, newGeneration("g1", "u1", models.StatusQueued)); err != nil {
		t.Fatalf("create: %v", err)
	}

	g, err := st.TransitionGeneration(ctx, "g1", Transition{
		From: []models.GenerationStatus{models.StatusQueued},
		To:   models.StatusProcessing,
	})
	if err != nil || g.Status != models.StatusProcessing {
		t.Fatalf("expected processing, got %s err=%v", g.Status, err)
	}

	_, err = st.TransitionGeneration(ctx, "g1", Transition{
		From: []models.GenerationStatus{models.StatusQueued},
		To:   models.StatusProcessing,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on lost CAS, got %v", err)
	}

	if _, err := st.TransitionGeneration(ctx, "missing", Transition{To: models.StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryRejectsSecondActiveSubmission(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	first := models.ProviderSubmission{ID: "s1", GenerationID: "g1", AttemptStatus: models.AttemptSubmitting}
	if err := st.CreateSubmission(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := models.ProviderSubmission{ID: "s2", GenerationID: "g1", AttemptStatus: models.AttemptSubmitting}
	if err := st.CreateSubmission(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := st.FinishSubmission(ctx, "s1", models.AttemptFailed, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := st.CreateSubmission(ctx, second); err != nil {
		t.Fatalf("second submission after first finished: %v", err)
	}
}

func TestMemoryRecordPollCountsUnchanged(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	_ = st.CreateSubmission(ctx, models.ProviderSubmission{ID: "s1", GenerationID: "g1", AttemptStatus: models.AttemptQueued})

	now := time.Now()
	sub, _ := st.RecordPoll(ctx, "s1", models.AttemptProcessing, now)
	if sub.UnchangedPolls != 0 || sub.PollCount != 1 {
		t.Fatalf("unexpected counters after status change: %+v", sub)
	}
	sub, _ = st.RecordPoll(ctx, "s1", models.AttemptProcessing, now)
	sub, _ = st.RecordPoll(ctx, "s1", models.AttemptProcessing, now)
	if sub.UnchangedPolls != 2 || sub.PollCount != 3 {
		t.Fatalf("unexpected counters: %+v", sub)
	}
}

func TestMemoryMarkReleasedOnce(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	_ = st.CreateSubmission(ctx, models.ProviderSubmission{ID: "s1", GenerationID: "g1", AttemptStatus: models.AttemptQueued})

	flipped, err := st.MarkSubmissionReleased(ctx, "s1")
	if err != nil || !flipped {
		t.Fatalf("expected first release to flip, got %v %v", flipped, err)
	}
	flipped, _ = st.MarkSubmissionReleased(ctx, "s1")
	if flipped {
		t.Fatalf("second release must not flip")
	}
}

func TestMemoryChargeStorageCeiling(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	ok, _ := st.ChargeStorage(ctx, "u1", "a1", 60, 100)
	if !ok {
		t.Fatalf("expected first charge to fit")
	}
	if ok, _ = st.ChargeStorage(ctx, "u1", "a1", 60, 100); !ok {
		t.Fatalf("a key that was already charged must succeed")
	}
	ok, _ = st.ChargeStorage(ctx, "u1", "a2", 60, 100)
	if ok {
		t.Fatalf("expected second charge to exceed ceiling")
	}
	used, _ := st.StorageUsed(ctx, "u1")
	if used != 60 {
		t.Fatalf("rejected charge must not change usage, got %d", used)
	}
}

func TestMemoryProviderUploadsAreCopied(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	_ = st.CreateAsset(ctx, models.Asset{ID: "a1", SyncStatus: models.SyncDownloaded})

	a, _ := st.GetAsset(ctx, "a1")
	a.ProviderUploads["leak"] = "x"

	if err := st.SetProviderUpload(ctx, "a1", "providerB", "pb-1", time.Now()); err != nil {
		t.Fatalf("set upload: %v", err)
	}
	a, _ = st.GetAsset(ctx, "a1")
	if _, ok := a.ProviderUploads["leak"]; ok {
		t.Fatalf("caller mutation leaked into store")
	}
	if a.ProviderUploads["providerB"] != "pb-1" || a.LastAccessedAt == nil {
		t.Fatalf("unexpected asset after upload: %+v", a)
	}
}

func TestMemoryHoldsResult(t *testing.T) {
	ctx := context.Background()
	st := NewMemory(nil)
	asset := "asset-1"
	done := newGeneration("g1", "u2", models.StatusCompleted)
	done.ResultAssetID = &asset
	failed := newGeneration("g2", "u3", models.StatusFailed)
	failed.ResultAssetID = &asset
	_ = st.CreateGeneration(ctx, done)
	_ = st.CreateGeneration(ctx, failed)

	if ok, _ := st.HoldsResult(ctx, "u2", asset); !ok {
		t.Fatalf("completed generation should grant access to its result")
	}
	if ok, _ := st.HoldsResult(ctx, "u3", asset); ok {
		t.Fatalf("failed generation must not grant access")
	}
	if ok, _ := st.HoldsResult(ctx, "u2", "other"); ok {
		t.Fatalf("unrelated asset must not match")
	}
}
