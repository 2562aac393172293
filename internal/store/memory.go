package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"generation-orchestrator/internal/clock"
	"generation-orchestrator/internal/models"
)

// Memory is an in-process Store. Every method holds a single mutex, so each
// call is atomic the same way a single SQL statement is.
type Memory struct {
	mu          sync.Mutex
	clock       clock.Clock
	generations map[string]models.Generation
	submissions map[string]models.ProviderSubmission
	assets      map[string]models.Asset
	events      map[string][]models.Event
	storage     map[string]int64
	charged     map[string]bool
}

// NewMemory builds an empty in-memory store.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{
		clock:       c,
		generations: make(map[string]models.Generation),
		submissions: make(map[string]models.ProviderSubmission),
		assets:      make(map[string]models.Asset),
		events:      make(map[string][]models.Event),
		storage:     make(map[string]int64),
		charged:     make(map[string]bool),
	}
}

func (m *Memory) CreateGeneration(_ context.Context, g models.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.generations[g.ID]; ok {
		return fmt.Errorf("insert generation %s: %w", g.ID, ErrConflict)
	}
	now := m.clock.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	m.generations[g.ID] = g
	return nil
}

func (m *Memory) GetGeneration(_ context.Context, id string) (models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[id]
	if !ok {
		return models.Generation{}, fmt.Errorf("generation %s: %w", id, ErrNotFound)
	}
	return g, nil
}

func (m *Memory) TransitionGeneration(_ context.Context, id string, t Transition) (models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[id]
	if !ok {
		return models.Generation{}, fmt.Errorf("generation %s: %w", id, ErrNotFound)
	}
	if !containsStatus(t.From, g.Status) {
		return g, fmt.Errorf("generation %s is %s: %w", id, g.Status, ErrConflict)
	}
	g.Status = t.To
	if t.ResultAssetID != nil {
		g.ResultAssetID = t.ResultAssetID
	}
	if t.ErrorKind != nil {
		g.ErrorKind = t.ErrorKind
	}
	if t.ErrorMessage != nil {
		g.ErrorMessage = t.ErrorMessage
	}
	if t.Warning != nil {
		g.Warning = t.Warning
	}
	if t.RetryCount != nil {
		g.RetryCount = *t.RetryCount
	}
	if t.ScheduledAt != nil {
		at := *t.ScheduledAt
		g.ScheduledAt = &at
	}
	if t.QueuedAt != nil {
		at := *t.QueuedAt
		g.QueuedAt = &at
	}
	if t.CacheHit != nil {
		g.CacheHit = *t.CacheHit
	}
	g.UpdatedAt = m.clock.Now()
	m.generations[id] = g
	return g, nil
}

func (m *Memory) Reschedule(_ context.Context, id string, status models.GenerationStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[id]
	if !ok {
		return fmt.Errorf("generation %s: %w", id, ErrNotFound)
	}
	if g.Status != status {
		return fmt.Errorf("generation %s is %s: %w", id, g.Status, ErrConflict)
	}
	g.ScheduledAt = &at
	g.UpdatedAt = m.clock.Now()
	m.generations[id] = g
	return nil
}

func (m *Memory) SetDedupeOf(_ context.Context, id string, leaderID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.generations[id]
	if !ok {
		return fmt.Errorf("generation %s: %w", id, ErrNotFound)
	}
	if g.Status.IsTerminal() {
		return fmt.Errorf("generation %s is %s: %w", id, g.Status, ErrConflict)
	}
	if leaderID != nil {
		v := *leaderID
		g.DedupeOf = &v
	} else {
		g.DedupeOf = nil
	}
	g.UpdatedAt = m.clock.Now()
	m.generations[id] = g
	return nil
}

func (m *Memory) ListFollowers(_ context.Context, leaderID string) ([]models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Generation
	for _, g := range m.generations {
		if g.DedupeOf != nil && *g.DedupeOf == leaderID && !g.Status.IsTerminal() {
			out = append(out, g)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (m *Memory) ListSchedulable(_ context.Context, limit int) ([]models.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Generation
	for _, g := range m.generations {
		if (g.Status == models.StatusPending || g.Status == models.StatusQueued) && !g.IsFollower() {
			out = append(out, g)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountByStatus(_ context.Context, userID string, statuses []models.GenerationStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.generations {
		if g.UserID == userID && containsStatus(statuses, g.Status) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountCreatedSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.generations {
		if g.UserID == userID && !g.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendEvent(_ context.Context, generationID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[generationID] = append(m.events[generationID], models.Event{
		GenerationID: generationID,
		Event:        event,
		Detail:       detail,
		Recorded:     m.clock.Now(),
	})
	return nil
}

func (m *Memory) ListEvents(_ context.Context, generationID string) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.events[generationID]...), nil
}

func (m *Memory) CreateSubmission(_ context.Context, s models.ProviderSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.submissions {
		if existing.GenerationID == s.GenerationID && !existing.AttemptStatus.IsTerminal() {
			return fmt.Errorf("generation %s already has active submission %s: %w", s.GenerationID, existing.ID, ErrConflict)
		}
	}
	m.submissions[s.ID] = s
	return nil
}

func (m *Memory) GetSubmission(_ context.Context, id string) (models.ProviderSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return models.ProviderSubmission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) ActiveSubmission(_ context.Context, generationID string) (models.ProviderSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.submissions {
		if s.GenerationID == generationID && !s.AttemptStatus.IsTerminal() {
			return s, nil
		}
	}
	return models.ProviderSubmission{}, fmt.Errorf("active submission for %s: %w", generationID, ErrNotFound)
}

func (m *Memory) ListSubmissions(_ context.Context, generationID string) ([]models.ProviderSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProviderSubmission
	for _, s := range m.submissions {
		if s.GenerationID == generationID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *Memory) ListActiveSubmissions(_ context.Context, limit int) ([]models.ProviderSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ProviderSubmission
	for _, s := range m.submissions {
		if !s.AttemptStatus.IsTerminal() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AttachProviderJob(_ context.Context, id, providerJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if s.AttemptStatus != models.AttemptSubmitting {
		return fmt.Errorf("submission %s is %s: %w", id, s.AttemptStatus, ErrConflict)
	}
	s.ProviderJobID = providerJobID
	s.AttemptStatus = models.AttemptQueued
	m.submissions[id] = s
	return nil
}

func (m *Memory) RecordPoll(_ context.Context, id string, status models.AttemptStatus, polledAt time.Time) (models.ProviderSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return models.ProviderSubmission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if s.AttemptStatus.IsTerminal() {
		return s, fmt.Errorf("submission %s is %s: %w", id, s.AttemptStatus, ErrConflict)
	}
	if s.AttemptStatus == status {
		s.UnchangedPolls++
	} else {
		s.UnchangedPolls = 0
	}
	s.AttemptStatus = status
	s.PollCount++
	s.LastPolledAt = &polledAt
	m.submissions[id] = s
	return s, nil
}

func (m *Memory) FinishSubmission(_ context.Context, id string, status models.AttemptStatus, lastErr *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if s.AttemptStatus.IsTerminal() {
		return fmt.Errorf("submission %s is %s: %w", id, s.AttemptStatus, ErrConflict)
	}
	s.AttemptStatus = status
	if lastErr != nil {
		s.LastError = lastErr
	}
	m.submissions[id] = s
	return nil
}

func (m *Memory) MarkSubmissionReleased(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[id]
	if !ok {
		return false, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if s.Released {
		return false, nil
	}
	s.Released = true
	m.submissions[id] = s
	return true, nil
}

func (m *Memory) CreateAsset(_ context.Context, a models.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assets[a.ID]; ok {
		return fmt.Errorf("insert asset %s: %w", a.ID, ErrConflict)
	}
	now := m.clock.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.ProviderUploads = copyUploads(a.ProviderUploads)
	m.assets[a.ID] = a
	return nil
}

func (m *Memory) GetAsset(_ context.Context, id string) (models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	a.ProviderUploads = copyUploads(a.ProviderUploads)
	return a, nil
}

func (m *Memory) UpdateAssetLocal(_ context.Context, id, localPath string, sizeBytes int64, status models.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	a.LocalPath = localPath
	if sizeBytes > 0 {
		a.SizeBytes = sizeBytes
	}
	a.SyncStatus = status
	a.UpdatedAt = m.clock.Now()
	m.assets[id] = a
	return nil
}

func (m *Memory) SetAssetDerivatives(_ context.Context, id, thumbnailPath, mirrorURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if thumbnailPath != "" {
		a.ThumbnailPath = thumbnailPath
	}
	if mirrorURL != "" {
		a.MirrorURL = mirrorURL
	}
	a.UpdatedAt = m.clock.Now()
	m.assets[id] = a
	return nil
}

func (m *Memory) SetProviderUpload(_ context.Context, assetID, providerID, providerAssetID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[assetID]
	if !ok {
		return fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	uploads := copyUploads(a.ProviderUploads)
	uploads[providerID] = providerAssetID
	a.ProviderUploads = uploads
	a.LastAccessedAt = &at
	a.UpdatedAt = m.clock.Now()
	m.assets[assetID] = a
	return nil
}

func (m *Memory) TouchAsset(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok {
		return fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	a.LastAccessedAt = &at
	m.assets[id] = a
	return nil
}

func (m *Memory) ChargeStorage(_ context.Context, userID, chargeKey string, bytes, ceiling int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chargeKey != "" && m.charged[chargeKey] {
		return true, nil
	}
	used := m.storage[userID]
	if ceiling > 0 && used+bytes > ceiling {
		return false, nil
	}
	m.storage[userID] = used + bytes
	if chargeKey != "" {
		m.charged[chargeKey] = true
	}
	return true, nil
}

func (m *Memory) HoldsResult(_ context.Context, userID, assetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.generations {
		if g.UserID == userID && g.Status == models.StatusCompleted &&
			g.ResultAssetID != nil && *g.ResultAssetID == assetID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) StorageUsed(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storage[userID], nil
}

func sortByCreated(list []models.Generation) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func copyUploads(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*Memory)(nil)
