// Package api exposes the generation engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/orchestrator"
	"generation-orchestrator/internal/telemetry"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	Create(ctx context.Context, req orchestrator.CreateRequest) (models.Generation, error)
	Get(ctx context.Context, id string) (models.Generation, error)
	Cancel(ctx context.Context, id, userID string) (models.Generation, error)
	Events(ctx context.Context, id string) ([]models.Event, error)
}

// Assets reads finalized artifacts.
type Assets interface {
	GetAsset(ctx context.Context, id string) (models.Asset, error)
	// HoldsResult reports whether the user has a completed generation whose
	// result is the asset, as a deduplicated follower does.
	HoldsResult(ctx context.Context, userID, assetID string) (bool, error)
}

// Uploader makes an asset available to another provider.
type Uploader interface {
	GetAssetForProvider(ctx context.Context, assetID, targetProviderID, userID string) (string, error)
}

// Server wires HTTP handlers for the generation API.
type Server struct {
	engine   Engine
	assets   Assets
	uploader Uploader
	log      zerolog.Logger
	validate *validator.Validate
}

// New constructs the API server.
func New(engine Engine, assets Assets, uploader Uploader, log zerolog.Logger) *Server {
	return &Server{
		engine:   engine,
		assets:   assets,
		uploader: uploader,
		log:      log.With().Str("component", "api").Logger(),
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/generations", s.handleCreate)
		r.Get("/generations/{id}", s.handleGet)
		r.Post("/generations/{id}/cancel", s.handleCancel)
		r.Get("/generations/{id}/events", s.handleEvents)
		r.Get("/assets/{id}", s.handleGetAsset)
		r.Post("/assets/{id}/providers/{provider_id}", s.handleProviderCopy)
	})
	return r
}

type createRequest struct {
	OperationType      string         `json:"operation_type" validate:"required,oneof=text-to-video image-to-video text-to-image extend transition fusion"`
	ProviderID         string         `json:"provider_id" validate:"required,max=64"`
	Inputs             map[string]any `json:"inputs" validate:"required"`
	CanonicalParams    map[string]any `json:"canonical_params"`
	Priority           int            `json:"priority" validate:"gte=0,lte=800"`
	ScheduledAt        *time.Time     `json:"scheduled_at"`
	ParentGenerationID *string        `json:"parent_generation_id" validate:"omitempty,uuid"`
}

type createResponse struct {
	GenerationID string                  `json:"generation_id"`
	Status       models.GenerationStatus `json:"status"`
	CacheHit     bool                    `json:"cache_hit,omitempty"`
	DedupeOf     *string                 `json:"dedupe_of,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := s.engine.Create(r.Context(), orchestrator.CreateRequest{
		UserID:             userFrom(r),
		OperationType:      models.OperationType(req.OperationType),
		ProviderID:         req.ProviderID,
		Inputs:             req.Inputs,
		CanonicalParams:    req.CanonicalParams,
		Priority:           req.Priority,
		ScheduledAt:        req.ScheduledAt,
		ParentGenerationID: req.ParentGenerationID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	code := http.StatusAccepted
	if g.Status.IsTerminal() {
		code = http.StatusOK
	}
	writeJSON(w, code, createResponse{GenerationID: g.ID, Status: g.Status, CacheHit: g.CacheHit, DedupeOf: g.DedupeOf})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	g, ok := s.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"), userFrom(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	g, ok := s.owned(w, r)
	if !ok {
		return
	}
	events, err := s.engine.Events(r.Context(), g.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := s.assets.GetAsset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !s.canRead(w, r, asset, userFrom(r)) {
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func (s *Server) handleProviderCopy(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "id")
	providerID := chi.URLParam(r, "provider_id")
	asset, err := s.assets.GetAsset(r.Context(), assetID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	user := userFrom(r)
	if !s.canRead(w, r, asset, user) {
		return
	}
	id, err := s.uploader.GetAssetForProvider(r.Context(), assetID, providerID, user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset_id": assetID, "provider_id": providerID, "provider_asset_id": id})
}

// canRead allows the owner of the asset and any user holding it as a result.
func (s *Server) canRead(w http.ResponseWriter, r *http.Request, asset models.Asset, user string) bool {
	if asset.OwnerUserID == "" || asset.OwnerUserID == user {
		return true
	}
	held, err := s.assets.HoldsResult(r.Context(), user, asset.ID)
	if err != nil {
		s.fail(w, r, err)
		return false
	}
	if !held {
		s.fail(w, r, orchestrator.ErrForbidden)
	}
	return held
}

// owned loads the generation named in the path and checks the caller owns it.
func (s *Server) owned(w http.ResponseWriter, r *http.Request) (models.Generation, bool) {
	g, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return models.Generation{}, false
	}
	if g.UserID != userFrom(r) {
		s.fail(w, r, orchestrator.ErrForbidden)
		return models.Generation{}, false
	}
	return g, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, http.StatusText(code))
		return
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
