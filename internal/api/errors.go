package api

import (
	"errors"
	"net/http"

	"generation-orchestrator/internal/accounts"
	"generation-orchestrator/internal/dedupe"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/orchestrator"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/quota"
	"generation-orchestrator/internal/store"
)

func statusFor(err error) int {
	var perr *provider.Error
	switch {
	case errors.Is(err, orchestrator.ErrInvalidInput), errors.Is(err, dedupe.ErrInvalidInput),
		errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, quota.ErrQuotaExceeded), errors.Is(err, quota.ErrStorageQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, accounts.ErrNoneAvailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &perr) && perr.Kind == models.ErrKindProviderRejected:
		return http.StatusUnprocessableEntity
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
