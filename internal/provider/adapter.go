// Package provider defines the contract every external generation backend
// implements. Provider-specific wire shapes stay behind an Adapter; nothing
// outside the adapter switches on provider names.
package provider

import (
	"context"

	"generation-orchestrator/internal/models"
)

// JobState is the provider-reported state of one external job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// IsTerminal reports whether the provider will not change the job again.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AttemptStatus maps the provider state onto a submission attempt status.
func (s JobState) AttemptStatus() models.AttemptStatus {
	switch s {
	case JobProcessing:
		return models.AttemptProcessing
	case JobCompleted:
		return models.AttemptCompleted
	case JobFailed:
		return models.AttemptFailed
	default:
		return models.AttemptQueued
	}
}

// WireParams is the provider-shaped request body produced by MapParameters.
// Dropped lists canonical keys the provider does not understand.
type WireParams struct {
	Body    map[string]any
	Dropped []string
}

// ResultRef points at a finished artifact on the provider side.
type ResultRef struct {
	URL             string
	ProviderAssetID string
	MimeType        string
	DurationSeconds float64
}

// StatusResult is one CheckStatus observation. Transient marks a failed job
// that is worth retrying.
type StatusResult struct {
	State     JobState
	Result    *ResultRef
	Error     string
	Transient bool
}

// Adapter is implemented once per provider.
type Adapter interface {
	ID() string
	// MapParameters is pure and deterministic. Input asset ids in canonical
	// have already been resolved to this provider's own ids.
	MapParameters(op models.OperationType, canonical map[string]any, inputs []string) (WireParams, error)
	// Submit fails with a *Error of kind ProviderRejected or ProviderUnavailable.
	Submit(ctx context.Context, acct models.ProviderAccount, params WireParams) (string, error)
	CheckStatus(ctx context.Context, acct models.ProviderAccount, jobID string) (StatusResult, error)
	// Cancel returns false, not an error, when the provider cannot cancel.
	Cancel(ctx context.Context, acct models.ProviderAccount, jobID string) (bool, error)
	// UploadAsset pushes a local file and returns the provider's id for it.
	UploadAsset(ctx context.Context, acct models.ProviderAccount, localPath, mimeType string) (string, error)
}

// CreditEstimator is implemented by adapters that charge credits per request.
type CreditEstimator interface {
	EstimateCredits(op models.OperationType, canonical map[string]any) int64
}

// RequiredCredits asks a for the cost of a request, 0 when it does not say.
func RequiredCredits(a Adapter, op models.OperationType, canonical map[string]any) int64 {
	if est, ok := a.(CreditEstimator); ok {
		return est.EstimateCredits(op, canonical)
	}
	return 0
}
