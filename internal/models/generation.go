package models

import (
	"time"
)

// GenerationStatus enumerates lifecycle states persisted in Postgres.
type GenerationStatus string

const (
	StatusPending    GenerationStatus = "PENDING"
	StatusQueued     GenerationStatus = "QUEUED"
	StatusProcessing GenerationStatus = "PROCESSING"
	StatusCompleted  GenerationStatus = "COMPLETED"
	StatusFailed     GenerationStatus = "FAILED"
	StatusCancelled  GenerationStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is permitted.
func (s GenerationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[GenerationStatus][]GenerationStatus{
	StatusPending:    {StatusQueued, StatusCompleted, StatusFailed, StatusCancelled},
	StatusQueued:     {StatusProcessing, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusQueued, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the generation state machine.
func CanTransition(from, to GenerationStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActiveStatuses are the non-terminal states.
var ActiveStatuses = []GenerationStatus{StatusPending, StatusQueued, StatusProcessing}

// OperationType names the kind of derived artifact requested.
type OperationType string

const (
	OpTextToVideo  OperationType = "text-to-video"
	OpImageToVideo OperationType = "image-to-video"
	OpTextToImage  OperationType = "text-to-image"
	OpExtend       OperationType = "extend"
	OpTransition   OperationType = "transition"
	OpFusion       OperationType = "fusion"
)

// KnownOperation reports whether op is one of the supported operation types.
func KnownOperation(op OperationType) bool {
	switch op {
	case OpTextToVideo, OpImageToVideo, OpTextToImage, OpExtend, OpTransition, OpFusion:
		return true
	}
	return false
}

// Generation is one user request for a derived artifact.
type Generation struct {
	ID                 string           `json:"id"`
	UserID             string           `json:"user_id"`
	OperationType      OperationType    `json:"operation_type"`
	ProviderID         string           `json:"provider_id"`
	RawInputs          map[string]any   `json:"raw_inputs"`
	CanonicalParams    map[string]any   `json:"canonical_params"`
	InputAssetIDs      []string         `json:"input_asset_ids"`
	ReproducibleHash   string           `json:"reproducible_hash"`
	Status             GenerationStatus `json:"status"`
	Priority           int              `json:"priority"`
	ScheduledAt        *time.Time       `json:"scheduled_at,omitempty"`
	ParentGenerationID *string          `json:"parent_generation_id,omitempty"`
	DedupeOf           *string          `json:"dedupe_of,omitempty"`
	CacheHit           bool             `json:"cache_hit"`
	ResultAssetID      *string          `json:"result_asset_id,omitempty"`
	ErrorKind          *ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage       *string          `json:"error_message,omitempty"`
	Warning            *ErrorKind       `json:"warning,omitempty"`
	RetryCount         int              `json:"retry_count"`
	QueuedAt           *time.Time       `json:"queued_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// IsFollower reports whether the generation waits on another generation with the same hash.
func (g Generation) IsFollower() bool {
	return g.DedupeOf != nil && *g.DedupeOf != ""
}

// DueAt is the earliest time the generation may be worked on.
func (g Generation) DueAt() time.Time {
	if g.ScheduledAt != nil {
		return *g.ScheduledAt
	}
	return g.CreatedAt
}

// Event is an audit row for a generation.
type Event struct {
	GenerationID string    `json:"generation_id"`
	Event        string    `json:"event"`
	Detail       string    `json:"detail"`
	Recorded     time.Time `json:"recorded_at"`
}
