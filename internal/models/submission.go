package models

import "time"

// AttemptStatus is the lifecycle of one provider submission.
type AttemptStatus string

const (
	AttemptSubmitting AttemptStatus = "submitting"
	AttemptQueued     AttemptStatus = "queued"
	AttemptProcessing AttemptStatus = "processing"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptCancelled  AttemptStatus = "cancelled"
	AttemptTimedOut   AttemptStatus = "timed_out"
)

// IsTerminal reports whether the attempt is finished.
func (s AttemptStatus) IsTerminal() bool {
	switch s {
	case AttemptSubmitting, AttemptQueued, AttemptProcessing:
		return false
	default:
		return true
	}
}

// ActiveAttemptStatuses are the non-terminal attempt states.
var ActiveAttemptStatuses = []AttemptStatus{AttemptSubmitting, AttemptQueued, AttemptProcessing}

// ProviderSubmission is one attempt to execute a Generation against one ProviderAccount.
type ProviderSubmission struct {
	ID             string        `json:"id"`
	GenerationID   string        `json:"generation_id"`
	AccountID      string        `json:"account_id"`
	ProviderID     string        `json:"provider_id"`
	ProviderJobID  string        `json:"provider_job_id"`
	AttemptStatus  AttemptStatus `json:"attempt_status"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	LastPolledAt   *time.Time    `json:"last_polled_at,omitempty"`
	PollCount      int           `json:"poll_count"`
	UnchangedPolls int           `json:"unchanged_polls"`
	Released       bool          `json:"released"`
	LastError      *string       `json:"last_error,omitempty"`
}
