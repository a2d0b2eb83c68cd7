package model

import "time"

// AttemptStatus is the state of one rotation attempt.
type AttemptStatus string

const (
	AttemptScheduled  AttemptStatus = "scheduled"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptFailed     AttemptStatus = "failed"
	AttemptCancelled  AttemptStatus = "cancelled"
)

// ValidAttemptTransitions maps each status to the statuses it may move to.
var ValidAttemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptScheduled:  {AttemptInProgress, AttemptCancelled},
	AttemptInProgress: {AttemptCompleted, AttemptFailed},
	AttemptCompleted:  {},
	AttemptFailed:     {},
	AttemptCancelled:  {},
}

// CanTransitionTo reports whether from → to is legal.
func (from AttemptStatus) CanTransitionTo(to AttemptStatus) bool {
	for _, s := range ValidAttemptTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InFlight is true for scheduled and in_progress.
func (s AttemptStatus) InFlight() bool {
	return s == AttemptScheduled || s == AttemptInProgress
}

// Terminal is true for completed, failed and cancelled.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptCompleted || s == AttemptFailed || s == AttemptCancelled
}

// RotationType says what triggered an attempt.
type RotationType string

const (
	RotationAutomatic RotationType = "automatic"
	RotationManual    RotationType = "manual"
	RotationEmergency RotationType = "emergency"
)

// DefaultMaxRetries bounds retries per rotation.
const DefaultMaxRetries = 3

// RotationAttempt is one try at rotating a credential.
type RotationAttempt struct {
	ID           string        `json:"id" yaml:"id"`
	CredentialID string        `json:"credential_id" yaml:"credential_id"`
	// Sequence numbers attempts per credential starting at 1.
	Sequence     int64         `json:"sequence" yaml:"sequence"`
	Status       AttemptStatus `json:"status" yaml:"status"`
	RotationType RotationType  `json:"rotation_type" yaml:"rotation_type"`
	TriggeredBy  string        `json:"triggered_by,omitempty" yaml:"triggered_by,omitempty"`
	Reason       string        `json:"reason,omitempty" yaml:"reason,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at" yaml:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`

	RetryCount  int        `json:"retry_count" yaml:"retry_count"`
	MaxRetries  int        `json:"max_retries" yaml:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`

	OldVaultPath    string  `json:"old_vault_path,omitempty" yaml:"old_vault_path,omitempty"`
	OldVaultVersion string  `json:"old_vault_version,omitempty" yaml:"old_vault_version,omitempty"`
	NewVaultPath    string  `json:"new_vault_path,omitempty" yaml:"new_vault_path,omitempty"`
	NewVaultVersion string  `json:"new_vault_version,omitempty" yaml:"new_vault_version,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty" yaml:"duration_seconds,omitempty"`

	// RollbackAvailable stays true until the old vault path is purged.
	RollbackAvailable bool       `json:"rollback_available" yaml:"rollback_available"`
	OldPathPurgeAt    *time.Time `json:"old_path_purge_at,omitempty" yaml:"old_path_purge_at,omitempty"`

	VersionFields `yaml:",inline"`
}

// Clone returns a deep copy.
func (a *RotationAttempt) Clone() *RotationAttempt {
	if a == nil {
		return nil
	}
	out := *a
	out.StartedAt = cloneTime(a.StartedAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	out.NextRetryAt = cloneTime(a.NextRetryAt)
	out.OldPathPurgeAt = cloneTime(a.OldPathPurgeAt)
	return &out
}

// RetryPending reports whether a failed attempt still waits for its retry
// window at now.
func (a *RotationAttempt) RetryPending(now time.Time) bool {
	return a.Status == AttemptFailed && a.NextRetryAt != nil && a.NextRetryAt.After(now)
}

// RetryDue reports whether a failed attempt's retry window has opened.
func (a *RotationAttempt) RetryDue(now time.Time) bool {
	return a.Status == AttemptFailed && a.NextRetryAt != nil && !a.NextRetryAt.After(now)
}

// Exhausted is true once a failed attempt has no retry left.
func (a *RotationAttempt) Exhausted() bool {
	return a.Status == AttemptFailed && a.NextRetryAt == nil && a.RetryCount >= a.MaxRetries
}
