package notifications

import (
	"time"
)

// EventType names a credential lifecycle event.
type EventType string

const (
	EventRotationStarted    EventType = "rotation_started"
	EventRotationCompleted  EventType = "rotation_completed"
	EventRotationFailed     EventType = "rotation_failed"
	EventRetryExhausted     EventType = "retry_exhausted"
	EventRollback           EventType = "rollback"
	EventCredentialExpiring EventType = "credential_expiring"
	EventCredentialExpired  EventType = "credential_expired"
	EventCredentialRevoked  EventType = "credential_revoked"
	EventTamperDetected     EventType = "tamper_detected"
)

// AllEventTypes returns all valid event types.
func AllEventTypes() []EventType {
	return []EventType{
		EventRotationStarted,
		EventRotationCompleted,
		EventRotationFailed,
		EventRetryExhausted,
		EventRollback,
		EventCredentialExpiring,
		EventCredentialExpired,
		EventCredentialRevoked,
		EventTamperDetected,
	}
}

// Urgent reports whether the event needs a human to act.
func (t EventType) Urgent() bool {
	switch t {
	case EventRetryExhausted, EventTamperDetected, EventCredentialExpired:
		return true
	}
	return false
}

// Event is one queued notification.
type Event struct {
	Type         EventType
	CredentialID string
	// Detail carries event specific fields such as attempt_id, error,
	// days_until_expiry or vault_version.
	Detail    map[string]string
	Timestamp time.Time
}

// Summary is a one-line human description of the event.
func (e Event) Summary() string {
	var what string
	switch e.Type {
	case EventRotationStarted:
		what = "rotation started"
	case EventRotationCompleted:
		what = "rotation completed"
	case EventRotationFailed:
		what = "rotation failed"
	case EventRetryExhausted:
		what = "rotation retries exhausted, manual rotation required"
	case EventRollback:
		what = "rotation rolled back"
	case EventCredentialExpiring:
		what = "credential expiring"
		if d := e.Detail["days_until_expiry"]; d != "" {
			what += " in " + d + " days"
		}
	case EventCredentialExpired:
		what = "credential expired"
	case EventCredentialRevoked:
		what = "credential revoked"
	case EventTamperDetected:
		what = "audit log tampering detected"
	default:
		what = string(e.Type)
	}
	target := e.Detail["credential_name"]
	if target == "" {
		target = e.CredentialID
	}
	if target == "" {
		return what
	}
	return what + ": " + target
}
