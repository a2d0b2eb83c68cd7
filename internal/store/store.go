// Package store persists credentials, rotation attempts and audit records.
//
// Every implementation enforces the same guarantees: credential and attempt
// writes are gated on the version the caller read, a credential holds at
// most one scheduled or in-progress attempt (claimed atomically together
// with the attempt insert), and audit records can be inserted once and
// removed only through PurgeAudit.
package store

import (
	"context"
	"time"

	"github.com/systmms/credrotate/internal/model"
)

// Store is the full persistence surface used by the engine.
type Store interface {
	CredentialStore
	AttemptStore
	AuditStore

	// Ping checks connectivity.
	Ping(ctx context.Context) error
	Close() error
}

// CredentialStore persists credentials.
type CredentialStore interface {
	// CreateCredential inserts c with version 1. A vault path collision
	// fails with errors.ErrDuplicateVaultPath.
	CreateCredential(ctx context.Context, c *model.Credential) error
	// GetCredential returns the credential regardless of soft-delete state.
	GetCredential(ctx context.Context, id string) (*model.Credential, error)
	ListCredentials(ctx context.Context, f CredentialFilter) ([]*model.Credential, error)
	// UpdateCredential writes c if c.Version matches the stored version and
	// bumps c.Version. The in-flight slot is never written here.
	UpdateCredential(ctx context.Context, c *model.Credential) error
}

// AttemptStore persists rotation attempts.
type AttemptStore interface {
	// ScheduleAttempt claims the credential's in-flight slot and inserts a
	// in one transaction. A taken slot fails with errors.ErrAttemptInFlight.
	ScheduleAttempt(ctx context.Context, a *model.RotationAttempt) error
	GetAttempt(ctx context.Context, id string) (*model.RotationAttempt, error)
	// ListAttempts returns newest first.
	ListAttempts(ctx context.Context, f AttemptFilter) ([]*model.RotationAttempt, error)
	// UpdateAttempt is version-gated. Moving to a terminal status releases
	// the credential's in-flight slot.
	UpdateAttempt(ctx context.Context, a *model.RotationAttempt) error
}

// AuditStore persists audit records. There is no update path.
type AuditStore interface {
	// InsertAudit assigns r.Sequence (per target resource) and stores r.
	// Reusing an id fails with errors.ErrImmutabilityViolation.
	InsertAudit(ctx context.Context, r *model.AuditRecord) error
	GetAudit(ctx context.Context, id string) (*model.AuditRecord, error)
	// ListAudit returns records oldest first.
	ListAudit(ctx context.Context, f AuditFilter) ([]*model.AuditRecord, error)
	// PurgeAudit deletes records whose retention date is at or before cutoff.
	PurgeAudit(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialFilter narrows ListCredentials. Zero values match everything
// except soft-deleted rows.
type CredentialFilter struct {
	OwnerID        string
	Status         model.CredentialStatus
	IncludeDeleted bool
	// DueAt selects active auto-rotating credentials whose next rotation is
	// unset or at or before DueAt.
	DueAt *time.Time
	// ExpiresBefore selects credentials with an expiry at or before it.
	ExpiresBefore *time.Time
	Limit         int
}

// AttemptFilter narrows ListAttempts.
type AttemptFilter struct {
	CredentialID string
	Status       model.AttemptStatus
	// PurgeDueAt selects attempts still holding a rollback path whose purge
	// time is at or before PurgeDueAt.
	PurgeDueAt *time.Time
	Limit      int
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	TargetID  string
	EventType model.EventType
	Action    string
	Since     time.Time
	Until     time.Time
	// RetentionBefore selects records whose retention date is at or before it.
	RetentionBefore *time.Time
	Limit           int
}

func (f CredentialFilter) match(c *model.Credential) bool {
	if !f.IncludeDeleted && c.Deleted {
		return false
	}
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.DueAt != nil && !c.DueForRotation(*f.DueAt) {
		return false
	}
	if f.ExpiresBefore != nil && (c.ExpiresAt == nil || c.ExpiresAt.After(*f.ExpiresBefore)) {
		return false
	}
	return true
}

func (f AttemptFilter) match(a *model.RotationAttempt) bool {
	if f.CredentialID != "" && a.CredentialID != f.CredentialID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.PurgeDueAt != nil {
		if !a.RollbackAvailable || a.OldPathPurgeAt == nil || a.OldPathPurgeAt.After(*f.PurgeDueAt) {
			return false
		}
	}
	return true
}

func (f AuditFilter) match(r *model.AuditRecord) bool {
	if f.TargetID != "" && r.Target.ResourceID != f.TargetID {
		return false
	}
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	if f.RetentionBefore != nil && r.RetentionDate.After(*f.RetentionBefore) {
		return false
	}
	return true
}
