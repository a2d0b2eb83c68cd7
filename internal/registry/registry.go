// Package registry owns credential records and their rotation attempts.
// Every write goes through the store's optimistic version check; callers
// that can safely re-apply a change use RetryOnConflict.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/systmms/credrotate/internal/audit"
	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/identity"
	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/store"
)

// DefaultRotationFrequencyDays applies when a credential is created without
// a frequency.
const DefaultRotationFrequencyDays = 90

// ResourceCredential is the audit target type for credentials.
const ResourceCredential = "credential"

// Options configures a Registry.
type Options struct {
	Clock      clock.PassiveClock
	Logger     *logging.Logger
	MaxRetries int
}

// Registry is the credential registry.
type Registry struct {
	store      store.Store
	audit      *audit.Log
	directory  identity.Directory
	clock      clock.PassiveClock
	logger     *logging.Logger
	maxRetries int
}

// New creates a Registry.
func New(st store.Store, log *audit.Log, dir identity.Directory, opts Options) *Registry {
	r := &Registry{
		store:      st,
		audit:      log,
		directory:  dir,
		clock:      opts.Clock,
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
	}
	if r.clock == nil {
		r.clock = clock.RealClock{}
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	r.logger = r.logger.Component("registry")
	if r.maxRetries <= 0 {
		r.maxRetries = model.DefaultMaxRetries
	}
	return r
}

func (r *Registry) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Microsecond)
}

// CreateRequest describes a new credential.
type CreateRequest struct {
	Kind                  model.CredentialKind
	OwnerID               string
	Name                  string
	RotationFrequencyDays int
	ExpiresAt             *time.Time
	AutoRotation          bool
	NotificationDays      int
	// RotateImmediately leaves NextRotationAt unset so the credential is
	// due at once.
	RotateImmediately bool
	Actor             model.Actor
}

// VaultPath derives the vault location of a credential.
func VaultPath(ownerSlug string, kind model.CredentialKind, created time.Time, id string) string {
	return fmt.Sprintf("credentials/%s/%s/%s/%s", ownerSlug, kind, created.UTC().Format("20060102"), id)
}

// Create registers a credential for an existing owner.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*model.Credential, error) {
	if _, err := model.ParseCredentialKind(string(req.Kind)); err != nil {
		return nil, &dserrors.ValidationError{Field: "kind", Message: err.Error()}
	}
	if req.OwnerID == "" {
		return nil, dserrors.NewValidationError("owner_id", "owner is required")
	}
	if req.RotationFrequencyDays < 0 {
		return nil, dserrors.NewValidationError("rotation_frequency_days", "must be positive, got %d", req.RotationFrequencyDays)
	}
	if req.NotificationDays < 0 {
		return nil, dserrors.NewValidationError("notification_days", "must not be negative")
	}

	owner, err := r.directory.Lookup(ctx, req.OwnerID)
	if err != nil {
		return nil, &dserrors.ValidationError{Field: "owner_id", Message: fmt.Sprintf("unknown owner %s", req.OwnerID), Err: err}
	}

	now := r.now()
	id := uuid.NewString()
	freq := req.RotationFrequencyDays
	if freq == 0 {
		freq = DefaultRotationFrequencyDays
	}
	notify := req.NotificationDays
	if notify == 0 {
		notify = model.DefaultNotificationDays
	}
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", owner.Slug(), req.Kind)
	}
	var next *time.Time
	if !req.RotateImmediately {
		t := now.AddDate(0, 0, freq)
		next = &t
	}

	c := &model.Credential{
		ID:                    id,
		OwnerID:               owner.ID,
		Name:                  name,
		Kind:                  req.Kind,
		VaultPath:             VaultPath(owner.Slug(), req.Kind, now, id),
		Status:                model.CredentialActive,
		ExpiresAt:             truncate(req.ExpiresAt),
		RotationFrequencyDays: freq,
		NextRotationAt:        next,
		AutoRotationEnabled:   req.AutoRotation,
		NotificationDays:      notify,
		AuditFields: model.AuditFields{
			CreatedBy: req.Actor.Name(),
			UpdatedBy: req.Actor.Name(),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	if err := r.store.CreateCredential(ctx, c); err != nil {
		return nil, err
	}

	r.record(ctx, c, req.Actor, model.EventCredentialLifecycle, model.ActionCreated, model.ResultSuccess,
		fmt.Sprintf("credential %s created for %s", c.Name, owner.Name), map[string]interface{}{
			"kind":       string(c.Kind),
			"vault_path": c.VaultPath,
		})
	r.logger.Debug("created credential %s at %s", c.ID, c.VaultPath)
	return c, nil
}

// Get returns a credential that has not been soft-deleted.
func (r *Registry) Get(ctx context.Context, id string) (*model.Credential, error) {
	c, err := r.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Visible() {
		return nil, dserrors.NotFound("credential", id)
	}
	return c, nil
}

// ListFilter narrows List.
type ListFilter struct {
	OwnerID        string
	Status         model.CredentialStatus
	IncludeDeleted bool
	Limit          int
}

// List returns credentials oldest first.
func (r *Registry) List(ctx context.Context, f ListFilter) ([]*model.Credential, error) {
	return r.store.ListCredentials(ctx, store.CredentialFilter{
		OwnerID:        f.OwnerID,
		Status:         f.Status,
		IncludeDeleted: f.IncludeDeleted,
		Limit:          f.Limit,
	})
}

// FindDueForRotation returns active, auto-rotating, visible credentials
// whose next rotation is unset or at or before now.
func (r *Registry) FindDueForRotation(ctx context.Context, now time.Time) ([]*model.Credential, error) {
	due, err := r.store.ListCredentials(ctx, store.CredentialFilter{DueAt: &now})
	if err != nil {
		return nil, err
	}
	out := due[:0]
	for _, c := range due {
		if c.DueForRotation(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// FindExpiringSoon returns active credentials inside their expiry warning
// window that have not been warned yet.
func (r *Registry) FindExpiringSoon(ctx context.Context, now time.Time) ([]*model.Credential, error) {
	active, err := r.store.ListCredentials(ctx, store.CredentialFilter{Status: model.CredentialActive})
	if err != nil {
		return nil, err
	}
	var out []*model.Credential
	for _, c := range active {
		if c.NeedsExpiryNotification(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// FindExpired returns active or pending credentials past their expiry.
func (r *Registry) FindExpired(ctx context.Context, now time.Time) ([]*model.Credential, error) {
	expiring, err := r.store.ListCredentials(ctx, store.CredentialFilter{ExpiresBefore: &now})
	if err != nil {
		return nil, err
	}
	var out []*model.Credential
	for _, c := range expiring {
		if c.Status.Rotatable() && c.HasExpired(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// update re-reads the credential, applies fn and writes it back, retrying
// on concurrent modification. Soft-deleted credentials are not found.
func (r *Registry) update(ctx context.Context, id string, actor model.Actor, fn func(c *model.Credential) error) (*model.Credential, error) {
	var out *model.Credential
	err := RetryOnConflict(ctx, DefaultConflictRetries, func() error {
		c, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		c.Touch(actor.Name(), r.now())
		if err := r.store.UpdateCredential(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// MarkRotated records a completed rotation: the credential moves to the new
// vault path and version, its rotation count increases and the next
// rotation is scheduled one frequency after now.
func (r *Registry) MarkRotated(ctx context.Context, id, newVaultPath, newVersion string) (*model.Credential, error) {
	return r.update(ctx, id, model.SystemActor, func(c *model.Credential) error {
		if !c.Status.Rotatable() {
			return &dserrors.TransitionError{Entity: "credential", ID: id, From: string(c.Status), To: string(model.CredentialActive)}
		}
		now := r.now()
		freq := c.RotationFrequencyDays
		if freq <= 0 {
			freq = DefaultRotationFrequencyDays
		}
		next := now.AddDate(0, 0, freq)
		c.LastRotatedAt = &now
		c.RotationCount++
		c.NextRotationAt = &next
		c.NotificationSent = false
		c.Status = model.CredentialActive
		c.VaultPath = newVaultPath
		c.VaultVersion = newVersion
		return nil
	})
}

// SetVaultLocation points the credential at a path and version without
// touching its schedule. Used for initial provisioning and rollback.
func (r *Registry) SetVaultLocation(ctx context.Context, id, path, version string, actor model.Actor) (*model.Credential, error) {
	return r.update(ctx, id, actor, func(c *model.Credential) error {
		c.VaultPath = path
		c.VaultVersion = version
		return nil
	})
}

// RecordAccess counts a use of the credential. Access to a revoked or
// expired credential is audited as denied and rejected.
func (r *Registry) RecordAccess(ctx context.Context, id string, actor model.Actor, sourceIP string) (*model.Credential, error) {
	var denied *model.Credential
	c, err := r.update(ctx, id, actor, func(c *model.Credential) error {
		if !c.Status.Rotatable() {
			denied = c
			return dserrors.NewValidationError("status", "credential %s is %s", id, c.Status)
		}
		now := r.now()
		c.UseCount++
		c.LastUsedAt = &now
		return nil
	})
	switch {
	case err == nil:
		r.recordWith(ctx, c, actor, model.EventCredentialAccess, model.ActionAccessed, model.ResultSuccess,
			fmt.Sprintf("credential %s accessed", c.Name), map[string]interface{}{"use_count": c.UseCount}, sourceIP)
	case denied != nil:
		r.recordWith(ctx, denied, actor, model.EventCredentialAccess, model.ActionAccessed, model.ResultDenied,
			fmt.Sprintf("access to %s credential %s denied", denied.Status, denied.Name), nil, sourceIP)
	}
	return c, err
}

// MarkPendingRotation parks a credential for manual rotation. Already
// pending credentials are left untouched.
func (r *Registry) MarkPendingRotation(ctx context.Context, id string) (*model.Credential, error) {
	return r.update(ctx, id, model.SystemActor, func(c *model.Credential) error {
		return transition(c, model.CredentialPendingRotation)
	})
}

// Revoke permanently disables a credential.
func (r *Registry) Revoke(ctx context.Context, id string, actor model.Actor, reason string) (*model.Credential, error) {
	c, err := r.update(ctx, id, actor, func(c *model.Credential) error {
		return transition(c, model.CredentialRevoked)
	})
	if err != nil {
		return nil, err
	}
	desc := fmt.Sprintf("credential %s revoked", c.Name)
	if reason != "" {
		desc += ": " + reason
	}
	r.record(ctx, c, actor, model.EventCredentialLifecycle, model.ActionRevoked, model.ResultSuccess, desc,
		map[string]interface{}{"reason": reason})
	return c, nil
}

// Expire moves a credential past its expiry to expired.
func (r *Registry) Expire(ctx context.Context, id string) (*model.Credential, error) {
	c, err := r.update(ctx, id, model.SystemActor, func(c *model.Credential) error {
		return transition(c, model.CredentialExpired)
	})
	if err != nil {
		return nil, err
	}
	r.record(ctx, c, model.SystemActor, model.EventCredentialLifecycle, model.ActionExpired, model.ResultSuccess,
		fmt.Sprintf("credential %s expired", c.Name), nil)
	return c, nil
}

// SoftDelete hides a credential from registry queries. The row and its
// history are kept.
func (r *Registry) SoftDelete(ctx context.Context, id string, actor model.Actor) (*model.Credential, error) {
	c, err := r.update(ctx, id, actor, func(c *model.Credential) error {
		if c.InFlightAttemptID != "" {
			return dserrors.ErrAttemptInFlight
		}
		now := r.now()
		c.Deleted = true
		c.DeletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.record(ctx, c, actor, model.EventCredentialLifecycle, model.ActionDeleted, model.ResultSuccess,
		fmt.Sprintf("credential %s deleted", c.Name), nil)
	return c, nil
}

// MarkNotificationSent records that the expiry warning went out.
func (r *Registry) MarkNotificationSent(ctx context.Context, id string) (*model.Credential, error) {
	return r.update(ctx, id, model.SystemActor, func(c *model.Credential) error {
		c.NotificationSent = true
		return nil
	})
}

func transition(c *model.Credential, to model.CredentialStatus) error {
	if c.Status == to && to == model.CredentialPendingRotation {
		return nil
	}
	if !c.Status.CanTransitionTo(to) {
		return &dserrors.TransitionError{Entity: "credential", ID: c.ID, From: string(c.Status), To: string(to)}
	}
	c.Status = to
	return nil
}

func (r *Registry) record(ctx context.Context, c *model.Credential, actor model.Actor, et model.EventType, action string, result model.AuditResult, desc string, details map[string]interface{}) {
	r.recordWith(ctx, c, actor, et, action, result, desc, details, "")
}

// recordWith appends a credential audit record. The state change has
// already committed, so a failed append is logged rather than returned.
func (r *Registry) recordWith(ctx context.Context, c *model.Credential, actor model.Actor, et model.EventType, action string, result model.AuditResult, desc string, details map[string]interface{}, sourceIP string) {
	if r.audit == nil {
		return
	}
	_, err := r.audit.Append(ctx, &model.AuditRecord{
		EventType:   et,
		Action:      action,
		Result:      result,
		Actor:       actor,
		Target:      model.Target{ResourceType: ResourceCredential, ResourceID: c.ID, ResourceName: c.Name},
		Description: desc,
		Details:     details,
		SourceIP:    sourceIP,
	})
	if err != nil {
		r.logger.Error("audit %s for credential %s: %v", action, c.ID, err)
	}
}

func truncate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Microsecond)
	return &v
}

// IsNotFound reports whether err means the credential or attempt is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, dserrors.ErrNotFound)
}
