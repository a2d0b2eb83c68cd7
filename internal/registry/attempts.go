package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/store"
)

// ScheduleRequest describes a rotation attempt to create.
type ScheduleRequest struct {
	CredentialID string
	RotationType model.RotationType
	TriggeredBy  string
	Reason       string
	// RetryCount carries over from a failed predecessor.
	RetryCount int
	MaxRetries int
}

// ScheduleAttempt creates a SCHEDULED attempt and claims the credential's
// in-flight slot. It fails with ErrAttemptInFlight when another attempt
// holds the slot.
func (r *Registry) ScheduleAttempt(ctx context.Context, req ScheduleRequest) (*model.RotationAttempt, error) {
	c, err := r.Get(ctx, req.CredentialID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Rotatable() {
		return nil, &dserrors.TransitionError{Entity: "credential", ID: c.ID, From: string(c.Status), To: string(model.CredentialActive)}
	}
	if c.InFlightAttemptID != "" {
		return nil, dserrors.ErrAttemptInFlight
	}

	rt := req.RotationType
	if rt == "" {
		rt = model.RotationAutomatic
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.maxRetries
	}
	a := &model.RotationAttempt{
		ID:              uuid.NewString(),
		CredentialID:    c.ID,
		Status:          model.AttemptScheduled,
		RotationType:    rt,
		TriggeredBy:     req.TriggeredBy,
		Reason:          req.Reason,
		ScheduledAt:     r.now(),
		RetryCount:      req.RetryCount,
		MaxRetries:      maxRetries,
		OldVaultPath:    c.VaultPath,
		OldVaultVersion: c.VaultVersion,
	}
	if err := r.store.ScheduleAttempt(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// TransitionAttempt moves an attempt to status to and applies mutate to it
// before writing. Illegal transitions fail with ErrInvalidTransition.
func (r *Registry) TransitionAttempt(ctx context.Context, id string, to model.AttemptStatus, mutate func(a *model.RotationAttempt)) (*model.RotationAttempt, error) {
	var out *model.RotationAttempt
	err := RetryOnConflict(ctx, DefaultConflictRetries, func() error {
		a, err := r.store.GetAttempt(ctx, id)
		if err != nil {
			return err
		}
		if !a.Status.CanTransitionTo(to) {
			return &dserrors.TransitionError{Entity: "rotation attempt", ID: id, From: string(a.Status), To: string(to)}
		}
		a.Status = to
		if mutate != nil {
			mutate(a)
		}
		if err := r.store.UpdateAttempt(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// UpdateAttempt applies mutate to an attempt without changing its status.
func (r *Registry) UpdateAttempt(ctx context.Context, id string, mutate func(a *model.RotationAttempt) error) (*model.RotationAttempt, error) {
	var out *model.RotationAttempt
	err := RetryOnConflict(ctx, DefaultConflictRetries, func() error {
		a, err := r.store.GetAttempt(ctx, id)
		if err != nil {
			return err
		}
		status := a.Status
		if err := mutate(a); err != nil {
			return err
		}
		a.Status = status
		if err := r.store.UpdateAttempt(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// GetAttempt returns one attempt.
func (r *Registry) GetAttempt(ctx context.Context, id string) (*model.RotationAttempt, error) {
	return r.store.GetAttempt(ctx, id)
}

// LatestAttempt returns the newest attempt for a credential, or nil when it
// has never been rotated.
func (r *Registry) LatestAttempt(ctx context.Context, credentialID string) (*model.RotationAttempt, error) {
	attempts, err := r.store.ListAttempts(ctx, store.AttemptFilter{CredentialID: credentialID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(attempts) == 0 {
		return nil, nil
	}
	return attempts[0], nil
}

// AttemptFilter narrows ListAttempts.
type AttemptFilter struct {
	CredentialID string
	Status       model.AttemptStatus
	Limit        int
}

// ListAttempts returns attempts newest first.
func (r *Registry) ListAttempts(ctx context.Context, f AttemptFilter) ([]*model.RotationAttempt, error) {
	return r.store.ListAttempts(ctx, store.AttemptFilter{
		CredentialID: f.CredentialID,
		Status:       f.Status,
		Limit:        f.Limit,
	})
}

// ListRollbackCandidates returns completed attempts of a credential whose
// previous vault version is still retained, newest first.
func (r *Registry) ListRollbackCandidates(ctx context.Context, credentialID string) ([]*model.RotationAttempt, error) {
	completed, err := r.store.ListAttempts(ctx, store.AttemptFilter{
		CredentialID: credentialID,
		Status:       model.AttemptCompleted,
	})
	if err != nil {
		return nil, err
	}
	var out []*model.RotationAttempt
	for _, a := range completed {
		if a.RollbackAvailable {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListRetirementDue returns completed attempts whose retained previous
// version should be deleted at now.
func (r *Registry) ListRetirementDue(ctx context.Context, now time.Time) ([]*model.RotationAttempt, error) {
	return r.store.ListAttempts(ctx, store.AttemptFilter{
		Status:     model.AttemptCompleted,
		PurgeDueAt: &now,
	})
}
