package rotation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/metrics"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/notifications"
	"github.com/systmms/credrotate/internal/registry"
	"github.com/systmms/credrotate/internal/secure"
	"github.com/systmms/credrotate/internal/vault"
)

const (
	// DefaultWorkers bounds concurrent attempt execution.
	DefaultWorkers = 4
	// DefaultOldVersionRetention keeps the previous vault path for rollback.
	DefaultOldVersionRetention = 24 * time.Hour
)

// Executor drives attempts through
//
//	SCHEDULED -> IN_PROGRESS -> COMPLETED | FAILED
//	SCHEDULED -> CANCELLED
//
// writing one audit record per transition.
type Executor struct {
	registry  *registry.Registry
	vault     vault.Vault
	generator secure.Generator
	retry     RetryPolicy
	reporter  *reporter

	workers      int
	vaultTimeout time.Duration
	retention    time.Duration

	clock   clock.PassiveClock
	logger  *logging.Logger
	metrics *metrics.Recorder
}

// Execute runs a SCHEDULED attempt to completion or failure. A rotation
// failure is returned as the error together with the FAILED attempt; it is a
// *RetryExhaustedError when no retry is left. Attempts that are not
// SCHEDULED fail with ErrInvalidTransition.
func (e *Executor) Execute(ctx context.Context, attemptID string) (*model.RotationAttempt, error) {
	a, err := e.registry.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	c, err := e.registry.Get(ctx, a.CredentialID)
	if err != nil && !errors.Is(err, dserrors.ErrNotFound) {
		return a, fmt.Errorf("load credential %s: %w", a.CredentialID, err)
	}
	if err == nil && !c.Status.Rotatable() {
		err = &dserrors.TransitionError{Entity: "credential", ID: c.ID, From: string(c.Status), To: string(model.CredentialActive)}
	}
	if err != nil {
		// The credential was revoked, expired or deleted after scheduling.
		if a.Status == model.AttemptScheduled {
			if cancelled, cerr := e.cancel(ctx, a.ID, model.SystemActor, err.Error()); cerr == nil {
				return cancelled, nil
			}
		}
		return a, err
	}

	started := e.now()
	a, err = e.registry.TransitionAttempt(ctx, attemptID, model.AttemptInProgress, func(a *model.RotationAttempt) {
		a.StartedAt = &started
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RotationStarted(string(c.Kind))
	e.reporter.attempt(ctx, c, a, attemptEvent{
		action:   model.ActionStarted,
		result:   model.ResultSuccess,
		severity: severityFor(a.RotationType),
		desc:     describe(a, c, "started"),
		notify:   notifications.EventRotationStarted,
	})

	newPath := RotatedVaultPath(c.VaultPath, c.RotationCount+1)
	version, err := e.writeMaterial(ctx, c, newPath)
	if err != nil {
		return e.fail(ctx, c, a, started, err)
	}

	// The credential moves to the new path before the attempt releases the
	// in-flight slot, so no second attempt can start from the old path.
	if _, err := e.registry.MarkRotated(ctx, c.ID, newPath, version); err != nil {
		e.discard(ctx, newPath, "")
		return e.fail(ctx, c, a, started, err)
	}

	completed := e.now()
	retention := e.retention
	if a.RotationType == model.RotationEmergency {
		retention = 0
	}
	a, err = e.registry.TransitionAttempt(ctx, a.ID, model.AttemptCompleted, func(a *model.RotationAttempt) {
		a.CompletedAt = &completed
		a.DurationSeconds = completed.Sub(started).Seconds()
		a.NewVaultPath = newPath
		a.NewVaultVersion = version
		a.ErrorMessage = ""
		a.NextRetryAt = nil
		if retention > 0 && a.OldVaultPath != "" {
			purgeAt := completed.Add(retention)
			a.RollbackAvailable = true
			a.OldPathPurgeAt = &purgeAt
		}
	})
	if err != nil {
		return nil, fmt.Errorf("complete attempt %s: %w", attemptID, err)
	}

	retired := false
	if !a.RollbackAvailable && a.OldVaultPath != "" && a.OldVaultPath != newPath {
		retired = e.discard(ctx, a.OldVaultPath, "")
	}

	e.metrics.RotationFinished(string(c.Kind), string(model.AttemptCompleted), a.DurationSeconds)
	details := map[string]interface{}{
		"old_vault_path":     a.OldVaultPath,
		"new_vault_path":     a.NewVaultPath,
		"new_vault_version":  a.NewVaultVersion,
		"duration_seconds":   a.DurationSeconds,
		"rollback_available": a.RollbackAvailable,
	}
	if a.OldPathPurgeAt != nil {
		details["old_path_purge_at"] = a.OldPathPurgeAt.Format(time.RFC3339)
	}
	if retired {
		details["old_path_retired"] = true
	}
	e.reporter.attempt(ctx, c, a, attemptEvent{
		action:   model.ActionCompleted,
		result:   model.ResultSuccess,
		severity: severityFor(a.RotationType),
		desc:     describe(a, c, "completed"),
		details:  details,
		notify:   notifications.EventRotationCompleted,
		extra:    map[string]string{"vault_version": version},
	})
	e.logger.Info("rotated %s to %s (version %s)", c.ID, newPath, version)
	return a, nil
}

func (e *Executor) writeMaterial(ctx context.Context, c *model.Credential, path string) (string, error) {
	material, err := e.generator.Generate(c.Kind)
	if err != nil {
		return "", fmt.Errorf("generate %s material: %w", c.Kind, err)
	}
	defer material.Destroy()

	buf, err := material.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()

	vctx, cancel := context.WithTimeout(ctx, e.vaultTimeout)
	defer cancel()
	version, err := e.vault.Put(vctx, path, buf.Bytes())
	if err != nil {
		return "", asVaultError("put", path, err)
	}
	return version, nil
}

// discard deletes a vault path outside the attempt's success criteria.
func (e *Executor) discard(ctx context.Context, path, version string) bool {
	vctx, cancel := context.WithTimeout(ctx, e.vaultTimeout)
	defer cancel()
	if err := e.vault.Delete(vctx, path, version); err != nil && !errors.Is(err, dserrors.ErrNotFound) {
		e.logger.Warn("delete %s: %v", path, err)
		return false
	}
	return true
}

// fail moves an in-progress attempt to FAILED and applies the retry policy
// to retryable causes. When no retry is left the credential is parked in
// PENDING_ROTATION before the slot is released. A credential that left the
// rotatable states mid-flight is neither retried nor parked.
func (e *Executor) fail(ctx context.Context, c *model.Credential, a *model.RotationAttempt, started time.Time, cause error) (*model.RotationAttempt, error) {
	failedAt := e.now()

	superseded := errors.Is(cause, dserrors.ErrInvalidTransition)
	retryable := !superseded && dserrors.IsRetryable(cause)
	var (
		nextRetry time.Time
		retry     bool
	)
	if retryable {
		candidate := a.Clone()
		candidate.Status = model.AttemptFailed
		nextRetry, retry = e.retry.NextRetry(candidate, failedAt)
	}

	if !retry && !superseded {
		if cur, err := e.registry.Get(ctx, c.ID); err == nil && cur.Status.Rotatable() {
			if _, err := e.registry.MarkPendingRotation(ctx, c.ID); err != nil {
				e.logger.Error("park credential %s for manual rotation: %v", c.ID, err)
			}
		}
	}

	failed, err := e.registry.TransitionAttempt(ctx, a.ID, model.AttemptFailed, func(a *model.RotationAttempt) {
		a.CompletedAt = &failedAt
		a.DurationSeconds = failedAt.Sub(started).Seconds()
		a.ErrorMessage = cause.Error()
		if retry {
			a.RetryCount++
			a.NextRetryAt = &nextRetry
		} else {
			a.NextRetryAt = nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fail attempt %s: %w (rotation error: %v)", a.ID, err, cause)
	}

	e.metrics.RotationFinished(string(c.Kind), string(model.AttemptFailed), failed.DurationSeconds)
	details := map[string]interface{}{
		"error":            cause.Error(),
		"max_retries":      failed.MaxRetries,
		"duration_seconds": failed.DurationSeconds,
	}
	var vaultErr *dserrors.VaultError
	if errors.As(cause, &vaultErr) && vaultErr.Timeout() {
		details["vault_timeout"] = true
	}
	ev := attemptEvent{
		action:   model.ActionFailed,
		result:   model.ResultFailure,
		severity: model.SeverityWarning,
		desc:     describe(failed, c, "failed"),
		details:  details,
		notify:   notifications.EventRotationFailed,
		extra:    map[string]string{"error": cause.Error()},
	}
	switch {
	case superseded:
		e.reporter.attempt(ctx, c, failed, ev)
		e.logger.Warn("rotation of %s abandoned: %v", c.ID, cause)
		return failed, cause
	case !retryable:
		details["retryable"] = false
		ev.severity = model.SeverityHigh
		e.reporter.attempt(ctx, c, failed, ev)
		e.logger.Error("rotation of %s failed and will not be retried, credential needs manual rotation: %v", c.ID, cause)
		return failed, cause
	case retry:
		e.metrics.RetryScheduled(string(c.Kind))
		details["next_retry_at"] = nextRetry.Format(time.RFC3339)
		ev.extra["next_retry_at"] = nextRetry.Format(time.RFC3339)
		e.reporter.attempt(ctx, c, failed, ev)
		e.logger.Warn("rotation of %s failed, retry %d/%d at %s: %v", c.ID, failed.RetryCount, failed.MaxRetries, nextRetry.Format(time.RFC3339), cause)
		return failed, cause
	}

	e.metrics.RetryExhausted(string(c.Kind))
	details["retry_exhausted"] = true
	ev.severity = model.SeverityHigh
	ev.notify = notifications.EventRetryExhausted
	e.reporter.attempt(ctx, c, failed, ev)
	e.logger.Error("rotation of %s failed after %d retries, credential needs manual rotation: %v", c.ID, failed.RetryCount, cause)
	return failed, &dserrors.RetryExhaustedError{
		CredentialID: c.ID,
		AttemptID:    failed.ID,
		Retries:      failed.RetryCount,
		Err:          cause,
	}
}

// Cancel moves a SCHEDULED attempt to CANCELLED. In-progress attempts
// cannot be cancelled.
func (e *Executor) Cancel(ctx context.Context, attemptID string, actor model.Actor, reason string) (*model.RotationAttempt, error) {
	return e.cancel(ctx, attemptID, actor, reason)
}

func (e *Executor) cancel(ctx context.Context, attemptID string, actor model.Actor, reason string) (*model.RotationAttempt, error) {
	now := e.now()
	a, err := e.registry.TransitionAttempt(ctx, attemptID, model.AttemptCancelled, func(a *model.RotationAttempt) {
		a.CompletedAt = &now
		if reason != "" {
			a.ErrorMessage = reason
		}
	})
	if err != nil {
		return nil, err
	}
	c, err := e.registry.Get(ctx, a.CredentialID)
	if err != nil {
		// Deleted credentials still get their audit trail.
		c = &model.Credential{ID: a.CredentialID}
	}
	e.reporter.attempt(ctx, c, a, attemptEvent{
		action:   model.ActionCancelled,
		result:   model.ResultSuccess,
		severity: model.SeverityInfo,
		actor:    actor,
		desc:     describe(a, c, "cancelled"),
		details:  map[string]interface{}{"reason": reason},
	})
	return a, nil
}

// BatchResult summarises RunPending.
type BatchResult struct {
	Completed []string
	Failed    []string
	Cancelled []string
	// Skipped attempts were taken by another executor.
	Skipped []string
	Errors  map[string]error
}

// RunPending executes every SCHEDULED attempt, oldest first, with at most
// the configured number of workers. Individual failures are collected in
// the result rather than aborting the batch.
func (e *Executor) RunPending(ctx context.Context) (BatchResult, error) {
	res := BatchResult{Errors: map[string]error{}}
	scheduled, err := e.registry.ListAttempts(ctx, registry.AttemptFilter{Status: model.AttemptScheduled})
	if err != nil {
		return res, fmt.Errorf("list scheduled attempts: %w", err)
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(e.workers)
	for i := len(scheduled) - 1; i >= 0; i-- {
		id := scheduled[i].ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			a, err := e.Execute(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, dserrors.ErrInvalidTransition) && (a == nil || a.Status != model.AttemptFailed):
				res.Skipped = append(res.Skipped, id)
			case a != nil && a.Status == model.AttemptCompleted:
				res.Completed = append(res.Completed, id)
			case a != nil && a.Status == model.AttemptCancelled:
				res.Cancelled = append(res.Cancelled, id)
			case a != nil && a.Status == model.AttemptFailed:
				res.Failed = append(res.Failed, id)
				res.Errors[id] = err
			default:
				res.Errors[id] = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	return res, ctx.Err()
}

func (e *Executor) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

// RotatedVaultPath derives the vault path of rotation n from the current
// path by replacing or adding a "-r<n>" suffix on the last segment.
func RotatedVaultPath(current string, n int) string {
	return baseVaultPath(current) + "-r" + strconv.Itoa(n)
}

func baseVaultPath(path string) string {
	i := strings.LastIndex(path, "-r")
	if i < 0 || i+2 == len(path) || strings.Contains(path[i:], "/") {
		return path
	}
	if _, err := strconv.Atoi(path[i+2:]); err != nil {
		return path
	}
	return path[:i]
}

func asVaultError(op, path string, err error) error {
	var vaultErr *dserrors.VaultError
	if errors.As(err, &vaultErr) {
		return err
	}
	return &dserrors.VaultError{Backend: "vault", Op: op, Path: path, Err: err}
}
