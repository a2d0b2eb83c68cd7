package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/metrics"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/registry"
)

// Scheduler turns due credentials and due retries into SCHEDULED
// attempts. It never executes them. Running it twice, or on several
// replicas at once, schedules each credential at most once because the
// store's in-flight slot admits a single attempt.
type Scheduler struct {
	registry *registry.Registry
	reporter *reporter
	clock    clock.PassiveClock
	logger   *logging.Logger
	metrics  *metrics.Recorder
}

// TickResult summarises one scheduling pass.
type TickResult struct {
	Due       int
	Retries   int
	Scheduled []*model.RotationAttempt
	Skipped   int
}

func newScheduler(reg *registry.Registry, rep *reporter, clk clock.PassiveClock, logger *logging.Logger, rec *metrics.Recorder) *Scheduler {
	return &Scheduler{
		registry: reg,
		reporter: rep,
		clock:    clk,
		logger:   logger.Component("scheduler"),
		metrics:  rec,
	}
}

// Tick schedules one attempt for every due credential and every failed
// attempt whose retry time has come.
//
// A credential whose latest attempt failed and is waiting for its retry is
// skipped. A retry inherits RetryCount and RotationType from the attempt it
// retries.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	now := s.clock.Now().UTC()
	var res TickResult

	due, err := s.registry.FindDueForRotation(ctx, now)
	if err != nil {
		return res, fmt.Errorf("find due credentials: %w", err)
	}
	res.Due = len(due)
	s.metrics.DueCredentials(len(due))

	failed, err := s.registry.ListAttempts(ctx, registry.AttemptFilter{Status: model.AttemptFailed})
	if err != nil {
		return res, fmt.Errorf("list failed attempts: %w", err)
	}

	// Due credentials first, then credentials with a retry due that are
	// not on their regular schedule, e.g. after a failed manual rotation.
	order := make([]string, 0, len(due))
	seen := make(map[string]bool, len(due))
	for _, c := range due {
		order = append(order, c.ID)
		seen[c.ID] = true
	}
	for _, a := range failed {
		if a.RetryDue(now) && !seen[a.CredentialID] {
			order = append(order, a.CredentialID)
			seen[a.CredentialID] = true
		}
	}
	dueSet := make(map[string]bool, len(due))
	for _, c := range due {
		dueSet[c.ID] = true
	}

	var errs []error
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		a, err := s.scheduleOne(ctx, id, dueSet[id], now)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("credential %s: %w", id, err))
		case a == nil:
			res.Skipped++
		default:
			if a.RetryCount > 0 {
				res.Retries++
			}
			res.Scheduled = append(res.Scheduled, a)
		}
	}
	if len(res.Scheduled) > 0 {
		s.logger.Info("scheduled %d rotation attempt(s), %d due, %d skipped", len(res.Scheduled), res.Due, res.Skipped)
	}
	return res, errors.Join(errs...)
}

// scheduleOne returns nil, nil when the credential is deliberately skipped.
func (s *Scheduler) scheduleOne(ctx context.Context, credentialID string, onSchedule bool, now time.Time) (*model.RotationAttempt, error) {
	latest, err := s.registry.LatestAttempt(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	req := registry.ScheduleRequest{
		CredentialID: credentialID,
		RotationType: model.RotationAutomatic,
		TriggeredBy:  "scheduler",
	}
	if latest != nil {
		switch {
		case latest.Status.InFlight():
			return nil, nil
		case latest.RetryPending(now):
			s.logger.Debug("credential %s waits for retry at %s", credentialID, latest.NextRetryAt.Format(time.RFC3339))
			return nil, nil
		case latest.RetryDue(now):
			req.RetryCount = latest.RetryCount
			req.RotationType = latest.RotationType
			req.MaxRetries = latest.MaxRetries
			req.Reason = "retry of attempt " + latest.ID
		case !onSchedule:
			return nil, nil
		}
	} else if !onSchedule {
		return nil, nil
	}

	a, err := scheduleAttempt(ctx, s.registry, s.reporter, s.metrics, req, model.SystemActor)
	switch {
	case errors.Is(err, dserrors.ErrAttemptInFlight):
		return nil, nil
	case !onSchedule && (errors.Is(err, dserrors.ErrInvalidTransition) || errors.Is(err, dserrors.ErrNotFound)):
		// A retry for a credential that was revoked or deleted meanwhile.
		return nil, nil
	}
	return a, err
}

// scheduleAttempt creates an attempt and writes its SCHEDULED record.
func scheduleAttempt(ctx context.Context, reg *registry.Registry, rep *reporter, rec *metrics.Recorder, req registry.ScheduleRequest, actor model.Actor) (*model.RotationAttempt, error) {
	a, err := reg.ScheduleAttempt(ctx, req)
	if err != nil {
		return nil, err
	}
	rec.AttemptScheduled(string(a.RotationType))

	c, err := reg.Get(ctx, a.CredentialID)
	if err != nil {
		return a, nil
	}
	details := map[string]interface{}{"triggered_by": a.TriggeredBy}
	if a.Reason != "" {
		details["reason"] = a.Reason
	}
	rep.attempt(ctx, c, a, attemptEvent{
		action:   model.ActionScheduled,
		result:   model.ResultSuccess,
		severity: severityFor(a.RotationType),
		actor:    actor,
		desc:     describe(a, c, "scheduled"),
		details:  details,
	})
	return a, nil
}

func severityFor(t model.RotationType) model.Severity {
	if t == model.RotationEmergency {
		return model.SeverityHigh
	}
	return model.SeverityInfo
}
