package rotation

import (
	"context"
	"fmt"
	"strconv"

	"github.com/systmms/credrotate/internal/audit"
	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/notifications"
	"github.com/systmms/credrotate/internal/registry"
)

// reporter writes the audit record and notification for one attempt
// transition. Audit failures are logged: the transition has already
// committed and must not be reported as failed.
type reporter struct {
	audit    *audit.Log
	notifier notifications.Notifier
	logger   *logging.Logger
}

type attemptEvent struct {
	action   string
	result   model.AuditResult
	severity model.Severity
	actor    model.Actor
	desc     string
	details  map[string]interface{}
	notify   notifications.EventType
	// extra is added to the notification detail.
	extra map[string]string
}

func (r *reporter) attempt(ctx context.Context, c *model.Credential, a *model.RotationAttempt, ev attemptEvent) {
	if r.audit != nil {
		details := map[string]interface{}{
			"attempt_id":    a.ID,
			"rotation_type": string(a.RotationType),
			"retry_count":   a.RetryCount,
			"status":        string(a.Status),
		}
		for k, v := range ev.details {
			details[k] = v
		}
		actor := ev.actor
		if actor == (model.Actor{}) {
			actor = model.SystemActor
		}
		_, err := r.audit.Append(ctx, &model.AuditRecord{
			EventType:     model.EventCredentialRotation,
			EventSubtype:  string(a.RotationType),
			Action:        ev.action,
			Result:        ev.result,
			Severity:      ev.severity,
			Actor:         actor,
			Target:        model.Target{ResourceType: registry.ResourceCredential, ResourceID: c.ID, ResourceName: c.Name},
			Description:   ev.desc,
			Details:       details,
			CorrelationID: a.ID,
		})
		if err != nil {
			r.logger.Error("audit %s for attempt %s: %v", ev.action, a.ID, err)
		}
	}

	if ev.notify != "" && r.notifier != nil {
		detail := map[string]string{
			"attempt_id":      a.ID,
			"credential_name": c.Name,
			"rotation_type":   string(a.RotationType),
			"retry_count":     strconv.Itoa(a.RetryCount),
		}
		for k, v := range ev.extra {
			detail[k] = v
		}
		r.notifier.Notify(ctx, ev.notify, c.ID, detail)
	}
}

func (r *reporter) credential(ctx context.Context, c *model.Credential, kind notifications.EventType, extra map[string]string) {
	if r.notifier == nil {
		return
	}
	detail := map[string]string{"credential_name": c.Name, "owner_id": c.OwnerID}
	for k, v := range extra {
		detail[k] = v
	}
	r.notifier.Notify(ctx, kind, c.ID, detail)
}

func describe(a *model.RotationAttempt, c *model.Credential, what string) string {
	return fmt.Sprintf("%s rotation of %s %s", a.RotationType, c.Name, what)
}
