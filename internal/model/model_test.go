package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/credrotate/internal/model"
)

func ptr(t time.Time) *time.Time { return &t }

func TestParseCredentialKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    model.CredentialKind
		wantErr bool
	}{
		{"PASSWORD", model.KindPassword, false},
		{"client-secret", model.KindClientSecret, false},
		{"CLIENT_SECRET", model.KindClientSecret, false},
		{" ssh_key ", model.KindSSHKey, false},
		{"api_key", model.KindAPIKey, false},
		{"kerberos", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := model.ParseCredentialKind(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCredentialStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to model.CredentialStatus
		ok       bool
	}{
		{model.CredentialActive, model.CredentialPendingRotation, true},
		{model.CredentialPendingRotation, model.CredentialActive, true},
		{model.CredentialActive, model.CredentialRevoked, true},
		{model.CredentialExpired, model.CredentialRevoked, true},
		{model.CredentialExpired, model.CredentialActive, false},
		{model.CredentialRevoked, model.CredentialActive, false},
		{model.CredentialRevoked, model.CredentialPendingRotation, false},
		{model.CredentialRotated, model.CredentialActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestAttemptTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, model.AttemptScheduled.CanTransitionTo(model.AttemptInProgress))
	assert.True(t, model.AttemptScheduled.CanTransitionTo(model.AttemptCancelled))
	assert.True(t, model.AttemptInProgress.CanTransitionTo(model.AttemptCompleted))
	assert.True(t, model.AttemptInProgress.CanTransitionTo(model.AttemptFailed))
	assert.False(t, model.AttemptInProgress.CanTransitionTo(model.AttemptCancelled))
	assert.False(t, model.AttemptScheduled.CanTransitionTo(model.AttemptCompleted))

	for _, terminal := range []model.AttemptStatus{model.AttemptCompleted, model.AttemptFailed, model.AttemptCancelled} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.InFlight())
		for to := range model.ValidAttemptTransitions {
			assert.False(t, terminal.CanTransitionTo(to), "%s -> %s", terminal, to)
		}
	}
	assert.True(t, model.AttemptScheduled.InFlight())
	assert.True(t, model.AttemptInProgress.InFlight())
}

func TestCredentialDueForRotation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		cred model.Credential
		want bool
	}{
		{"unset next date rotates immediately", model.Credential{Status: model.CredentialActive, AutoRotationEnabled: true}, true},
		{"past date", model.Credential{Status: model.CredentialActive, AutoRotationEnabled: true, NextRotationAt: ptr(now.Add(-time.Hour))}, true},
		{"exactly now", model.Credential{Status: model.CredentialActive, AutoRotationEnabled: true, NextRotationAt: ptr(now)}, true},
		{"future date", model.Credential{Status: model.CredentialActive, AutoRotationEnabled: true, NextRotationAt: ptr(now.Add(time.Minute))}, false},
		{"auto rotation off", model.Credential{Status: model.CredentialActive, NextRotationAt: ptr(now.Add(-time.Hour))}, false},
		{"pending rotation", model.Credential{Status: model.CredentialPendingRotation, AutoRotationEnabled: true}, false},
		{"soft deleted", model.Credential{Status: model.CredentialActive, AutoRotationEnabled: true, SoftDelete: model.SoftDelete{Deleted: true}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.DueForRotation(now))
		})
	}
}

func TestCredentialExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	never := model.Credential{Status: model.CredentialActive}
	assert.Equal(t, -1, never.DaysUntilExpiry(now))
	assert.False(t, never.NeedsExpiryNotification(now))

	soon := model.Credential{Status: model.CredentialActive, ExpiresAt: ptr(now.Add(10 * 24 * time.Hour))}
	assert.Equal(t, 10, soon.DaysUntilExpiry(now))
	assert.True(t, soon.NeedsExpiryNotification(now), "default window is 14 days")

	soon.NotificationSent = true
	assert.False(t, soon.NeedsExpiryNotification(now))

	narrow := model.Credential{Status: model.CredentialActive, NotificationDays: 5, ExpiresAt: ptr(now.Add(10 * 24 * time.Hour))}
	assert.False(t, narrow.NeedsExpiryNotification(now))

	gone := model.Credential{Status: model.CredentialActive, ExpiresAt: ptr(now.Add(-time.Second))}
	assert.True(t, gone.HasExpired(now))
	assert.Equal(t, 0, gone.DaysUntilExpiry(now))
	assert.False(t, gone.NeedsExpiryNotification(now))
}

func TestCredentialCloneIsDeep(t *testing.T) {
	t.Parallel()

	next := time.Now()
	c := &model.Credential{ID: "c1", NextRotationAt: &next}
	cp := c.Clone()
	*cp.NextRotationAt = next.Add(time.Hour)

	assert.Equal(t, next, *c.NextRotationAt)
	assert.Nil(t, (*model.Credential)(nil).Clone())
}

func TestAttemptRetryWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &model.RotationAttempt{Status: model.AttemptFailed, RetryCount: 1, MaxRetries: 3, NextRetryAt: ptr(now.Add(2 * time.Minute))}

	assert.True(t, a.RetryPending(now))
	assert.False(t, a.RetryDue(now))
	assert.True(t, a.RetryDue(now.Add(2*time.Minute)))
	assert.False(t, a.Exhausted())

	a.RetryCount, a.NextRetryAt = 3, nil
	assert.True(t, a.Exhausted())
}

func TestAuditRecordHighRisk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  model.AuditRecord
		want bool
	}{
		{"info", model.AuditRecord{Severity: model.SeverityInfo}, false},
		{"high", model.AuditRecord{Severity: model.SeverityHigh}, true},
		{"critical", model.AuditRecord{Severity: model.SeverityCritical}, true},
		{"suspicious", model.AuditRecord{Severity: model.SeverityLow, Suspicious: true}, true},
		{"risk 74", model.AuditRecord{RiskScore: 74}, false},
		{"risk 75", model.AuditRecord{RiskScore: 75}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.IsHighRisk())
		})
	}
}

func TestAuditRecordToCompliance(t *testing.T) {
	t.Parallel()

	rec := &model.AuditRecord{
		ID:        "r1",
		EventType: model.EventCredentialRotation,
		Action:    model.ActionCompleted,
		Result:    model.ResultSuccess,
		Actor:     model.Actor{ServiceIdentityID: "svc-1"},
		Target:    model.Target{ResourceType: "credential", ResourceID: "c1"},
		RiskScore: 80,
		Checksum:  "abc",
		Details:   map[string]interface{}{"k": "v"},
	}

	cr := rec.ToCompliance()
	assert.Equal(t, "svc-1", cr.Actor)
	assert.Equal(t, "c1", cr.Target)
	assert.True(t, cr.HighRisk)
	assert.Equal(t, "abc", cr.Checksum)

	cp := rec.Clone()
	cp.Details["k"] = "changed"
	assert.Equal(t, "v", rec.Details["k"])
	assert.Equal(t, "system", model.Actor{}.Name())
}
