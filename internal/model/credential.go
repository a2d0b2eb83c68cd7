package model

import (
	"fmt"
	"strings"
	"time"
)

// CredentialKind is the type of secret a credential points to.
type CredentialKind string

const (
	KindPassword     CredentialKind = "password"
	KindClientSecret CredentialKind = "client_secret"
	KindCertificate  CredentialKind = "certificate"
	KindAPIKey       CredentialKind = "api_key"
	KindToken        CredentialKind = "token"
	KindSSHKey       CredentialKind = "ssh_key"
)

// CredentialKinds lists every supported kind.
var CredentialKinds = []CredentialKind{
	KindPassword, KindClientSecret, KindCertificate, KindAPIKey, KindToken, KindSSHKey,
}

// ParseCredentialKind accepts either the stored form or the upper-case form
// ("CLIENT_SECRET", "client-secret").
func ParseCredentialKind(s string) (CredentialKind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, k := range CredentialKinds {
		if string(k) == norm {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown credential kind %q", s)
}

// CredentialStatus is the lifecycle state of a credential.
type CredentialStatus string

const (
	CredentialActive          CredentialStatus = "active"
	CredentialExpired         CredentialStatus = "expired"
	CredentialRotated         CredentialStatus = "rotated"
	CredentialRevoked         CredentialStatus = "revoked"
	CredentialPendingRotation CredentialStatus = "pending_rotation"
)

// credentialTransitions lists the allowed status changes. Only
// active and pending_rotation may cycle; everything else moves forward.
var credentialTransitions = map[CredentialStatus][]CredentialStatus{
	CredentialActive:          {CredentialPendingRotation, CredentialRotated, CredentialExpired, CredentialRevoked},
	CredentialPendingRotation: {CredentialActive, CredentialRotated, CredentialExpired, CredentialRevoked},
	CredentialRotated:         {CredentialRevoked},
	CredentialExpired:         {CredentialRevoked},
	CredentialRevoked:         {},
}

// CanTransitionTo reports whether from → to is a legal credential status change.
func (from CredentialStatus) CanTransitionTo(to CredentialStatus) bool {
	for _, s := range credentialTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Rotatable reports whether a rotation may complete in this status.
func (s CredentialStatus) Rotatable() bool {
	return s == CredentialActive || s == CredentialPendingRotation
}

// DefaultNotificationDays is how long before expiry owners are warned.
const DefaultNotificationDays = 14

// Credential is a reference to secret material held in the vault.
type Credential struct {
	ID                    string           `json:"id" yaml:"id"`
	OwnerID               string           `json:"owner_id" yaml:"owner_id"`
	Name                  string           `json:"name" yaml:"name"`
	Kind                  CredentialKind   `json:"kind" yaml:"kind"`
	VaultPath             string           `json:"vault_path" yaml:"vault_path"`
	VaultVersion          string           `json:"vault_version,omitempty" yaml:"vault_version,omitempty"`
	Status                CredentialStatus `json:"status" yaml:"status"`
	ExpiresAt             *time.Time       `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	RotationFrequencyDays int              `json:"rotation_frequency_days" yaml:"rotation_frequency_days"`
	NextRotationAt        *time.Time       `json:"next_rotation_at,omitempty" yaml:"next_rotation_at,omitempty"`
	LastRotatedAt         *time.Time       `json:"last_rotated_at,omitempty" yaml:"last_rotated_at,omitempty"`
	RotationCount         int              `json:"rotation_count" yaml:"rotation_count"`
	AutoRotationEnabled   bool             `json:"auto_rotation_enabled" yaml:"auto_rotation_enabled"`
	UseCount              int64            `json:"use_count" yaml:"use_count"`
	LastUsedAt            *time.Time       `json:"last_used_at,omitempty" yaml:"last_used_at,omitempty"`
	NotificationDays      int              `json:"notification_days_before_expiry" yaml:"notification_days_before_expiry"`
	NotificationSent      bool             `json:"notification_sent" yaml:"notification_sent"`
	// InFlightAttemptID holds the scheduled or running attempt, if any.
	InFlightAttemptID string `json:"inflight_attempt_id,omitempty" yaml:"inflight_attempt_id,omitempty"`

	AuditFields   `yaml:",inline"`
	VersionFields `yaml:",inline"`
	SoftDelete    `yaml:",inline"`
}

// Clone returns a deep copy.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	out.ExpiresAt = cloneTime(c.ExpiresAt)
	out.NextRotationAt = cloneTime(c.NextRotationAt)
	out.LastRotatedAt = cloneTime(c.LastRotatedAt)
	out.LastUsedAt = cloneTime(c.LastUsedAt)
	out.DeletedAt = cloneTime(c.DeletedAt)
	return &out
}

// DueForRotation reports whether the scheduler should pick the credential up.
// An unset next rotation date means rotate immediately.
func (c *Credential) DueForRotation(now time.Time) bool {
	if !c.Visible() || c.Status != CredentialActive || !c.AutoRotationEnabled {
		return false
	}
	return c.NextRotationAt == nil || !c.NextRotationAt.After(now)
}

// HasExpired reports whether the expiry timestamp has passed.
func (c *Credential) HasExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

// DaysUntilExpiry returns whole days left before expiry, or -1 when the
// credential never expires.
func (c *Credential) DaysUntilExpiry(now time.Time) int {
	if c.ExpiresAt == nil {
		return -1
	}
	d := c.ExpiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// NeedsExpiryNotification reports whether the warning window has been entered
// and no warning has gone out yet.
func (c *Credential) NeedsExpiryNotification(now time.Time) bool {
	if !c.Visible() || c.Status != CredentialActive || c.NotificationSent || c.ExpiresAt == nil {
		return false
	}
	if c.HasExpired(now) {
		return false
	}
	days := c.NotificationDays
	if days <= 0 {
		days = DefaultNotificationDays
	}
	return !c.ExpiresAt.After(now.Add(time.Duration(days) * 24 * time.Hour))
}

// RotationInterval is the configured frequency as a duration.
func (c *Credential) RotationInterval() time.Duration {
	return time.Duration(c.RotationFrequencyDays) * 24 * time.Hour
}
