// Package rotation schedules and executes credential rotations, retires
// superseded vault versions and watches for expiring credentials.
//
// The Scheduler only creates attempts; the Executor runs them. Engine ties
// both to a cron loop together with the expiry, retirement and audit purge
// jobs.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/systmms/credrotate/internal/audit"
	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/identity"
	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/metrics"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/notifications"
	"github.com/systmms/credrotate/internal/registry"
	"github.com/systmms/credrotate/internal/secure"
	"github.com/systmms/credrotate/internal/store"
	"github.com/systmms/credrotate/internal/vault"
)

// Default job schedules.
const (
	DefaultSchedule       = "@every 1m"
	DefaultExpirySchedule = "@hourly"
	DefaultPurgeSchedule  = "@daily"
)

// Config is the rotation section of the configuration file.
type Config struct {
	Schedule            string        `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	ExpirySchedule      string        `yaml:"expiry_schedule,omitempty" json:"expiry_schedule,omitempty"`
	Workers             int           `yaml:"workers,omitempty" json:"workers,omitempty"`
	MaxRetries          int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	BackoffBase         time.Duration `yaml:"backoff_base,omitempty" json:"backoff_base,omitempty"`
	OldVersionRetention time.Duration `yaml:"old_version_retention,omitempty" json:"old_version_retention,omitempty"`
	VaultTimeout        time.Duration `yaml:"vault_timeout,omitempty" json:"vault_timeout,omitempty"`
	// MaterialLength counts random bytes. The stored value is their
	// unpadded base64url encoding and so is longer.
	MaterialLength      int           `yaml:"material_length,omitempty" json:"material_length,omitempty"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Schedule:            DefaultSchedule,
		ExpirySchedule:      DefaultExpirySchedule,
		Workers:             DefaultWorkers,
		MaxRetries:          model.DefaultMaxRetries,
		BackoffBase:         DefaultBackoffBase,
		OldVersionRetention: DefaultOldVersionRetention,
		VaultTimeout:        vault.DefaultTimeout,
		MaterialLength:      secure.DefaultMaterialLength,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Schedule == "" {
		c.Schedule = d.Schedule
	}
	if c.ExpirySchedule == "" {
		c.ExpirySchedule = d.ExpirySchedule
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.OldVersionRetention <= 0 {
		c.OldVersionRetention = d.OldVersionRetention
	}
	if c.VaultTimeout <= 0 {
		c.VaultTimeout = d.VaultTimeout
	}
	if c.MaterialLength <= 0 {
		c.MaterialLength = d.MaterialLength
	}
	return c
}

// Dependencies are the collaborators of an Engine. Store, Vault and
// Directory are required.
type Dependencies struct {
	Store     store.Store
	Vault     vault.Vault
	Directory identity.Directory
	Audit     *audit.Log
	Notifier  notifications.Notifier
	Generator secure.Generator
	Clock     clock.PassiveClock
	Logger    *logging.Logger
	Metrics   *metrics.Recorder
	// PurgeSchedule runs the audit retention purge; empty disables it.
	PurgeSchedule string
}

// Engine is the credential rotation service.
type Engine struct {
	Registry  *registry.Registry
	Scheduler *Scheduler
	Executor  *Executor

	config        Config
	purgeSchedule string
	audit         *audit.Log
	vault         vault.Vault
	generator     secure.Generator
	reporter      *reporter
	clock         clock.PassiveClock
	logger        *logging.Logger
	metrics       *metrics.Recorder

	mu   sync.Mutex
	cron *cron.Cron
}

// New wires an Engine.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Store == nil || deps.Vault == nil || deps.Directory == nil {
		return nil, errors.New("rotation: store, vault and directory are required")
	}
	cfg = cfg.withDefaults()
	for name, spec := range map[string]string{"rotation.schedule": cfg.Schedule, "rotation.expiry_schedule": cfg.ExpirySchedule, "audit.purge_schedule": deps.PurgeSchedule} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, dserrors.ConfigError{Field: name, Value: spec, Message: err.Error(), Suggestion: `Use a cron expression or a descriptor such as "@every 1m" or "@daily"`}
		}
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	gen := deps.Generator
	if gen == nil {
		gen = secure.RandomGenerator{Length: cfg.MaterialLength}
	}
	log := deps.Audit
	if log == nil {
		log = audit.NewLog(deps.Store, audit.Options{Clock: clk, Logger: logger, Metrics: deps.Metrics})
	}

	reg := registry.New(deps.Store, log, deps.Directory, registry.Options{
		Clock:      clk,
		Logger:     logger,
		MaxRetries: cfg.MaxRetries,
	})
	rep := &reporter{audit: log, notifier: notifier, logger: logger.Component("rotation")}

	e := &Engine{
		Registry:      reg,
		config:        cfg,
		purgeSchedule: deps.PurgeSchedule,
		audit:         log,
		vault:         deps.Vault,
		generator:     gen,
		reporter:      rep,
		clock:         clk,
		logger:        logger.Component("rotation"),
		metrics:       deps.Metrics,
	}
	e.Scheduler = newScheduler(reg, rep, clk, logger, deps.Metrics)
	e.Executor = &Executor{
		registry:     reg,
		vault:        deps.Vault,
		generator:    gen,
		retry:        RetryPolicy{Base: cfg.BackoffBase},
		reporter:     rep,
		workers:      cfg.Workers,
		vaultTimeout: cfg.VaultTimeout,
		retention:    cfg.OldVersionRetention,
		clock:        clk,
		logger:       logger.Component("executor"),
		metrics:      deps.Metrics,
	}
	return e, nil
}

// Audit returns the engine's audit log.
func (e *Engine) Audit() *audit.Log {
	return e.audit
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Microsecond)
}

// CreateCredential registers a credential and provisions its first
// material at the derived vault path. When the vault write fails the
// credential is parked in PENDING_ROTATION, so a manual rotation can
// provision it, and the vault error is returned with it.
func (e *Engine) CreateCredential(ctx context.Context, req registry.CreateRequest) (*model.Credential, error) {
	c, err := e.Registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	version, err := e.provision(ctx, c)
	if err != nil {
		e.logger.Error("provision %s: %v", c.ID, err)
		if parked, perr := e.Registry.MarkPendingRotation(ctx, c.ID); perr == nil {
			c = parked
		}
		return c, err
	}
	return e.Registry.SetVaultLocation(ctx, c.ID, c.VaultPath, version, req.Actor)
}

func (e *Engine) provision(ctx context.Context, c *model.Credential) (string, error) {
	material, err := e.generator.Generate(c.Kind)
	if err != nil {
		return "", err
	}
	defer material.Destroy()
	buf, err := material.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()

	vctx, cancel := context.WithTimeout(ctx, e.config.VaultTimeout)
	defer cancel()
	version, err := e.vault.Put(vctx, c.VaultPath, buf.Bytes())
	if err != nil {
		return "", asVaultError("put", c.VaultPath, err)
	}
	return version, nil
}

// AccessCredential records a use of the credential and returns its current
// material. Revoked and expired credentials are refused.
func (e *Engine) AccessCredential(ctx context.Context, id string, actor model.Actor, sourceIP string) (*secure.Material, error) {
	c, err := e.Registry.RecordAccess(ctx, id, actor, sourceIP)
	if err != nil {
		return nil, err
	}
	vctx, cancel := context.WithTimeout(ctx, e.config.VaultTimeout)
	defer cancel()
	data, err := e.vault.Get(vctx, c.VaultPath, c.VaultVersion)
	if err != nil {
		return nil, asVaultError("get", c.VaultPath, err)
	}
	return secure.NewMaterial(data)
}

// RevokeCredential revokes a credential and cancels its scheduled attempt.
// An attempt already in progress fails when it tries to complete.
func (e *Engine) RevokeCredential(ctx context.Context, id string, actor model.Actor, reason string) (*model.Credential, error) {
	c, err := e.Registry.Revoke(ctx, id, actor, reason)
	if err != nil {
		return nil, err
	}
	if latest, err := e.Registry.LatestAttempt(ctx, id); err == nil && latest != nil && latest.Status == model.AttemptScheduled {
		if _, err := e.Executor.Cancel(ctx, latest.ID, actor, "credential revoked"); err != nil && !errors.Is(err, dserrors.ErrInvalidTransition) {
			e.logger.Warn("cancel attempt %s of revoked credential %s: %v", latest.ID, id, err)
		}
	}
	e.reporter.credential(ctx, c, notifications.EventCredentialRevoked, map[string]string{"reason": reason})
	return c, nil
}

// RotateRequest asks for an immediate rotation outside the schedule.
type RotateRequest struct {
	CredentialID string
	// Type is manual or emergency. Emergency rotations retire the previous
	// vault path at once instead of keeping it for rollback.
	Type   model.RotationType
	Actor  model.Actor
	Reason string
}

// Rotate schedules and immediately executes a rotation. It is the way out
// of PENDING_ROTATION after retries were exhausted. A rotation failure is
// returned together with the FAILED attempt.
func (e *Engine) Rotate(ctx context.Context, req RotateRequest) (*model.RotationAttempt, error) {
	rt := req.Type
	switch rt {
	case "":
		rt = model.RotationManual
	case model.RotationManual, model.RotationEmergency:
	default:
		return nil, dserrors.NewValidationError("rotation_type", "must be manual or emergency, got %q", rt)
	}
	a, err := scheduleAttempt(ctx, e.Registry, e.reporter, e.metrics, registry.ScheduleRequest{
		CredentialID: req.CredentialID,
		RotationType: rt,
		TriggeredBy:  req.Actor.Name(),
		Reason:       req.Reason,
	}, req.Actor)
	if err != nil {
		return nil, err
	}
	return e.Executor.Execute(ctx, a.ID)
}

// Cancel cancels a SCHEDULED attempt.
func (e *Engine) Cancel(ctx context.Context, attemptID string, actor model.Actor, reason string) (*model.RotationAttempt, error) {
	return e.Executor.Cancel(ctx, attemptID, actor, reason)
}

// Rollback points the credential back at the vault path an attempt
// replaced and deletes the path it introduced. Only the credential's most
// recent completed attempt can be rolled back, and only while its previous
// path is still retained.
func (e *Engine) Rollback(ctx context.Context, attemptID string, actor model.Actor, reason string) (*model.RotationAttempt, error) {
	a, err := e.Registry.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if a.Status != model.AttemptCompleted || !a.RollbackAvailable {
		return nil, dserrors.NewValidationError("attempt", "attempt %s has no retained previous version", attemptID)
	}
	c, err := e.Registry.Get(ctx, a.CredentialID)
	if err != nil {
		return nil, err
	}
	if c.VaultPath != a.NewVaultPath {
		return nil, dserrors.NewValidationError("attempt", "attempt %s is not the credential's current version", attemptID)
	}
	if c.InFlightAttemptID != "" {
		return nil, dserrors.ErrAttemptInFlight
	}

	if _, err := e.Registry.SetVaultLocation(ctx, c.ID, a.OldVaultPath, a.OldVaultVersion, actor); err != nil {
		return nil, err
	}
	deleted := e.Executor.discard(ctx, a.NewVaultPath, "")

	a, err = e.Registry.UpdateAttempt(ctx, a.ID, func(a *model.RotationAttempt) error {
		a.RollbackAvailable = false
		a.OldPathPurgeAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Rollback(string(c.Kind))
	e.reporter.attempt(ctx, c, a, attemptEvent{
		action:   model.ActionRolledBack,
		result:   model.ResultSuccess,
		severity: model.SeverityWarning,
		actor:    actor,
		desc:     describe(a, c, "rolled back"),
		details: map[string]interface{}{
			"reason":              reason,
			"restored_vault_path": a.OldVaultPath,
			"removed_vault_path":  a.NewVaultPath,
			"removed":             deleted,
		},
		notify: notifications.EventRollback,
		extra:  map[string]string{"reason": reason, "restored_vault_path": a.OldVaultPath},
	})
	return a, nil
}

// RetireOldVersions deletes previous vault paths whose rollback window has
// passed. It returns the number of retired paths.
func (e *Engine) RetireOldVersions(ctx context.Context, now time.Time) (int, error) {
	due, err := e.Registry.ListRetirementDue(ctx, now)
	if err != nil {
		return 0, err
	}
	var (
		retired int
		errs    []error
	)
	for _, a := range due {
		vctx, cancel := context.WithTimeout(ctx, e.config.VaultTimeout)
		err := e.vault.Delete(vctx, a.OldVaultPath, "")
		cancel()
		if err != nil && !errors.Is(err, dserrors.ErrNotFound) {
			errs = append(errs, fmt.Errorf("retire %s: %w", a.OldVaultPath, err))
			continue
		}
		a, err = e.Registry.UpdateAttempt(ctx, a.ID, func(a *model.RotationAttempt) error {
			a.RollbackAvailable = false
			a.OldPathPurgeAt = nil
			return nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		retired++
		e.metrics.OldVersionRetired()
		c, err := e.Registry.Get(ctx, a.CredentialID)
		if err != nil {
			c = &model.Credential{ID: a.CredentialID}
		}
		e.reporter.attempt(ctx, c, a, attemptEvent{
			action:   model.ActionRetired,
			result:   model.ResultSuccess,
			severity: model.SeverityInfo,
			desc:     describe(a, c, "retired its previous vault version"),
			details:  map[string]interface{}{"retired_vault_path": a.OldVaultPath},
		})
	}
	return retired, errors.Join(errs...)
}

// ExpiryResult summarises CheckExpiry.
type ExpiryResult struct {
	Warned  []string
	Expired []string
}

// CheckExpiry warns about credentials entering their expiry window and
// expires credentials past ExpiresAt.
func (e *Engine) CheckExpiry(ctx context.Context, now time.Time) (ExpiryResult, error) {
	var (
		res  ExpiryResult
		errs []error
	)
	soon, err := e.Registry.FindExpiringSoon(ctx, now)
	if err != nil {
		return res, err
	}
	for _, c := range soon {
		days := c.DaysUntilExpiry(now)
		if _, err := e.Registry.MarkNotificationSent(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Warned = append(res.Warned, c.ID)
		if _, err := e.audit.Append(ctx, &model.AuditRecord{
			EventType:   model.EventCredentialLifecycle,
			Action:      model.ActionExpiryWarning,
			Result:      model.ResultSuccess,
			Severity:    model.SeverityWarning,
			Actor:       model.SystemActor,
			Target:      model.Target{ResourceType: registry.ResourceCredential, ResourceID: c.ID, ResourceName: c.Name},
			Description: fmt.Sprintf("credential %s expires in %d days", c.Name, days),
			Details:     map[string]interface{}{"expires_at": c.ExpiresAt.Format(time.RFC3339), "days_until_expiry": days},
		}); err != nil {
			e.logger.Error("audit expiry warning for %s: %v", c.ID, err)
		}
		e.reporter.credential(ctx, c, notifications.EventCredentialExpiring, map[string]string{
			"days_until_expiry": strconv.Itoa(days),
			"expires_at":        c.ExpiresAt.Format(time.RFC3339),
		})
	}

	expired, err := e.Registry.FindExpired(ctx, now)
	if err != nil {
		return res, errors.Join(append(errs, err)...)
	}
	for _, c := range expired {
		if _, err := e.Registry.Expire(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Expired = append(res.Expired, c.ID)
		e.reporter.credential(ctx, c, notifications.EventCredentialExpired, map[string]string{
			"expires_at": c.ExpiresAt.Format(time.RFC3339),
		})
	}
	return res, errors.Join(errs...)
}

// VerifyAudit checks every audit record and raises a tamper notification
// when any fails.
func (e *Engine) VerifyAudit(ctx context.Context, f store.AuditFilter) (audit.VerifyReport, error) {
	report, err := e.audit.VerifyAll(ctx, f)
	if err != nil {
		return report, err
	}
	if !report.OK() {
		e.reporter.notifier.Notify(ctx, notifications.EventTamperDetected, "", map[string]string{
			"tampered_records": strconv.Itoa(len(report.Tampered)),
			"incident_id":      report.IncidentID,
		})
	}
	return report, nil
}

// PurgeAudit deletes audit records past their retention date.
func (e *Engine) PurgeAudit(ctx context.Context, now time.Time) (audit.PurgeResult, error) {
	return e.audit.PurgeExpired(ctx, now)
}

// CycleResult summarises one RunOnce pass.
type CycleResult struct {
	Tick    TickResult
	Batch   BatchResult
	Retired int
	Expiry  ExpiryResult
}

// RunOnce performs one full maintenance cycle: expiry, scheduling,
// execution and retirement.
func (e *Engine) RunOnce(ctx context.Context) (CycleResult, error) {
	var (
		res  CycleResult
		errs []error
		err  error
	)
	if res.Expiry, err = e.CheckExpiry(ctx, e.now()); err != nil {
		errs = append(errs, fmt.Errorf("expiry: %w", err))
	}
	if res.Tick, err = e.Scheduler.Tick(ctx); err != nil {
		errs = append(errs, fmt.Errorf("schedule: %w", err))
	}
	if res.Batch, err = e.Executor.RunPending(ctx); err != nil {
		errs = append(errs, fmt.Errorf("execute: %w", err))
	}
	if res.Retired, err = e.RetireOldVersions(ctx, e.now()); err != nil {
		errs = append(errs, fmt.Errorf("retire: %w", err))
	}
	return res, errors.Join(errs...)
}
