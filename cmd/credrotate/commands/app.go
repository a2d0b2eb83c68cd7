package commands

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/systmms/credrotate/internal/audit"
	"github.com/systmms/credrotate/internal/config"
	"github.com/systmms/credrotate/internal/metrics"
	"github.com/systmms/credrotate/internal/notifications"
	"github.com/systmms/credrotate/internal/rotation"
	"github.com/systmms/credrotate/internal/store"
	"github.com/systmms/credrotate/internal/vault"
)

// app is the wired engine for one command invocation.
type app struct {
	cfg      *config.Config
	store    store.Store
	vault    *vault.Instrumented
	audit    *audit.Log
	notifier *notifications.Manager
	metrics  *metrics.Recorder
	engine   *rotation.Engine
}

// openApp loads the configuration and builds every collaborator. The
// notification manager is started; Close stops it.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Definition == nil {
		if err := cfg.Load(); err != nil {
			return nil, err
		}
	}
	def := cfg.Definition
	logger := cfg.Logger
	rec := metrics.New()
	clk := clock.RealClock{}

	st, err := store.Open(ctx, def.Store.Options())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", def.Store.Driver, err)
	}
	a := &app{cfg: cfg, store: st, metrics: rec}

	a.vault, err = vault.New(ctx, def.Vault, logger, rec)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := audit.Options{
		Retention: def.Audit.RetentionPolicy(),
		Clock:     clk,
		Logger:    logger,
		Metrics:   rec,
	}
	if opts.Rules, err = audit.NewRiskEngine(def.Audit.RiskRules); err != nil {
		a.Close()
		return nil, err
	}
	if opts.Sink, err = audit.NewSink(def.Audit.Sink); err != nil {
		a.Close()
		return nil, err
	}
	if def.Audit.Archive.Enabled() {
		if opts.Archiver, err = audit.NewS3Archiver(ctx, def.Audit.Archive); err != nil {
			_ = opts.Sink.Close()
			a.Close()
			return nil, fmt.Errorf("audit archive: %w", err)
		}
	}
	a.audit = audit.NewLog(st, opts)

	a.notifier, err = notifications.NewFromConfig(def.Notifications, clk, logger, rec)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.notifier.Start(ctx)

	a.engine, err = rotation.New(def.Rotation, rotation.Dependencies{
		Store:         st,
		Vault:         a.vault,
		Directory:     def.Directory(),
		Audit:         a.audit,
		Notifier:      a.notifier,
		Clock:         clk,
		Logger:        logger,
		Metrics:       rec,
		PurgeSchedule: def.Audit.PurgeSchedule,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close flushes notifications and releases the store and audit sink.
func (a *app) Close() error {
	var errs []error
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
