package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/systmms/credrotate/internal/logging"
)

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("%s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("%s: %v %v", msg, err, keysAndValues)
}

// Start runs the rotation, expiry, retirement and purge jobs on their cron
// schedules until Stop is called or ctx ends. Each job is skipped while its
// previous run is still going.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return errors.New("rotation engine already started")
	}

	logger := cronLogger{l: e.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"rotation", e.config.Schedule, e.rotationJob},
		{"expiry", e.config.ExpirySchedule, func(ctx context.Context) error {
			_, err := e.CheckExpiry(ctx, e.now())
			return err
		}},
		{"audit-purge", e.purgeSchedule, func(ctx context.Context) error {
			res, err := e.PurgeAudit(ctx, e.now())
			if err == nil && res.Deleted > 0 {
				e.logger.Info("purged %d audit records up to %s", res.Deleted, res.Cutoff.Format(time.RFC3339))
			}
			return err
		}},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := c.AddFunc(job.spec, func() {
			if ctx.Err() != nil {
				return
			}
			if err := job.run(ctx); err != nil {
				e.logger.Error("%s job: %v", job.name, err)
			}
		}); err != nil {
			return fmt.Errorf("schedule %s job %q: %w", job.name, job.spec, err)
		}
	}

	c.Start()
	e.cron = c
	e.logger.Info("rotation engine started (schedule %s)", e.config.Schedule)
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (e *Engine) Stop() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	e.logger.Info("rotation engine stopped")
}

func (e *Engine) rotationJob(ctx context.Context) error {
	var errs []error
	if _, err := e.Scheduler.Tick(ctx); err != nil {
		errs = append(errs, err)
	}
	res, err := e.Executor.RunPending(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for id, rerr := range res.Errors {
		e.logger.Warn("attempt %s: %v", id, rerr)
	}
	if _, err := e.RetireOldVersions(ctx, e.now()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
