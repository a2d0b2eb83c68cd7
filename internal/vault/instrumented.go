package vault

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/metrics"
)

// RateLimitConfig configures a token bucket in front of the backend.
// Zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty"`
	Burst             int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

func (c RateLimitConfig) limiter() *rate.Limiter {
	if c.RequestsPerSecond <= 0 {
		return nil
	}
	burst := c.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
}

// Instrumented wraps a backend with a per-call timeout, an optional rate
// limit and metrics. Every failure is returned as a *VaultError.
type Instrumented struct {
	inner   Vault
	backend string
	timeout time.Duration
	limiter *rate.Limiter
	metrics *metrics.Recorder
	logger  *logging.Logger
}

// InstrumentOptions configures Instrument.
type InstrumentOptions struct {
	Timeout   time.Duration
	RateLimit RateLimitConfig
	Metrics   *metrics.Recorder
	Logger    *logging.Logger
}

// Instrument wraps inner, labelling errors and metrics with backend.
func Instrument(inner Vault, backend string, opts InstrumentOptions) *Instrumented {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Instrumented{
		inner:   inner,
		backend: backend,
		timeout: timeout,
		limiter: opts.RateLimit.limiter(),
		metrics: opts.Metrics,
		logger:  logger.Component("vault"),
	}
}

// Backend returns the backend name.
func (v *Instrumented) Backend() string {
	return v.backend
}

func (v *Instrumented) call(ctx context.Context, op, path string, fn func(ctx context.Context) error) error {
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return &dserrors.VaultError{Backend: v.backend, Op: op, Path: path, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	v.metrics.VaultOperation(v.backend, op, err, time.Since(start).Seconds())
	if err != nil {
		v.logger.Debug("%s %s failed: %v", op, path, err)
		return &dserrors.VaultError{Backend: v.backend, Op: op, Path: path, Err: err}
	}
	return nil
}

// Put implements Vault.
func (v *Instrumented) Put(ctx context.Context, path string, material []byte) (string, error) {
	var version string
	err := v.call(ctx, "put", path, func(ctx context.Context) error {
		var err error
		version, err = v.inner.Put(ctx, path, material)
		return err
	})
	return version, err
}

// Get implements Vault.
func (v *Instrumented) Get(ctx context.Context, path, version string) ([]byte, error) {
	var data []byte
	err := v.call(ctx, "get", path, func(ctx context.Context) error {
		var err error
		data, err = v.inner.Get(ctx, path, version)
		return err
	})
	return data, err
}

// Delete implements Vault.
func (v *Instrumented) Delete(ctx context.Context, path, version string) error {
	return v.call(ctx, "delete", path, func(ctx context.Context) error {
		return v.inner.Delete(ctx, path, version)
	})
}
