package rotation

import (
	"time"

	"github.com/systmms/credrotate/internal/model"
)

const (
	// DefaultBackoffBase is the unit of the exponential retry backoff.
	DefaultBackoffBase = time.Minute
	// MaxBackoff caps a single retry wait.
	MaxBackoff = 24 * time.Hour
)

// RetryPolicy decides whether and when a failed attempt is retried.
// The n-th retry waits Base·2^n: with a one minute base and three retries
// the waits are 2, 4 and 8 minutes.
type RetryPolicy struct {
	Base time.Duration
}

func (p RetryPolicy) base() time.Duration {
	if p.Base <= 0 {
		return DefaultBackoffBase
	}
	return p.Base
}

// Delay returns the wait before retry number n (1-based), never more than
// MaxBackoff.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.base()
	for i := 0; i < n; i++ {
		if d >= MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}
	return d
}

// NextRetry returns when the failed attempt a may be retried. It reports
// false when a is not FAILED or has used all of its retries.
func (p RetryPolicy) NextRetry(a *model.RotationAttempt, failedAt time.Time) (time.Time, bool) {
	if a == nil || a.Status != model.AttemptFailed || a.RetryCount >= a.MaxRetries {
		return time.Time{}, false
	}
	return failedAt.Add(p.Delay(a.RetryCount + 1)), true
}
