package registry

import (
	"context"
	"errors"

	dserrors "github.com/systmms/credrotate/internal/errors"
)

// DefaultConflictRetries bounds RetryOnConflict in registry mutations.
const DefaultConflictRetries = 5

// RetryOnConflict runs fn until it succeeds, fails with anything other than
// ErrConcurrentModification, or has been tried attempts times. fn must
// re-read the state it modifies.
func RetryOnConflict(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if err == nil || !errors.Is(err, dserrors.ErrConcurrentModification) {
			return err
		}
	}
	return err
}
