package aggregate

import (
	"context"

	apperrors "github.com/louisbranch/underwrite/internal/platform/errors"
)

// DefaultConflictAttempts bounds application-level conflict retries.
const DefaultConflictAttempts = 3

// RetryOnConflict runs fn up to attempts times while it fails with
// CodeConcurrencyConflict. fn must reload the aggregate on every call. The
// last conflict is returned once attempts are spent so callers can surface
// it to the user.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultConflictAttempts
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn(ctx)
		if !apperrors.IsCode(err, apperrors.CodeConcurrencyConflict) {
			return err
		}
	}
	return err
}
