package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/synctree/synctree/internal/synerr"
)

// retryBaseDelay is the first backoff interval; go-retry doubles it on each
// subsequent attempt up to maxRetries.
const retryBaseDelay = 200 * time.Millisecond

// withRetry calls fn under a fresh callTimeout-bounded context on every
// attempt, retrying with exponential backoff while fn keeps returning a
// synerr-classified transient error. A non-transient error (or exhausting
// maxRetries) ends the loop immediately and is returned unwrapped, leaving
// the caller's own fmt.Errorf wrap as the only annotation.
func (e *Executor) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff, err := retry.NewExponential(retryBaseDelay)
	if err != nil {
		return fmt.Errorf("executor: building retry backoff: %w", err)
	}

	backoff = retry.WithMaxRetries(uint64(e.maxRetries), backoff)

	return retry.Do(ctx, backoff, func(attemptCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(attemptCtx, e.callTimeout)
		defer cancel()

		err := fn(callCtx)
		if err != nil && synerr.Retryable(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}
