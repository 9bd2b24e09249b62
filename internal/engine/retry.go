package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/tevix/nodeflow/internal/handlers"
	"github.com/tevix/nodeflow/pkg/schema"
)

// IsRetryableError classifies whether a node failure is worth another
// attempt. Typed errors decide through their code; a deadline that expired
// on a single attempt is retryable, a cancelled run is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return true
}

// invokeWithRetry runs the handler up to maxRetries+1 times, each attempt
// under its own timeout. Retries are immediate unless delay is positive.
// Returns the successful result, the number of attempts consumed, and the
// last error on exhaustion.
func invokeWithRetry(ctx context.Context, h handlers.Handler, req handlers.Request, maxRetries int, timeout, delay time.Duration, onRetry func()) (*handlers.Result, int, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		if attempt > 1 {
			if onRetry != nil {
				onRetry()
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, attempt - 1, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(ctx.Err())
				}
			}
		}

		result, err := invokeOnce(ctx, h, req, timeout)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, attempt, err
		}
	}

	if maxRetries == 0 {
		// No retries were configured, so the single failure stands on its own.
		return nil, 1, lastErr
	}
	return nil, maxRetries + 1, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"handler failed after %d attempt(s)", maxRetries+1).WithCause(lastErr)
}

// invokeOnce runs a single handler attempt under the node timeout. A nil
// result without error is treated as an empty result.
func invokeOnce(ctx context.Context, h handlers.Handler, req handlers.Request, timeout time.Duration) (*handlers.Result, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := h.Execute(attemptCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || (attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil) {
			return nil, schema.NewErrorf(schema.ErrCodeNodeTimeout,
				"handler exceeded timeout of %s", timeout).WithCause(err)
		}
		return nil, err
	}
	if result == nil {
		result = &handlers.Result{}
	}
	return result, nil
}
