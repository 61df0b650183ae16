package httpclient

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/logger"
)

// RetryPolicy controls Retry. Only idempotent operations should use it.
type RetryPolicy struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy is used by read-only integration calls
var DefaultRetryPolicy = RetryPolicy{
	Attempts:     3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
}

// Retry runs fn until it succeeds, returns a non-retryable error (see
// errdefs.IsRetryable), or the attempts are exhausted. The last error is
// returned unwrapped so callers can still classify it.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	if policy.Attempts == 0 {
		policy.Attempts = 1
	}

	return retry.DoWithData(
		func() (T, error) {
			return fn(ctx)
		},
		retry.RetryIf(errdefs.IsRetryable),
		retry.Attempts(policy.Attempts),
		retry.Delay(policy.InitialDelay),
		retry.MaxDelay(policy.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).WithField("max_attempts", policy.Attempts).Warn("retrying outbound call")
		}),
	)
}
