// Package reliability provides the retry policies used to bootstrap
// long-running services against a broker that may not be reachable yet.
//
// Policies:
//   - ExponentialBackoff: delay doubles per attempt up to a cap
//   - FixedDelay: constant delay, optionally unlimited attempts
//
// StartupBackoff returns the policy service entry points use: 1s, 2s, 4s, ...
// capped at 30s, 5 retries (6 attempts) by default. When the attempts are
// used up Retry returns a *RetryError matching ErrMaxRetriesExceeded and the
// caller is expected to stop the process.
//
// Example usage:
//
//	err := RetryNotify(ctx, StartupBackoff(DefaultStartupRetries), func() error {
//	    return connectAndSubscribe(ctx)
//	}, func(attempt int, err error, next time.Duration) {
//	    logger.Warn("bootstrap failed", "attempt", attempt, "retryIn", next, "error", err)
//	})
package reliability
