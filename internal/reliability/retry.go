package reliability

import (
	"context"
	"math"
	"time"
)

// DefaultStartupRetries is the number of retries after the first bootstrap
// attempt
const DefaultStartupRetries = 5

// Unlimited disables the attempt cap of a FixedDelay policy
const Unlimited = -1

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the
	// zero-based attempt failed with err
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries
	MaxRetries() int
	// NextDelay calculates the delay after the zero-based attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff waits InitialInterval * Multiplier^attempt, capped at
// MaxInterval. The schedule is deterministic.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
	}
}

// StartupBackoff is the bootstrap policy: min(1s * 2^attempt, 30s)
func StartupBackoff(maxRetries int) *ExponentialBackoff {
	return NewExponentialBackoff(time.Second, 30*time.Second, 2.0, maxRetries)
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}

	if !IsRetryableError(err) {
		return false, 0
	}

	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		return e.MaxInterval
	}
	return time.Duration(delay)
}

// FixedDelay implements a fixed delay retry policy
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy. Pass Unlimited to retry
// forever.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts >= 0 && attempt >= f.MaxAttempts {
		return false, 0
	}

	if !IsRetryableError(err) {
		return false, 0
	}

	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Notify is called after a failed attempt that will be retried. attempt is
// one-based.
type Notify func(attempt int, err error, next time.Duration)

// Retry executes a function with retry logic
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	return RetryNotify(ctx, policy, fn, nil)
}

// RetryNotify executes fn until it succeeds, the policy gives up or ctx is
// done. A non-retryable error is returned unchanged; running out of attempts
// returns a *RetryError.
func RetryNotify(ctx context.Context, policy RetryPolicy, fn func() error, notify Notify) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}

		if !IsRetryableError(err) {
			return err
		}

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return &RetryError{
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   err,
				Duration:    time.Since(start),
			}
		}

		if notify != nil {
			notify(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
