package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("NextDelay grows by the multiplier up to the cap", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 3.0, 5)

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(0))
		assert.Equal(t, 300*time.Millisecond, eb.NextDelay(1))
		assert.Equal(t, 900*time.Millisecond, eb.NextDelay(2))
		assert.Equal(t, time.Second, eb.NextDelay(3))
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("conflict")))
		assert.False(t, shouldRetry)
	})
}

func TestStartupBackoff(t *testing.T) {
	eb := StartupBackoff(DefaultStartupRetries)

	assert.Equal(t, 5, eb.MaxRetries())

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for attempt, want := range expected {
		t.Run(fmt.Sprintf("attempt %d", attempt), func(t *testing.T) {
			assert.Equal(t, want, eb.NextDelay(attempt))

			shouldRetry, delay := eb.ShouldRetry(attempt, errors.New("refused"))
			assert.True(t, shouldRetry)
			assert.Equal(t, want, delay)
		})
	}

	t.Run("caps at 30s", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, eb.NextDelay(5))
		assert.Equal(t, 30*time.Second, eb.NextDelay(12))
	})

	t.Run("gives up after the last retry", func(t *testing.T) {
		shouldRetry, _ := eb.ShouldRetry(5, errors.New("refused"))
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})

	t.Run("unlimited never gives up", func(t *testing.T) {
		fd := NewFixedDelay(5*time.Second, Unlimited)

		shouldRetry, delay := fd.ShouldRetry(100000, errors.New("refused"))
		assert.True(t, shouldRetry)
		assert.Equal(t, 5*time.Second, delay)
	})

	t.Run("bounded stops at max", func(t *testing.T) {
		fd := NewFixedDelay(time.Millisecond, 2)

		ok, _ := fd.ShouldRetry(1, errors.New("x"))
		assert.True(t, ok)
		ok, _ = fd.ShouldRetry(2, errors.New("x"))
		assert.False(t, ok)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("succeeds after failures", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("six consecutive failures with five retries is terminal", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, 30*time.Millisecond, 2.0, DefaultStartupRetries)

		var attempts int32
		var notified []int
		lastErr := errors.New("connection refused")

		err := RetryNotify(context.Background(), policy, func() error {
			atomic.AddInt32(&attempts, 1)
			return lastErr
		}, func(attempt int, err error, next time.Duration) {
			notified = append(notified, attempt)
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.ErrorIs(t, err, lastErr)
		assert.Equal(t, int32(6), atomic.LoadInt32(&attempts))
		assert.Equal(t, []int{1, 2, 3, 4, 5}, notified)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 6, retryErr.Attempts)
		assert.Equal(t, 6, retryErr.MaxAttempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		var attempts int32
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, NewFixedDelay(1*time.Second, 5), func() error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("error")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0
		fatal := errors.New("fatal error")

		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			if attempts == 2 {
				return fmt.Errorf("declare: %w", Permanent(fatal))
			}
			return errors.New("retryable error")
		})

		assert.ErrorIs(t, err, fatal)
		assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, 2, attempts)
	})
}

func TestIsRetryableError(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, IsRetryableError(nil))
	})

	t.Run("RetryableError respects Retryable field", func(t *testing.T) {
		assert.True(t, IsRetryableError(RetryableError{Err: errors.New("test"), Retryable: true}))
		assert.False(t, IsRetryableError(RetryableError{Err: errors.New("test"), Retryable: false}))
	})

	t.Run("wrapped ErrNonRetryable", func(t *testing.T) {
		assert.False(t, IsRetryableError(fmt.Errorf("config: %w", ErrNonRetryable)))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, IsRetryableError(errors.New("unknown error")))
	})
}
