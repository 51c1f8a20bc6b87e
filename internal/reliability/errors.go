package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxRetriesExceeded is matched by the error Retry returns once the
	// policy's attempts are used up
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	// ErrNonRetryable marks an error that must not be retried
	ErrNonRetryable = errors.New("retry: error is not retryable")
)

// RetryError represents a retry operation that ran out of attempts
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	op := e.Op
	if op == "" {
		op = "operation"
	}
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Is lets errors.Is(err, ErrMaxRetriesExceeded) match
func (e *RetryError) Is(target error) bool {
	return target == ErrMaxRetriesExceeded
}

// RetryableError wraps an error to state explicitly whether it is retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as non-retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err, Retryable: false}
}

// IsRetryableError determines if an error is retryable. Errors anywhere in
// the chain implementing IsRetryable() decide; unknown errors are retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}
