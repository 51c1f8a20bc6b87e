package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrManagerClosed    = errors.New("rabbitmq: manager is closed")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrPublishTimeout = errors.New("rabbitmq: publish confirmation timeout")
	ErrMarshalFailed  = errors.New("rabbitmq: failed to serialize message")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")
	ErrInvalidDelivery   = errors.New("rabbitmq: invalid delivery")
	ErrHandlerPanic      = errors.New("rabbitmq: handler panicked")

	// Topology errors
	ErrTopologyConflict = errors.New("rabbitmq: topology declared with conflicting parameters")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue     string    // Queue name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed on queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports false when the consumer could not be set up because of
// a configuration problem
func (e *ConsumerError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTopologyConflict) match broker-side conflicts
func (e *TopologyError) Is(target error) bool {
	return target == ErrTopologyConflict && isPreconditionFailed(e.Err)
}

// IsRetryable reports false for declarations the broker rejected as
// conflicting with what already exists, and for invalid declarations
func (e *TopologyError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// isPreconditionFailed reports a 406 channel exception, which the broker
// raises for inequivalent exchange or queue redeclarations
func isPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.PreconditionFailed
	}
	return false
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrManagerClosed):
		return false
	case errors.Is(err, ErrTopologyConflict):
		return false
	case isPreconditionFailed(err):
		return false
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// SanitizeURL masks the password of a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}
