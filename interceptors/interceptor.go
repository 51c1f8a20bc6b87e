package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/orderflow/contracts"
)

// Interceptor processes events before they reach the final handler
type Interceptor interface {
	// Intercept processes an event and calls the next handler in the chain
	Intercept(ctx context.Context, event *contracts.Envelope, routingKey string, next contracts.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Handler wraps finalHandler so that every call passes through the chain.
// Interceptors run in the order they were added.
func (c *InterceptorChain) Handler(finalHandler contracts.Handler) contracts.Handler {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	c.logger.Debug("interceptor chain built", "interceptors", names)

	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, event *contracts.Envelope, routingKey string) error {
			return interceptor.Intercept(ctx, event, routingKey, next)
		}
	}
	return handler
}

// LoggingInterceptor logs event processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, event *contracts.Envelope, routingKey string, next contracts.Handler) error {
	start := time.Now()

	i.logger.Debug("processing event",
		"eventId", event.EventID,
		"eventType", event.EventType,
		"routingKey", routingKey,
	)

	err := next(ctx, event, routingKey)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("event processing failed",
			"eventId", event.EventID,
			"eventType", event.EventType,
			"routingKey", routingKey,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("event processed",
			"eventId", event.EventID,
			"eventType", event.EventType,
			"routingKey", routingKey,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
