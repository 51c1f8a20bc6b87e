package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/orderflow/contracts"
)

// SkipBehavior defines what happens when an event is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the event without error
	SkipSilently SkipBehavior = iota
	// SkipWithLog logs that the event was skipped
	SkipWithLog
)

// TopicFilterInterceptor passes on only events whose routing key matches
// one of its patterns. Skipped events return nil and are therefore acked.
type TopicFilterInterceptor struct {
	patterns     []string
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewTopicFilterInterceptor creates a filter over topic patterns
func NewTopicFilterInterceptor(patterns []string, skipBehavior SkipBehavior, logger *slog.Logger) (*TopicFilterInterceptor, error) {
	for _, pattern := range patterns {
		if err := contracts.ValidatePattern(pattern); err != nil {
			return nil, fmt.Errorf("topic filter: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &TopicFilterInterceptor{
		patterns:     append([]string(nil), patterns...),
		skipBehavior: skipBehavior,
		logger:       logger,
	}, nil
}

// Matches reports whether routingKey passes the filter
func (i *TopicFilterInterceptor) Matches(routingKey string) bool {
	for _, pattern := range i.patterns {
		if contracts.MatchTopic(pattern, routingKey) {
			return true
		}
	}
	return false
}

// Intercept implements Interceptor
func (i *TopicFilterInterceptor) Intercept(ctx context.Context, event *contracts.Envelope, routingKey string, next contracts.Handler) error {
	if i.Matches(routingKey) {
		return next(ctx, event, routingKey)
	}

	if i.skipBehavior == SkipWithLog {
		i.logger.Info("event filtered out",
			"eventId", event.EventID,
			"routingKey", routingKey,
			"patterns", i.patterns)
	}
	return nil
}

// Name implements Interceptor
func (i *TopicFilterInterceptor) Name() string {
	return "TopicFilterInterceptor"
}
