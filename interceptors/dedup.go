package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/orderflow/contracts"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultDeduplicationCapacity is the number of event ids remembered
const DefaultDeduplicationCapacity = 10000

// DeduplicationInterceptor skips events whose id was already processed
// successfully. Redelivery after a lost ack would otherwise run the handler
// twice. Only the most recent ids are remembered.
type DeduplicationInterceptor struct {
	seen   *lru.Cache
	logger *slog.Logger
}

// NewDeduplicationInterceptor creates an interceptor remembering up to
// capacity event ids
func NewDeduplicationInterceptor(capacity int, logger *slog.Logger) (*DeduplicationInterceptor, error) {
	seen, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("deduplication cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DeduplicationInterceptor{seen: seen, logger: logger}, nil
}

// Intercept implements Interceptor
func (i *DeduplicationInterceptor) Intercept(ctx context.Context, event *contracts.Envelope, routingKey string, next contracts.Handler) error {
	if event.EventID == "" {
		return next(ctx, event, routingKey)
	}

	if i.seen.Contains(event.EventID) {
		i.logger.Info("duplicate event skipped",
			"eventId", event.EventID,
			"eventType", event.EventType,
			"routingKey", routingKey)
		return nil
	}

	if err := next(ctx, event, routingKey); err != nil {
		return err
	}

	i.seen.Add(event.EventID, struct{}{})
	return nil
}

// Seen reports whether eventID was processed
func (i *DeduplicationInterceptor) Seen(eventID string) bool {
	return i.seen.Contains(eventID)
}

// Name implements Interceptor
func (i *DeduplicationInterceptor) Name() string {
	return "DeduplicationInterceptor"
}
