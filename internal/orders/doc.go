// Package orders holds the business collaborators of the order services: the
// simulator that publishes order lifecycle events and the handlers behind
// the orders, notifications and analytics queues.
package orders

import (
	"context"
	"time"

	"github.com/glimte/orderflow/contracts"
)

// EventPublisher publishes an event under a routing key. A false result
// without error means the broker applied backpressure.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event *contracts.Envelope) (bool, error)
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
