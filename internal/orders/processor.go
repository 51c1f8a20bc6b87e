package orders

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/orderflow/contracts"
)

// OrderProcessor handles events on the orders queue
type OrderProcessor struct {
	processingTime time.Duration
	logger         *slog.Logger
}

// NewOrderProcessor creates a processor spending processingTime per event
func NewOrderProcessor(processingTime time.Duration, logger *slog.Logger) *OrderProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderProcessor{
		processingTime: processingTime,
		logger:         logger.With("service", "orders"),
	}
}

// Handle implements contracts.Handler
func (p *OrderProcessor) Handle(ctx context.Context, event *contracts.Envelope, routingKey string) error {
	order, err := contracts.DecodeOrder(event)
	if err != nil {
		return err
	}

	p.logger.Info("processing event",
		"routingKey", routingKey,
		"orderId", order.ID,
		"status", order.Status)

	if err := sleepContext(ctx, p.processingTime); err != nil {
		return err
	}

	p.logger.Info("order processed", "orderId", order.ID)
	return nil
}
