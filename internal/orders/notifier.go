package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/orderflow/contracts"
	"github.com/glimte/orderflow/internal/config"
)

// Sender delivers a notification to a customer
type Sender interface {
	Send(ctx context.Context, customerID, message string) error
}

// LogSender writes notifications to the log instead of a real channel
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-backed sender
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender
func (s *LogSender) Send(ctx context.Context, customerID, message string) error {
	s.logger.Info("sending notification", "customerId", customerID, "message", message)
	return nil
}

// Notifier handles events on the notifications queue
type Notifier struct {
	sender      Sender
	routingKeys config.RoutingKeysConfig
	delay       time.Duration
	logger      *slog.Logger
}

// NewNotifier creates a notifier. delay simulates the send latency.
func NewNotifier(sender Sender, routingKeys config.RoutingKeysConfig, delay time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", "notifications")
	if sender == nil {
		sender = NewLogSender(logger)
	}
	return &Notifier{
		sender:      sender,
		routingKeys: routingKeys,
		delay:       delay,
		logger:      logger,
	}
}

// Message renders the customer-facing text for an order event
func (n *Notifier) Message(routingKey string, order contracts.Order) string {
	switch routingKey {
	case n.routingKeys.OrderCreated:
		return fmt.Sprintf("New order created: %s. Thank you for your purchase!", order.ID)
	case n.routingKeys.OrderUpdated:
		return fmt.Sprintf("Your order %s has been updated to: %s", order.ID, order.Status)
	case n.routingKeys.OrderCancelled:
		return fmt.Sprintf("Your order %s has been cancelled.", order.ID)
	default:
		return fmt.Sprintf("Update on your order %s", order.ID)
	}
}

// Handle implements contracts.Handler
func (n *Notifier) Handle(ctx context.Context, event *contracts.Envelope, routingKey string) error {
	order, err := contracts.DecodeOrder(event)
	if err != nil {
		return err
	}

	n.logger.Info("processing event", "routingKey", routingKey, "orderId", order.ID)

	if err := n.sender.Send(ctx, order.CustomerID, n.Message(routingKey, order)); err != nil {
		return fmt.Errorf("failed to notify customer %s: %w", order.CustomerID, err)
	}

	if err := sleepContext(ctx, n.delay); err != nil {
		return err
	}

	n.logger.Info("notification sent", "orderId", order.ID)
	return nil
}
