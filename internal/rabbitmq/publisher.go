package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/orderflow/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes event envelopes as JSON to the channel manager's exchange and
// waits for the broker's confirmation
type Publisher struct {
	channels       *ChannelManager
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channels *ChannelManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	if channels != nil {
		p.logger = channels.logger
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish serializes event to JSON and publishes it as a persistent
// message under routingKey, carrying the event id and type as the AMQP
// message id and type.
//
// It returns true once the broker confirms the message and false when the
// broker applies backpressure (connection blocked or publish nacked); a
// rejected publish is not retried. Invalid routing keys, serialization and
// channel failures, and confirmation timeouts are returned as errors.
func (p *Publisher) Publish(ctx context.Context, routingKey string, event *contracts.Envelope) (bool, error) {
	exchange := p.channels.Exchange()

	if err := contracts.ValidateRoutingKey(routingKey); err != nil {
		return false, p.publishError(exchange, routingKey, err)
	}
	if event == nil {
		return false, p.publishError(exchange, routingKey, fmt.Errorf("%w: nil event", ErrMarshalFailed))
	}

	body, err := json.Marshal(event)
	if err != nil {
		return false, p.publishError(exchange, routingKey, fmt.Errorf("%w: %v", ErrMarshalFailed, err))
	}

	ch, err := p.channels.Acquire(ctx)
	if err != nil {
		return false, p.publishError(exchange, routingKey, err)
	}

	if p.channels.Blocked() {
		p.logger.Warn("publish rejected, connection blocked by broker",
			"exchange", exchange,
			"routingKey", routingKey)
		return false, nil
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    event.GetID(),
		Type:         event.GetType(),
		Body:         body,
	}

	confirmation, err := ch.PublishConfirmed(ctx, exchange, routingKey, msg)
	if err != nil {
		return false, p.publishError(exchange, routingKey, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrPublishTimeout
		}
		return false, p.publishError(exchange, routingKey, err)
	}

	if !acked {
		p.logger.Warn("publish nacked by broker",
			"exchange", exchange,
			"routingKey", routingKey,
			"messageId", msg.MessageId)
		return false, nil
	}

	p.logger.Debug("event published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId)
	return true, nil
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	p.logger.Error("failed to publish event",
		"exchange", exchange,
		"routingKey", routingKey,
		"error", err)

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
