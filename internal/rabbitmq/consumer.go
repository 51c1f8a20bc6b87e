package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/orderflow/contracts"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultPrefetchCount gives fair dispatch: one unacknowledged delivery on
// the channel, so work is spread round-robin across processes on a queue
const DefaultPrefetchCount = 1

// Consumer declares durable queues, binds them to the exchange and feeds
// deliveries to handlers one at a time
type Consumer struct {
	channels      *ChannelManager
	prefetchCount int
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(channels *ChannelManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		channels:      channels,
		prefetchCount: DefaultPrefetchCount,
		logger:        slog.Default(),
	}
	if channels != nil {
		c.logger = channels.logger
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is a running consumer on one queue
type Subscription struct {
	queue   string
	tag     string
	channel Channel
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// Queue returns the consumed queue name
func (s *Subscription) Queue() string {
	return s.queue
}

// Tag returns the consumer tag
func (s *Subscription) Tag() string {
	return s.tag
}

// Done is closed when the subscription stops
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns why the subscription stopped: ErrConsumerCancelled after
// Cancel or context cancellation, ErrChannelClosed when the broker side went
// away. It is nil while the subscription runs.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops consuming and waits until every delivered message is settled
func (s *Subscription) Cancel() {
	s.cancel()
	<-s.done
}

func (s *Subscription) stop(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Consume declares queue as durable, binds it to the exchange under every
// pattern, limits the shared channel to prefetchCount unacknowledged
// deliveries across all of its subscriptions and
// starts delivering to handler. Deliveries are handled strictly in order;
// success acks, failure nacks with requeue. The subscription runs until ctx
// is cancelled or the channel closes.
func (c *Consumer) Consume(ctx context.Context, queue string, patterns []string, handler contracts.Handler) (*Subscription, error) {
	if queue == "" || handler == nil {
		return nil, &ConsumerError{
			Queue:     queue,
			Op:        "subscribe",
			Err:       fmt.Errorf("%w: queue name and handler are required", ErrInvalidConfiguration),
			Timestamp: time.Now(),
		}
	}

	ch, err := c.channels.Acquire(ctx)
	if err != nil {
		return nil, c.consumerError(queue, "acquire channel", err)
	}

	topology := QueueTopology(c.channels.Exchange(), []string{queue}, patterns)
	if err := DeclareTopology(ch, topology); err != nil {
		return nil, c.consumerError(queue, "declare", err)
	}

	// global: the limit is shared by every consumer on the channel
	if err := ch.Qos(c.prefetchCount, 0, true); err != nil {
		return nil, c.consumerError(queue, "set qos", err)
	}

	tag := fmt.Sprintf("%s-%s", queue, uuid.New().String())
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, c.consumerError(queue, "consume", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		queue:   queue,
		tag:     tag,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go c.processMessages(subCtx, sub, deliveries, handler)

	c.logger.Info("consumer started",
		"queue", queue,
		"patterns", patterns,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount)

	return sub, nil
}

// processMessages handles deliveries until the context ends or the broker
// closes the delivery stream
func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler contracts.Handler) {
	defer func() {
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue, "reason", sub.Err())
	}()

	for {
		if ctx.Err() != nil {
			sub.stop(ErrConsumerCancelled)
			c.drain(sub, deliveries)
			return
		}

		select {
		case <-ctx.Done():
			sub.stop(ErrConsumerCancelled)
			c.drain(sub, deliveries)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				sub.stop(ErrChannelClosed)
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}
			c.handleDelivery(ctx, sub.queue, delivery, handler)
		}
	}
}

// drain cancels the broker-side consumer and requeues anything it had
// already pushed, so no delivery stays unsettled on a shared channel
func (c *Consumer) drain(sub *Subscription, deliveries <-chan amqp.Delivery) {
	if err := sub.channel.Cancel(sub.tag, false); err != nil {
		c.logger.Warn("failed to cancel consumer", "queue", sub.queue, "error", err)
		return
	}

	for delivery := range deliveries {
		if err := delivery.Nack(false, true); err != nil {
			c.logger.Error("failed to requeue message on shutdown",
				"queue", sub.queue,
				"deliveryTag", delivery.DeliveryTag,
				"error", err)
		}
	}
}

// handleDelivery decodes and dispatches one delivery and settles it exactly
// once: ack on success, nack with requeue on any failure
func (c *Consumer) handleDelivery(ctx context.Context, queue string, delivery amqp.Delivery, handler contracts.Handler) {
	var event contracts.Envelope
	err := json.Unmarshal(delivery.Body, &event)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidDelivery, err)
	} else {
		err = invoke(ctx, handler, &event, delivery.RoutingKey)
	}

	if err != nil {
		c.logger.Error("error processing message, requeueing",
			"queue", queue,
			"routingKey", delivery.RoutingKey,
			"deliveryTag", delivery.DeliveryTag,
			"redelivered", delivery.Redelivered,
			"eventId", event.EventID,
			"error", err)

		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message",
				"queue", queue,
				"deliveryTag", delivery.DeliveryTag,
				"error", nackErr,
				"originalError", err)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message",
			"queue", queue,
			"deliveryTag", delivery.DeliveryTag,
			"error", ackErr)
	}
}

// invoke runs the handler, turning a panic into an error
func invoke(ctx context.Context, handler contracts.Handler, event *contracts.Envelope, routingKey string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, event, routingKey)
}

func (c *Consumer) consumerError(queue, op string, err error) error {
	c.logger.Error("failed to set up consumer", "queue", queue, "op", op, "error", err)
	return &ConsumerError{
		Queue:     queue,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
