// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orderflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/orderflow/contracts"
	"github.com/glimte/orderflow/internal/rabbitmq"
	"github.com/glimte/orderflow/internal/reliability"
)

// Client owns the broker connection and channel shared by the publisher and
// every consumer of a process
type Client struct {
	url         string
	connections *rabbitmq.ConnectionManager
	channels    *rabbitmq.ChannelManager
	publisher   *rabbitmq.Publisher
	consumer    *rabbitmq.Consumer
	startup     reliability.RetryPolicy
	recovery    reliability.RetryPolicy
	logger      *slog.Logger
}

// NewClient creates a client for the broker at url. No connection is made
// until the first Ready, Publish or Consume.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: broker url is required", rabbitmq.ErrInvalidConfiguration)
	}

	cfg := &clientConfig{
		logger:         slog.Default(),
		exchange:       rabbitmq.DefaultExchange,
		exchangeType:   rabbitmq.DefaultExchangeType,
		startupRetries: reliability.DefaultStartupRetries,
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
	}
	if cfg.reconnectDelay > 0 {
		connOpts = append(connOpts, rabbitmq.WithReconnectDelay(cfg.reconnectDelay))
	}
	if cfg.connectionName != "" {
		connOpts = append(connOpts, rabbitmq.WithConnectionName(cfg.connectionName))
	}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	connections := rabbitmq.NewConnectionManager(url, connOpts...)

	channels, err := rabbitmq.NewChannelManager(connections,
		rabbitmq.WithExchange(rabbitmq.ExchangeDeclaration{
			Name:    cfg.exchange,
			Type:    cfg.exchangeType,
			Durable: true,
		}),
		rabbitmq.WithChannelLogger(cfg.logger),
	)
	if err != nil {
		connections.Close()
		return nil, fmt.Errorf("failed to create channel manager: %w", err)
	}

	pubOpts := []rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.logger)}
	if cfg.confirmTimeout > 0 {
		pubOpts = append(pubOpts, rabbitmq.WithConfirmTimeout(cfg.confirmTimeout))
	}

	consOpts := []rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.logger)}
	if cfg.prefetchCount > 0 {
		consOpts = append(consOpts, rabbitmq.WithPrefetchCount(cfg.prefetchCount))
	}

	startup := cfg.startupPolicy
	if startup == nil {
		startup = reliability.StartupBackoff(cfg.startupRetries)
	}

	reconnectDelay := cfg.reconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = rabbitmq.DefaultReconnectDelay
	}

	return &Client{
		url:         url,
		connections: connections,
		channels:    channels,
		publisher:   rabbitmq.NewPublisher(channels, pubOpts...),
		consumer:    rabbitmq.NewConsumer(channels, consOpts...),
		startup:     startup,
		recovery:    reliability.NewFixedDelay(reconnectDelay, reliability.Unlimited),
		logger:      cfg.logger,
	}, nil
}

// Exchange returns the name of the events exchange
func (c *Client) Exchange() string {
	return c.channels.Exchange()
}

// Ready acquires the shared channel, connecting and declaring the exchange
// if needed
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.channels.Acquire(ctx)
	return err
}

// DeclareQueues declares durable queues bound to the events exchange under
// every pattern, so events published before their consumers start are kept
func (c *Client) DeclareQueues(ctx context.Context, queues, patterns []string) error {
	ch, err := c.channels.Acquire(ctx)
	if err != nil {
		return err
	}
	return rabbitmq.DeclareTopology(ch, rabbitmq.QueueTopology(c.Exchange(), queues, patterns))
}

// IsConnected reports whether a live broker connection exists
func (c *Client) IsConnected() bool {
	return c.connections.IsConnected()
}

// Publish sends event to the events exchange. See rabbitmq.Publisher.
func (c *Client) Publish(ctx context.Context, routingKey string, event *contracts.Envelope) (bool, error) {
	return c.publisher.Publish(ctx, routingKey, event)
}

// PublishEvent wraps data in a new envelope of eventType and publishes it
func (c *Client) PublishEvent(ctx context.Context, routingKey, eventType string, data interface{}) (bool, error) {
	event, err := contracts.NewEnvelope(eventType, data)
	if err != nil {
		return false, err
	}
	return c.publisher.Publish(ctx, routingKey, event)
}

// Consume subscribes handler to queue. See rabbitmq.Consumer.
func (c *Client) Consume(ctx context.Context, queue string, patterns []string, handler contracts.Handler) (*rabbitmq.Subscription, error) {
	return c.consumer.Consume(ctx, queue, patterns, handler)
}

// Bootstrap runs fn under the startup retry policy. It returns nil once fn
// succeeds, the first non-retryable error, or a *reliability.RetryError when
// every attempt failed.
func (c *Client) Bootstrap(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	total := c.startup.MaxRetries() + 1
	attempt := 0

	err := reliability.RetryNotify(ctx, c.startup, func() error {
		attempt++
		c.logger.Info(fmt.Sprintf("starting %s (attempt %d/%d)", name, attempt, total),
			"service", name,
			"attempt", attempt,
			"url", rabbitmq.SanitizeURL(c.url))
		err := fn(ctx)
		if rabbitmq.IsFatal(err) {
			return reliability.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Warn(fmt.Sprintf("failed to start %s (attempt %d/%d)", name, attempt, total),
			"service", name,
			"attempt", attempt,
			"retryIn", next,
			"error", err)
	})
	if err == nil {
		return nil
	}

	var retryErr *reliability.RetryError
	if errors.As(err, &retryErr) {
		retryErr.Op = name
		c.logger.Error("maximum retry attempts reached",
			"service", name,
			"attempts", retryErr.Attempts,
			"error", retryErr.LastError)
		return retryErr
	}

	if ctx.Err() == nil {
		c.logger.Error(fmt.Sprintf("failed to start %s", name), "service", name, "error", err)
	}
	return err
}

// RunConsumer bootstraps a subscription of handler to queue under the
// startup policy and keeps it running until ctx is done. A subscription lost
// with its channel is subscribed again at the reconnect delay for as long as
// the outage lasts. Fatal errors and any other end are returned.
func (c *Client) RunConsumer(ctx context.Context, queue string, patterns []string, handler contracts.Handler) error {
	var sub *rabbitmq.Subscription
	err := c.Bootstrap(ctx, queue, func(ctx context.Context) error {
		s, err := c.consumer.Consume(ctx, queue, patterns, handler)
		if err != nil {
			return err
		}
		sub = s
		return nil
	})

	for err == nil {
		select {
		case <-ctx.Done():
			sub.Cancel()
			return nil
		case <-sub.Done():
		}

		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(sub.Err(), rabbitmq.ErrChannelClosed) {
			return sub.Err()
		}
		c.logger.Warn("subscription lost, restarting consumer", "queue", queue, "error", sub.Err())

		sub, err = c.resubscribe(ctx, queue, patterns, handler)
	}

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// resubscribe retries Consume under the recovery policy until it succeeds,
// ctx is done or the error is fatal. A reconnection reported by the
// connection manager cuts the wait short.
func (c *Client) resubscribe(ctx context.Context, queue string, patterns []string, handler contracts.Handler) (*rabbitmq.Subscription, error) {
	reconnected := make(reconnectSignal, 1)
	c.connections.AddStateListener(reconnected)
	defer c.connections.RemoveStateListener(reconnected)

	for attempt := 1; ; attempt++ {
		sub, err := c.consumer.Consume(ctx, queue, patterns, handler)
		if err == nil {
			c.logger.Info("consumer resubscribed", "queue", queue, "attempt", attempt)
			return sub, nil
		}
		if rabbitmq.IsFatal(err) {
			return nil, err
		}

		retry, delay := c.recovery.ShouldRetry(attempt-1, err)
		if !retry {
			return nil, err
		}
		c.logger.Warn("failed to resubscribe consumer",
			"queue", queue,
			"attempt", attempt,
			"retryIn", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-reconnected:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// reconnectSignal receives a token each time the connection is established
type reconnectSignal chan struct{}

func (s reconnectSignal) OnConnected() {
	select {
	case s <- struct{}{}:
	default:
	}
}

func (s reconnectSignal) OnDisconnected(error) {}

func (s reconnectSignal) OnReconnecting(int) {}

// Close closes the channel and the connection
func (c *Client) Close() error {
	return errors.Join(c.channels.Close(), c.connections.Close())
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	exchange       string
	exchangeType   string
	reconnectDelay time.Duration
	confirmTimeout time.Duration
	prefetchCount  int
	connectionName string
	startupRetries int
	startupPolicy  reliability.RetryPolicy
	dialer         rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithExchange sets the events exchange name and type
func WithExchange(name, kind string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.exchange = name
		cfg.exchangeType = kind
	}
}

// WithReconnectDelay sets the fixed delay before a lost connection is
// re-established
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm
func WithConfirmTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.confirmTimeout = timeout
	}
}

// WithPrefetchCount sets the per-consumer unacknowledged delivery limit
func WithPrefetchCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = count
	}
}

// WithConnectionName sets the connection name shown by the broker
func WithConnectionName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectionName = name
	}
}

// WithStartupRetries sets how many times Bootstrap retries after the first
// attempt
func WithStartupRetries(retries int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.startupRetries = retries
	}
}

// WithStartupPolicy replaces the startup backoff used by Bootstrap
func WithStartupPolicy(policy reliability.RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.startupPolicy = policy
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}
