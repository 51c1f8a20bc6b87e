package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// ChannelManager owns a single logical channel multiplexed over the
// ConnectionManager's connection. The channel is put into confirm mode and
// the events exchange is declared each time it is (re)opened. A closed
// channel is only forgotten; the next Acquire derives a new one.
type ChannelManager struct {
	connections *ConnectionManager
	exchange    ExchangeDeclaration
	logger      *slog.Logger

	mu      sync.RWMutex
	channel Channel
	parent  Connection
	closed  bool

	group singleflight.Group
	wg    sync.WaitGroup
}

// ChannelOption configures the ChannelManager
type ChannelOption func(*ChannelManager)

// WithExchange overrides the exchange declared on every new channel
func WithExchange(exchange ExchangeDeclaration) ChannelOption {
	return func(m *ChannelManager) {
		m.exchange = exchange
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelOption {
	return func(m *ChannelManager) {
		m.logger = logger
	}
}

// NewChannelManager creates a channel manager on top of connections
func NewChannelManager(connections *ConnectionManager, options ...ChannelOption) (*ChannelManager, error) {
	if connections == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	m := &ChannelManager{
		connections: connections,
		exchange:    EventsExchange(DefaultExchange),
		logger:      connections.logger,
	}

	for _, opt := range options {
		opt(m)
	}

	if m.exchange.Name == "" || m.exchange.Type == "" {
		return nil, fmt.Errorf("%w: exchange name and type are required", ErrInvalidConfiguration)
	}

	return m, nil
}

// Exchange returns the name of the exchange declared on the channel
func (m *ChannelManager) Exchange() string {
	return m.exchange.Name
}

// Blocked reports broker flow control on the underlying connection
func (m *ChannelManager) Blocked() bool {
	return m.connections.IsBlocked()
}

// Acquire returns the live channel, opening one (and the connection under
// it) if necessary. Concurrent callers share one attempt.
func (m *ChannelManager) Acquire(ctx context.Context) (Channel, error) {
	if ch := m.current(); ch != nil {
		return ch, nil
	}

	result := m.group.DoChan("channel", func() (interface{}, error) {
		return m.open(context.WithoutCancel(ctx))
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Channel), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the cached channel. The connection is left to its manager.
func (m *ChannelManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ch := m.channel
	m.channel = nil
	m.parent = nil
	m.mu.Unlock()

	var err error
	if ch != nil && !ch.IsClosed() {
		err = ch.Close()
	}
	m.wg.Wait()
	return err
}

// current returns the cached channel if both it and its connection are live
func (m *ChannelManager) current() Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed || m.channel == nil || m.channel.IsClosed() {
		return nil
	}
	if m.parent == nil || m.parent.IsClosed() {
		return nil
	}
	return m.channel
}

// open derives a new channel from the current connection. Only ever runs
// inside the singleflight group.
func (m *ChannelManager) open(ctx context.Context) (Channel, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: channel manager closed", ErrManagerClosed)
	}
	if ch := m.current(); ch != nil {
		return ch, nil
	}

	conn, err := m.connections.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &ChannelError{
			Op:        "enable confirms",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := declareExchange(ch, m.exchange); err != nil {
		if !ch.IsClosed() {
			ch.Close()
		}
		m.logger.Error("failed to declare exchange",
			"exchange", m.exchange.Name,
			"type", m.exchange.Type,
			"fatal", IsFatal(err),
			"error", err)
		return nil, err
	}

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ch.Close()
		return nil, fmt.Errorf("%w: channel manager closed", ErrManagerClosed)
	}
	m.channel = ch
	m.parent = conn
	m.wg.Add(1)
	m.mu.Unlock()

	go m.watch(ch, closeCh)

	m.logger.Info("channel created", "exchange", m.exchange.Name)
	return ch, nil
}

// watch forgets ch once the broker or the connection closes it
func (m *ChannelManager) watch(ch Channel, closeCh <-chan *amqp.Error) {
	defer m.wg.Done()

	amqpErr := <-closeCh

	m.mu.Lock()
	if m.channel == ch {
		m.channel = nil
		m.parent = nil
	}
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return
	}
	if amqpErr != nil {
		m.logger.Warn("channel closed", "error", amqpErr)
	} else {
		m.logger.Info("channel closed")
	}
}
