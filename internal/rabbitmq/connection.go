package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/orderflow/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultReconnectDelay is the fixed wait before re-establishing a lost
	// connection
	DefaultReconnectDelay = 5 * time.Second

	defaultHeartbeat   = 10 * time.Second
	defaultDialTimeout = 30 * time.Second
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns a single logical broker connection. It is
// established lazily, shared by every caller, and re-established after a
// fixed delay whenever the broker or network closes it.
type ConnectionManager struct {
	url            string
	dial           Dialer
	connectionName string
	reconnect      *reliability.FixedDelay
	logger         *slog.Logger

	mu       sync.RWMutex
	conn     Connection
	blocked  bool
	closed   bool
	attempts int // consecutive failed establishments

	group   singleflight.Group
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started sync.Once

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnect = reliability.NewFixedDelay(delay, reliability.Unlimited)
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectionName sets the client-provided connection name shown in the
// broker management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// NewConnectionManager creates a new connection manager. No network
// activity happens until the first Acquire.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:       url,
		reconnect: reliability.NewFixedDelay(DefaultReconnectDelay, reliability.Unlimited),
		logger:    slog.Default(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.dial == nil {
		cm.dial = DialConfig(cm.connectionName, defaultHeartbeat, defaultDialTimeout)
	}

	return cm
}

// Acquire returns the live connection, establishing it if necessary.
// Concurrent callers share a single establishment attempt; ctx only bounds
// how long this caller waits for it.
func (cm *ConnectionManager) Acquire(ctx context.Context) (Connection, error) {
	if conn := cm.current(); conn != nil {
		return conn, nil
	}

	cm.started.Do(cm.startSupervisor)

	result := cm.group.DoChan("connect", func() (interface{}, error) {
		return cm.establish()
	})

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Connection), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.current() != nil
}

// IsBlocked reports whether the broker has flow-blocked the connection
func (cm *ConnectionManager) IsBlocked() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.conn != nil && cm.blocked
}

// Close stops reconnection and closes the live connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	conn := cm.conn
	cm.conn = nil
	close(cm.done)
	cm.mu.Unlock()

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	cm.wg.Wait()
	cm.logger.Info("connection manager shut down", "url", SanitizeURL(cm.url))
	return err
}

// current returns the cached connection if it is still live
func (cm *ConnectionManager) current() Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.closed || cm.conn == nil || cm.conn.IsClosed() {
		return nil
	}
	return cm.conn
}

// establish dials the broker unless another attempt already produced a live
// connection. Only ever runs inside the singleflight group.
func (cm *ConnectionManager) establish() (Connection, error) {
	cm.mu.RLock()
	closed := cm.closed
	cm.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if conn := cm.current(); conn != nil {
		return conn, nil
	}

	conn, err := cm.dial(cm.url)
	if err != nil {
		cm.mu.Lock()
		cm.attempts++
		attempts := cm.attempts
		cm.mu.Unlock()

		cm.logger.Error("failed to connect to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"attempt", attempts,
			"retryIn", cm.reconnect.NextDelay(attempts),
			"error", err)
		cm.signal()

		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockedCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		conn.Close()
		return nil, ErrManagerClosed
	}
	cm.conn = conn
	cm.blocked = false
	cm.attempts = 0
	cm.wg.Add(1)
	cm.mu.Unlock()

	go cm.watch(conn, closeCh, blockedCh)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return conn, nil
}

// watch observes one connection until it closes
func (cm *ConnectionManager) watch(conn Connection, closeCh <-chan *amqp.Error, blockedCh <-chan amqp.Blocking) {
	defer cm.wg.Done()

	for {
		select {
		case b, ok := <-blockedCh:
			if !ok {
				blockedCh = nil
				continue
			}
			cm.mu.Lock()
			if cm.conn == conn {
				cm.blocked = b.Active
			}
			cm.mu.Unlock()
			if b.Active {
				cm.logger.Warn("connection blocked by broker", "reason", b.Reason)
			} else {
				cm.logger.Info("connection unblocked")
			}

		case amqpErr := <-closeCh:
			cm.mu.Lock()
			if cm.conn == conn {
				cm.conn = nil
				cm.blocked = false
			}
			closed := cm.closed
			cm.mu.Unlock()

			if closed {
				return
			}

			var err error
			if amqpErr != nil {
				err = amqpErr
			} else {
				err = ErrConnectionClosed
			}
			cm.logger.Warn("RabbitMQ connection closed",
				"error", err,
				"reconnectIn", cm.reconnect.NextDelay(0))
			cm.notifyDisconnected(err)
			cm.signal()
			return

		case <-cm.done:
			return
		}
	}
}

// signal asks the supervisor for a delayed re-establishment
func (cm *ConnectionManager) signal() {
	select {
	case cm.wake <- struct{}{}:
	default:
	}
}

func (cm *ConnectionManager) startSupervisor() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return
	}
	cm.wg.Add(1)
	go cm.supervise()
}

// supervise owns recovery: every signal is followed by the fixed delay and a
// single-flight establishment, which signals again if it fails
func (cm *ConnectionManager) supervise() {
	defer cm.wg.Done()

	attempt := 0
	for {
		select {
		case <-cm.wake:
		case <-cm.done:
			return
		}

		_, delay := cm.reconnect.ShouldRetry(attempt, ErrConnectionClosed)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cm.done:
			timer.Stop()
			return
		}

		if cm.current() != nil {
			attempt = 0
			continue
		}

		attempt++
		cm.notifyReconnecting(attempt)
		cm.logger.Info("attempting to reconnect", "attempt", attempt)

		result := <-cm.group.DoChan("connect", func() (interface{}, error) {
			return cm.establish()
		})
		if result.Err == nil {
			attempt = 0
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
