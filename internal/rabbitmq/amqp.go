package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the managers rely on
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel used for topology, publishing and
// consuming
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Confirmation is a pending publisher confirm
type Confirmation interface {
	// WaitContext blocks until the broker acks (true) or nacks (false) the
	// publishing, or ctx is done
	WaitContext(ctx context.Context) (bool, error)
}

// Dialer opens a broker connection
type Dialer func(url string) (Connection, error)

// DialConfig returns a Dialer backed by amqp.DialConfig
func DialConfig(connectionName string, heartbeat, dialTimeout time.Duration) Dialer {
	return func(url string) (Connection, error) {
		props := amqp.NewConnectionProperties()
		if connectionName != "" {
			props.SetClientConnectionName(connectionName)
		}

		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  heartbeat,
			Locale:     "en_US",
			Properties: props,
			Dial:       amqp.DefaultDial(dialTimeout),
		})
		if err != nil {
			return nil, err
		}
		return &amqpConnection{Connection: conn}, nil
	}
}

// amqpConnection adapts *amqp.Connection to Connection
type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

// amqpChannel adapts *amqp.Channel to Channel
type amqpChannel struct {
	*amqp.Channel
}

func (c *amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		// channel is not in confirm mode; the write is all we get
		return confirmed(true), nil
	}
	return dc, nil
}

type confirmed bool

func (c confirmed) WaitContext(context.Context) (bool, error) {
	return bool(c), nil
}
