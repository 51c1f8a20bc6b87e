package rabbitmq

import (
	"fmt"
	"time"

	"github.com/glimte/orderflow/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Names used by the order services
const (
	DefaultExchange     = "events_exchange"
	DefaultExchangeType = amqp.ExchangeTopic

	OrdersQueue        = "orders_queue"
	NotificationsQueue = "notifications_queue"
	AnalyticsQueue     = "analytics_queue"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology represents the complete messaging topology
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// EventsExchange returns the durable topic exchange every order event is
// published to
func EventsExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Type:    DefaultExchangeType,
		Durable: true,
	}
}

// DurableQueue returns a durable, shared queue declaration
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:    name,
		Durable: true,
	}
}

// QueueTopology describes durable queues, each bound to exchange under every
// pattern. The exchange itself is left to the ChannelManager.
func QueueTopology(exchange string, queues, patterns []string) Topology {
	var topology Topology
	for _, queue := range queues {
		topology.Queues = append(topology.Queues, DurableQueue(queue))
		for _, pattern := range patterns {
			topology.Bindings = append(topology.Bindings, Binding{
				Queue:      queue,
				Exchange:   exchange,
				RoutingKey: pattern,
			})
		}
	}
	return topology
}

// DeclareTopology declares exchanges, then queues, then bindings. Every
// declaration is idempotent on the broker side.
func DeclareTopology(ch Channel, topology Topology) error {
	for _, exchange := range topology.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return err
		}
	}

	for _, queue := range topology.Queues {
		if _, err := declareQueue(ch, queue); err != nil {
			return err
		}
	}

	for _, binding := range topology.Bindings {
		if err := bindQueue(ch, binding); err != nil {
			return err
		}
	}

	return nil
}

// declareExchange declares an exchange on the given channel
func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "exchange",
			Name:      exchange.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{
			Component: "queue",
			Name:      queue.Name,
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return q, nil
}

// bindQueue binds a queue to an exchange on the given channel
func bindQueue(ch Channel, binding Binding) error {
	if err := contracts.ValidatePattern(binding.RoutingKey); err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue,
			Op:        "bind",
			Err:       fmt.Errorf("%w: %w", ErrInvalidConfiguration, err),
			Timestamp: time.Now(),
		}
	}

	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange + ":" + binding.RoutingKey,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
