package rabbitmq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/orderflow/contracts"
	"github.com/glimte/orderflow/internal/rabbitmq"
	"github.com/glimte/orderflow/internal/rabbitmq/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var serviceQueues = []string{rabbitmq.OrdersQueue, rabbitmq.NotificationsQueue, rabbitmq.AnalyticsQueue}

var orderRoutingKeys = []string{contracts.RoutingKeyOrderCreated, contracts.RoutingKeyOrderUpdated, contracts.RoutingKeyOrderCancelled}

func TestQueueTopology(t *testing.T) {
	topology := rabbitmq.QueueTopology(rabbitmq.DefaultExchange, serviceQueues, orderRoutingKeys)

	assert.Empty(t, topology.Exchanges)

	require.Len(t, topology.Queues, 3)
	for _, q := range topology.Queues {
		assert.True(t, q.Durable, q.Name)
		assert.False(t, q.Exclusive, q.Name)
		assert.False(t, q.AutoDelete, q.Name)
	}

	require.Len(t, topology.Bindings, 9)
	assert.Equal(t, rabbitmq.Binding{
		Queue:      rabbitmq.NotificationsQueue,
		Exchange:   rabbitmq.DefaultExchange,
		RoutingKey: contracts.RoutingKeyOrderCreated,
	}, topology.Bindings[3])
}

func TestDeclareTopology(t *testing.T) {
	t.Run("declares exchanges queues and bindings idempotently", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestConnectionManager(t, broker)
		conn, err := cm.Acquire(context.Background())
		require.NoError(t, err)
		ch, err := conn.Channel()
		require.NoError(t, err)

		topology := rabbitmq.QueueTopology(rabbitmq.DefaultExchange, serviceQueues, orderRoutingKeys)
		topology.Exchanges = []rabbitmq.ExchangeDeclaration{rabbitmq.EventsExchange(rabbitmq.DefaultExchange)}

		require.NoError(t, rabbitmq.DeclareTopology(ch, topology))
		require.NoError(t, rabbitmq.DeclareTopology(ch, topology))

		kind, _ := broker.ExchangeKind(rabbitmq.DefaultExchange)
		assert.Equal(t, amqp.ExchangeTopic, kind)
		assert.True(t, broker.HasQueue(rabbitmq.OrdersQueue))
		assert.True(t, broker.HasQueue(rabbitmq.NotificationsQueue))
		assert.True(t, broker.HasQueue(rabbitmq.AnalyticsQueue))
		assert.Len(t, broker.Bindings(), 9)
	})

	t.Run("binding to a missing exchange is a topology error", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestConnectionManager(t, broker)
		conn, err := cm.Acquire(context.Background())
		require.NoError(t, err)
		ch, err := conn.Channel()
		require.NoError(t, err)

		err = rabbitmq.DeclareTopology(ch, rabbitmq.Topology{
			Queues:   []rabbitmq.QueueDeclaration{rabbitmq.DurableQueue(rabbitmq.OrdersQueue)},
			Bindings: []rabbitmq.Binding{{Queue: rabbitmq.OrdersQueue, Exchange: "missing", RoutingKey: "order.*"}},
		})

		var topoErr *rabbitmq.TopologyError
		require.True(t, errors.As(err, &topoErr))
		assert.Equal(t, "binding", topoErr.Component)
		assert.Equal(t, "bind", topoErr.Op)
		assert.NotErrorIs(t, err, rabbitmq.ErrTopologyConflict)
	})

	t.Run("malformed pattern is rejected before reaching the broker", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newTestConnectionManager(t, broker)
		conn, err := cm.Acquire(context.Background())
		require.NoError(t, err)
		ch, err := conn.Channel()
		require.NoError(t, err)

		err = rabbitmq.DeclareTopology(ch, rabbitmq.Topology{
			Exchanges: []rabbitmq.ExchangeDeclaration{rabbitmq.EventsExchange(rabbitmq.DefaultExchange)},
			Queues:    []rabbitmq.QueueDeclaration{rabbitmq.DurableQueue(rabbitmq.OrdersQueue)},
			Bindings:  []rabbitmq.Binding{{Queue: rabbitmq.OrdersQueue, Exchange: rabbitmq.DefaultExchange, RoutingKey: "order.#x"}},
		})

		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
		assert.ErrorIs(t, err, contracts.ErrInvalidPattern)
		assert.Empty(t, broker.Bindings())
	})
}
