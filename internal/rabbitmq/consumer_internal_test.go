package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/orderflow/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockAcknowledger records how a delivery was settled
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func TestConsumerHandleDelivery(t *testing.T) {
	body := []byte(`{"eventId":"e-1","eventType":"OrderCreated","timestamp":"2024-05-01T10:00:00Z","data":{"id":"ORD-1"}}`)

	t.Run("successful handler acks once", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Ack", uint64(7), false).Return(nil).Once()

		c := NewConsumer(nil, WithConsumerLogger(discardLogger()))
		var got *contracts.Envelope
		c.handleDelivery(context.Background(), OrdersQueue, amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  7,
			RoutingKey:   contracts.RoutingKeyOrderCreated,
			Body:         body,
		}, func(ctx context.Context, event *contracts.Envelope, routingKey string) error {
			got = event
			assert.Equal(t, contracts.RoutingKeyOrderCreated, routingKey)
			return nil
		})

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		require.NotNil(t, got)
		assert.Equal(t, "e-1", got.EventID)
	})

	t.Run("failing handler nacks with requeue", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(8), false, true).Return(nil).Once()

		c := NewConsumer(nil, WithConsumerLogger(discardLogger()))
		c.handleDelivery(context.Background(), OrdersQueue, amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  8,
			Body:         body,
		}, func(context.Context, *contracts.Envelope, string) error {
			return errors.New("inventory service unavailable")
		})

		ack.AssertExpectations(t)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("panicking handler nacks with requeue", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(9), false, true).Return(nil).Once()

		c := NewConsumer(nil, WithConsumerLogger(discardLogger()))
		c.handleDelivery(context.Background(), OrdersQueue, amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  9,
			Body:         body,
		}, func(context.Context, *contracts.Envelope, string) error {
			panic("nil map")
		})

		ack.AssertExpectations(t)
	})

	t.Run("malformed body nacks without invoking the handler", func(t *testing.T) {
		ack := &mockAcknowledger{}
		ack.On("Nack", uint64(10), false, true).Return(nil).Once()

		c := NewConsumer(nil, WithConsumerLogger(discardLogger()))
		called := false
		c.handleDelivery(context.Background(), OrdersQueue, amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  10,
			Body:         []byte("not json"),
		}, func(context.Context, *contracts.Envelope, string) error {
			called = true
			return nil
		})

		ack.AssertExpectations(t)
		assert.False(t, called)
	})

	t.Run("invoke converts panics", func(t *testing.T) {
		err := invoke(context.Background(), func(context.Context, *contracts.Envelope, string) error {
			panic("boom")
		}, &contracts.Envelope{}, "order.created")
		assert.ErrorIs(t, err, ErrHandlerPanic)
		assert.Contains(t, err.Error(), "boom")
	})
}
