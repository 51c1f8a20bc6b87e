package orders

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/glimte/orderflow/contracts"
	"github.com/glimte/orderflow/internal/config"
	"github.com/google/uuid"
)

// Simulator generates order lifecycle events: each flow creates an order,
// updates it and sometimes cancels it.
type Simulator struct {
	publisher   EventPublisher
	routingKeys config.RoutingKeysConfig
	settings    config.SimulationConfig
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	rand *rand.Rand
}

// SimulatorOption configures the simulator
type SimulatorOption func(*Simulator)

// WithRoutingKeys sets the routing keys events are published under
func WithRoutingKeys(keys config.RoutingKeysConfig) SimulatorOption {
	return func(s *Simulator) {
		s.routingKeys = keys
	}
}

// WithSimulation sets the flow timing and probabilities
func WithSimulation(settings config.SimulationConfig) SimulatorOption {
	return func(s *Simulator) {
		s.settings = settings
	}
}

// WithRand sets the random source
func WithRand(r *rand.Rand) SimulatorOption {
	return func(s *Simulator) {
		s.rand = r
	}
}

// WithClock sets the time source for order timestamps
func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		s.now = now
	}
}

// WithSimulatorLogger sets the logger
func WithSimulatorLogger(logger *slog.Logger) SimulatorOption {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// NewSimulator creates a simulator publishing through publisher
func NewSimulator(publisher EventPublisher, options ...SimulatorOption) *Simulator {
	defaults := config.Default()
	s := &Simulator{
		publisher:   publisher,
		routingKeys: defaults.RoutingKeys,
		settings:    defaults.Simulation,
		logger:      slog.Default(),
		now:         time.Now,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// CreateOrder publishes an OrderCreated event for a new random order
func (s *Simulator) CreateOrder(ctx context.Context) (contracts.Order, error) {
	s.mu.Lock()
	order := contracts.Order{
		ID:         uuid.New().String(),
		CustomerID: fmt.Sprintf("customer_%d", s.rand.Intn(1000)),
		Items: []contracts.OrderItem{{
			ProductID: fmt.Sprintf("prod_%d", s.rand.Intn(100)),
			Quantity:  s.rand.Intn(5) + 1,
		}},
		TotalAmount: s.rand.Float64() * 1000,
		Status:      contracts.StatusCreated,
	}
	s.mu.Unlock()
	order.CreatedAt = contracts.FormatTime(s.now())

	if err := s.publish(ctx, s.routingKeys.OrderCreated, contracts.EventOrderCreated, order); err != nil {
		return contracts.Order{}, err
	}
	return order, nil
}

// UpdateOrder moves order to shipped or processing and publishes an
// OrderUpdated event
func (s *Simulator) UpdateOrder(ctx context.Context, order contracts.Order) (contracts.Order, error) {
	updated := order
	if s.chance(s.settings.ShipProbability) {
		updated.Status = contracts.StatusShipped
	} else {
		updated.Status = contracts.StatusProcessing
	}
	updated.UpdatedAt = contracts.FormatTime(s.now())

	if err := s.publish(ctx, s.routingKeys.OrderUpdated, contracts.EventOrderUpdated, updated); err != nil {
		return contracts.Order{}, err
	}
	return updated, nil
}

// CancelOrder publishes an OrderCancelled event for order
func (s *Simulator) CancelOrder(ctx context.Context, order contracts.Order) (contracts.Order, error) {
	cancelled := order
	cancelled.Status = contracts.StatusCancelled
	cancelled.CancelledAt = contracts.FormatTime(s.now())

	if err := s.publish(ctx, s.routingKeys.OrderCancelled, contracts.EventOrderCancelled, cancelled); err != nil {
		return contracts.Order{}, err
	}
	return cancelled, nil
}

// RunFlow creates an order, updates it after a pause and with some
// probability cancels it after another pause
func (s *Simulator) RunFlow(ctx context.Context) error {
	s.logger.Info("creating a new order")
	order, err := s.CreateOrder(ctx)
	if err != nil {
		return err
	}

	if err := sleepContext(ctx, s.settings.UpdateDelay); err != nil {
		return err
	}

	s.logger.Info("updating order", "orderId", order.ID)
	order, err = s.UpdateOrder(ctx, order)
	if err != nil {
		return err
	}

	if s.chance(s.settings.CancelProbability) {
		if err := sleepContext(ctx, s.settings.CancelDelay); err != nil {
			return err
		}

		s.logger.Info("cancelling order", "orderId", order.ID)
		if _, err := s.CancelOrder(ctx, order); err != nil {
			return err
		}
	}

	s.logger.Info("order flow completed", "orderId", order.ID)
	return nil
}

// Run starts a flow immediately and then one per interval until ctx is
// done. A failed flow is logged and does not stop the simulation.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("starting order simulation", "interval", s.settings.Interval)

	s.runFlow(ctx)

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("order simulation stopped")
			return nil
		case <-ticker.C:
			s.runFlow(ctx)
		}
	}
}

func (s *Simulator) runFlow(ctx context.Context) {
	if err := s.RunFlow(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("error in order flow", "error", err)
	}
}

func (s *Simulator) publish(ctx context.Context, routingKey, eventType string, order contracts.Order) error {
	event, err := contracts.NewEnvelope(eventType, order)
	if err != nil {
		return err
	}

	ok, err := s.publisher.Publish(ctx, routingKey, event)
	if err != nil {
		return fmt.Errorf("failed to publish %s for order %s: %w", eventType, order.ID, err)
	}
	if !ok {
		s.logger.Warn("event not accepted by broker",
			"eventId", event.EventID,
			"eventType", eventType,
			"orderId", order.ID)
		return nil
	}

	s.logger.Info("event published",
		"eventId", event.EventID,
		"eventType", eventType,
		"routingKey", routingKey,
		"orderId", order.ID)
	return nil
}

// chance returns true with probability p
func (s *Simulator) chance(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64() < p
}
