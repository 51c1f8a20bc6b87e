package orders

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/orderflow/contracts"
	"github.com/glimte/orderflow/internal/config"
)

// Metrics are the running order totals kept by Analytics
type Metrics struct {
	TotalOrders     int            `json:"totalOrders"`
	TotalRevenue    float64        `json:"totalRevenue"`
	CancelledOrders int            `json:"cancelledOrders"`
	OrdersByStatus  map[string]int `json:"ordersByStatus"`
}

// Analytics aggregates order events in memory
type Analytics struct {
	routingKeys config.RoutingKeysConfig
	logger      *slog.Logger

	mu      sync.Mutex
	metrics Metrics
}

// NewAnalytics creates an empty aggregate
func NewAnalytics(routingKeys config.RoutingKeysConfig, logger *slog.Logger) *Analytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analytics{
		routingKeys: routingKeys,
		logger:      logger.With("service", "analytics"),
		metrics:     Metrics{OrdersByStatus: make(map[string]int)},
	}
}

// Handle implements contracts.Handler
func (a *Analytics) Handle(ctx context.Context, event *contracts.Envelope, routingKey string) error {
	order, err := contracts.DecodeOrder(event)
	if err != nil {
		return err
	}

	a.logger.Info("processing event", "routingKey", routingKey, "orderId", order.ID)

	a.Record(routingKey, order)

	snapshot := a.Snapshot()
	a.logger.Info("current metrics",
		"totalOrders", snapshot.TotalOrders,
		"totalRevenue", snapshot.TotalRevenue,
		"cancelledOrders", snapshot.CancelledOrders,
		"ordersByStatus", snapshot.OrdersByStatus)
	return nil
}

// Record applies one order event to the totals. Unknown routing keys are
// ignored.
func (a *Analytics) Record(routingKey string, order contracts.Order) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch routingKey {
	case a.routingKeys.OrderCreated:
		a.metrics.TotalOrders++
		a.metrics.TotalRevenue += order.TotalAmount
	case a.routingKeys.OrderUpdated:
	case a.routingKeys.OrderCancelled:
		a.metrics.CancelledOrders++
		a.metrics.TotalRevenue -= order.TotalAmount
	default:
		return
	}
	a.metrics.OrdersByStatus[order.Status]++
}

// Snapshot returns a copy of the current totals
func (a *Analytics) Snapshot() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := a.metrics
	snapshot.OrdersByStatus = make(map[string]int, len(a.metrics.OrdersByStatus))
	for status, count := range a.metrics.OrdersByStatus {
		snapshot.OrdersByStatus[status] = count
	}
	return snapshot
}
