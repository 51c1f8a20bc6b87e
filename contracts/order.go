package contracts

// Routing keys for order lifecycle events
const (
	RoutingKeyOrderCreated   = "order.created"
	RoutingKeyOrderUpdated   = "order.updated"
	RoutingKeyOrderCancelled = "order.cancelled"
)

// Event types carried in Envelope.EventType
const (
	EventOrderCreated   = "OrderCreated"
	EventOrderUpdated   = "OrderUpdated"
	EventOrderCancelled = "OrderCancelled"
)

// Order statuses
const (
	StatusCreated    = "created"
	StatusProcessing = "processing"
	StatusShipped    = "shipped"
	StatusCancelled  = "cancelled"
)

// OrderItem is a single line of an order
type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// Order is the data object of every order event
type Order struct {
	ID          string      `json:"id"`
	CustomerID  string      `json:"customerId"`
	Items       []OrderItem `json:"items"`
	TotalAmount float64     `json:"totalAmount"`
	Status      string      `json:"status"`
	CreatedAt   string      `json:"createdAt"`
	UpdatedAt   string      `json:"updatedAt,omitempty"`
	CancelledAt string      `json:"cancelledAt,omitempty"`
}

// DecodeOrder extracts the order carried by an event
func DecodeOrder(event *Envelope) (Order, error) {
	var order Order
	if err := event.DecodeData(&order); err != nil {
		return Order{}, err
	}
	return order, nil
}
