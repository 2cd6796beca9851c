// Package events publishes domain events to RabbitMQ. Publishing is
// best-effort: a broker outage must never fail the business operation, so
// callers log a warning and move on.
package events

// Publisher is what the services depend on; Rabbit is the real thing and
// Nop is used when no broker is configured (and in tests).
type Publisher interface {
	PublishJSON(queue string, v any) error
	Close()
}

// Queue names. Declared durable at startup.
const (
	QOrderCreated   = "order.created"
	QOrderConfirmed = "order.confirmed"
	QOrderCancelled = "order.cancelled"
	QStockLow       = "stock.low"
)

type OrderItemEvt struct {
	SKUID     string `json:"sku_id"`
	Name      string `json:"name"`
	Qty       int64  `json:"qty"`
	UnitCents int64  `json:"unit_cents"`
	LineCents int64  `json:"line_cents"`
}

type OrderCreatedPayload struct {
	OrderID    string         `json:"order_id"`
	UserID     string         `json:"user_id"`
	Items      []OrderItemEvt `json:"items"`
	TotalCents int64          `json:"total_cents"`
}

type OrderConfirmedPayload struct {
	OrderID       string `json:"order_id"`
	PaymentMethod string `json:"payment_method"`
	PaidUnix      int64  `json:"paid_unix"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type StockLowPayload struct {
	SKUID     string `json:"sku_id"`
	Available int64  `json:"available"`
	Threshold int64  `json:"threshold"`
}

// Nop drops every event.
type Nop struct{}

func (Nop) PublishJSON(string, any) error { return nil }
func (Nop) Close()                        {}
