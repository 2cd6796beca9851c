// Package domain holds the entities shared by the stock engine: the
// inventory ledger row, the time-bounded reservation (lock), carts and
// the immutable order snapshot.
package domain

import "time"

type StockStatus string

const (
	StockAvailable StockStatus = "AVAILABLE"
	StockLow       StockStatus = "LOW_STOCK"
	StockOut       StockStatus = "OUT_OF_STOCK"
)

// ClassifyStock derives the coarse status from the committed ledger state.
// Pure; safe under any concurrency.
func ClassifyStock(available, lowThreshold int64) StockStatus {
	switch {
	case available <= 0:
		return StockOut
	case available <= lowThreshold:
		return StockLow
	default:
		return StockAvailable
	}
}

// InventoryRecord is one ledger row per SKU. AvailableQty is always derived
// as OnHandQty-ReservedQty, never stored, so the two counters cannot drift.
type InventoryRecord struct {
	SKUID             string      `json:"sku_id"`
	OnHandQty         int64       `json:"on_hand_qty"`
	ReservedQty       int64       `json:"reserved_qty"`
	AvailableQty      int64       `json:"available_qty"`
	LowStockThreshold int64       `json:"low_stock_threshold"`
	Status            StockStatus `json:"status"`
	LastRestockUnix   int64       `json:"last_restock_unix"`
	UpdatedUnix       int64       `json:"updated_unix"`
}

type HoldReason string

const (
	HoldCart     HoldReason = "CART_HOLD"
	HoldCheckout HoldReason = "CHECKOUT_HOLD"
)

// Reservation is a lease on stock: it counts against ReservedQty until it
// expires, is released, or is consumed into an order.
type Reservation struct {
	ID          string     `json:"id"`
	SKUID       string     `json:"sku_id"`
	CartID      string     `json:"cart_id"`
	Quantity    int64      `json:"quantity"`
	Reason      HoldReason `json:"reason"`
	ExpiresUnix int64      `json:"expires_unix"`
	CreatedUnix int64      `json:"created_unix"`
}

func (r Reservation) ExpiresAt() time.Time { return time.Unix(r.ExpiresUnix, 0) }

func (r Reservation) Expired(now time.Time) bool { return r.ExpiresUnix < now.Unix() }

// ConsumptionRecord reports the terminal deduction made by a consume call.
type ConsumptionRecord struct {
	ReservationID string
	SKUID         string
	Quantity      int64
	ConsumedUnix  int64
}

type CartStatus string

const (
	CartActive     CartStatus = "ACTIVE"
	CartCheckedOut CartStatus = "CHECKED_OUT"
	CartAbandoned  CartStatus = "ABANDONED"
)

type Cart struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Status      CartStatus `json:"status"`
	Items       []CartItem `json:"items"`
	CreatedUnix int64      `json:"created_unix"`
	UpdatedUnix int64      `json:"updated_unix"`
}

type CartItem struct {
	ID             string `json:"id"`
	CartID         string `json:"cart_id"`
	SKUID          string `json:"sku_id"`
	Name           string `json:"name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int64  `json:"quantity"`
	ReservationID  string `json:"reservation_id"`
}

type CartStats struct {
	ItemCount     int   `json:"item_count"`
	TotalQuantity int64 `json:"total_quantity"`
	SubtotalCents int64 `json:"subtotal_cents"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderShipped   OrderStatus = "SHIPPED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order is created only by checkout and never references live reservations:
// by the time it exists the stock has been consumed, not held.
type Order struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	CartID          string      `json:"cart_id"`
	Status          OrderStatus `json:"status"`
	Items           []OrderItem `json:"items"`
	SubtotalCents   int64       `json:"subtotal_cents"`
	TaxCents        int64       `json:"tax_cents"`
	ShippingCents   int64       `json:"shipping_cents"`
	DiscountCents   int64       `json:"discount_cents"`
	TotalCents      int64       `json:"total_cents"`
	PaymentMethod   string      `json:"payment_method"`
	PaidUnix        int64       `json:"paid_unix"`
	ShippingName    string      `json:"shipping_name"`
	ShippingAddress string      `json:"shipping_address"`
	CreatedUnix     int64       `json:"created_unix"`
	UpdatedUnix     int64       `json:"updated_unix"`
}

// OrderItem is an immutable snapshot of the catalog data at checkout time.
type OrderItem struct {
	ID                string `json:"id"`
	OrderID           string `json:"order_id"`
	SKUID             string `json:"sku_id"`
	SKUCode           string `json:"sku_code"`
	Name              string `json:"name"`
	UnitPriceCents    int64  `json:"unit_price_cents"`
	Quantity          int64  `json:"quantity"`
	LineDiscountCents int64  `json:"line_discount_cents"`
	LineTotalCents    int64  `json:"line_total_cents"`
}

type OrderStats struct {
	ByStatus     map[OrderStatus]int64 `json:"by_status"`
	TotalOrders  int64                 `json:"total_orders"`
	RevenueCents int64                 `json:"revenue_cents"`
}

// CartItemCheck is one line of a cart-wide availability validation.
type CartItemCheck struct {
	SKUID       string `json:"sku_id"`
	Quantity    int64  `json:"quantity"`
	Held        int64  `json:"held"`
	Available   int64  `json:"available"`
	Fulfillable bool   `json:"fulfillable"`
}
