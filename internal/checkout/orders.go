package checkout

import (
	"context"
	"database/sql"

	"github.com/smontoya/stockroom/internal/domain"
	"github.com/smontoya/stockroom/internal/events"
)

// Order state machine: PENDING -> CONFIRMED -> SHIPPED -> DELIVERED, with
// CANCELLED reachable from PENDING or CONFIRMED only. Guard violations are
// ErrInvalidStateTransition, never silent no-ops.

// GetOrder loads an order with its lines, enforcing ownership.
func (c *Coordinator) GetOrder(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	o, err := c.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, domain.ErrUnauthorizedCartAccess
	}
	return o, nil
}

// ConfirmPayment records the payment collaborator's result: PENDING ->
// CONFIRMED plus the method tag and timestamp. Protocol details stay outside.
func (c *Coordinator) ConfirmPayment(ctx context.Context, orderID, userID, method string) (*domain.Order, error) {
	o, err := c.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	nowUnix := c.now().Unix()
	res, err := c.db.ExecContext(ctx, `
UPDATE orders SET status=?, payment_method=?, paid_unix=?, updated_unix=?
WHERE id=? AND status=?`,
		string(domain.OrderConfirmed), method, nowUnix, nowUnix,
		orderID, string(domain.OrderPending))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrInvalidStateTransition{OrderID: orderID, From: o.Status, To: domain.OrderConfirmed}
	}
	if err := c.events.PublishJSON(events.QOrderConfirmed, events.OrderConfirmedPayload{
		OrderID: orderID, PaymentMethod: method, PaidUnix: nowUnix,
	}); err != nil {
		c.log.Warn().Err(err).Str("order", orderID).Msg("publish order.confirmed failed")
	}
	return c.loadOrder(ctx, orderID)
}

// MarkAsShipped requires CONFIRMED. Admin-side: no ownership check.
func (c *Coordinator) MarkAsShipped(ctx context.Context, orderID string) (*domain.Order, error) {
	return c.transition(ctx, orderID, domain.OrderConfirmed, domain.OrderShipped)
}

// MarkAsDelivered requires SHIPPED.
func (c *Coordinator) MarkAsDelivered(ctx context.Context, orderID string) (*domain.Order, error) {
	return c.transition(ctx, orderID, domain.OrderShipped, domain.OrderDelivered)
}

// Cancel is rejected once the order has shipped. A successful cancel puts
// every consumed line back into the ledger.
func (c *Coordinator) Cancel(ctx context.Context, orderID, userID, reason string) (*domain.Order, error) {
	o, err := c.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	res, err := c.db.ExecContext(ctx, `
UPDATE orders SET status=?, updated_unix=?
WHERE id=? AND status IN (?,?)`,
		string(domain.OrderCancelled), c.now().Unix(), orderID,
		string(domain.OrderPending), string(domain.OrderConfirmed))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrInvalidStateTransition{OrderID: orderID, From: o.Status, To: domain.OrderCancelled}
	}

	for _, it := range o.Items {
		if err := c.locks.Restore(ctx, it.SKUID, it.Quantity, "order cancelled"); err != nil {
			c.log.Error().Err(err).Str("order", orderID).Str("sku", it.SKUID).Msg("restore on cancel failed")
		}
	}
	if err := c.events.PublishJSON(events.QOrderCancelled, events.OrderCancelledPayload{
		OrderID: orderID, Reason: reason,
	}); err != nil {
		c.log.Warn().Err(err).Str("order", orderID).Msg("publish order.cancelled failed")
	}
	return c.loadOrder(ctx, orderID)
}

// ListMyOrders pages through the user's orders, newest first.
func (c *Coordinator) ListMyOrders(ctx context.Context, userID string, skip, take int) ([]domain.Order, error) {
	if take <= 0 || take > 100 {
		take = 20
	}
	if skip < 0 {
		skip = 0
	}
	rows, err := c.db.QueryContext(ctx, `
SELECT id FROM orders WHERE user_id=? ORDER BY created_unix DESC, id LIMIT ? OFFSET ?`,
		userID, take, skip)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := c.loadOrder(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, nil
}

// OrderStats aggregates the user's orders by status; revenue excludes
// cancelled orders.
func (c *Coordinator) OrderStats(ctx context.Context, userID string) (*domain.OrderStats, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT status, COUNT(*), COALESCE(SUM(total_cents),0)
FROM orders WHERE user_id=? GROUP BY status`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st := &domain.OrderStats{ByStatus: map[domain.OrderStatus]int64{}}
	for rows.Next() {
		var status string
		var count, cents int64
		if err := rows.Scan(&status, &count, &cents); err != nil {
			return nil, err
		}
		st.ByStatus[domain.OrderStatus(status)] = count
		st.TotalOrders += count
		if domain.OrderStatus(status) != domain.OrderCancelled {
			st.RevenueCents += cents
		}
	}
	return st, rows.Err()
}

func (c *Coordinator) transition(ctx context.Context, orderID string, from, to domain.OrderStatus) (*domain.Order, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE orders SET status=?, updated_unix=? WHERE id=? AND status=?`,
		string(to), c.now().Unix(), orderID, string(from))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		o, lerr := c.loadOrder(ctx, orderID)
		if lerr != nil {
			return nil, lerr
		}
		return nil, domain.ErrInvalidStateTransition{OrderID: orderID, From: o.Status, To: to}
	}
	return c.loadOrder(ctx, orderID)
}

func (c *Coordinator) loadOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	var status string
	err := c.db.QueryRowContext(ctx, `
SELECT id, user_id, cart_id, status, subtotal_cents, tax_cents, shipping_cents, discount_cents,
  total_cents, payment_method, paid_unix, shipping_name, shipping_address, created_unix, updated_unix
FROM orders WHERE id=?`, orderID).
		Scan(&o.ID, &o.UserID, &o.CartID, &status, &o.SubtotalCents, &o.TaxCents, &o.ShippingCents,
			&o.DiscountCents, &o.TotalCents, &o.PaymentMethod, &o.PaidUnix, &o.ShippingName,
			&o.ShippingAddress, &o.CreatedUnix, &o.UpdatedUnix)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)

	rows, err := c.db.QueryContext(ctx, `
SELECT id, order_id, sku_id, sku_code, name, unit_price_cents, qty, line_discount_cents, line_total_cents
FROM order_items WHERE order_id=?`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.SKUID, &it.SKUCode, &it.Name,
			&it.UnitPriceCents, &it.Quantity, &it.LineDiscountCents, &it.LineTotalCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}
