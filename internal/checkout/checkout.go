// Package checkout converts a cart's reservations into an immutable order.
//
// The conversion is a saga: each step that changes stock pushes a
// compensating action, and any failure unwinds the list in reverse before
// the error is surfaced. The caller never sees consumed-but-unordered stock.
package checkout

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smontoya/stockroom/internal/cart"
	"github.com/smontoya/stockroom/internal/catalog"
	"github.com/smontoya/stockroom/internal/domain"
	"github.com/smontoya/stockroom/internal/events"
	"github.com/smontoya/stockroom/internal/reservation"
)

type Coordinator struct {
	db      *sql.DB
	log     zerolog.Logger
	carts   *cart.Service
	locks   *reservation.Service
	catalog catalog.Provider
	events  events.Publisher
	holdTTL time.Duration
	now     func() time.Time
}

func New(db *sql.DB, log zerolog.Logger, carts *cart.Service, locks *reservation.Service, cat catalog.Provider, pub events.Publisher, checkoutHoldTTL time.Duration) *Coordinator {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Coordinator{
		db:      db,
		log:     log.With().Str("component", "checkout").Logger(),
		carts:   carts,
		locks:   locks,
		catalog: cat,
		events:  pub,
		holdTTL: checkoutHoldTTL,
		now:     time.Now,
	}
}

type Input struct {
	CartID          string `json:"cart_id,omitempty"`
	ShippingName    string `json:"shipping_name"`
	ShippingAddress string `json:"shipping_address"`
}

type compensation struct {
	name string
	fn   func() error
}

// CreateOrderFromCart is all-or-nothing: either every line is consumed and
// one order exists, or the ledger is left exactly as it was before the call.
func (c *Coordinator) CreateOrderFromCart(ctx context.Context, userID string, in Input) (*domain.Order, error) {
	var ct *domain.Cart
	var err error
	if in.CartID != "" {
		ct, err = c.carts.LoadForUser(ctx, in.CartID, userID)
	} else {
		ct, err = c.carts.GetOrCreate(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	if ct.Status != domain.CartActive {
		return nil, domain.ErrCartNotActive
	}
	if len(ct.Items) == 0 {
		return nil, domain.ErrEmptyCart
	}

	var undo []compensation
	abort := func(cause error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			if err := undo[i].fn(); err != nil {
				c.log.Error().Err(err).Str("step", undo[i].name).Msg("compensation failed")
			}
		}
		return cause
	}

	// Phase 1: every line gets a valid, non-expired hold before anything is
	// consumed. Missing or expired holds get a last-chance re-lock.
	now := c.now()
	holds := make(map[string]*domain.Reservation, len(ct.Items)) // item id -> hold
	for i := range ct.Items {
		it := &ct.Items[i]
		r, err := c.locks.Get(ctx, it.ReservationID)
		switch {
		case err == nil && !r.Expired(now) && r.Quantity == it.Quantity:
			if renewed, err := c.locks.Renew(ctx, r.ID, c.holdTTL); err == nil {
				r = renewed
			}
		case err == nil && !r.Expired(now):
			// hold no longer matches the line; replace it
			if err := c.locks.Release(ctx, r.ID); err != nil {
				return nil, abort(err)
			}
			r = nil
		case err == nil:
			// expired but not yet swept; reclaim it before re-locking
			if err := c.locks.Release(ctx, r.ID); err != nil {
				return nil, abort(err)
			}
			r = nil
		default:
			r = nil
		}
		if r == nil {
			fresh, err := c.locks.Reserve(ctx, it.SKUID, it.Quantity, ct.ID, domain.HoldCheckout, c.holdTTL)
			if err != nil {
				return nil, abort(err)
			}
			id := fresh.ID
			undo = append(undo, compensation{
				name: "release " + it.SKUID,
				fn:   func() error { return c.locks.Release(ctx, id) },
			})
			if err := c.carts.SetItemReservation(ctx, it.ID, fresh.ID); err != nil {
				return nil, abort(err)
			}
			r = fresh
		}
		holds[it.ID] = r
	}

	// Phase 2: consume. This is the single point where stock is permanently
	// committed; each success swaps the release compensation for a restore.
	for i := range ct.Items {
		it := &ct.Items[i]
		rec, err := c.locks.Consume(ctx, holds[it.ID].ID)
		if err != nil {
			return nil, abort(err)
		}
		sku, qty := rec.SKUID, rec.Quantity
		undo = append(undo, compensation{
			name: "restore " + sku,
			fn:   func() error { return c.locks.Restore(ctx, sku, qty, "checkout rollback") },
		})
	}

	// Phase 3: snapshot catalog data at this instant and persist the order.
	o, err := c.buildOrder(ctx, userID, ct, in)
	if err != nil {
		return nil, abort(err)
	}
	if err := c.insertOrder(ctx, o); err != nil {
		return nil, abort(err)
	}
	if err := c.carts.MarkStatus(ctx, ct.ID, domain.CartCheckedOut); err != nil {
		return nil, abort(err)
	}

	c.log.Info().Str("order", o.ID).Str("user", userID).Int64("total_cents", o.TotalCents).Msg("order created")
	c.publishCreated(o)
	return o, nil
}

func (c *Coordinator) buildOrder(ctx context.Context, userID string, ct *domain.Cart, in Input) (*domain.Order, error) {
	nowUnix := c.now().Unix()
	o := &domain.Order{
		ID:              uuid.NewString(),
		UserID:          userID,
		CartID:          ct.ID,
		Status:          domain.OrderPending,
		ShippingName:    in.ShippingName,
		ShippingAddress: in.ShippingAddress,
		CreatedUnix:     nowUnix,
		UpdatedUnix:     nowUnix,
	}
	for _, it := range ct.Items {
		info, err := c.catalog.GetSKU(ctx, it.SKUID)
		if err != nil {
			// fall back to the cart's own snapshot
			info = catalog.SKUInfo{SKUID: it.SKUID, Name: it.Name, UnitPriceCents: it.UnitPriceCents}
		}
		line := domain.OrderItem{
			ID:             uuid.NewString(),
			OrderID:        o.ID,
			SKUID:          it.SKUID,
			SKUCode:        info.SKUCode,
			Name:           info.Name,
			UnitPriceCents: info.UnitPriceCents,
			Quantity:       it.Quantity,
		}
		line.LineTotalCents = line.UnitPriceCents*line.Quantity - line.LineDiscountCents
		o.Items = append(o.Items, line)
		o.SubtotalCents += line.LineTotalCents
	}
	// tax/shipping computation is owned by collaborators; zero-rated here
	o.TotalCents = o.SubtotalCents + o.TaxCents + o.ShippingCents - o.DiscountCents
	return o, nil
}

func (c *Coordinator) insertOrder(ctx context.Context, o *domain.Order) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO orders(id, user_id, cart_id, status, subtotal_cents, tax_cents, shipping_cents,
  discount_cents, total_cents, payment_method, paid_unix, shipping_name, shipping_address,
  created_unix, updated_unix)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.UserID, o.CartID, string(o.Status), o.SubtotalCents, o.TaxCents, o.ShippingCents,
		o.DiscountCents, o.TotalCents, o.PaymentMethod, o.PaidUnix, o.ShippingName, o.ShippingAddress,
		o.CreatedUnix, o.UpdatedUnix); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO order_items(id, order_id, sku_id, sku_code, name, unit_price_cents, qty,
  line_discount_cents, line_total_cents)
VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, it := range o.Items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.OrderID, it.SKUID, it.SKUCode, it.Name,
			it.UnitPriceCents, it.Quantity, it.LineDiscountCents, it.LineTotalCents); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *Coordinator) publishCreated(o *domain.Order) {
	items := make([]events.OrderItemEvt, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, events.OrderItemEvt{
			SKUID: it.SKUID, Name: it.Name, Qty: it.Quantity,
			UnitCents: it.UnitPriceCents, LineCents: it.LineTotalCents,
		})
	}
	if err := c.events.PublishJSON(events.QOrderCreated, events.OrderCreatedPayload{
		OrderID: o.ID, UserID: o.UserID, Items: items, TotalCents: o.TotalCents,
	}); err != nil {
		c.log.Warn().Err(err).Str("order", o.ID).Msg("publish order.created failed")
	}
}
